// Package storage persists schedules and the run ledger in SQLite.
//
// The schema lives in migrations.sql and is applied on Open. Run status
// writes enforce the run state machine; everything else is plain CRUD.
package storage
