package storage

import (
	"context"
	"errors"
	"time"

	"newswatch/internal/run"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Schedule is the persisted trigger definition for one category.
// At most one row per category; rows are disabled, never deleted.
type Schedule struct {
	ID       string
	Category string
	CronExpr string
	Enabled  bool
	Paused   bool

	// NextFireAt is the fire time the engine committed to before going
	// to sleep; it is what misfire detection compares against on restart.
	NextFireAt  time.Time
	LastFiredAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the persistence API used by the scheduler and the run ledger.
//
// Run status writes go through the Mark* methods, which enforce the
// pending -> running -> completed|failed state machine at the SQL level
// so a lost race surfaces as run.ErrInvalidTransition instead of a
// silently overwritten row.
type Store interface {
	// Schedules. UpsertSchedule with a zero NextFireAt keeps the stored
	// fire times; only SaveFireTimes advances them.
	UpsertSchedule(ctx context.Context, s Schedule) error
	GetSchedule(ctx context.Context, category string) (Schedule, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
	SaveFireTimes(ctx context.Context, category string, next, last time.Time) error

	// Run ledger.
	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	MarkRunning(ctx context.Context, id string, startedAt time.Time, delay time.Duration) error
	MarkCompleted(ctx context.Context, id string, completedAt time.Time) error
	MarkFailed(ctx context.Context, id string, completedAt time.Time, errMsg string) error
	SetItemsFound(ctx context.Context, id string, n int) error
	RecordDelivery(ctx context.Context, id string, o run.DeliveryOutcome) error
	RecordAlert(ctx context.Context, id string, o run.AlertOutcome) error
	ListRuns(ctx context.Context, f run.Filter) ([]*run.Run, error)
	LatestPerCategory(ctx context.Context) ([]*run.Run, error)
	Stats(ctx context.Context, group run.StatGroup) ([]run.StatBucket, error)

	// ReconcileInterrupted marks every run left in running state by a
	// previous process lifetime as failed with the given note. Returns
	// the number of reconciled rows.
	ReconcileInterrupted(ctx context.Context, note string) (int, error)

	Close() error
}
