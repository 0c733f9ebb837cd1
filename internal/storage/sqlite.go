package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"newswatch/internal/run"
	logx "newswatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Schedules ----

func (s *sqliteStore) UpsertSchedule(ctx context.Context, sc Schedule) error {
	now := time.Now()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(category, id, cron_expr, enabled, paused, next_fire_at, last_fired_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(category) DO UPDATE SET
		   cron_expr=excluded.cron_expr,
		   enabled=excluded.enabled,
		   paused=excluded.paused,
		   next_fire_at=COALESCE(excluded.next_fire_at, next_fire_at),
		   updated_at=excluded.updated_at`,
		sc.Category, sc.ID, sc.CronExpr, boolInt(sc.Enabled), boolInt(sc.Paused),
		nullTime(sc.NextFireAt), nullTime(sc.LastFiredAt),
		sc.CreatedAt.Format(time.RFC3339Nano), sc.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

const scheduleCols = `category, id, cron_expr, enabled, paused, next_fire_at, last_fired_at, created_at, updated_at`

func (s *sqliteStore) GetSchedule(ctx context.Context, category string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE category = ?`, category)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveFireTimes(ctx context.Context, category string, next, last time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_fire_at = ?, last_fired_at = COALESCE(?, last_fired_at), updated_at = ? WHERE category = ?`,
		nullTime(next), nullTime(last), time.Now().Format(time.RFC3339Nano), category)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (Schedule, error) {
	var (
		sc               Schedule
		enabled, paused  int
		next, last       sql.NullString
		created, updated string
	)
	err := r.Scan(&sc.Category, &sc.ID, &sc.CronExpr, &enabled, &paused, &next, &last, &created, &updated)
	if err != nil {
		return Schedule{}, err
	}
	sc.Enabled = enabled != 0
	sc.Paused = paused != 0
	sc.NextFireAt = parseTime(next)
	sc.LastFiredAt = parseTime(last)
	sc.CreatedAt = parseTime(sql.NullString{String: created, Valid: true})
	sc.UpdatedAt = parseTime(sql.NullString{String: updated, Valid: true})
	return sc, nil
}

// ---- Run ledger ----

const runCols = `id, category, trigger_origin, status, schedule_id, scheduled_at, created_at,
	started_at, completed_at, start_delay_ms, items_found, error_message,
	delivery_status, delivery_sent_at, delivery_recipients, pdf_generated, pdf_size_bytes, delivery_error,
	alert_status, alert_sent, alert_sent_at, alert_critical_count, alert_error`

func (s *sqliteStore) CreateRun(ctx context.Context, r *run.Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = run.StatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, category, trigger_origin, status, schedule_id, scheduled_at, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.Category, string(r.TriggerOrigin), string(r.Status),
		nullStr(r.ScheduleID), nullTime(r.ScheduledAt), r.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// guardedUpdate runs an UPDATE constrained to the given predecessor states
// and translates "0 rows" into ErrNotFound or run.ErrInvalidTransition.
func (s *sqliteStore) guardedUpdate(ctx context.Context, id string, from []run.Status, query string, args ...any) error {
	placeholders := make([]string, len(from))
	all := append([]any{}, args...)
	all = append(all, id)
	for i, st := range from {
		placeholders[i] = "?"
		all = append(all, string(st))
	}
	q := query + ` WHERE id = ? AND status IN (` + strings.Join(placeholders, ",") + `)`

	res, err := s.db.ExecContext(ctx, q, all...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var cur string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("run %s is %s: %w", id, cur, run.ErrInvalidTransition)
}

func (s *sqliteStore) MarkRunning(ctx context.Context, id string, startedAt time.Time, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return s.guardedUpdate(ctx, id, []run.Status{run.StatusPending},
		`UPDATE runs SET status = 'running', started_at = ?, start_delay_ms = ?`,
		startedAt.Format(time.RFC3339Nano), delay.Milliseconds())
}

func (s *sqliteStore) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	return s.guardedUpdate(ctx, id, []run.Status{run.StatusRunning},
		`UPDATE runs SET status = 'completed', completed_at = ?`,
		completedAt.Format(time.RFC3339Nano))
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, completedAt time.Time, errMsg string) error {
	return s.guardedUpdate(ctx, id, []run.Status{run.StatusPending, run.StatusRunning},
		`UPDATE runs SET status = 'failed', completed_at = ?, error_message = ?`,
		completedAt.Format(time.RFC3339Nano), nullStr(errMsg))
}

func (s *sqliteStore) SetItemsFound(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET items_found = ? WHERE id = ?`, n, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RecordDelivery(ctx context.Context, id string, o run.DeliveryOutcome) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET delivery_status = ?, delivery_sent_at = ?, delivery_recipients = ?,
		 pdf_generated = ?, pdf_size_bytes = ?, delivery_error = ? WHERE id = ?`,
		string(o.Status), nullTime(o.SentAt), o.RecipientCount,
		boolInt(o.PDFGenerated), o.PDFSizeBytes, nullStr(o.ErrorMessage), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RecordAlert(ctx context.Context, id string, o run.AlertOutcome) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET alert_status = ?, alert_sent = ?, alert_sent_at = ?,
		 alert_critical_count = ?, alert_error = ? WHERE id = ?`,
		string(o.Status), boolInt(o.Sent), nullTime(o.SentAt),
		o.CriticalCount, nullStr(o.ErrorMessage), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, f run.Filter) ([]*run.Run, error) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Origin != "" {
		where = append(where, "trigger_origin = ?")
		args = append(args, string(f.Origin))
	}
	q := `SELECT ` + runCols + ` FROM runs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, rowid DESC`
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = 50
	case limit > 500:
		limit = 500
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *sqliteStore) LatestPerCategory(ctx context.Context) ([]*run.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runCols+` FROM runs
		 WHERE rowid IN (SELECT MAX(rowid) FROM runs GROUP BY category)
		 ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *sqliteStore) Stats(ctx context.Context, group run.StatGroup) ([]run.StatBucket, error) {
	var col string
	switch group {
	case run.GroupByStatus:
		col = "status"
	case run.GroupByOrigin:
		col = "trigger_origin"
	case run.GroupByCategory:
		col = "category"
	default:
		return nil, fmt.Errorf("unknown stats group %q", group)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+col+`, COUNT(*) FROM runs GROUP BY `+col+` ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []run.StatBucket
	for rows.Next() {
		var b run.StatBucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReconcileInterrupted(ctx context.Context, note string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'failed', completed_at = ?, error_message = ?
		 WHERE status = 'running'`,
		time.Now().Format(time.RFC3339Nano), note)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func collectRuns(rows *sql.Rows) ([]*run.Run, error) {
	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*run.Run, error) {
	var (
		r                      run.Run
		origin, status         string
		schedID, errMsg        sql.NullString
		schedAt, created       sql.NullString
		started, completed     sql.NullString
		delayMS                sql.NullInt64
		dStatus, dSentAt, dErr sql.NullString
		dRecipients, pdfGen    sql.NullInt64
		pdfSize                sql.NullInt64
		aStatus, aSentAt, aErr sql.NullString
		aSent, aCriticalCount  sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Category, &origin, &status, &schedID, &schedAt, &created,
		&started, &completed, &delayMS, &r.ItemsFound, &errMsg,
		&dStatus, &dSentAt, &dRecipients, &pdfGen, &pdfSize, &dErr,
		&aStatus, &aSent, &aSentAt, &aCriticalCount, &aErr)
	if err != nil {
		return nil, err
	}
	r.TriggerOrigin = run.TriggerOrigin(origin)
	r.Status = run.Status(status)
	r.ScheduleID = schedID.String
	r.ScheduledAt = parseTime(schedAt)
	r.CreatedAt = parseTime(created)
	r.StartedAt = parseTime(started)
	r.CompletedAt = parseTime(completed)
	if delayMS.Valid {
		r.StartDelay = time.Duration(delayMS.Int64) * time.Millisecond
	}
	r.ErrorMessage = errMsg.String

	if dStatus.Valid {
		r.Delivery = &run.DeliveryOutcome{
			Status:         run.DeliveryStatus(dStatus.String),
			SentAt:         parseTime(dSentAt),
			RecipientCount: int(dRecipients.Int64),
			PDFGenerated:   pdfGen.Int64 != 0,
			PDFSizeBytes:   pdfSize.Int64,
			ErrorMessage:   dErr.String,
		}
	}
	if aStatus.Valid {
		r.Alert = &run.AlertOutcome{
			Status:        run.AlertStatus(aStatus.String),
			Sent:          aSent.Int64 != 0,
			SentAt:        parseTime(aSentAt),
			CriticalCount: int(aCriticalCount.Int64),
			ErrorMessage:  aErr.String,
		}
	}
	return &r, nil
}

// ---- helpers ----

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
