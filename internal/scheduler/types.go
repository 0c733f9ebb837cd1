package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"newswatch/internal/run"
	"newswatch/internal/runner"
	"newswatch/internal/storage"
	logx "newswatch/pkg/logx"
)

var (
	// ErrInvalidCron is returned when a schedule expression does not
	// parse. The previous expression stays in effect.
	ErrInvalidCron = errors.New("scheduler: invalid cron expression")

	// ErrUnknownSchedule is returned for operations on a category that
	// has no registered schedule.
	ErrUnknownSchedule = errors.New("scheduler: unknown schedule")
)

// Config controls the trigger engine.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "America/Sao_Paulo"

	// MisfireGrace bounds how stale a missed fire may be and still be
	// caught up at startup. Older misfires are logged and skipped.
	MisfireGrace time.Duration // default 1h

	// DefaultCron is used when a registration omits an expression.
	DefaultCron string
}

// Runner is the executor the scheduler fires into.
type Runner interface {
	Trigger(ctx context.Context, req runner.TriggerRequest) (string, error)
	Running(category string) bool
}

type scheduleDef struct {
	id       string
	category string
	expr     string
	sched    cron.Schedule
	enabled  bool
	paused   bool

	entryID  cron.EntryID
	hasEntry bool
}

// Service owns the cron engine and the persisted schedule rows. It only
// triggers; execution happens in the runner.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	store storage.Store
	exec  Runner

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef // lower-cased category
}

// ScheduleStatus is one schedule merged with its live cron state and
// the most recent run for the category.
type ScheduleStatus struct {
	Schedule storage.Schedule
	Next     time.Time
	Running  bool
	LastRun  *run.Run
}

// Snapshot is the cheap health view; it reads no storage.
type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Jobs      int
	NextFires map[string]time.Time
}
