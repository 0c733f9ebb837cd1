// Package scheduler turns persisted per-category cron schedules into
// runner triggers. Schedules survive restarts; a fire the process slept
// through is detected on startup by comparing the stored next fire time
// against the misfire grace window.
package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"newswatch/internal/run"
	"newswatch/internal/runner"
	"newswatch/internal/storage"
	logx "newswatch/pkg/logx"
)

func New(cfg Config, store storage.Store, exec Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = time.Hour
	}
	return &Service{
		log:   log,
		cfg:   cfg,
		store: store,
		exec:  exec,
		// Standard 5-field specs plus @daily style descriptors. Seconds
		// granularity is not needed for business-day digests.
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*scheduleDef{},
	}
}

// Enabled reports the config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start loads the timezone, catches up at most one missed fire per
// schedule, installs the cron entries, and starts the engine. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for _, d := range s.defs {
		if !d.enabled || d.paused {
			continue
		}
		s.catchUpLocked(ctx, d)
		s.addEntryLocked(ctx, d)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering. In-flight runs are the runner's problem.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.hasEntry = false
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// catchUpLocked fires at most one missed schedule from a previous
// process lifetime. Only the stored (most recent) fire is considered;
// anything staler than the grace window is skipped with a log line.
func (s *Service) catchUpLocked(ctx context.Context, d *scheduleDef) {
	sc, err := s.store.GetSchedule(ctx, d.category)
	if err != nil {
		return
	}
	if sc.NextFireAt.IsZero() || !sc.NextFireAt.Before(time.Now()) {
		return
	}
	age := time.Since(sc.NextFireAt)
	log := s.log.With(logx.String("category", d.category), logx.Time("missed", sc.NextFireAt))
	if age > s.cfg.MisfireGrace {
		log.Warn("misfire skipped", logx.Duration("age", age), logx.Duration("grace", s.cfg.MisfireGrace))
		return
	}
	log.Info("misfire caught up", logx.Duration("age", age))
	s.fire(d.category, d.id, sc.NextFireAt)
}

// addEntryLocked installs the cron entry and persists the committed
// next fire time. Call with s.mu held and s.c non-nil.
func (s *Service) addEntryLocked(ctx context.Context, d *scheduleDef) {
	category, id := d.category, d.id
	eid := s.c.Schedule(d.sched, cron.FuncJob(func() {
		s.onFire(category, id)
	}))
	d.entryID = eid
	d.hasEntry = true

	next := d.sched.Next(time.Now().In(s.loc))
	if err := s.store.SaveFireTimes(ctx, d.category, next, time.Time{}); err != nil {
		s.log.Warn("next fire persist failed", logx.String("category", d.category), logx.Err(err))
	}
}

func (s *Service) removeEntryLocked(d *scheduleDef) {
	if s.c != nil && d.hasEntry {
		s.c.Remove(d.entryID)
	}
	d.hasEntry = false
}

// onFire runs on the cron goroutine. It commits the following fire time
// to storage before triggering so a crash mid-run is detectable as a
// misfire on the next start.
func (s *Service) onFire(category, scheduleID string) {
	now := time.Now()

	s.mu.Lock()
	d, ok := s.defs[strings.ToLower(category)]
	if !ok || !d.hasEntry {
		s.mu.Unlock()
		return
	}
	next := d.sched.Next(now.In(s.loc))
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.SaveFireTimes(ctx, category, next, now); err != nil {
		s.log.Warn("fire times persist failed", logx.String("category", category), logx.Err(err))
	}

	s.fire(category, scheduleID, now)
}

func (s *Service) fire(category, scheduleID string, scheduledAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runID, err := s.exec.Trigger(ctx, runner.TriggerRequest{
		Category:    category,
		Origin:      run.TriggerScheduled,
		ScheduleID:  scheduleID,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		// A fire that lands while the previous run is still going is
		// dropped, not queued.
		s.log.Warn("scheduled fire dropped", logx.String("category", category), logx.Err(err))
		return
	}
	s.log.Info("scheduled fire", logx.String("category", category), logx.String("run_id", runID))
}
