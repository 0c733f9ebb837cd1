package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"newswatch/internal/run"
	"newswatch/internal/runner"
	"newswatch/internal/storage"
	logx "newswatch/pkg/logx"
)

func jobID(category string) string {
	slug := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(category)), " ", "_")
	return "category_run_" + slug
}

// Register creates or replaces the schedule for one category. The
// expression is validated before anything changes; rows are disabled,
// never deleted, so run history keeps its schedule reference.
func (s *Service) Register(ctx context.Context, category, expr string, enabled bool) error {
	category = strings.TrimSpace(category)
	if category == "" {
		return fmt.Errorf("%w: empty category", ErrInvalidCron)
	}
	if strings.TrimSpace(expr) == "" {
		expr = s.cfg.DefaultCron
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(category)
	d, ok := s.defs[key]
	if !ok {
		d = &scheduleDef{id: jobID(category), category: category}
		// Rebuild from the persisted row so a pause survives restart.
		if prev, err := s.store.GetSchedule(ctx, category); err == nil {
			d.paused = prev.Paused
		}
		s.defs[key] = d
	}
	s.removeEntryLocked(d)
	d.expr = expr
	d.sched = sched
	d.enabled = enabled

	if err := s.store.UpsertSchedule(ctx, storage.Schedule{
		ID:       d.id,
		Category: d.category,
		CronExpr: d.expr,
		Enabled:  d.enabled,
		Paused:   d.paused,
	}); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}

	if s.c != nil && d.enabled && !d.paused {
		s.addEntryLocked(ctx, d)
	}
	s.log.Info("schedule registered",
		logx.String("category", d.category),
		logx.String("cron", d.expr),
		logx.Bool("enabled", d.enabled))
	return nil
}

// Update changes the cron expression and/or enabled flag of an
// existing schedule. A nil enabled and an empty expression each keep
// the current value; on an invalid expression the previous schedule
// keeps firing.
func (s *Service) Update(ctx context.Context, category, expr string, enabled *bool) error {
	s.mu.Lock()
	d, ok := s.defs[strings.ToLower(strings.TrimSpace(category))]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSchedule, category)
	}
	if strings.TrimSpace(expr) == "" {
		expr = d.expr
	}
	en := d.enabled
	if enabled != nil {
		en = *enabled
	}
	return s.Register(ctx, d.category, expr, en)
}

// Pause stops fires for the category without forgetting the schedule.
func (s *Service) Pause(ctx context.Context, category string) error {
	return s.setPaused(ctx, category, true)
}

// Resume re-installs the schedule; the next fire is computed from now,
// fires missed while paused are not replayed.
func (s *Service) Resume(ctx context.Context, category string) error {
	return s.setPaused(ctx, category, false)
}

func (s *Service) setPaused(ctx context.Context, category string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.defs[strings.ToLower(strings.TrimSpace(category))]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSchedule, category)
	}
	if d.paused == paused {
		return nil
	}
	d.paused = paused
	if paused {
		s.removeEntryLocked(d)
	}

	if err := s.store.UpsertSchedule(ctx, storage.Schedule{
		ID:       d.id,
		Category: d.category,
		CronExpr: d.expr,
		Enabled:  d.enabled,
		Paused:   d.paused,
	}); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}

	if !paused && s.c != nil && d.enabled {
		s.addEntryLocked(ctx, d)
	}
	s.log.Info("schedule paused state changed",
		logx.String("category", d.category), logx.Bool("paused", paused))
	return nil
}

// FireNow triggers a manual run, bypassing pause state and the cron
// timetable. Conflict and unknown-category errors pass through from the
// runner.
func (s *Service) FireNow(ctx context.Context, category string) (string, error) {
	return s.exec.Trigger(ctx, runner.TriggerRequest{
		Category: category,
		Origin:   run.TriggerManual,
	})
}

// NextFireTime reports the next computed fire for the category, or
// false when the schedule is unknown, paused, or the engine is stopped.
func (s *Service) NextFireTime(category string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.defs[strings.ToLower(strings.TrimSpace(category))]
	if !ok || s.c == nil || !d.hasEntry {
		return time.Time{}, false
	}
	next := s.c.Entry(d.entryID).Next
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// Snapshot is the storage-free health view.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Enabled:   s.cfg.Enabled,
		Running:   s.c != nil,
		Timezone:  s.cfg.Timezone,
		NextFires: map[string]time.Time{},
	}
	for _, d := range s.defs {
		if !d.hasEntry || s.c == nil {
			continue
		}
		snap.Jobs++
		if next := s.c.Entry(d.entryID).Next; !next.IsZero() {
			snap.NextFires[d.category] = next
		}
	}
	return snap
}

// Schedules merges the persisted rows with live cron state and the most
// recent run per category. This is the listing the admin API serves.
func (s *Service) Schedules(ctx context.Context) ([]ScheduleStatus, error) {
	rows, err := s.store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestPerCategory(ctx)
	if err != nil {
		return nil, err
	}
	lastByCat := make(map[string]*run.Run, len(latest))
	for _, r := range latest {
		lastByCat[strings.ToLower(r.Category)] = r
	}

	out := make([]ScheduleStatus, 0, len(rows))
	for _, sc := range rows {
		st := ScheduleStatus{
			Schedule: sc,
			Running:  s.exec.Running(sc.Category),
			LastRun:  lastByCat[strings.ToLower(sc.Category)],
		}
		if next, ok := s.NextFireTime(sc.Category); ok {
			st.Next = next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Schedule.Category < out[j].Schedule.Category
	})
	return out, nil
}
