package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"newswatch/internal/run"
	logx "newswatch/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestRun(id, category string) *run.Run {
	return &run.Run{
		ID:            id,
		Category:      category,
		TriggerOrigin: run.TriggerManual,
		Status:        run.StatusPending,
		CreatedAt:     time.Now(),
	}
}

func TestScheduleUpsertAndFireTimes(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	sc := Schedule{
		ID:       "category_run_health",
		Category: "Health",
		CronExpr: "0 8 * * 1-5",
		Enabled:  true,
	}
	if err := st.UpsertSchedule(ctx, sc); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}

	got, err := st.GetSchedule(ctx, "Health")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.CronExpr != sc.CronExpr || !got.Enabled || got.Paused {
		t.Fatalf("unexpected schedule: %+v", got)
	}

	next := time.Now().Add(time.Hour).Round(time.Second)
	last := time.Now().Round(time.Second)
	if err := st.SaveFireTimes(ctx, "Health", next, last); err != nil {
		t.Fatalf("SaveFireTimes: %v", err)
	}
	got, _ = st.GetSchedule(ctx, "Health")
	if !got.NextFireAt.Equal(next) || !got.LastFiredAt.Equal(last) {
		t.Fatalf("fire times not persisted: next=%v last=%v", got.NextFireAt, got.LastFiredAt)
	}

	// zero last leaves the previous value in place
	next2 := next.Add(24 * time.Hour)
	if err := st.SaveFireTimes(ctx, "Health", next2, time.Time{}); err != nil {
		t.Fatalf("SaveFireTimes: %v", err)
	}
	got, _ = st.GetSchedule(ctx, "Health")
	if !got.NextFireAt.Equal(next2) {
		t.Fatalf("next not updated: %v", got.NextFireAt)
	}
	if !got.LastFiredAt.Equal(last) {
		t.Fatalf("last was clobbered: %v", got.LastFiredAt)
	}

	// upsert replaces the cron expression, not the identity
	sc.CronExpr = "30 9 * * *"
	if err := st.UpsertSchedule(ctx, sc); err != nil {
		t.Fatalf("UpsertSchedule update: %v", err)
	}
	list, err := st.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(list) != 1 || list[0].CronExpr != "30 9 * * *" {
		t.Fatalf("unexpected schedules: %+v", list)
	}

	if err := st.SaveFireTimes(ctx, "Nope", next, last); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SaveFireTimes unknown category: %v", err)
	}
	if _, err := st.GetSchedule(ctx, "Nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSchedule unknown category: %v", err)
	}
}

func TestUpsertKeepsFireTimes(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	sc := Schedule{
		ID:       "category_run_health",
		Category: "Health",
		CronExpr: "0 8 * * 1-5",
		Enabled:  true,
	}
	if err := st.UpsertSchedule(ctx, sc); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	next := time.Now().Add(-10 * time.Minute).Round(time.Second)
	last := time.Now().Add(-24 * time.Hour).Round(time.Second)
	if err := st.SaveFireTimes(ctx, "Health", next, last); err != nil {
		t.Fatalf("SaveFireTimes: %v", err)
	}

	// startup re-registration upserts without fire times; the stored
	// ones must survive or misfire detection never sees them
	sc.CronExpr = "30 9 * * *"
	if err := st.UpsertSchedule(ctx, sc); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err := st.GetSchedule(ctx, "Health")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.CronExpr != "30 9 * * *" {
		t.Fatalf("cron = %q", got.CronExpr)
	}
	if !got.NextFireAt.Equal(next) {
		t.Fatalf("next fire clobbered: %v, want %v", got.NextFireAt, next)
	}
	if !got.LastFiredAt.Equal(last) {
		t.Fatalf("last fired clobbered: %v, want %v", got.LastFiredAt, last)
	}

	// an upsert carrying its own next fire still wins
	sc.NextFireAt = time.Now().Add(time.Hour).Round(time.Second)
	if err := st.UpsertSchedule(ctx, sc); err != nil {
		t.Fatalf("upsert with next: %v", err)
	}
	got, _ = st.GetSchedule(ctx, "Health")
	if !got.NextFireAt.Equal(sc.NextFireAt) {
		t.Fatalf("explicit next not stored: %v", got.NextFireAt)
	}
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	r := newTestRun("r1", "Health")
	if err := st.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	started := time.Now()
	if err := st.MarkRunning(ctx, "r1", started, 3*time.Second); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := st.SetItemsFound(ctx, "r1", 7); err != nil {
		t.Fatalf("SetItemsFound: %v", err)
	}
	if err := st.RecordAlert(ctx, "r1", run.AlertOutcome{Status: run.AlertSent, Sent: true, SentAt: time.Now(), CriticalCount: 2}); err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}
	if err := st.RecordDelivery(ctx, "r1", run.DeliveryOutcome{
		Status: run.DeliverySent, SentAt: time.Now(), RecipientCount: 3,
		PDFGenerated: true, PDFSizeBytes: 2048,
	}); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if err := st.MarkCompleted(ctx, "r1", time.Now()); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	got, err := st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ItemsFound != 7 {
		t.Fatalf("items = %d, want 7", got.ItemsFound)
	}
	if got.StartDelay != 3*time.Second {
		t.Fatalf("start delay = %v", got.StartDelay)
	}
	if got.Alert == nil || got.Alert.Status != run.AlertSent || got.Alert.CriticalCount != 2 {
		t.Fatalf("alert outcome: %+v", got.Alert)
	}
	if got.Delivery == nil || got.Delivery.Status != run.DeliverySent || !got.Delivery.PDFGenerated {
		t.Fatalf("delivery outcome: %+v", got.Delivery)
	}
}

func TestRunStateMachineGuards(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateRun(ctx, newTestRun("r1", "Health")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// completed before running is rejected
	if err := st.MarkCompleted(ctx, "r1", time.Now()); !errors.Is(err, run.ErrInvalidTransition) {
		t.Fatalf("MarkCompleted from pending: %v", err)
	}

	if err := st.MarkRunning(ctx, "r1", time.Now(), 0); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	// double start is rejected
	if err := st.MarkRunning(ctx, "r1", time.Now(), 0); !errors.Is(err, run.ErrInvalidTransition) {
		t.Fatalf("second MarkRunning: %v", err)
	}

	if err := st.MarkFailed(ctx, "r1", time.Now(), "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	// terminal states never move
	if err := st.MarkCompleted(ctx, "r1", time.Now()); !errors.Is(err, run.ErrInvalidTransition) {
		t.Fatalf("MarkCompleted after failed: %v", err)
	}
	if err := st.MarkRunning(ctx, "r1", time.Now(), 0); !errors.Is(err, run.ErrInvalidTransition) {
		t.Fatalf("MarkRunning after failed: %v", err)
	}

	got, _ := st.GetRun(ctx, "r1")
	if got.Status != run.StatusFailed || got.ErrorMessage != "boom" {
		t.Fatalf("unexpected run: %+v", got)
	}

	if err := st.MarkRunning(ctx, "missing", time.Now(), 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkRunning unknown id: %v", err)
	}
}

func TestMarkFailedFromPending(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateRun(ctx, newTestRun("r1", "Dental")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := st.MarkFailed(ctx, "r1", time.Now(), "never started"); err != nil {
		t.Fatalf("MarkFailed from pending: %v", err)
	}
	got, _ := st.GetRun(ctx, "r1")
	if got.Status != run.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestListRunsFiltering(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	seed := []struct {
		id, cat string
		origin  run.TriggerOrigin
		fail    bool
	}{
		{"a", "Health", run.TriggerScheduled, false},
		{"b", "Health", run.TriggerManual, true},
		{"c", "Dental", run.TriggerManual, false},
	}
	for _, s := range seed {
		r := newTestRun(s.id, s.cat)
		r.TriggerOrigin = s.origin
		if err := st.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun %s: %v", s.id, err)
		}
		if err := st.MarkRunning(ctx, s.id, time.Now(), 0); err != nil {
			t.Fatalf("MarkRunning %s: %v", s.id, err)
		}
		if s.fail {
			if err := st.MarkFailed(ctx, s.id, time.Now(), "x"); err != nil {
				t.Fatalf("MarkFailed %s: %v", s.id, err)
			}
		} else if err := st.MarkCompleted(ctx, s.id, time.Now()); err != nil {
			t.Fatalf("MarkCompleted %s: %v", s.id, err)
		}
	}

	all, err := st.ListRuns(ctx, run.Filter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	// newest first
	if all[0].ID != "c" {
		t.Fatalf("order: first = %s, want c", all[0].ID)
	}

	health, err := st.ListRuns(ctx, run.Filter{Category: "Health"})
	if err != nil {
		t.Fatalf("ListRuns category: %v", err)
	}
	if len(health) != 2 {
		t.Fatalf("health len = %d", len(health))
	}

	failed, err := st.ListRuns(ctx, run.Filter{Status: run.StatusFailed})
	if err != nil {
		t.Fatalf("ListRuns status: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "b" {
		t.Fatalf("failed runs: %+v", failed)
	}

	manual, err := st.ListRuns(ctx, run.Filter{Origin: run.TriggerManual, Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns origin: %v", err)
	}
	if len(manual) != 1 {
		t.Fatalf("manual len = %d, want 1 (limit)", len(manual))
	}

	latest, err := st.LatestPerCategory(ctx)
	if err != nil {
		t.Fatalf("LatestPerCategory: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest len = %d, want 2", len(latest))
	}
	byCat := map[string]string{}
	for _, r := range latest {
		byCat[r.Category] = r.ID
	}
	if byCat["Health"] != "b" || byCat["Dental"] != "c" {
		t.Fatalf("latest per category: %v", byCat)
	}

	stats, err := st.Stats(ctx, run.GroupByStatus)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	counts := map[string]int{}
	for _, b := range stats {
		counts[b.Key] = b.Count
	}
	if counts["completed"] != 2 || counts["failed"] != 1 {
		t.Fatalf("stats: %v", counts)
	}
}

func TestListRunsLimitClamped(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 510; i++ {
		if err := st.CreateRun(ctx, newTestRun(fmt.Sprintf("r%03d", i), "Health")); err != nil {
			t.Fatalf("CreateRun %d: %v", i, err)
		}
	}

	// oversize limits cap at 500, they do not reset to the default
	runs, err := st.ListRuns(ctx, run.Filter{Limit: 505})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 500 {
		t.Fatalf("len = %d, want 500", len(runs))
	}

	runs, err = st.ListRuns(ctx, run.Filter{})
	if err != nil {
		t.Fatalf("ListRuns default: %v", err)
	}
	if len(runs) != 50 {
		t.Fatalf("default len = %d, want 50", len(runs))
	}
}

func TestReconcileInterrupted(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := st.CreateRun(ctx, newTestRun(id, "Health")); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	if err := st.MarkRunning(ctx, "a", time.Now(), 0); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	n, err := st.ReconcileInterrupted(ctx, "interrupted by process restart")
	if err != nil {
		t.Fatalf("ReconcileInterrupted: %v", err)
	}
	if n != 1 {
		t.Fatalf("reconciled = %d, want 1", n)
	}

	a, _ := st.GetRun(ctx, "a")
	if a.Status != run.StatusFailed || a.ErrorMessage != "interrupted by process restart" {
		t.Fatalf("run a: %+v", a)
	}
	b, _ := st.GetRun(ctx, "b")
	if b.Status != run.StatusPending {
		t.Fatalf("pending run was touched: %+v", b)
	}
}
