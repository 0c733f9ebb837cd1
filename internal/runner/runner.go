// Package runner executes the full category pipeline (collect -> alert
// -> deliver) and enforces at most one concurrent run per category.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"newswatch/internal/alert"
	"newswatch/internal/delivery"
	"newswatch/internal/feed"
	"newswatch/internal/report"
	"newswatch/internal/run"
	"newswatch/internal/storage"
	logx "newswatch/pkg/logx"
)

var (
	// ErrRunConflict rejects a trigger while a run for the same category
	// is in flight. No run row is created; the caller must re-request.
	ErrRunConflict = errors.New("runner: category run already in progress")

	// ErrUnknownCategory rejects triggers for categories that are not
	// configured.
	ErrUnknownCategory = errors.New("runner: unknown category")
)

// TriggerRequest describes one requested execution.
type TriggerRequest struct {
	Category string
	Origin   run.TriggerOrigin

	// ScheduleID and ScheduledAt are set for scheduled triggers only.
	ScheduleID  string
	ScheduledAt time.Time
}

// Config controls the executor.
type Config struct {
	// RunTimeout caps one full pipeline execution; on expiry the run is
	// recorded as failed with the timeout as error detail.
	RunTimeout time.Duration // default 30m
}

// Executor owns the per-category mutual exclusion guard and drives the
// pipeline stages in order. It is the only writer to a run during its
// lifetime.
type Executor struct {
	cfg      Config
	store    storage.Store
	producer feed.Producer
	alerts   *alert.Dispatcher
	delivery *delivery.Service
	renderer report.Renderer
	log      logx.Logger

	mu         sync.Mutex
	inflight   map[string]bool   // lower-cased category -> running
	categories map[string]string // lower-cased -> canonical name

	baseCtx context.Context
	wg      sync.WaitGroup
}

func New(cfg Config, store storage.Store, producer feed.Producer, alerts *alert.Dispatcher, del *delivery.Service, renderer report.Renderer, log logx.Logger) *Executor {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		cfg:        cfg,
		store:      store,
		producer:   producer,
		alerts:     alerts,
		delivery:   del,
		renderer:   renderer,
		log:        log,
		inflight:   map[string]bool{},
		categories: map[string]string{},
		baseCtx:    context.Background(),
	}
}

// Start installs the lifecycle context for background pipeline runs.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
}

// Stop waits for in-flight runs to finish (bounded by ctx).
func (e *Executor) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("executor stop timed out; runs keep finishing in background")
	}
}

// SetCategories swaps the set of known categories (config reload).
func (e *Executor) SetCategories(names []string) {
	m := make(map[string]string, len(names))
	for _, n := range names {
		m[strings.ToLower(n)] = n
	}
	e.mu.Lock()
	e.categories = m
	e.mu.Unlock()
}

// Running reports whether a run for the category is currently in flight.
func (e *Executor) Running(category string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[strings.ToLower(category)]
}

// Trigger validates the request, claims the per-category slot, creates
// the pending run row, and launches the pipeline in the background. It
// returns the run ID immediately; progress is observed via the ledger.
//
// Only validation and conflict errors surface here; every later failure
// is recorded on the run.
func (e *Executor) Trigger(ctx context.Context, req TriggerRequest) (string, error) {
	key := strings.ToLower(strings.TrimSpace(req.Category))
	if !run.ValidOrigin(req.Origin) {
		return "", fmt.Errorf("runner: invalid trigger origin %q", req.Origin)
	}

	e.mu.Lock()
	canonical, known := e.categories[key]
	if !known {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, req.Category)
	}
	if e.inflight[key] {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRunConflict, canonical)
	}
	e.inflight[key] = true
	baseCtx := e.baseCtx
	e.mu.Unlock()

	req.Category = canonical

	r := &run.Run{
		ID:            uuid.NewString(),
		Category:      canonical,
		TriggerOrigin: req.Origin,
		Status:        run.StatusPending,
		ScheduleID:    req.ScheduleID,
		ScheduledAt:   req.ScheduledAt,
		CreatedAt:     time.Now(),
	}
	if err := e.store.CreateRun(ctx, r); err != nil {
		e.release(key)
		return "", fmt.Errorf("create run: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(key)
		e.execute(baseCtx, r.ID, req)
	}()

	return r.ID, nil
}

func (e *Executor) release(key string) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
}

func (e *Executor) execute(baseCtx context.Context, runID string, req TriggerRequest) {
	log := e.log.With(logx.String("category", req.Category), logx.String("run_id", runID), logx.String("origin", string(req.Origin)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("run.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			_ = e.store.MarkFailed(context.Background(), runID, time.Now(), fmt.Sprintf("panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(baseCtx, e.cfg.RunTimeout)
	defer cancel()

	started := time.Now()
	var delay time.Duration
	if req.Origin == run.TriggerScheduled && !req.ScheduledAt.IsZero() {
		delay = started.Sub(req.ScheduledAt)
		if delay < 0 {
			delay = 0
		}
	}
	if err := e.store.MarkRunning(ctx, runID, started, delay); err != nil {
		log.Error("run.mark_running_failed", logx.Err(err))
		return
	}
	log.Info("run.started", logx.Duration("start_delay", delay))

	// Stage 2: collect findings. A collaborator failure fails the run
	// and skips alerting and delivery entirely.
	findings, err := e.producer.Collect(ctx, req.Category)
	if err != nil {
		detail := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			detail = fmt.Sprintf("collection timed out after %s", e.cfg.RunTimeout)
		}
		// Ledger writes after a timeout must still land.
		if mErr := e.store.MarkFailed(context.Background(), runID, time.Now(), detail); mErr != nil {
			log.Error("run.mark_failed_failed", logx.Err(mErr))
		}
		log.Warn("run.failed", logx.String("stage", "collect"), logx.Err(err))
		return
	}
	if err := e.store.SetItemsFound(ctx, runID, len(findings)); err != nil {
		log.Warn("run.items_write_failed", logx.Err(err))
	}

	// Stage 3: critical alert. Dispatch failure is recorded and logged
	// but never suppresses the digest.
	alertOutcome := e.alerts.CheckAndSend(ctx, req.Category, runID, findings)
	if err := e.store.RecordAlert(ctx, runID, alertOutcome); err != nil {
		log.Error("run.alert_write_failed", logx.Err(err))
	}

	// Stage 4: digest delivery. A failed render or send degrades the
	// outcome; the run still completes because findings succeeded.
	var deliveryOutcome run.DeliveryOutcome
	digest, err := e.renderer.Render(req.Category, started, findings)
	if err != nil {
		deliveryOutcome = run.DeliveryOutcome{
			Status:       run.DeliveryFailed,
			ErrorMessage: fmt.Sprintf("digest render failed: %v", err),
		}
		log.Error("run.render_failed", logx.Err(err))
	} else {
		deliveryOutcome = e.delivery.Deliver(ctx, req.Category, runID, digest)
	}
	if err := e.store.RecordDelivery(ctx, runID, deliveryOutcome); err != nil {
		log.Error("run.delivery_write_failed", logx.Err(err))
	}

	if err := e.store.MarkCompleted(context.Background(), runID, time.Now()); err != nil {
		log.Error("run.mark_completed_failed", logx.Err(err))
		return
	}
	log.Info("run.completed",
		logx.Int("items", len(findings)),
		logx.String("alert", string(alertOutcome.Status)),
		logx.String("delivery", string(deliveryOutcome.Status)),
		logx.Duration("dur", time.Since(started)))
}
