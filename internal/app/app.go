// Package app wires configuration, storage, the pipeline services, the
// scheduler, and the admin API into one process lifecycle.
package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"newswatch/internal/alert"
	"newswatch/internal/config"
	"newswatch/internal/delivery"
	"newswatch/internal/feed"
	"newswatch/internal/httpapi"
	"newswatch/internal/mail"
	"newswatch/internal/report"
	"newswatch/internal/run"
	"newswatch/internal/runner"
	"newswatch/internal/scheduler"
	"newswatch/internal/storage"
	logx "newswatch/pkg/logx"
)

// switchableProducer lets config reloads swap the feed pipeline under a
// running executor.
type switchableProducer struct {
	v atomic.Value // feed.Producer
}

func (p *switchableProducer) set(next feed.Producer) { p.v.Store(&next) }

func (p *switchableProducer) Collect(ctx context.Context, category string) ([]run.Finding, error) {
	cur := p.v.Load().(*feed.Producer)
	return (*cur).Collect(ctx, category)
}

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	producer *switchableProducer
	pool     *delivery.ConvertPool
	deliver  *delivery.Service
	alerts   *alert.Dispatcher
	exec     *runner.Executor
	sched    *scheduler.Service
	api      *httpapi.Server

	poolWorkers int
	httpEnabled bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "config"))
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	smtpCfg, err := mapSMTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	transport, err := mail.NewSMTP(smtpCfg, log.With(logx.String("comp", "mail")))
	if err != nil {
		return nil, err
	}

	renderer, err := report.NewHTMLRenderer("")
	if err != nil {
		return nil, err
	}
	converter, err := report.NewExecConverter(cfg.Delivery.PDFCommand)
	if err != nil {
		return nil, err
	}

	poolCfg, err := mapPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool := delivery.NewConvertPool(poolCfg, converter, log.With(logx.String("comp", "convert")))

	delCfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	deliver := delivery.New(delCfg, pool, transport, log.With(logx.String("comp", "delivery")))
	alerts := alert.New(alert.Config{}, transport, log.With(logx.String("comp", "alert")))

	producer := &switchableProducer{}
	p, err := buildProducer(cfg, log.With(logx.String("comp", "feed")))
	if err != nil {
		return nil, err
	}
	producer.set(p)

	runCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	exec := runner.New(runCfg, store, producer, alerts, deliver, renderer,
		log.With(logx.String("comp", "runner")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, store, exec, log.With(logx.String("comp", "scheduler")))

	api := httpapi.New(httpapi.Config{Addr: cfg.HTTP.Addr}, sched, store,
		log.With(logx.String("comp", "http")))

	a := &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		store:       store,
		producer:    producer,
		pool:        pool,
		deliver:     deliver,
		alerts:      alerts,
		exec:        exec,
		sched:       sched,
		api:         api,
		poolWorkers: poolCfg.Workers,
		httpEnabled: cfg.HTTP.Enabled,
	}
	a.applyCategories(cfg)
	return a, nil
}

// applyCategories pushes the category-derived state into the services
// that consume it. Runs at startup and after every config reload.
func (a *App) applyCategories(cfg *config.Config) {
	a.exec.SetCategories(categoryNames(cfg))
	a.deliver.SetRecipients(digestRecipients(cfg))
	a.alerts.SetRecipients(alertRecipients(cfg))
}

func (a *App) registerSchedules(ctx context.Context, cfg *config.Config) {
	for _, c := range cfg.Categories {
		if err := a.sched.Register(ctx, c.Name, c.Cron, c.IsEnabled()); err != nil {
			a.log.Error("schedule registration failed",
				logx.String("category", c.Name), logx.Err(err))
		}
	}
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	cfg := a.cfgm.Get()

	a.exec.Start(runCtx)
	a.pool.Start(a.poolWorkers)

	// Runs left in running state by a crash must be reconciled before
	// the scheduler can fire anything new for the same categories.
	if n, err := a.store.ReconcileInterrupted(ctx, "interrupted by process restart"); err != nil {
		a.log.Error("reconcile failed", logx.Err(err))
	} else if n > 0 {
		a.log.Warn("reconciled interrupted runs", logx.Int("count", n))
	}

	a.registerSchedules(ctx, cfg)
	if a.sched.Enabled() {
		a.sched.Start(ctx)
	}

	if a.httpEnabled {
		if err := a.api.Start(); err != nil {
			return err
		}
	}

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.onReload(runCtx, newCfg)
			}
		}
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("categories", len(cfg.Categories)))
	return nil
}

// onReload applies the parts of the config that can change at runtime:
// logging, recipients, categories, feeds, and cron expressions. Storage
// and transport changes need a restart.
func (a *App) onReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))
	a.applyCategories(cfg)

	if p, err := buildProducer(cfg, a.log.With(logx.String("comp", "feed"))); err != nil {
		a.log.Warn("invalid sources config; keeping previous", logx.Err(err))
	} else {
		a.producer.set(p)
	}

	a.registerSchedules(ctx, cfg)
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	if a.cancel != nil {
		a.cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("http", 3*time.Second, func(c context.Context) error { return a.api.Stop(c) })
	step("runner", 10*time.Second, func(c context.Context) error { a.exec.Stop(c); return nil })
	step("convert", 2*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
