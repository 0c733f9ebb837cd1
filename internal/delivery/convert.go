package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"newswatch/internal/report"
	logx "newswatch/pkg/logx"
)

// ErrConverterBusy is returned when the conversion queue is full.
var ErrConverterBusy = errors.New("delivery: converter queue full")

type convertResult struct {
	pdf []byte
	err error
}

type convertJob struct {
	html  []byte
	resCh chan convertResult
}

// ConvertPool runs PDF conversion on a fixed worker pool sized
// independently of the category count, so one slow conversion cannot
// stall the scheduler's timer loop or other categories' runs.
type ConvertPool struct {
	conv    report.Converter
	timeout time.Duration
	log     logx.Logger

	mu     sync.Mutex
	queue  chan convertJob
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// PoolConfig sizes the conversion pool.
type PoolConfig struct {
	Workers   int           // default 2
	QueueSize int           // default 16
	Timeout   time.Duration // per-conversion budget, default 2m
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	return c
}

func NewConvertPool(cfg PoolConfig, conv report.Converter, log logx.Logger) *ConvertPool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ConvertPool{
		conv:    conv,
		timeout: cfg.Timeout,
		log:     log,
		queue:   make(chan convertJob, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the workers. Workers exist for the process lifetime;
// Stop drains them.
func (p *ConvertPool) Start(workers int) {
	if workers <= 0 {
		workers = 2
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer p.wg.Done()
			p.worker(idx)
		}()
	}
}

func (p *ConvertPool) Stop(ctx context.Context) {
	p.mu.Lock()
	select {
	case <-p.stopCh:
		// already stopped
	default:
		close(p.stopCh)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (p *ConvertPool) worker(idx int) {
	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.queue:
			job.resCh <- p.runOne(job.html, idx)
		}
	}
}

func (p *ConvertPool) runOne(html []byte, idx int) (res convertResult) {
	// Conversion panics become errors so one bad document cannot kill a
	// worker permanently.
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("convert.panic", logx.Int("worker", idx), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			res = convertResult{err: fmt.Errorf("panic: %v", r)}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	start := time.Now()
	pdf, err := p.conv.Convert(ctx, html)
	if err != nil {
		p.log.Warn("convert.failed", logx.Int("worker", idx), logx.Duration("dur", time.Since(start)), logx.Err(err))
		return convertResult{err: err}
	}
	p.log.Debug("convert.done", logx.Int("worker", idx), logx.Int("bytes", len(pdf)), logx.Duration("dur", time.Since(start)))
	return convertResult{pdf: pdf}
}

// Convert submits the HTML and waits for the PDF. It fails fast when the
// queue is full rather than blocking the delivery stage behind other
// categories' conversions.
func (p *ConvertPool) Convert(ctx context.Context, html []byte) ([]byte, error) {
	resCh := make(chan convertResult, 1)
	select {
	case p.queue <- convertJob{html: html, resCh: resCh}:
	default:
		return nil, ErrConverterBusy
	}

	select {
	case res := <-resCh:
		return res.pdf, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, errors.New("delivery: converter stopped")
	}
}
