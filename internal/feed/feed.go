// Package feed produces severity-tagged findings for a category run.
//
// The executor only sees the Producer interface; the default
// implementation fans out to the configured sources with bounded
// concurrency and runs every item through a Classifier.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"newswatch/internal/run"
	logx "newswatch/pkg/logx"
)

// Item is one raw news item before classification.
type Item struct {
	Title     string
	Summary   string
	URL       string
	Source    string
	Published time.Time
}

// Source yields raw items for one category.
type Source interface {
	Name() string
	Fetch(ctx context.Context, category string) ([]Item, error)
}

// Classifier tags an item with a severity and matches it to an insurer.
// The second return value reports whether the item is relevant to the
// category at all.
type Classifier interface {
	Classify(category string, it Item) (run.Finding, bool)
}

// Producer is the findings collaborator invoked once per run.
type Producer interface {
	Collect(ctx context.Context, category string) ([]run.Finding, error)
}

// Config controls the multi-source producer.
type Config struct {
	// MaxConcurrent bounds how many sources are queried at once.
	MaxConcurrent int
	// SourceTimeout is the per-source fetch budget.
	SourceTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = 60 * time.Second
	}
	return c
}

type multiSource struct {
	cfg        Config
	sources    []Source
	classifier Classifier
	log        logx.Logger
}

// NewProducer builds the fan-out producer over the given sources.
func NewProducer(cfg Config, sources []Source, classifier Classifier, log logx.Logger) Producer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &multiSource{cfg: cfg.withDefaults(), sources: sources, classifier: classifier, log: log}
}

// Collect queries all sources concurrently (bounded) and classifies the
// results. A single failing source is tolerated; Collect errors only
// when every source failed and nothing was produced.
func (p *multiSource) Collect(ctx context.Context, category string) ([]run.Finding, error) {
	if len(p.sources) == 0 {
		return nil, errors.New("feed: no sources configured")
	}

	var (
		mu       sync.Mutex
		items    []Item
		failures []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrent)
	for _, src := range p.sources {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, p.cfg.SourceTimeout)
			defer cancel()

			got, err := src.Fetch(sctx, category)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.log.Warn("feed.source_failed",
					logx.String("source", src.Name()),
					logx.String("category", category),
					logx.Err(err))
				failures = append(failures, fmt.Errorf("%s: %w", src.Name(), err))
				// Per-source failures don't abort the group.
				return nil
			}
			items = append(items, got...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(failures) == len(p.sources) {
		return nil, fmt.Errorf("feed: all %d sources failed: %w", len(p.sources), errors.Join(failures...))
	}

	var findings []run.Finding
	for _, it := range items {
		f, ok := p.classifier.Classify(category, it)
		if !ok {
			continue
		}
		findings = append(findings, f)
	}
	// Most severe first, newest first within a severity.
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return findings[i].Severity.Rank() < findings[j].Severity.Rank()
		}
		return findings[i].PublishedAt.After(findings[j].PublishedAt)
	})

	p.log.Debug("feed.collected",
		logx.String("category", category),
		logx.Int("items", len(items)),
		logx.Int("findings", len(findings)),
		logx.Int("failed_sources", len(failures)))
	return findings, nil
}
