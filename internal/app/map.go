package app

import (
	"net/http"
	"strings"
	"time"

	"newswatch/internal/config"
	"newswatch/internal/delivery"
	"newswatch/internal/feed"
	"newswatch/internal/mail"
	"newswatch/internal/runner"
	"newswatch/internal/scheduler"
	"newswatch/internal/storage"
	logx "newswatch/pkg/logx"
)

// The map* helpers translate the on-disk config (string durations,
// optional fields) into typed service configs. They are also the reload
// validators: a mapping error rejects the new config.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapSMTPConfig(cfg *config.Config) (mail.SMTPConfig, error) {
	timeout, err := config.ParseDurationOrDefault("smtp.timeout", cfg.SMTP.Timeout, 30*time.Second)
	if err != nil {
		return mail.SMTPConfig{}, err
	}
	return mail.SMTPConfig{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		From:       cfg.SMTP.From,
		Timeout:    timeout,
		RatePerSec: cfg.SMTP.RatePerSec,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	grace, err := config.ParseDurationOrDefault("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace, time.Hour)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		Timezone:     cfg.Timezone,
		MisfireGrace: grace,
		DefaultCron:  cfg.Scheduler.DefaultCron,
	}, nil
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scheduler.run_timeout", cfg.Scheduler.RunTimeout, 30*time.Minute)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{RunTimeout: timeout}, nil
}

func mapPoolConfig(cfg *config.Config) (delivery.PoolConfig, error) {
	timeout, err := config.ParseDurationOrDefault("delivery.convert_timeout", cfg.Delivery.ConvertTimeout, 2*time.Minute)
	if err != nil {
		return delivery.PoolConfig{}, err
	}
	return delivery.PoolConfig{
		Workers:   cfg.Delivery.ConvertWorkers,
		QueueSize: cfg.Delivery.ConvertQueue,
		Timeout:   timeout,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	timeout, err := config.ParseDurationOrDefault("delivery.send_timeout", cfg.Delivery.SendTimeout, 30*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		MaxPDFBytes: cfg.Delivery.MaxPDFBytes,
		SendTimeout: timeout,
	}, nil
}

func mapFeedConfig(cfg *config.Config) (feed.Config, error) {
	timeout, err := config.ParseDurationOrDefault("sources.timeout", cfg.Sources.Timeout, 60*time.Second)
	if err != nil {
		return feed.Config{}, err
	}
	return feed.Config{
		MaxConcurrent: cfg.Sources.MaxConcurrent,
		SourceTimeout: timeout,
	}, nil
}

// buildProducer assembles the findings pipeline from the configured
// feeds and keyword ladders. Called again on every config reload.
func buildProducer(cfg *config.Config, log logx.Logger) (feed.Producer, error) {
	fc, err := mapFeedConfig(cfg)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: fc.SourceTimeout}
	sources := make([]feed.Source, 0, len(cfg.Sources.Feeds))
	for _, f := range cfg.Sources.Feeds {
		sources = append(sources, feed.NewRSSSource(f.Name, f.URL, client))
	}

	insurers := make(map[string][]string, len(cfg.Categories))
	for _, c := range cfg.Categories {
		insurers[c.Name] = c.Insurers
	}
	classifier := feed.NewKeywordClassifier(insurers, cfg.Sources.CriticalKeywords, cfg.Sources.WatchKeywords)

	return feed.NewProducer(fc, sources, classifier, log), nil
}

// categoryNames returns every configured category, enabled or not, so
// manual triggers stay valid while a schedule is disabled.
func categoryNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Categories))
	for _, c := range cfg.Categories {
		names = append(names, c.Name)
	}
	return names
}

func digestRecipients(cfg *config.Config) map[string]config.Recipients {
	m := make(map[string]config.Recipients, len(cfg.Categories))
	for _, c := range cfg.Categories {
		m[strings.ToLower(c.Name)] = c.Recipients
	}
	return m
}

// alertRecipients falls back to the digest lists when a category has no
// dedicated alert audience.
func alertRecipients(cfg *config.Config) map[string]config.Recipients {
	m := make(map[string]config.Recipients, len(cfg.Categories))
	for _, c := range cfg.Categories {
		r := c.AlertRecipients
		if r.Total() == 0 {
			r = c.Recipients
		}
		m[strings.ToLower(c.Name)] = r
	}
	return m
}
