package config

import "strings"

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "30m");
// the app layer parses them when mapping into service configs.
type Config struct {
	// Timezone is the single IANA zone every schedule is computed in,
	// regardless of host locale.
	Timezone string `json:"timezone"`

	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
	SMTP      SMTPConfig      `json:"smtp"`
	Sources   SourcesConfig   `json:"sources"`

	Categories []CategoryConfig `json:"categories"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path,omitempty"`         // default "./data/newswatch.db"
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite busy timeout
}

// SchedulerConfig controls the trigger engine.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// MisfireGrace bounds how stale a missed fire may be and still run
	// at startup. Older misfires are logged and skipped.
	MisfireGrace string `json:"misfire_grace,omitempty"` // default "1h"

	// RunTimeout caps one full category pipeline execution.
	RunTimeout string `json:"run_timeout,omitempty"` // default "30m"

	// DefaultCron is used when a category omits its own expression.
	DefaultCron string `json:"default_cron,omitempty"` // default "0 8 * * 1-5"
}

// DeliveryConfig controls digest rendering and PDF conversion.
type DeliveryConfig struct {
	// MaxPDFBytes caps the attachment; larger PDFs fall back to a
	// plain digest send. Default 3 MiB (base64 inflates by ~33%).
	MaxPDFBytes int64 `json:"max_pdf_bytes,omitempty"`

	ConvertWorkers int    `json:"convert_workers,omitempty"` // default 2
	ConvertQueue   int    `json:"convert_queue,omitempty"`   // default 16
	ConvertTimeout string `json:"convert_timeout,omitempty"` // default "2m"

	// PDFCommand renders HTML (stdin) to PDF (stdout).
	PDFCommand []string `json:"pdf_command,omitempty"` // default ["wkhtmltopdf","-q","-","-"]

	SendTimeout string `json:"send_timeout,omitempty"` // default "30s"
}

type SMTPConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"` // default 587
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	From       string `json:"from"`
	Timeout    string `json:"timeout,omitempty"`      // default "30s"
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 1
}

// SourcesConfig controls the findings producer.
type SourcesConfig struct {
	MaxConcurrent int          `json:"max_concurrent,omitempty"` // default 3
	Timeout       string       `json:"timeout,omitempty"`        // default "60s"
	Feeds         []FeedConfig `json:"feeds,omitempty"`

	// Keyword ladders for the built-in classifier.
	CriticalKeywords []string `json:"critical_keywords,omitempty"`
	WatchKeywords    []string `json:"watch_keywords,omitempty"`
}

type FeedConfig struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Timeout string `json:"timeout,omitempty"` // per-feed override
}

// CategoryConfig maps one line of business to its schedule and its
// recipient lists. The mapping is typed and validated at load time;
// there is no string-keyed settings lookup.
type CategoryConfig struct {
	Name    string `json:"name"`
	Cron    string `json:"cron,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"` // default true

	Recipients Recipients `json:"recipients"`

	// AlertRecipients receive the immediate critical notification.
	// Empty means the digest recipients are used.
	AlertRecipients Recipients `json:"alert_recipients,omitempty"`

	// Insurers scopes feed matching for this category.
	Insurers []string `json:"insurers,omitempty"`
}

// Recipients holds the three audience classes for one category.
type Recipients struct {
	To  []string `json:"to,omitempty"`
	Cc  []string `json:"cc,omitempty"`
	Bcc []string `json:"bcc,omitempty"`
}

func (r Recipients) Total() int { return len(r.To) + len(r.Cc) + len(r.Bcc) }

func (r Recipients) HasPrimary() bool { return len(r.To) > 0 }

// IsEnabled treats a missing flag as enabled.
func (c CategoryConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// Category looks up a category block by name (case-insensitive).
func (c *Config) Category(name string) (CategoryConfig, bool) {
	for _, cc := range c.Categories {
		if strings.EqualFold(cc.Name, name) {
			return cc, true
		}
	}
	return CategoryConfig{}, false
}
