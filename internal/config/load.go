package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/mail"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Defaults recovered from the original deployment.
const (
	DefaultTimezone = "America/Sao_Paulo"
	DefaultCron     = "0 8 * * 1-5"
)

// DefaultCategories seed the schedule table when the config omits the
// categories block entirely.
var DefaultCategories = []string{"Health", "Dental", "Group Life"}

// Load reads, strictly decodes, and validates the config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw config bytes. YAML is coerced to JSON so the strict
// JSON decoder (DisallowUnknownFields) covers both formats.
func Parse(path string, data []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated documents)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = DefaultTimezone
	}
	if cfg.Scheduler.DefaultCron == "" {
		cfg.Scheduler.DefaultCron = DefaultCron
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/newswatch.db"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if len(cfg.Categories) == 0 {
		for _, name := range DefaultCategories {
			cfg.Categories = append(cfg.Categories, CategoryConfig{Name: name})
		}
	}
	for i := range cfg.Categories {
		if cfg.Categories[i].Cron == "" {
			cfg.Categories[i].Cron = cfg.Scheduler.DefaultCron
		}
	}
}

func validate(cfg *Config) error {
	seen := map[string]struct{}{}
	for i, cc := range cfg.Categories {
		name := strings.TrimSpace(cc.Name)
		if name == "" {
			return fmt.Errorf("categories[%d]: name required", i)
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("categories[%d]: duplicate category %q", i, name)
		}
		seen[key] = struct{}{}

		for _, addr := range allAddrs(cc.Recipients, cc.AlertRecipients) {
			if _, err := mail.ParseAddress(addr); err != nil {
				return fmt.Errorf("category %q: invalid recipient %q: %w", name, addr, err)
			}
		}
	}
	for i, f := range cfg.Sources.Feeds {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("sources.feeds[%d]: name required", i)
		}
		if strings.TrimSpace(f.URL) == "" {
			return fmt.Errorf("sources.feeds[%d]: url required", i)
		}
	}
	return nil
}

func allAddrs(lists ...Recipients) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l.To...)
		out = append(out, l.Cc...)
		out = append(out, l.Bcc...)
	}
	return out
}

// coerceToJSONBytes converts YAML config to JSON bytes so we can re-use the strict
// JSON decoder (DisallowUnknownFields) for both formats.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
