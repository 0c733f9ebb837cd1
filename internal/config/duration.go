package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued config fields (scheduler.misfire_grace,
// scheduler.run_timeout, delivery.convert_timeout, smtp.timeout, ...)
// are stored as plain strings and parsed here when the app layer maps
// them into service configs. A parse failure names the field so the
// operator can find it in the YAML.

// ParseDurationField parses one duration field; path is the dotted
// field name used in error messages. Empty means "not set" and parses
// to zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for unset or zero fields.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
