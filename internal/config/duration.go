package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses one of the duration-typed config fields
// ("announce.search_interval", "storage.busy_timeout", ...). The fields
// are Go duration strings; empty means unset and parses to zero.
// Negative durations are rejected, the path names the offending field
// in the error.
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
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for unset fields. The Config
// accessors (SearchInterval, ConfirmTimeout, AuditRetention) use it so
// an omitted field falls back to the package default instead of zero.
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
