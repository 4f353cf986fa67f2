package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment overrides. These take precedence over file values so a
// unit file or container env can retune a deployment without editing
// the config on disk.
const (
	EnvSearchInterval = "ANNOUNCEMENT_SEARCH_INTERVAL" // seconds
	EnvImpersonate    = "ANNOUNCEMENT_IMPERSONATE"     // boolean
)

func applyEnvOverrides(cfg *Config) error {
	if raw, ok := os.LookupEnv(EnvSearchInterval); ok {
		secs, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || secs <= 0 {
			return fmt.Errorf("%s: expected a positive integer number of seconds, got %q", EnvSearchInterval, raw)
		}
		cfg.Announce.SearchInterval = (time.Duration(secs) * time.Second).String()
	}
	if raw, ok := os.LookupEnv(EnvImpersonate); ok {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s: expected a boolean, got %q", EnvImpersonate, raw)
		}
		cfg.Announce.Impersonate = v
	}
	return nil
}
