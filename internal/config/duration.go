package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means 0; negative
// values are rejected. path names the field in error messages.
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

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
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

// BusyTimeoutDuration returns the sqlite busy timeout; 0 leaves the driver default.
func (c *StorageConfig) BusyTimeoutDuration() (time.Duration, error) {
	if c == nil {
		return 0, nil
	}
	return ParseDurationField("storage.busy_timeout", c.BusyTimeout)
}

// StarvationWarnDuration returns how often a bypassed writer is logged at warn
// level; 0 keeps the scheduler default.
func (w WorkloadConfig) StarvationWarnDuration() (time.Duration, error) {
	return ParseDurationField("workload.starvation_warn_every", w.StarvationWarnEvery)
}
