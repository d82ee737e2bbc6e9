package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var validModes = map[string]bool{
	"":          true,
	"shared":    true,
	"read":      true,
	"reader":    true,
	"exclusive": true,
	"write":     true,
	"writer":    true,
}

// Validate performs structural checks that don't need the workload compiler.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
		if _, err := c.Storage.BusyTimeoutDuration(); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := c.Workload.StarvationWarnDuration(); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(c.Workload.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("workload.timezone: %w", err))
		}
	}

	if len(c.Workload.Jobs) == 0 {
		errs = append(errs, errors.New("workload.jobs: at least one job is required"))
	}
	seen := make(map[string]bool, len(c.Workload.Jobs))
	for i, j := range c.Workload.Jobs {
		path := fmt.Sprintf("workload.jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = true

		if !validModes[strings.ToLower(strings.TrimSpace(j.Mode))] {
			errs = append(errs, fmt.Errorf("%s.mode: must be shared or exclusive, got %q", path, j.Mode))
		}
		if _, err := ParseDurationField(path+".after", j.After); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField(path+".hold", j.Hold); err != nil {
			errs = append(errs, err)
		}
		if j.Count < 0 {
			errs = append(errs, fmt.Errorf("%s.count: must be >= 0", path))
		}
	}
	return errors.Join(errs...)
}
