package config

import (
	"strings"

	logx "shmutex/pkg/logx"
)

// Config is the on-disk document read by the shmutex tool.
//
// Both JSON and YAML are accepted; YAML is converted to JSON first so one strict
// decoder (DisallowUnknownFields) serves both formats.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Status   StatusConfig   `json:"status,omitempty"`
	Workload WorkloadConfig `json:"workload"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls where job traces are recorded.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./traces/demo" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// StatusConfig controls the optional HTTP status endpoint.
// Prefer binding to localhost; the endpoint has no authentication.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"` // default: "127.0.0.1:8089"
}

// WorkloadConfig describes the jobs submitted to one scheduler instance.
type WorkloadConfig struct {
	Name string `json:"name"`

	// StarvationWarnEvery bounds how often a bypassed writer is logged at warn level.
	StarvationWarnEvery string `json:"starvation_warn_every,omitempty"`

	// Timezone for cron schedules (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`

	Jobs []JobConfig `json:"jobs"`
}

// JobConfig is one job definition.
//
// All durations are Go duration strings (e.g. "50ms", "2s").
type JobConfig struct {
	Name string `json:"name"`
	// Mode is "shared" (default, alias "read") or "exclusive" (alias "write").
	Mode string `json:"mode,omitempty"`
	// After delays the first submission relative to workload start.
	After string `json:"after,omitempty"`
	// Hold is how long the job stays in flight once started.
	Hold string `json:"hold,omitempty"`
	// Fail, when set, makes the job settle as a failure with this message.
	Fail string `json:"fail,omitempty"`
	// Count is the number of one-shot submissions (default 1, 0 with a schedule).
	Count int `json:"count,omitempty"`
	// Schedule resubmits the job: cron expression, HH:MM, or Go duration.
	Schedule string `json:"schedule,omitempty"`
}

// Exclusive reports whether the job mode asks for sole occupancy.
func (j JobConfig) Exclusive() bool {
	switch strings.ToLower(strings.TrimSpace(j.Mode)) {
	case "exclusive", "write", "writer":
		return true
	default:
		return false
	}
}

// LogxConfig maps the logging section onto logx.Config.
func (c *Config) LogxConfig() logx.Config {
	if c == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c StatusConfig) WithDefaults() StatusConfig {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = "127.0.0.1:8089"
	}
	return c
}
