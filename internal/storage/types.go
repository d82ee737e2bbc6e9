package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TraceEntry records one lifecycle transition of one job.
// Keep it compact and schema-stable.
type TraceEntry struct {
	At         time.Time `json:"at"`
	Run        string    `json:"run,omitempty"`
	Scheduler  string    `json:"scheduler"`
	JobID      string    `json:"job_id"`
	Job        string    `json:"job,omitempty"`
	Event      string    `json:"event"`
	Exclusive  bool      `json:"exclusive"`
	QueueMS    int64     `json:"queue_ms,omitempty"`
	TookMS     int64     `json:"took_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	BypassedBy string    `json:"bypassed_by,omitempty"`
}
