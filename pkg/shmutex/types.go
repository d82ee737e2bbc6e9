package shmutex

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"shmutex/internal/eventbus"
	logx "shmutex/pkg/logx"
)

// Event types published on the bus.
const (
	EventQueued    = "job.queued"
	EventStarted   = "job.started"
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
	EventBypassed  = "job.bypassed"
)

const defaultStarvationWarnEvery = 5 * time.Second

// JobEvent is the payload of every job lifecycle event.
type JobEvent struct {
	ID         string        `json:"id"`
	Label      string        `json:"label,omitempty"`
	Scheduler  string        `json:"scheduler"`
	Exclusive  bool          `json:"exclusive"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`

	// BypassedBy is set on job.bypassed: the shared job admitted ahead of this one.
	BypassedBy string `json:"bypassed_by,omitempty"`
}

// Snapshot is a point-in-time view of a scheduler.
type Snapshot struct {
	Name            string `json:"name"`
	ExclusiveActive bool   `json:"exclusive_active"`
	SharedActive    int    `json:"shared_active"`
	Queued          int    `json:"queued"`
	QueuedExclusive int    `json:"queued_exclusive"`

	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Bypassed  uint64 `json:"bypassed"`
}

// Idle reports whether nothing is running or queued.
func (s Snapshot) Idle() bool {
	return !s.ExclusiveActive && s.SharedActive == 0 && s.Queued == 0
}

type Option func(*Scheduler)

func WithName(name string) Option {
	return func(s *Scheduler) {
		if name != "" {
			s.name = name
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

func WithTracer(tr trace.Tracer) Option {
	return func(s *Scheduler) {
		if tr != nil {
			s.tracer = tr
		}
	}
}

// WithStarvationWarning bounds how often a bypassed exclusive job is reported
// at warn level. Zero or negative keeps the default.
func WithStarvationWarning(every time.Duration) Option {
	return func(s *Scheduler) {
		if every > 0 {
			s.warnLimiter = rate.NewLimiter(rate.Every(every), 1)
		}
	}
}
