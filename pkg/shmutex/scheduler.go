package shmutex

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"shmutex/internal/eventbus"
	"shmutex/pkg/future"
	logx "shmutex/pkg/logx"
)

const tracerName = "shmutex"

type Scheduler struct {
	name        string
	log         logx.Logger
	bus         eventbus.Bus
	tracer      trace.Tracer
	warnLimiter *rate.Limiter

	mu              sync.Mutex
	queue           []*job
	exclusiveActive bool
	sharedActive    int

	// draining is set while some goroutine runs the admission loop.
	// Everyone else only mutates state and leaves admission to it.
	draining bool

	submitted uint64
	completed uint64
	failed    uint64
	bypassed  uint64
}

type job struct {
	id        string
	label     string
	action    Action
	exclusive bool
	outcome   *future.Future

	queuedAt  time.Time
	startedAt time.Time
	span      trace.Span

	// guarded by Scheduler.mu
	done bool
}

// New returns an empty scheduler. Instances share nothing.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		name:        "default",
		tracer:      otel.GetTracerProvider().Tracer(tracerName),
		warnLimiter: rate.NewLimiter(rate.Every(defaultStarvationWarnEvery), 1),
	}
	for _, o := range opts {
		o(s)
	}
	if !s.log.IsZero() {
		s.log = s.log.With(logx.String("comp", "shmutex"), logx.String("scheduler", s.name))
	}
	return s
}

func (s *Scheduler) Name() string { return s.name }

// Read submits a shared job.
func (s *Scheduler) Read(action Action) *future.Future { return s.Submit(action, false) }

// Write submits an exclusive job.
func (s *Scheduler) Write(action Action) *future.Future { return s.Submit(action, true) }

// Submit queues action and runs an admission pass before returning, so the
// job (and others) may already have started or even finished by then.
func (s *Scheduler) Submit(action Action, exclusive bool) *future.Future {
	return s.SubmitLabeled("", action, exclusive)
}

// SubmitLabeled is Submit with a caller-chosen label carried on the job's
// events, span and log lines. Labels need not be unique.
func (s *Scheduler) SubmitLabeled(label string, action Action, exclusive bool) *future.Future {
	out := future.New()
	if action == nil {
		_ = out.Reject(ErrNilAction)
		return out
	}

	j := &job{
		id:        uuid.NewString(),
		label:     label,
		action:    action,
		exclusive: exclusive,
		outcome:   out,
		queuedAt:  time.Now(),
	}

	s.mu.Lock()
	s.queue = append(s.queue, j)
	s.submitted++
	s.mu.Unlock()

	s.publish(EventQueued, j.queuedAt, JobEvent{ID: j.id, Label: label, Scheduler: s.name, Exclusive: exclusive})
	s.flush()
	return out
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	qx := 0
	for _, j := range s.queue {
		if j.exclusive {
			qx++
		}
	}
	return Snapshot{
		Name:            s.name,
		ExclusiveActive: s.exclusiveActive,
		SharedActive:    s.sharedActive,
		Queued:          len(s.queue),
		QueuedExclusive: qx,
		Submitted:       s.submitted,
		Completed:       s.completed,
		Failed:          s.failed,
		Bypassed:        s.bypassed,
	}
}

// flush admits every job the current state allows.
//
// Only one goroutine admits at a time. A flush requested while another is in
// progress (including re-entrantly, from a job that completed synchronously)
// returns at once: the running loop re-reads state before every pick.
func (s *Scheduler) flush() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	clean := false
	defer func() {
		// A settle callback panicked; let the next flush take over.
		if !clean {
			s.mu.Lock()
			s.draining = false
			s.mu.Unlock()
		}
	}()

	for {
		s.mu.Lock()
		j, overtaken := s.nextLocked()
		if j == nil {
			s.draining = false
			s.mu.Unlock()
			clean = true
			return
		}
		j.startedAt = time.Now()
		if overtaken != nil {
			s.bypassed++
		}
		s.mu.Unlock()

		s.onAdmitted(j, overtaken)
		s.start(j)
	}
}

// nextLocked removes and returns the next admissible job, updating the
// active counters. overtaken is the oldest queued exclusive job that a
// shared admission passed over, if any.
func (s *Scheduler) nextLocked() (next *job, overtaken *job) {
	if s.exclusiveActive {
		return nil, nil
	}
	for i, j := range s.queue {
		if j.exclusive {
			if s.sharedActive > 0 {
				if overtaken == nil {
					overtaken = j
				}
				continue
			}
			s.removeLocked(i)
			s.exclusiveActive = true
			return j, nil
		}
		s.removeLocked(i)
		s.sharedActive++
		return j, overtaken
	}
	return nil, nil
}

func (s *Scheduler) removeLocked(i int) {
	copy(s.queue[i:], s.queue[i+1:])
	s.queue[len(s.queue)-1] = nil
	s.queue = s.queue[:len(s.queue)-1]
}

func (s *Scheduler) start(j *job) {
	step := invoke(j.action)
	if step.pending == nil {
		s.complete(j, step.res)
		return
	}
	s.await(j, step.pending)
}

// await registers j's completion with p. A panicking OnSettle fails the job
// unless the job already completed, in which case the panic came from
// downstream of the settlement and is re-raised.
func (s *Scheduler) await(j *job, p Pending) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			done := j.done
			s.mu.Unlock()
			if done {
				panic(r)
			}
			s.complete(j, future.Failure(future.FromPanic(r)))
		}
	}()
	p.OnSettle(func(r future.Result) {
		s.complete(j, r)
	})
}

func invoke(action Action) (step Step) {
	defer func() {
		if r := recover(); r != nil {
			step = Fail(future.FromPanic(r))
		}
	}()
	return action()
}

// complete releases j's slot, settles its outcome and admits more work.
func (s *Scheduler) complete(j *job, r future.Result) {
	s.mu.Lock()
	if j.done {
		s.mu.Unlock()
		return
	}
	j.done = true
	if j.exclusive {
		s.exclusiveActive = false
	} else {
		s.sharedActive--
	}
	s.completed++
	if r.Failed {
		s.failed++
	}
	s.mu.Unlock()

	s.onCompleted(j, r)
	_ = j.outcome.Settle(r)
	s.flush()
}

func (s *Scheduler) onAdmitted(j *job, overtaken *job) {
	now := j.startedAt
	delay := now.Sub(j.queuedAt)

	_, j.span = s.tracer.Start(context.Background(), "shmutex.job",
		trace.WithTimestamp(now),
		trace.WithAttributes(
			attribute.String("shmutex.scheduler", s.name),
			attribute.String("shmutex.job_id", j.id),
			attribute.String("shmutex.label", j.label),
			attribute.Bool("shmutex.exclusive", j.exclusive),
			attribute.Int64("shmutex.queue_delay_ms", delay.Milliseconds()),
		),
	)

	s.publish(EventStarted, now, JobEvent{ID: j.id, Label: j.label, Scheduler: s.name, Exclusive: j.exclusive, QueueDelay: delay})
	if !s.log.IsZero() {
		s.log.Debug("job started", logx.String("id", j.id), logx.String("label", j.label), logx.Bool("exclusive", j.exclusive), logx.Duration("queue_delay", delay))
	}

	if overtaken == nil {
		return
	}
	waited := now.Sub(overtaken.queuedAt)
	s.publish(EventBypassed, now, JobEvent{ID: overtaken.id, Label: overtaken.label, Scheduler: s.name, Exclusive: true, QueueDelay: waited, BypassedBy: j.id})
	if s.log.IsZero() {
		return
	}
	if s.warnLimiter != nil && s.warnLimiter.Allow() {
		s.log.Warn("exclusive job bypassed by shared job", logx.String("id", overtaken.id), logx.String("label", overtaken.label), logx.String("by", j.id), logx.Duration("waiting", waited))
	} else {
		s.log.Trace("exclusive job bypassed", logx.String("id", overtaken.id), logx.String("by", j.id))
	}
}

func (s *Scheduler) onCompleted(j *job, r future.Result) {
	now := time.Now()
	dur := now.Sub(j.startedAt)
	ev := JobEvent{ID: j.id, Label: j.label, Scheduler: s.name, Exclusive: j.exclusive, QueueDelay: j.startedAt.Sub(j.queuedAt), Duration: dur}

	typ := EventCompleted
	if r.Failed {
		typ = EventFailed
		ev.Error = "<nil>"
		if r.Err != nil {
			ev.Error = r.Err.Error()
		}
	}

	if j.span != nil {
		if r.Failed {
			if r.Err != nil {
				j.span.RecordError(r.Err)
			}
			j.span.SetStatus(codes.Error, ev.Error)
		}
		j.span.End(trace.WithTimestamp(now))
	}

	s.publish(typ, now, ev)
	if !s.log.IsZero() {
		s.log.Debug("job finished", logx.String("id", j.id), logx.String("label", j.label), logx.Bool("exclusive", j.exclusive), logx.Bool("failed", r.Failed), logx.Duration("took", dur))
	}
}

func (s *Scheduler) publish(typ string, at time.Time, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}
