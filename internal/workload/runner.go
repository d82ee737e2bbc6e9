package workload

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"shmutex/internal/config"
	"shmutex/internal/eventbus"
	"shmutex/internal/storage"
	"shmutex/pkg/future"
	logx "shmutex/pkg/logx"
	"shmutex/pkg/shmutex"
)

const (
	// maxStartedRecorded bounds Report.Started for long serving runs.
	maxStartedRecorded = 4096
	drainTimeout       = 30 * time.Second
	traceBuffer        = 512
)

// Report summarizes one Run or Serve.
type Report struct {
	Name  string `json:"name"`
	RunID string `json:"run_id"`

	Jobs   int `json:"jobs"`
	Failed int `json:"failed"`
	// Started lists job names in admission order.
	Started []string `json:"started"`
	// MaxShared is the highest number of shared jobs observed in flight together.
	MaxShared int `json:"max_shared"`
	// Violations counts admissions that broke mutual exclusion. Must be zero.
	Violations int `json:"violations"`
	// TraceErrors counts trace entries the store rejected.
	TraceErrors int           `json:"trace_errors,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`

	Snapshot shmutex.Snapshot `json:"snapshot"`
}

type Option func(*Runner)

func WithLogger(log logx.Logger) Option { return func(r *Runner) { r.log = log } }

// WithStore records every lifecycle event as a storage.TraceEntry.
func WithStore(st storage.Store) Option { return func(r *Runner) { r.store = st } }

func WithTracer(tr trace.Tracer) Option { return func(r *Runner) { r.tracer = tr } }

// Runner drives one scheduler with the jobs of a workload config.
// A Runner is meant for a single Run or Serve.
type Runner struct {
	name  string
	defs  []Definition
	loc   *time.Location
	sched *shmutex.Scheduler

	log    logx.Logger
	store  storage.Store
	tracer trace.Tracer
	bus    eventbus.Bus

	outstanding sync.WaitGroup

	mu         sync.Mutex
	runID      string
	exclusive  bool
	shared     int
	jobs       int
	failed     int
	started    []string
	maxShared  int
	violations int
	traceErrs  int
}

// NewRunner compiles cfg and prepares a fresh scheduler for it.
func NewRunner(cfg config.WorkloadConfig, opts ...Option) (*Runner, error) {
	defs, err := Compile(cfg)
	if err != nil {
		return nil, err
	}
	warn, err := cfg.StarvationWarnDuration()
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if cfg.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, err
		}
	}

	r := &Runner{name: cfg.Name, defs: defs, loc: loc, bus: eventbus.New()}
	if r.name == "" {
		r.name = "workload"
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.String("comp", "workload"), logx.String("workload", r.name))

	sopts := []shmutex.Option{
		shmutex.WithName(r.name),
		shmutex.WithLogger(r.log),
		shmutex.WithBus(r.bus),
	}
	if r.tracer != nil {
		sopts = append(sopts, shmutex.WithTracer(r.tracer))
	}
	if warn > 0 {
		sopts = append(sopts, shmutex.WithStarvationWarning(warn))
	}
	r.sched = shmutex.New(sopts...)
	return r, nil
}

func (r *Runner) Name() string { return r.name }

func (r *Runner) Definitions() []Definition { return r.defs }

// Scheduler exposes the underlying scheduler, e.g. for status snapshots.
func (r *Runner) Scheduler() *shmutex.Scheduler { return r.sched }

// Run submits every one-shot job, honoring After, and returns once all of
// them have settled or ctx is done.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	return r.run(ctx, false)
}

// Serve is Run plus scheduled arrivals. It keeps submitting until ctx is done,
// then waits for in-flight jobs before returning.
func (r *Runner) Serve(ctx context.Context) (Report, error) {
	return r.run(ctx, true)
}

func (r *Runner) run(ctx context.Context, serve bool) (Report, error) {
	begin := time.Now()
	r.mu.Lock()
	r.runID = uuid.NewString()
	r.mu.Unlock()

	stopTrace := r.recordTrace()
	defer stopTrace()

	r.log.Info("workload started", logx.Int("definitions", len(r.defs)), logx.Bool("serve", serve))

	stopTimers := r.armOneShots()
	defer stopTimers()

	var err error
	if serve {
		c := cron.New(cron.WithParser(cronParser), cron.WithLocation(r.loc))
		if n := r.armArrivals(c); n > 0 {
			c.Start()
			r.log.Info("arrivals armed", logx.Int("schedules", n), logx.String("tz", r.loc.String()))
		}
		<-ctx.Done()
		<-c.Stop().Done()
		stopTimers()

		dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		err = r.wait(dctx)
		cancel()
	} else {
		err = r.wait(ctx)
		if err != nil {
			stopTimers()
		}
	}

	stopTrace()
	rep := r.report(time.Since(begin))
	lvl := r.log.Info
	if rep.Violations > 0 {
		lvl = r.log.Error
	}
	lvl("workload finished",
		logx.Int("jobs", rep.Jobs),
		logx.Int("failed", rep.Failed),
		logx.Int("max_shared", rep.MaxShared),
		logx.Int("violations", rep.Violations),
		logx.Duration("elapsed", rep.Elapsed),
	)
	return rep, err
}

// armOneShots submits the one-shot jobs. Jobs sharing an After value are
// submitted together in config order; the returned func cancels the ones
// not yet submitted.
func (r *Runner) armOneShots() (stop func()) {
	type shot struct {
		after time.Duration
		def   Definition
	}
	var shots []shot
	for _, d := range r.defs {
		for i := 0; i < d.Count; i++ {
			shots = append(shots, shot{d.After, d})
		}
	}
	sort.SliceStable(shots, func(i, j int) bool { return shots[i].after < shots[j].after })

	type pending struct {
		t *time.Timer
		n int
	}
	var (
		mu      sync.Mutex
		stopped bool
		timers  []pending
	)
	for i := 0; i < len(shots); {
		after := shots[i].after
		var group []Definition
		for ; i < len(shots) && shots[i].after == after; i++ {
			group = append(group, shots[i].def)
		}
		if after <= 0 {
			for _, d := range group {
				r.submit(d)
			}
			continue
		}
		// outstanding covers the delayed submissions too, so wait() sees them.
		r.outstanding.Add(len(group))
		t := time.AfterFunc(after, func() {
			mu.Lock()
			skip := stopped
			mu.Unlock()
			for _, d := range group {
				if !skip {
					r.submit(d)
				}
				r.outstanding.Done()
			}
		})
		timers = append(timers, pending{t, len(group)})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			stopped = true
			mu.Unlock()
			for _, p := range timers {
				// A timer that never fired still holds its outstanding slots.
				if p.t.Stop() {
					r.outstanding.Add(-p.n)
				}
			}
		})
	}
}

func (r *Runner) armArrivals(c *cron.Cron) int {
	n := 0
	for _, d := range r.defs {
		if d.Arrival == nil {
			continue
		}
		sched, err := d.Arrival.schedule()
		if err != nil {
			// Compile already parsed it.
			r.log.Warn("schedule rejected", logx.String("job", d.Name), logx.Err(err))
			continue
		}
		d := d
		c.Schedule(sched, cron.FuncJob(func() { r.submit(d) }))
		r.log.Debug("arrival armed", logx.String("job", d.Name), logx.String("schedule", d.Arrival.String()))
		n++
	}
	return n
}

func (r *Runner) submit(d Definition) {
	r.outstanding.Add(1)
	r.mu.Lock()
	r.jobs++
	r.mu.Unlock()

	out := r.sched.SubmitLabeled(d.Name, r.action(d), d.Exclusive)
	out.OnSettle(func(res future.Result) {
		if res.Failed {
			r.mu.Lock()
			r.failed++
			r.mu.Unlock()
		}
		r.outstanding.Done()
	})
}

// action builds the job body. It checks mutual exclusion on entry and
// holds its slot for d.Hold before settling.
func (r *Runner) action(d Definition) shmutex.Action {
	return func() shmutex.Step {
		r.enter(d)
		if d.Hold <= 0 {
			r.leave(d)
			return d.step()
		}
		p := future.New()
		time.AfterFunc(d.Hold, func() {
			r.leave(d)
			if d.Fail != "" {
				_ = p.Reject(errors.New(d.Fail))
				return
			}
			_ = p.Resolve(d.Name)
		})
		return shmutex.Await(p)
	}
}

func (d Definition) step() shmutex.Step {
	if d.Fail != "" {
		return shmutex.Fail(errors.New(d.Fail))
	}
	return shmutex.Value(d.Name)
}

func (r *Runner) enter(d Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	violated := r.exclusive || (d.Exclusive && r.shared > 0)
	if d.Exclusive {
		r.exclusive = true
	} else {
		r.shared++
		if r.shared > r.maxShared {
			r.maxShared = r.shared
		}
	}
	if len(r.started) < maxStartedRecorded {
		r.started = append(r.started, d.Name)
	}
	if violated {
		r.violations++
		r.log.Error("mutual exclusion violated", logx.String("job", d.Name), logx.String("mode", d.mode()),
			logx.Bool("exclusive_active", r.exclusive), logx.Int("shared_active", r.shared))
	}
}

func (r *Runner) leave(d Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Exclusive {
		r.exclusive = false
	} else if r.shared > 0 {
		r.shared--
	}
}

func (r *Runner) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.outstanding.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) report(elapsed time.Duration) Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Report{
		Name:        r.name,
		RunID:       r.runID,
		Jobs:        r.jobs,
		Failed:      r.failed,
		Started:     append([]string(nil), r.started...),
		MaxShared:   r.maxShared,
		Violations:  r.violations,
		TraceErrors: r.traceErrs,
		Elapsed:     elapsed,
		Snapshot:    r.sched.Snapshot(),
	}
}

// recordTrace copies job events from the bus into the store until the
// returned func is called. The func returns after the backlog is written.
func (r *Runner) recordTrace() (stop func()) {
	if r.store == nil {
		return func() {}
	}
	ch, unsub := r.bus.Subscribe(traceBuffer)
	r.mu.Lock()
	runID := r.runID
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			if !eventbus.HasPrefix(e, "job") {
				continue
			}
			ev, ok := e.Data.(shmutex.JobEvent)
			if !ok {
				continue
			}
			entry := storage.TraceEntry{
				At:         e.Time,
				Run:        runID,
				Scheduler:  ev.Scheduler,
				JobID:      ev.ID,
				Job:        ev.Label,
				Event:      e.Type,
				Exclusive:  ev.Exclusive,
				QueueMS:    ev.QueueDelay.Milliseconds(),
				TookMS:     ev.Duration.Milliseconds(),
				Error:      ev.Error,
				BypassedBy: ev.BypassedBy,
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := r.store.AppendTrace(ctx, entry)
			cancel()
			if err != nil {
				r.mu.Lock()
				r.traceErrs++
				first := r.traceErrs == 1
				r.mu.Unlock()
				if first {
					r.log.Warn("trace append failed", logx.Err(err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			<-done
			if n := r.bus.Dropped(); n > 0 {
				r.log.Warn("trace events dropped", logx.Uint64("dropped", n))
			}
		})
	}
}
