package workload

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shmutex/internal/config"
	"shmutex/internal/storage"
	logx "shmutex/pkg/logx"
)

func TestParseArrival(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		kind    ArrivalKind
		every   time.Duration
		cron    string
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: ArrivalCron, cron: "*/5 * * * *"},
		{in: "*/10 * * * * *", kind: ArrivalCron, cron: "*/10 * * * * *"},
		{in: "@every 2s", kind: ArrivalCron, cron: "@every 2s"},
		{in: "cron:@hourly", kind: ArrivalCron, cron: "@hourly"},
		{in: "500ms", kind: ArrivalInterval, every: 500 * time.Millisecond},
		{in: "every:2h30m", kind: ArrivalInterval, every: 150 * time.Minute},
		{in: "interval:00:50", kind: ArrivalInterval, every: 50 * time.Minute},
		{in: "02:30", kind: ArrivalInterval, every: 150 * time.Minute},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "cron:not a cron", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "-5s", wantErr: true},
		{in: "sometimes", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseArrival(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseArrival(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseArrival(%q) error = %v", tt.in, err)
			}
			if got.Kind != tt.kind || got.Every != tt.every || got.Cron != tt.cron {
				t.Fatalf("ParseArrival(%q) = %+v", tt.in, got)
			}
			if _, err := got.schedule(); err != nil {
				t.Fatalf("schedule() error = %v", err)
			}
		})
	}
}

func TestCompile(t *testing.T) {
	t.Parallel()
	defs, err := Compile(config.WorkloadConfig{Jobs: []config.JobConfig{
		{Name: " r ", Hold: "10ms"},
		{Name: "w", Mode: "write", After: "5ms", Fail: "boom", Count: 2},
		{Name: "tick", Schedule: "every:1s"},
	}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if defs[0].Name != "r" || defs[0].Exclusive || defs[0].Count != 1 || defs[0].Hold != 10*time.Millisecond {
		t.Fatalf("defs[0] = %+v", defs[0])
	}
	if !defs[1].Exclusive || defs[1].After != 5*time.Millisecond || defs[1].Count != 2 || defs[1].Fail != "boom" {
		t.Fatalf("defs[1] = %+v", defs[1])
	}
	if defs[2].Count != 0 || defs[2].Arrival == nil || defs[2].Arrival.Every != time.Second {
		t.Fatalf("defs[2] = %+v", defs[2])
	}

	_, err = Compile(config.WorkloadConfig{Jobs: []config.JobConfig{{Name: "x", Schedule: "whenever"}}})
	if err == nil || !strings.Contains(err.Error(), "jobs[0].schedule") {
		t.Fatalf("Compile err = %v, want schedule error", err)
	}
}

func newRunner(t *testing.T, cfg config.WorkloadConfig, opts ...Option) *Runner {
	t.Helper()
	r, err := NewRunner(cfg, opts...)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunExclusiveOrdering(t *testing.T) {
	t.Parallel()
	r := newRunner(t, config.WorkloadConfig{Name: "order", Jobs: []config.JobConfig{
		{Name: "w1", Mode: "exclusive", Hold: "20ms"},
		{Name: "r1", Hold: "10ms"},
		{Name: "r2", Hold: "10ms"},
		{Name: "w2", Mode: "exclusive", Hold: "5ms", Fail: "nope"},
	}})
	rep, err := r.Run(testCtx(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := strings.Join(rep.Started, ","), "w1,r1,r2,w2"; got != want {
		t.Fatalf("Started = %s, want %s", got, want)
	}
	if rep.Jobs != 4 || rep.Failed != 1 {
		t.Fatalf("Jobs/Failed = %d/%d, want 4/1", rep.Jobs, rep.Failed)
	}
	if rep.MaxShared != 2 {
		t.Fatalf("MaxShared = %d, want 2", rep.MaxShared)
	}
	if rep.Violations != 0 {
		t.Fatalf("Violations = %d, want 0", rep.Violations)
	}
	if !rep.Snapshot.Idle() || rep.Snapshot.Completed != 4 || rep.Snapshot.Failed != 1 {
		t.Fatalf("Snapshot = %+v", rep.Snapshot)
	}
}

func TestRunSharedBypassesWriter(t *testing.T) {
	t.Parallel()
	r := newRunner(t, config.WorkloadConfig{Jobs: []config.JobConfig{
		{Name: "r1", Hold: "40ms"},
		{Name: "w", Mode: "exclusive", After: "5ms"},
		{Name: "r2", After: "15ms", Hold: "5ms"},
	}})
	rep, err := r.Run(testCtx(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := strings.Join(rep.Started, ","), "r1,r2,w"; got != want {
		t.Fatalf("Started = %s, want %s", got, want)
	}
	if rep.Snapshot.Bypassed == 0 {
		t.Fatal("expected the writer to be bypassed")
	}
}

func TestRunRecordsTrace(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "trace")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	r := newRunner(t, config.WorkloadConfig{Name: "traced", Jobs: []config.JobConfig{
		{Name: "a", Count: 2},
		{Name: "b", Mode: "exclusive", Fail: "bad"},
	}}, WithStore(st), WithLogger(logx.Nop()))
	rep, err := r.Run(testCtx(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := st.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	// queued + started + settled for each of three jobs.
	if len(entries) != 9 {
		t.Fatalf("trace entries = %d, want 9", len(entries))
	}
	failed := 0
	for _, e := range entries {
		if e.Run != rep.RunID || e.Scheduler != "traced" || e.JobID == "" {
			t.Fatalf("entry = %+v", e)
		}
		if e.Event == "job.failed" {
			failed++
			if e.Job != "b" || e.Error != "bad" || !e.Exclusive {
				t.Fatalf("failed entry = %+v", e)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("failed entries = %d, want 1", failed)
	}
}

func TestRunHonorsContext(t *testing.T) {
	t.Parallel()
	r := newRunner(t, config.WorkloadConfig{Jobs: []config.JobConfig{
		{Name: "late", After: "1h"},
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rep, err := r.Run(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("Run err = %v, want %v", err, context.DeadlineExceeded)
	}
	if rep.Jobs != 0 {
		t.Fatalf("Jobs = %d, want 0", rep.Jobs)
	}
}

func TestServeSubmitsScheduledArrivals(t *testing.T) {
	t.Parallel()
	r := newRunner(t, config.WorkloadConfig{Jobs: []config.JobConfig{
		{Name: "once", Mode: "exclusive"},
		{Name: "tick", Schedule: "every:1s", Hold: "1ms"},
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	rep, err := r.Serve(ctx)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if rep.Jobs < 2 {
		t.Fatalf("Jobs = %d, want at least 2", rep.Jobs)
	}
	if rep.Started[0] != "once" {
		t.Fatalf("Started[0] = %s, want once", rep.Started[0])
	}
	if !rep.Snapshot.Idle() {
		t.Fatalf("Serve should drain before returning: %+v", rep.Snapshot)
	}
}
