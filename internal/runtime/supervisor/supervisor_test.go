package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoCapturesFirstErrorAndCancels(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")

	s.Go("fails", func(ctx context.Context) error { return boom })
	s.Go("blocks", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := s.Wait(waitCtx(t))
	if !errors.Is(err, boom) {
		t.Fatalf("Wait() = %v, want %v", err, boom)
	}
	if !strings.HasPrefix(err.Error(), "fails: ") {
		t.Fatalf("error %q should be prefixed with goroutine name", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("panics", func(ctx context.Context) error { panic("kaboom") })
	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("Wait() = %v, want panic error", err)
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 {
		t.Fatalf("snapshot = %+v, want one panic", snap)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	err := s.Wait(waitCtx(t))
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if err == nil || !strings.Contains(err.Error(), "transient") {
		t.Fatalf("Wait() = %v, want first published error", err)
	}
	snap := s.Snapshot()
	if snap.Goroutines[0].Restarts != 2 {
		t.Fatalf("restarts = %d, want 2", snap.Goroutines[0].Restarts)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatal("Wait() = nil, want give-up error")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestStopCancelsRestartLoop(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	started := make(chan struct{})
	s.GoRestart("loop", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
	if snap := s.Snapshot(); snap.Goroutines[0].Active != 0 {
		t.Fatalf("active = %d, want 0", snap.Goroutines[0].Active)
	}
}
