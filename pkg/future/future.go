package future

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

var ErrAlreadySettled = errors.New("future already settled")

// Result is the settled value of a Future.
//
// Failed distinguishes a failure from a success. Err may be nil on a failure;
// callers that care about "failed with nothing" must check Failed, not Err.
type Result struct {
	Value  any
	Err    error
	Failed bool
}

func Success(v any) Result      { return Result{Value: v} }
func Failure(err error) Result  { return Result{Err: err, Failed: true} }
func (r Result) OK() bool       { return !r.Failed }
func (r Result) String() string { return r.describe() }

func (r Result) describe() string {
	if r.Failed {
		if r.Err == nil {
			return "failure(<nil>)"
		}
		return fmt.Sprintf("failure(%v)", r.Err)
	}
	return fmt.Sprintf("success(%v)", r.Value)
}

// PanicError carries a recovered panic value that was not itself an error.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// FromPanic converts a recovered value into a failure payload.
// Error values pass through untouched so identity comparisons keep working.
func FromPanic(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &PanicError{Value: r, Stack: string(debug.Stack())}
}

// Future is a write-once result channel.
//
// The zero value is not usable; create one with New.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	res       Result
	callbacks []func(Result)
}

func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a Future already settled with success(v).
func Resolved(v any) *Future {
	f := New()
	_ = f.Resolve(v)
	return f
}

// Rejected returns a Future already settled with failure(err).
func Rejected(err error) *Future {
	f := New()
	_ = f.Reject(err)
	return f
}

// Go runs fn on its own goroutine and returns a Future for its result.
// A panic inside fn settles the Future as a failure.
func Go(fn func() (any, error)) *Future {
	f := New()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				_ = f.Reject(FromPanic(r))
			}
		}()
		v, err := fn()
		if err != nil {
			_ = f.Reject(err)
			return
		}
		_ = f.Resolve(v)
	}()
	return f
}

func (f *Future) Resolve(v any) error    { return f.Settle(Success(v)) }
func (f *Future) Reject(err error) error { return f.Settle(Failure(err)) }

// Settle stores r and runs registered callbacks in registration order.
// Callbacks run on the settling goroutine, outside the Future's lock.
func (f *Future) Settle(r Result) error {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return ErrAlreadySettled
	}
	f.settled = true
	f.res = r
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(r)
	}
	return nil
}

// OnSettle registers cb. If the Future has already settled, cb runs
// immediately on the calling goroutine.
func (f *Future) OnSettle(cb func(Result)) {
	if cb == nil {
		return
	}
	f.mu.Lock()
	if f.settled {
		r := f.res
		f.mu.Unlock()
		cb(r)
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Done is closed once the Future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Result returns the settled result; ok is false while still pending.
func (f *Future) Result() (Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, f.settled
}

// Wait blocks until the Future settles or ctx is done.
// The returned error is ctx's error, never the job's failure payload.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		r, _ := f.Result()
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
