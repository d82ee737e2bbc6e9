package shmutex

import "shmutex/pkg/future"

// Pending is a computation whose result arrives later.
// OnSettle must invoke cb exactly once; extra invocations are ignored.
type Pending interface {
	OnSettle(cb func(future.Result))
}

// Step is what an Action hands back to the scheduler.
// The zero Step is an immediate success with a nil value.
type Step struct {
	res     future.Result
	pending Pending
}

// Action is the unit of work run by a job.
type Action func() Step

// Value completes the job immediately with success(v).
func Value(v any) Step { return Step{res: future.Success(v)} }

// Fail completes the job immediately with failure(err). A nil err is kept as is.
func Fail(err error) Step { return Step{res: future.Failure(err)} }

// Await suspends the job until p settles.
func Await(p Pending) Step {
	if p == nil {
		return Fail(ErrNilPending)
	}
	return Step{pending: p}
}

// IsPending reports whether the step waits on a pending computation.
func (s Step) IsPending() bool { return s.pending != nil }

// Func adapts a synchronous function. A non-nil error becomes the failure payload.
func Func(fn func() (any, error)) Action {
	if fn == nil {
		return nil
	}
	return func() Step {
		v, err := fn()
		if err != nil {
			return Fail(err)
		}
		return Value(v)
	}
}

// Async runs fn on its own goroutine; the job stays in flight until fn returns.
func Async(fn func() (any, error)) Action {
	if fn == nil {
		return nil
	}
	return func() Step {
		return Await(future.Go(fn))
	}
}
