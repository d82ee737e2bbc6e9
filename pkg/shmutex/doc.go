// Package shmutex implements a cooperative readers/writer scheduler for jobs.
//
// Jobs are submitted as shared (may run alongside other shared jobs) or
// exclusive (must run alone). Each submission returns a *future.Future that
// settles exactly once with the job's outcome.
//
// Admission policy:
//   - When nothing is running, the queue is served in FIFO order.
//   - An exclusive job is admitted only when no other job is active, and while
//     it runs nothing else is admitted.
//   - Once any shared job is active, later shared jobs are admitted even if an
//     exclusive job is queued ahead of them (bypass). A steady stream of
//     readers can therefore starve a writer; this is the intended policy.
//
// A job's action returns a Step: an immediate value, an immediate failure, or
// a Pending computation whose settlement completes the job. The scheduler
// never blocks waiting for a Pending; it registers a callback and moves on.
//
// A Scheduler is safe for concurrent use. Completions may arrive on any
// goroutine; admission runs on whichever goroutine triggered it, one drainer
// at a time, so actions may execute on a goroutine other than the submitter's.
package shmutex
