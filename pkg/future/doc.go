// Package future provides the write-once outcome handle used by shmutex.
//
// A Future settles exactly once, either as a success carrying a value or as a
// failure carrying an error payload. The failure payload is kept exactly as
// given: a nil error is a valid failure and stays distinguishable from success
// via Result.Failed.
//
// A Future is also a pending computation: anything that wants to learn about
// its settlement registers a callback with OnSettle.
package future
