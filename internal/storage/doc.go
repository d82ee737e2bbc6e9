// Package storage persists the job lifecycle trace produced by workload runs.
//
// Drivers:
//   - "file": JSON Lines, with the most recent entries kept in memory
//   - "sqlite": SQLite database file (build tag sqlite)
package storage
