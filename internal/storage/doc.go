// Package storage persists sending accounts.
//
// Drivers:
//   - "memory": process-local, for tests and dry runs
//   - "file": JSON snapshot plus an append-only journal, no external deps
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL (lib/pq)
//
// Open wraps every driver in a Guard: a circuit breaker that turns driver
// failures into domain.ErrStoreUnavailable so callers can tell a storage
// outage apart from a per-account problem.
package storage
