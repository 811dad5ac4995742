// Package storage persists campaigns and their delivery history in SQLite.
//
// The engine is read-mostly here: the surrounding product owns campaign CRUD.
// What the engine needs from this layer is:
//   - Campaign loads with active, ordered variants/media/targets
//   - Conditional status transitions (the only cancellation signal)
//   - Atomic aggregate-stat increments (single UPDATE, never read-then-write)
//   - Append-only send records, queried by calendar day for the scheduler's
//     "already executed today" idempotence check
package storage
