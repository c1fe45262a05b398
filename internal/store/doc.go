// Package store provides SQLite-backed durable storage for the event log,
// projection checkpoints and the failure ledger.
//
// The store implements an append-only log with:
//   - Events: immutable records with a per-aggregate version and a global position
//   - Projection status: checkpoint, lifecycle state and lease per projection
//   - Projection state: JSON documents for projections that fold into one value
//   - Processing failures: one row per (event, subscription) handler failure
//
// # Ordering
//
// Positions are assigned as MAX(position)+1 inside the append transaction,
// after the stream version check. Transactions start IMMEDIATE, so two
// appenders never read the same head and positions stay gapless.
//
// All event queries order by position (or version within a stream). Wall
// clock columns are for display and reports only.
//
// # Leases
//
// A projection row is owned by at most one worker at a time. Acquiring the
// lease succeeds when the row is free, already owned by the caller, or the
// previous lease expired. Checkpoint and state writes include
// "AND locked_by = ?" so a worker that lost its lease cannot move the
// checkpoint.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as Unix milliseconds in UTC.
package store
