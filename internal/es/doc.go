// Package es defines the shared model of the event-sourcing core.
//
// This package contains the event, projection status and processing failure
// types, the error taxonomy, and the canonical payload encoding. All other
// internal packages import es; es imports nothing internal.
//
// Key constraints:
//   - Events are immutable once appended; Position is the only replay cursor
//   - AggregateVersion starts at 1 and is gapless per (AggregateType, AggregateID)
//   - Payloads are JSON objects stored in canonical form (sorted keys, NFC strings)
//   - All timestamps are UTC
package es
