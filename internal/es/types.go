package es

import (
	"encoding/json"
	"fmt"
	"time"
)

// StreamID identifies one aggregate stream.
type StreamID struct {
	AggregateType string `json:"aggregate_type" validate:"required,max=100"`
	AggregateID   string `json:"aggregate_id" validate:"required,max=200"`
}

// String renders the stream as "type/id" for logs and error messages.
func (s StreamID) String() string {
	return fmt.Sprintf("%s/%s", s.AggregateType, s.AggregateID)
}

// NewEvent is an event submitted for append. The store assigns everything else.
type NewEvent struct {
	Type     string            `json:"type" validate:"required,max=100,eventname"`
	Payload  json.RawMessage   `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty" validate:"max=32"`
}

// Event is an appended, immutable event record.
type Event struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	AggregateType    string            `json:"aggregate_type"`
	AggregateID      string            `json:"aggregate_id"`
	AggregateVersion int64             `json:"aggregate_version"`
	Payload          json.RawMessage   `json:"payload"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	RecordedAt       time.Time         `json:"recorded_at"`
	Position         int64             `json:"position"`
}

// Stream returns the aggregate stream the event belongs to.
func (e Event) Stream() StreamID {
	return StreamID{AggregateType: e.AggregateType, AggregateID: e.AggregateID}
}

// DecodePayload unmarshals the payload into v.
func (e Event) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode payload of %s@%d: %w", e.Type, e.Position, err)
	}
	return nil
}

// ProjectionState is the lifecycle state of a projection.
type ProjectionState string

const (
	StateIdle       ProjectionState = "idle"
	StateRunning    ProjectionState = "running"
	StateRebuilding ProjectionState = "rebuilding"
	StateFailed     ProjectionState = "failed"
)

// Valid reports whether s is one of the known states.
func (s ProjectionState) Valid() bool {
	switch s {
	case StateIdle, StateRunning, StateRebuilding, StateFailed:
		return true
	}
	return false
}

// ProjectionStatus is the persisted checkpoint and lease of one projection.
//
// Position is the global position of the last event fully applied (or
// skipped). LockedBy and LeaseExpiresAt describe the single-writer lease; a
// lease whose expiry has passed is stale and may be reclaimed.
type ProjectionStatus struct {
	Name              string          `json:"name"`
	Position          int64           `json:"position"`
	LastUpdatedAt     time.Time       `json:"last_updated_at"`
	LockedBy          string          `json:"locked_by,omitempty"`
	LeaseExpiresAt    time.Time       `json:"lease_expires_at"`
	State             ProjectionState `json:"state"`
	HandledEventTypes []string        `json:"handled_event_types"`
	NeedsRebuild      bool            `json:"needs_rebuild"`
	LastError         string          `json:"last_error,omitempty"`
}

// IsLocked reports whether a live owner holds the lease at now.
func (p ProjectionStatus) IsLocked(now time.Time) bool {
	return p.LockedBy != "" && p.LeaseExpiresAt.After(now)
}

// Resolution records how a processing failure was closed.
type Resolution string

const (
	// ResolutionNone marks an open failure.
	ResolutionNone Resolution = ""
	// ResolutionManual is an operator override: the runner skips the event.
	ResolutionManual Resolution = "manual"
	// ResolutionRetried means a later automatic retry applied the event.
	ResolutionRetried Resolution = "retried"
	// ResolutionUnhandled means the projection stopped handling the event
	// type and the runner skipped the event.
	ResolutionUnhandled Resolution = "unhandled"
)

// ProcessingFailure is one failed handler invocation for (EventID, SubscriptionName).
type ProcessingFailure struct {
	ID               int64      `json:"id"`
	EventID          string     `json:"event_id"`
	Position         int64      `json:"position"`
	SubscriptionName string     `json:"subscription_name"`
	HandlerType      string     `json:"handler_type"`
	ErrorType        string     `json:"error_type"`
	ErrorMessage     string     `json:"error_message"`
	RetryCount       int        `json:"retry_count"`
	FailedAt         time.Time  `json:"failed_at"`
	RetryAfter       time.Time  `json:"retry_after"`
	IsResolved       bool       `json:"is_resolved"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	Resolution       Resolution `json:"resolution,omitempty"`
}

// Skippable reports whether the runner may advance past the failed event
// without invoking the handler.
func (f ProcessingFailure) Skippable() bool {
	return f.IsResolved && f.Resolution == ResolutionManual
}

// Due reports whether an open failure is eligible for an automatic retry.
// maxRetries <= 0 means retries are unlimited.
func (f ProcessingFailure) Due(now time.Time, maxRetries int) bool {
	if f.IsResolved {
		return false
	}
	if maxRetries > 0 && f.RetryCount >= maxRetries {
		return false
	}
	return !f.RetryAfter.After(now)
}
