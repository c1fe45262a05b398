package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/eventcore/internal/es"
)

// MaxEventsPerAppend bounds a single Append call.
const MaxEventsPerAppend = 500

var eventNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.\-]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Event types key payload schemas and metrics labels, so they are plain
	// identifiers.
	if err := v.RegisterValidation("eventname", func(fl validator.FieldLevel) bool {
		return eventNamePattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("register eventname validation: %v", err))
	}
	return v
}

// Append writes events to stream, assigning versions expectedVersion+1..n and
// the next global positions.
//
// expectedVersion is the version the caller last observed (0 for a new
// stream). If the stream has moved on, Append returns a CONCURRENCY_CONFLICT
// error and writes nothing. All events are written in one transaction: either
// every event is appended or none is.
//
// Payloads are stored in canonical form (see es.CanonicalPayload), so the
// returned events carry exactly the bytes a later read returns.
func (s *Store) Append(ctx context.Context, stream es.StreamID, expectedVersion int64, events []es.NewEvent) ([]es.Event, error) {
	prepared, err := s.prepareAppend(stream, expectedVersion, events)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var appended []es.Event
	write := func(tx *Store) error {
		var werr error
		appended, werr = tx.appendTx(ctx, stream, expectedVersion, prepared)
		return werr
	}
	if s.tx != nil {
		err = write(s)
	} else {
		err = s.InTx(ctx, write)
	}
	if err != nil {
		if es.IsConcurrencyConflict(err) {
			appendConflicts.Inc()
		}
		return nil, err
	}
	appendDuration.Observe(time.Since(start).Seconds())

	// Inside a caller's transaction nothing is visible until it commits;
	// InTx observes the events after the commit.
	if s.tx != nil {
		*s.committed = append(*s.committed, appended...)
	} else {
		s.observe(appended)
	}
	return appended, nil
}

// observe advances the tracker and metrics for committed events.
func (s *Store) observe(events []es.Event) {
	if len(events) == 0 {
		return
	}
	for _, e := range events {
		eventsAppended.WithLabelValues(e.Type).Inc()
	}
	last := events[len(events)-1].Position
	s.tracker.Observe(last)
	headPosition.Set(float64(s.tracker.Head()))
}

type preparedEvent struct {
	es.NewEvent
	payload  []byte
	metadata []byte
}

// prepareAppend validates the request and canonicalizes payloads before any
// database work.
func (s *Store) prepareAppend(stream es.StreamID, expectedVersion int64, events []es.NewEvent) ([]preparedEvent, error) {
	if expectedVersion < 0 {
		return nil, es.NewValidationError("expected version must be >= 0, got %d", expectedVersion)
	}
	if len(events) == 0 {
		return nil, es.NewValidationError("append requires at least one event")
	}
	if len(events) > MaxEventsPerAppend {
		return nil, es.NewValidationError("append of %d events exceeds limit %d", len(events), MaxEventsPerAppend)
	}
	if err := validate.Struct(stream); err != nil {
		return nil, validationError("stream", err)
	}

	prepared := make([]preparedEvent, 0, len(events))
	for i, ev := range events {
		if err := validate.Struct(ev); err != nil {
			return nil, validationError(fmt.Sprintf("event[%d]", i), err)
		}
		payload, err := es.CanonicalPayload(ev.Payload)
		if err != nil {
			return nil, &es.Error{
				Code:    es.CodeValidation,
				Message: fmt.Sprintf("event[%d] %s", i, ev.Type),
				Stream:  stream.String(),
				Err:     err,
			}
		}
		if s.validator != nil {
			if err := s.validator.ValidatePayload(ev.Type, payload); err != nil {
				return nil, &es.Error{
					Code:    es.CodeValidation,
					Message: fmt.Sprintf("event[%d] %s payload", i, ev.Type),
					Stream:  stream.String(),
					Err:     err,
				}
			}
		}
		metadata, err := marshalMetadata(ev.Metadata)
		if err != nil {
			return nil, fmt.Errorf("append: %w", err)
		}
		prepared = append(prepared, preparedEvent{NewEvent: ev, payload: payload, metadata: metadata})
	}
	return prepared, nil
}

func (s *Store) appendTx(ctx context.Context, stream es.StreamID, expectedVersion int64, events []preparedEvent) ([]es.Event, error) {
	var current int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(aggregate_version), 0) FROM events
		WHERE aggregate_type = ? AND aggregate_id = ?
	`, stream.AggregateType, stream.AggregateID).Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("append: read stream version: %w", err)
	}
	if current != expectedVersion {
		return nil, es.NewConcurrencyConflict(stream, expectedVersion, current)
	}

	var head int64
	if err := s.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM events`).Scan(&head); err != nil {
		return nil, fmt.Errorf("append: read head position: %w", err)
	}

	now := s.Now()
	out := make([]es.Event, 0, len(events))
	for i, ev := range events {
		e := es.Event{
			ID:               s.ids.Generate(),
			Type:             ev.Type,
			AggregateType:    stream.AggregateType,
			AggregateID:      stream.AggregateID,
			AggregateVersion: expectedVersion + int64(i) + 1,
			Payload:          json.RawMessage(ev.payload),
			Metadata:         nonEmpty(ev.Metadata),
			RecordedAt:       now.Truncate(time.Millisecond),
			Position:         head + int64(i) + 1,
		}
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO events
			(position, event_id, event_type, aggregate_type, aggregate_id, aggregate_version, payload, metadata, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.Position,
			e.ID,
			e.Type,
			e.AggregateType,
			e.AggregateID,
			e.AggregateVersion,
			string(ev.payload),
			string(ev.metadata),
			toMillis(e.RecordedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				// Only reachable when another writer slipped in between the
				// version read and this insert; report it as the conflict it is.
				return nil, es.NewConcurrencyConflict(stream, expectedVersion, e.AggregateVersion-1)
			}
			return nil, fmt.Errorf("append: insert event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func validationError(subject string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return es.NewValidationError("%s: %v", subject, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return es.NewValidationError("%s: %s", subject, strings.Join(parts, "; "))
}

func marshalMetadata(md map[string]string) ([]byte, error) {
	if len(md) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var md map[string]string
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return md, nil
}

func nonEmpty(md map[string]string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	return md
}
