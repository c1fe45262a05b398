package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/eventcore/internal/es"
)

// MaxBatchSize bounds every page returned by ReadAll and ReadStream.
const MaxBatchSize = 1000

const eventColumns = `position, event_id, event_type, aggregate_type, aggregate_id,
	aggregate_version, payload, metadata, recorded_at`

// ReadAll returns events with position > fromPosition in ascending order,
// at most batchSize of them. batchSize <= 0 or above MaxBatchSize is clamped
// to MaxBatchSize.
//
// Callers page by passing the last returned position as the next
// fromPosition. An empty result means the reader is at the head.
func (s *Store) ReadAll(ctx context.Context, fromPosition int64, batchSize int) ([]es.Event, error) {
	if fromPosition < 0 {
		return nil, es.NewValidationError("from position must be >= 0, got %d", fromPosition)
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE position > ?
		ORDER BY position ASC
		LIMIT ?
	`, fromPosition, clampBatch(batchSize))
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ReadStream returns events of one aggregate with version > fromVersion,
// ordered by version.
func (s *Store) ReadStream(ctx context.Context, stream es.StreamID, fromVersion int64, limit int) ([]es.Event, error) {
	if fromVersion < 0 {
		return nil, es.NewValidationError("from version must be >= 0, got %d", fromVersion)
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE aggregate_type = ? AND aggregate_id = ? AND aggregate_version > ?
		ORDER BY aggregate_version ASC
		LIMIT ?
	`, stream.AggregateType, stream.AggregateID, fromVersion, clampBatch(limit))
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", stream, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// StreamVersion returns the current version of stream, 0 if it has no events.
func (s *Store) StreamVersion(ctx context.Context, stream es.StreamID) (int64, error) {
	var version int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(aggregate_version), 0) FROM events
		WHERE aggregate_type = ? AND aggregate_id = ?
	`, stream.AggregateType, stream.AggregateID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("stream version %s: %w", stream, err)
	}
	return version, nil
}

// HeadPosition returns the highest committed position, 0 for an empty store.
func (s *Store) HeadPosition(ctx context.Context) (int64, error) {
	var head int64
	if err := s.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM events`).Scan(&head); err != nil {
		return 0, fmt.Errorf("head position: %w", err)
	}
	return head, nil
}

// EventByID returns a single event. Returns a NOT_FOUND error if no event
// has that id.
func (s *Store) EventByID(ctx context.Context, id string) (es.Event, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE event_id = ?
	`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return es.Event{}, es.NewNotFound("event", id)
	}
	if err != nil {
		return es.Event{}, fmt.Errorf("event by id: %w", err)
	}
	return e, nil
}

func clampBatch(n int) int {
	if n <= 0 || n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (es.Event, error) {
	var (
		e          es.Event
		payload    string
		metadata   string
		recordedAt int64
	)
	if err := row.Scan(
		&e.Position,
		&e.ID,
		&e.Type,
		&e.AggregateType,
		&e.AggregateID,
		&e.AggregateVersion,
		&payload,
		&metadata,
		&recordedAt,
	); err != nil {
		return es.Event{}, err
	}
	md, err := unmarshalMetadata(metadata)
	if err != nil {
		return es.Event{}, fmt.Errorf("event %s: %w", e.ID, err)
	}
	e.Payload = []byte(payload)
	e.Metadata = md
	e.RecordedAt = fromMillis(recordedAt)
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]es.Event, error) {
	var events []es.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
