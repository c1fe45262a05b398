package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/eventcore/internal/es"
)

const failureColumns = `id, event_id, position, subscription_name, handler_type, error_type,
	error_message, retry_count, failed_at, retry_after, is_resolved, resolved_at, resolution`

// FailureQuery selects a page of the failure ledger.
type FailureQuery struct {
	Offset          int
	Limit           int
	IncludeResolved bool
	Subscription    string
}

// RecordFailure inserts a failure row for (EventID, SubscriptionName).
// Uses ON CONFLICT DO NOTHING: if the pair is already recorded, the existing
// row is returned unchanged and created is false.
func (s *Store) RecordFailure(ctx context.Context, f es.ProcessingFailure) (es.ProcessingFailure, bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO processing_failures
		(event_id, position, subscription_name, handler_type, error_type, error_message,
		 retry_count, failed_at, retry_after, is_resolved, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '')
		ON CONFLICT(event_id, subscription_name) DO NOTHING
	`,
		f.EventID,
		f.Position,
		f.SubscriptionName,
		f.HandlerType,
		f.ErrorType,
		f.ErrorMessage,
		f.RetryCount,
		toMillis(f.FailedAt),
		toMillis(f.RetryAfter),
	)
	if err != nil {
		return es.ProcessingFailure{}, false, fmt.Errorf("record failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return es.ProcessingFailure{}, false, fmt.Errorf("record failure: %w", err)
	}

	stored, found, err := s.FindFailure(ctx, f.EventID, f.SubscriptionName)
	if err != nil {
		return es.ProcessingFailure{}, false, err
	}
	if !found {
		return es.ProcessingFailure{}, false, fmt.Errorf("record failure: row for %s/%s missing after insert", f.EventID, f.SubscriptionName)
	}
	return stored, n == 1, nil
}

// UpdateFailureRetry stores the outcome of a failed automatic retry.
// Only retry_count and retry_after change; the first failure time and error
// stay as recorded.
func (s *Store) UpdateFailureRetry(ctx context.Context, id int64, retryCount int, retryAfter time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE processing_failures SET retry_count = ?, retry_after = ?
		WHERE id = ? AND is_resolved = 0
	`, retryCount, toMillis(retryAfter), id)
	if err != nil {
		return fmt.Errorf("update failure retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update failure retry: %w", err)
	}
	if n == 0 {
		return es.NewNotFound("open failure", strconv.FormatInt(id, 10))
	}
	return nil
}

// ResolveFailure closes a failure with the given resolution.
// Resolving an already-resolved row is a no-op that returns the row as
// stored. Returns a NOT_FOUND error for unknown ids.
func (s *Store) ResolveFailure(ctx context.Context, id int64, resolution es.Resolution) (es.ProcessingFailure, error) {
	if resolution == es.ResolutionNone {
		return es.ProcessingFailure{}, es.NewValidationError("resolution is required")
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE processing_failures SET is_resolved = 1, resolved_at = ?, resolution = ?
		WHERE id = ? AND is_resolved = 0
	`, toMillis(s.Now()), string(resolution), id)
	if err != nil {
		return es.ProcessingFailure{}, fmt.Errorf("resolve failure: %w", err)
	}
	return s.GetFailure(ctx, id)
}

// GetFailure returns one failure row. Returns a NOT_FOUND error for unknown ids.
func (s *Store) GetFailure(ctx context.Context, id int64) (es.ProcessingFailure, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+failureColumns+` FROM processing_failures WHERE id = ?`, id)
	f, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return es.ProcessingFailure{}, es.NewNotFound("failure", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return es.ProcessingFailure{}, fmt.Errorf("get failure: %w", err)
	}
	return f, nil
}

// FindFailure returns the failure row for (eventID, subscription), if any.
func (s *Store) FindFailure(ctx context.Context, eventID, subscription string) (es.ProcessingFailure, bool, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+failureColumns+` FROM processing_failures
		WHERE event_id = ? AND subscription_name = ?
	`, eventID, subscription)
	f, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return es.ProcessingFailure{}, false, nil
	}
	if err != nil {
		return es.ProcessingFailure{}, false, fmt.Errorf("find failure: %w", err)
	}
	return f, true, nil
}

// FailuresInRange returns the failure rows of subscription for events with
// fromPosition < position <= toPosition, keyed by event id.
func (s *Store) FailuresInRange(ctx context.Context, subscription string, fromPosition, toPosition int64) (map[string]es.ProcessingFailure, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+failureColumns+` FROM processing_failures
		WHERE subscription_name = ? AND position > ? AND position <= ?
	`, subscription, fromPosition, toPosition)
	if err != nil {
		return nil, fmt.Errorf("failures in range: %w", err)
	}
	defer rows.Close()

	out := make(map[string]es.ProcessingFailure)
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out[f.EventID] = f
	}
	return out, rows.Err()
}

// ListFailures returns a page of failures, newest first (failed_at DESC,
// id DESC), and the total number of rows matching the filter.
func (s *Store) ListFailures(ctx context.Context, q FailureQuery) ([]es.ProcessingFailure, int64, error) {
	var (
		where []string
		args  []any
	)
	if !q.IncludeResolved {
		where = append(where, "is_resolved = 0")
	}
	if q.Subscription != "" {
		where = append(where, "subscription_name = ?")
		args = append(args, q.Subscription)
	}
	filter := ""
	if len(where) > 0 {
		filter = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.r.QueryRowContext(ctx, `SELECT COUNT(*) FROM processing_failures`+filter, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count failures: %w", err)
	}

	limit := q.Limit
	if limit <= 0 || limit > MaxBatchSize {
		limit = MaxBatchSize
	}
	offset := max(q.Offset, 0)
	rows, err := s.r.QueryContext(ctx, `
		SELECT `+failureColumns+` FROM processing_failures`+filter+`
		ORDER BY failed_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	out := []es.ProcessingFailure{}
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate failures: %w", err)
	}
	return out, total, nil
}

// CountUnresolvedFailures returns the number of open failure rows.
func (s *Store) CountUnresolvedFailures(ctx context.Context) (int64, error) {
	var n int64
	if err := s.r.QueryRowContext(ctx, `SELECT COUNT(*) FROM processing_failures WHERE is_resolved = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unresolved failures: %w", err)
	}
	return n, nil
}

// DueSubscriptions returns, sorted, the subscriptions with at least one open
// failure whose retry time has passed. maxRetries > 0 excludes rows that
// already used up their retries.
func (s *Store) DueSubscriptions(ctx context.Context, now time.Time, maxRetries int) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT subscription_name FROM processing_failures
		WHERE is_resolved = 0 AND retry_after <= ? AND (? <= 0 OR retry_count < ?)
		ORDER BY subscription_name ASC
	`, toMillis(now), maxRetries, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("due subscriptions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan due subscription: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func scanFailure(row rowScanner) (es.ProcessingFailure, error) {
	var (
		f          es.ProcessingFailure
		failedAt   int64
		retryAfter int64
		resolved   int
		resolvedAt sql.NullInt64
		resolution string
	)
	if err := row.Scan(
		&f.ID,
		&f.EventID,
		&f.Position,
		&f.SubscriptionName,
		&f.HandlerType,
		&f.ErrorType,
		&f.ErrorMessage,
		&f.RetryCount,
		&failedAt,
		&retryAfter,
		&resolved,
		&resolvedAt,
		&resolution,
	); err != nil {
		return es.ProcessingFailure{}, err
	}
	f.FailedAt = fromMillis(failedAt)
	f.RetryAfter = fromMillis(retryAfter)
	f.IsResolved = resolved != 0
	f.ResolvedAt = fromNullMillis(resolvedAt)
	f.Resolution = es.Resolution(resolution)
	return f, nil
}

// ReopenFailure puts a resolved row back into the open state after the
// event failed again, e.g. during a rebuild after an automatic retry had
// succeeded. The retry counters continue from the values given.
func (s *Store) ReopenFailure(ctx context.Context, id int64, retryCount int, retryAfter time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE processing_failures
		SET is_resolved = 0, resolved_at = NULL, resolution = '', retry_count = ?, retry_after = ?
		WHERE id = ?
	`, retryCount, toMillis(retryAfter), id)
	if err != nil {
		return fmt.Errorf("reopen failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reopen failure: %w", err)
	}
	if n == 0 {
		return es.NewNotFound("failure", strconv.FormatInt(id, 10))
	}
	return nil
}
