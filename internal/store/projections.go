package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/eventcore/internal/es"
)

const statusColumns = `name, position, last_updated_at, locked_by, lease_expires_at,
	state, handled_event_types, needs_rebuild, last_error`

// EnsureProjection creates the status row for a projection if it does not
// exist (Position=0, State=idle) and refreshes its handled event types.
// Checkpoint, state and lease of an existing row are left untouched.
func (s *Store) EnsureProjection(ctx context.Context, name string, handled []string) (es.ProjectionStatus, error) {
	if name == "" {
		return es.ProjectionStatus{}, es.NewValidationError("projection name is required")
	}
	types := slices.Clone(handled)
	slices.Sort(types)
	types = slices.Compact(types)
	if types == nil {
		types = []string{}
	}
	typesJSON, err := json.Marshal(types)
	if err != nil {
		return es.ProjectionStatus{}, fmt.Errorf("ensure projection %s: %w", name, err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO projection_status (name, position, last_updated_at, state, handled_event_types)
		VALUES (?, 0, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET handled_event_types = excluded.handled_event_types
	`, name, toMillis(s.Now()), string(es.StateIdle), string(typesJSON))
	if err != nil {
		return es.ProjectionStatus{}, fmt.Errorf("ensure projection %s: %w", name, err)
	}
	return s.GetProjection(ctx, name)
}

// GetProjection returns the status row of a projection.
// Returns a NOT_FOUND error for unknown names.
func (s *Store) GetProjection(ctx context.Context, name string) (es.ProjectionStatus, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM projection_status WHERE name = ?`, name)
	p, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return es.ProjectionStatus{}, es.NewNotFound("projection", name)
	}
	if err != nil {
		return es.ProjectionStatus{}, fmt.Errorf("get projection %s: %w", name, err)
	}
	return p, nil
}

// ListProjections returns all status rows ordered by name.
func (s *Store) ListProjections(ctx context.Context) ([]es.ProjectionStatus, error) {
	rows, err := s.r.QueryContext(ctx, `SELECT `+statusColumns+` FROM projection_status ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list projections: %w", err)
	}
	defer rows.Close()

	var out []es.ProjectionStatus
	for rows.Next() {
		p, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan projection: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projections: %w", err)
	}
	return out, nil
}

// AcquireLease makes owner the single writer of a projection until
// now+ttl. It succeeds only when the row is unowned or the previous lease
// has expired; a live lease is refused even to its own owner, so every run
// must use a distinct owner token. RenewLease extends a held lease.
//
// Returns the status after the attempt and whether owner now holds the
// lease. A NOT_FOUND error is returned for unknown projections.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (es.ProjectionStatus, bool, error) {
	if owner == "" {
		return es.ProjectionStatus{}, false, es.NewValidationError("lease owner is required")
	}
	now := s.Now()
	res, err := s.q.ExecContext(ctx, `
		UPDATE projection_status
		SET locked_by = ?, lease_expires_at = ?
		WHERE name = ? AND (locked_by = '' OR lease_expires_at <= ?)
	`, owner, toMillis(now.Add(ttl)), name, toMillis(now))
	if err != nil {
		return es.ProjectionStatus{}, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return es.ProjectionStatus{}, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}

	status, err := s.GetProjection(ctx, name)
	if err != nil {
		return es.ProjectionStatus{}, false, err
	}
	return status, n == 1, nil
}

// RenewLease extends a lease owner still holds. Returns a LEASE_LOST error
// when another worker has taken it over.
func (s *Store) RenewLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE projection_status SET lease_expires_at = ?
		WHERE name = ? AND locked_by = ?
	`, toMillis(s.Now().Add(ttl)), name, owner)
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", name, err)
	}
	return fenced(res, name)
}

// ReleaseLease clears the lease if owner still holds it. Releasing a lease
// that was already lost is not an error.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE projection_status SET locked_by = '', lease_expires_at = 0
		WHERE name = ? AND locked_by = ?
	`, name, owner)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// SaveCheckpoint moves the projection checkpoint from one position to
// another. The write is fenced by owner and by the current checkpoint: it
// fails with LEASE_LOST if owner no longer holds the lease or the checkpoint
// is no longer at from.
func (s *Store) SaveCheckpoint(ctx context.Context, name, owner string, from, to int64) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE projection_status SET position = ?, last_updated_at = ?
		WHERE name = ? AND locked_by = ? AND position = ?
	`, to, toMillis(s.Now()), name, owner, from)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return es.NewProjectionError(es.CodeLeaseLost, name,
			fmt.Sprintf("lease not held or checkpoint moved from %d", from))
	}
	return nil
}

// SetProjectionState records a lifecycle transition, fenced by owner.
// lastError is stored as given; pass "" to clear it.
func (s *Store) SetProjectionState(ctx context.Context, name, owner string, state es.ProjectionState, lastError string) error {
	if !state.Valid() {
		return es.NewValidationError("invalid projection state %q", state)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE projection_status SET state = ?, last_error = ?, last_updated_at = ?
		WHERE name = ? AND locked_by = ?
	`, string(state), lastError, toMillis(s.Now()), name, owner)
	if err != nil {
		return fmt.Errorf("set projection state %s: %w", name, err)
	}
	return fenced(res, name)
}

// MarkNeedsRebuild moves a projection to failed and flags it so runners
// refuse it until a rebuild succeeds. Fenced by owner.
func (s *Store) MarkNeedsRebuild(ctx context.Context, name, owner, lastError string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE projection_status
		SET state = ?, needs_rebuild = 1, last_error = ?, last_updated_at = ?
		WHERE name = ? AND locked_by = ?
	`, string(es.StateFailed), lastError, toMillis(s.Now()), name, owner)
	if err != nil {
		return fmt.Errorf("mark needs rebuild %s: %w", name, err)
	}
	return fenced(res, name)
}

// StartRebuild rewinds the checkpoint to fromPosition, enters the rebuilding
// state and clears the rebuild flag and last error. Fenced by owner.
func (s *Store) StartRebuild(ctx context.Context, name, owner string, fromPosition int64) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE projection_status
		SET state = ?, position = ?, needs_rebuild = 0, last_error = '', last_updated_at = ?
		WHERE name = ? AND locked_by = ?
	`, string(es.StateRebuilding), fromPosition, toMillis(s.Now()), name, owner)
	if err != nil {
		return fmt.Errorf("start rebuild %s: %w", name, err)
	}
	return fenced(res, name)
}

// ReadStateDoc returns the JSON state document of a projection inside tx.
// A missing document returns nil bytes and no error.
func ReadStateDoc(ctx context.Context, tx *sql.Tx, name string) ([]byte, error) {
	var doc string
	err := tx.QueryRowContext(ctx, `SELECT state FROM projection_state WHERE name = ?`, name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", name, err)
	}
	return []byte(doc), nil
}

// WriteStateDoc upserts the JSON state document of a projection inside tx.
func WriteStateDoc(ctx context.Context, tx *sql.Tx, name string, doc []byte, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projection_state (name, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, name, string(doc), toMillis(at))
	if err != nil {
		return fmt.Errorf("write state %s: %w", name, err)
	}
	return nil
}

// DeleteStateDoc removes the JSON state document of a projection inside tx.
func DeleteStateDoc(ctx context.Context, tx *sql.Tx, name string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM projection_state WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete state %s: %w", name, err)
	}
	return nil
}

// fenced turns a zero-row fenced update into LEASE_LOST.
func fenced(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return es.NewProjectionError(es.CodeLeaseLost, name, "lease not held")
	}
	return nil
}

func scanStatus(row rowScanner) (es.ProjectionStatus, error) {
	var (
		p              es.ProjectionStatus
		lastUpdatedAt  int64
		leaseExpiresAt int64
		state          string
		handled        string
		needsRebuild   int
	)
	if err := row.Scan(
		&p.Name,
		&p.Position,
		&lastUpdatedAt,
		&p.LockedBy,
		&leaseExpiresAt,
		&state,
		&handled,
		&needsRebuild,
		&p.LastError,
	); err != nil {
		return es.ProjectionStatus{}, err
	}
	if err := json.Unmarshal([]byte(handled), &p.HandledEventTypes); err != nil {
		return es.ProjectionStatus{}, fmt.Errorf("handled event types of %s: %w", p.Name, err)
	}
	p.LastUpdatedAt = fromMillis(lastUpdatedAt)
	if leaseExpiresAt > 0 {
		p.LeaseExpiresAt = fromMillis(leaseExpiresAt)
	}
	p.State = es.ProjectionState(state)
	p.NeedsRebuild = needsRebuild != 0
	return p, nil
}

// StateDoc returns the JSON state document of a projection outside any
// projection transaction. A missing document returns nil bytes and no error.
func (s *Store) StateDoc(ctx context.Context, name string) ([]byte, error) {
	var doc string
	err := s.q.QueryRowContext(ctx, `SELECT state FROM projection_state WHERE name = ?`, name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state doc %s: %w", name, err)
	}
	return []byte(doc), nil
}
