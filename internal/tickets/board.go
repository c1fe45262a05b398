package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/eventcore/internal/es"
)

// BoardName is the projection name of the ticket board.
const BoardName = "ticket_board"

const boardSchema = `
CREATE TABLE IF NOT EXISTS ticket_board (
    ticket_id     TEXT PRIMARY KEY,
    title         TEXT NOT NULL,
    status        TEXT NOT NULL,
    priority      INTEGER NOT NULL DEFAULT 0,
    comment_count INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    last_position INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticket_board_status ON ticket_board(status);
`

// Ticket is one row of the board.
type Ticket struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	Priority     int       `json:"priority,omitempty"`
	CommentCount int       `json:"comment_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastPosition int64     `json:"last_position"`
}

// Board is the ticket_board projection.
type Board struct{}

// NewBoard creates the board projection.
func NewBoard() *Board {
	return &Board{}
}

// Name implements projection.Projection.
func (b *Board) Name() string { return BoardName }

// HandledEventTypes implements projection.Projection.
func (b *Board) HandledEventTypes() []string {
	return []string{TypeTicketCreated, TypeTicketStatusChanged, TypeTicketRetitled, TypeCommentAdded}
}

// Migrate implements projection.Migrator.
func (b *Board) Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, boardSchema); err != nil {
		return fmt.Errorf("migrate %s: %w", BoardName, err)
	}
	return nil
}

// Reset implements projection.Projection.
func (b *Board) Reset(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM ticket_board`); err != nil {
		return fmt.Errorf("reset %s: %w", BoardName, err)
	}
	return nil
}

// Apply implements projection.Projection.
func (b *Board) Apply(ctx context.Context, tx *sql.Tx, evt es.Event) error {
	at := evt.RecordedAt.UnixMilli()
	switch evt.Type {
	case TypeTicketCreated:
		var p TicketCreated
		if err := evt.DecodePayload(&p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ticket_board (ticket_id, title, status, priority, comment_count, created_at, updated_at, last_position)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		`, evt.AggregateID, p.Title, StatusOpen, p.Priority, at, at, evt.Position)
		if err != nil {
			return fmt.Errorf("create ticket %s: %w", evt.AggregateID, err)
		}
		return nil

	case TypeTicketStatusChanged:
		var p TicketStatusChanged
		if err := evt.DecodePayload(&p); err != nil {
			return err
		}
		if !validStatus(p.Status) {
			return fmt.Errorf("ticket %s: unknown status %q", evt.AggregateID, p.Status)
		}
		return b.update(ctx, tx, evt, `status = ?`, p.Status)

	case TypeTicketRetitled:
		var p TicketRetitled
		if err := evt.DecodePayload(&p); err != nil {
			return err
		}
		return b.update(ctx, tx, evt, `title = ?`, p.Title)

	case TypeCommentAdded:
		return b.update(ctx, tx, evt, `comment_count = comment_count + 1`)
	}
	return nil
}

// update applies set to an existing ticket and stamps it with evt.
func (b *Board) update(ctx context.Context, tx *sql.Tx, evt es.Event, set string, args ...any) error {
	args = append(args, evt.RecordedAt.UnixMilli(), evt.Position, evt.AggregateID)
	res, err := tx.ExecContext(ctx, `
		UPDATE ticket_board SET `+set+`, updated_at = ?, last_position = ?
		WHERE ticket_id = ?
	`, args...)
	if err != nil {
		return fmt.Errorf("%s on ticket %s: %w", evt.Type, evt.AggregateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s on ticket %s: %w", evt.Type, evt.AggregateID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s on unknown ticket %s", evt.Type, evt.AggregateID)
	}
	return nil
}

func validStatus(s string) bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

const ticketColumns = `ticket_id, title, status, priority, comment_count, created_at, updated_at, last_position`

// ListTickets returns the board ordered by ticket id. A non-empty status
// filters by status.
func ListTickets(ctx context.Context, db *sql.DB, status string) ([]Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM ticket_board`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY ticket_id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	tickets := []Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// GetTicket returns one ticket or a NOT_FOUND error.
func GetTicket(ctx context.Context, db *sql.DB, id string) (Ticket, error) {
	row := db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM ticket_board WHERE ticket_id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, es.NewNotFound("ticket", id)
	}
	if err != nil {
		return Ticket{}, fmt.Errorf("get ticket %s: %w", id, err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (Ticket, error) {
	var (
		t                    Ticket
		createdAt, updatedAt int64
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Status, &t.Priority, &t.CommentCount, &createdAt, &updatedAt, &t.LastPosition); err != nil {
		return Ticket{}, err
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return t, nil
}
