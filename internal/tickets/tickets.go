// Package tickets is the example domain shipped with eventcore: a small
// issue tracker whose events feed two read models.
//
//   - ticket_board: one row per ticket with status, title and comment count
//   - activity_counts: per-type event counters kept as a JSON state document
//
// The payload schemas of the ticket events are embedded as CUE source.
package tickets

import (
	_ "embed"

	"github.com/roach88/eventcore/internal/projection"
)

// Event types.
const (
	TypeTicketCreated       = "TicketCreated"
	TypeTicketStatusChanged = "TicketStatusChanged"
	TypeTicketRetitled      = "TicketRetitled"
	TypeCommentAdded        = "CommentAdded"
)

// AggregateType is the aggregate type of ticket streams.
const AggregateType = "Ticket"

// Ticket statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
	StatusClosed     = "closed"
)

// Schema is the CUE source of the ticket payload schemas.
//
//go:embed schema.cue
var Schema string

// TicketCreated is the payload of TypeTicketCreated.
type TicketCreated struct {
	Title    string `json:"title"`
	Priority int    `json:"priority,omitempty"`
}

// TicketStatusChanged is the payload of TypeTicketStatusChanged.
type TicketStatusChanged struct {
	Status string `json:"status"`
}

// TicketRetitled is the payload of TypeTicketRetitled.
type TicketRetitled struct {
	Title string `json:"title"`
}

// CommentAdded is the payload of TypeCommentAdded.
type CommentAdded struct {
	Body   string `json:"body"`
	Author string `json:"author"`
}

// Register adds the ticket read models to r.
func Register(r *projection.Registry) error {
	if err := r.Register(NewBoard()); err != nil {
		return err
	}
	return r.Register(NewActivity())
}
