package tickets

import (
	"time"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/projection"
)

// ActivityName is the projection name of the activity counters.
const ActivityName = "activity_counts"

// Activity counts ticket events.
type Activity struct {
	Total       int            `json:"total"`
	ByType      map[string]int `json:"by_type"`
	Tickets     int            `json:"tickets"`
	LastEventAt time.Time      `json:"last_event_at"`
}

// NewActivity creates the activity_counts projection.
func NewActivity() *projection.StateProjection[Activity] {
	return projection.NewStateProjection(ActivityName,
		[]string{TypeTicketCreated, TypeTicketStatusChanged, TypeTicketRetitled, TypeCommentAdded},
		func() Activity { return Activity{ByType: map[string]int{}} },
		foldActivity,
	)
}

func foldActivity(a Activity, evt es.Event) (Activity, error) {
	a.Total++
	a.ByType[evt.Type]++
	if evt.Type == TypeTicketCreated {
		a.Tickets++
	}
	if evt.RecordedAt.After(a.LastEventAt) {
		a.LastEventAt = evt.RecordedAt
	}
	return a, nil
}
