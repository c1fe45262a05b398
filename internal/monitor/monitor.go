// Package monitor answers the operator-facing questions about an event
// store: what is in the log, how far each projection has got, and which
// events are failing. It also exposes the two operator actions, rebuilding
// a projection and resolving a failure.
//
// Everything except the two actions is read-only and derived from the
// store's committed state at the time of the call.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/ledger"
	"github.com/roach88/eventcore/internal/projection"
	"github.com/roach88/eventcore/internal/store"
)

// Report sizes.
const (
	TopEventTypes      = 5
	OverviewDays       = 7
	StatisticsDays     = 30
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500
)

// Overview is the dashboard summary.
type Overview struct {
	TotalEvents        int64             `json:"total_events"`
	EventsToday        int64             `json:"events_today"`
	HeadPosition       int64             `json:"head_position"`
	ActiveProjections  int               `json:"active_projections"`
	TotalProjections   int               `json:"total_projections"`
	UnresolvedFailures int64             `json:"unresolved_failures"`
	TopEventTypes      []store.TypeCount `json:"top_event_types"`
	DailyActivity      []store.DayCount  `json:"daily_activity"`
	GeneratedAt        time.Time         `json:"generated_at"`
}

// ProjectionInfo is one row of the projection listing.
type ProjectionInfo struct {
	Name              string             `json:"name"`
	Position          int64              `json:"position"`
	Lag               int64              `json:"lag"`
	LastUpdatedAt     time.Time          `json:"last_updated_at"`
	IsLocked          bool               `json:"is_locked"`
	LockedBy          string             `json:"locked_by,omitempty"`
	State             es.ProjectionState `json:"state"`
	HandledEventTypes int                `json:"handled_event_types"`
	NeedsRebuild      bool               `json:"needs_rebuild"`
	LastError         string             `json:"last_error,omitempty"`
	Registered        bool               `json:"registered"`
}

// RecentEvent is one row of the recent events listing.
type RecentEvent struct {
	Position         int64             `json:"position"`
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	AggregateType    string            `json:"aggregate_type"`
	AggregateID      string            `json:"aggregate_id"`
	AggregateVersion int64             `json:"aggregate_version"`
	RecordedAt       time.Time         `json:"recorded_at"`
	Preview          es.PayloadPreview `json:"preview"`
}

// Statistics is the detailed activity report.
type Statistics struct {
	ByEventType     []store.TypeCount `json:"by_event_type"`
	ByAggregateType []store.TypeCount `json:"by_aggregate_type"`
	HourlyToday     []store.HourCount `json:"hourly_today"`
	DailyActivity   []store.DayCount  `json:"daily_activity"`
}

// ActionResult reports an operator action. Error holds the underlying error
// message and Code its error code when Success is false.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Service implements the monitoring queries and actions.
type Service struct {
	store     *store.Store
	registry  *projection.Registry
	ledger    *ledger.Ledger
	rebuilder *projection.Rebuilder
}

// New creates a monitoring service.
func New(s *store.Store, registry *projection.Registry, l *ledger.Ledger, rebuilder *projection.Rebuilder) *Service {
	return &Service{
		store:     s,
		registry:  registry,
		ledger:    l,
		rebuilder: rebuilder,
	}
}

// Overview returns the dashboard summary. A projection is active when it is
// registered in this process and not failed.
func (s *Service) Overview(ctx context.Context) (Overview, error) {
	now := s.store.Now()
	total, err := s.store.CountEvents(ctx)
	if err != nil {
		return Overview{}, err
	}
	today, err := s.store.CountEventsSince(ctx, startOfDay(now))
	if err != nil {
		return Overview{}, err
	}
	head, err := s.store.HeadPosition(ctx)
	if err != nil {
		return Overview{}, err
	}
	statuses, err := s.store.ListProjections(ctx)
	if err != nil {
		return Overview{}, err
	}
	unresolved, err := s.ledger.CountUnresolved(ctx)
	if err != nil {
		return Overview{}, err
	}
	top, err := s.store.CountEventsByType(ctx, TopEventTypes)
	if err != nil {
		return Overview{}, err
	}
	daily, err := s.store.RecentActivityByDay(ctx, OverviewDays)
	if err != nil {
		return Overview{}, err
	}

	active := 0
	for _, st := range statuses {
		if s.registered(st.Name) && st.State != es.StateFailed {
			active++
		}
	}
	return Overview{
		TotalEvents:        total,
		EventsToday:        today,
		HeadPosition:       head,
		ActiveProjections:  active,
		TotalProjections:   len(statuses),
		UnresolvedFailures: unresolved,
		TopEventTypes:      top,
		DailyActivity:      daily,
		GeneratedAt:        now,
	}, nil
}

// ListProjections returns every projection with a status row, by name.
func (s *Service) ListProjections(ctx context.Context) ([]ProjectionInfo, error) {
	statuses, err := s.store.ListProjections(ctx)
	if err != nil {
		return nil, err
	}
	head, err := s.store.HeadPosition(ctx)
	if err != nil {
		return nil, err
	}
	now := s.store.Now()

	out := make([]ProjectionInfo, 0, len(statuses))
	for _, st := range statuses {
		locked := st.IsLocked(now)
		info := ProjectionInfo{
			Name:              st.Name,
			Position:          st.Position,
			Lag:               max(head-st.Position, 0),
			LastUpdatedAt:     st.LastUpdatedAt,
			IsLocked:          locked,
			State:             st.State,
			HandledEventTypes: len(st.HandledEventTypes),
			NeedsRebuild:      st.NeedsRebuild,
			LastError:         st.LastError,
			Registered:        s.registered(st.Name),
		}
		if locked {
			info.LockedBy = st.LockedBy
		}
		out = append(out, info)
	}
	return out, nil
}

// ListFailures returns a page of the failure ledger, newest first.
func (s *Service) ListFailures(ctx context.Context, page, limit int, includeResolved bool) (ledger.Page, error) {
	return s.ledger.List(ctx, page, limit, includeResolved)
}

// ListRecentEvents returns the newest events with payload previews. Empty
// filters match every event; limit <= 0 means DefaultRecentLimit.
func (s *Service) ListRecentEvents(ctx context.Context, limit int, eventType, aggregateType string) ([]RecentEvent, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	limit = min(limit, MaxRecentLimit)

	events, err := s.store.RecentEvents(ctx, store.RecentEventsQuery{
		Limit:         limit,
		EventType:     eventType,
		AggregateType: aggregateType,
	})
	if err != nil {
		return nil, err
	}
	out := make([]RecentEvent, 0, len(events))
	for _, e := range events {
		out = append(out, RecentEvent{
			Position:         e.Position,
			ID:               e.ID,
			Type:             e.Type,
			AggregateType:    e.AggregateType,
			AggregateID:      e.AggregateID,
			AggregateVersion: e.AggregateVersion,
			RecordedAt:       e.RecordedAt,
			Preview:          es.BuildPreview(e.Payload),
		})
	}
	return out, nil
}

// Statistics returns per-type and per-aggregate counts, 24 hourly buckets
// for today and StatisticsDays daily buckets.
func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	byType, err := s.store.CountEventsByType(ctx, 0)
	if err != nil {
		return Statistics{}, err
	}
	byAggregate, err := s.store.CountByAggregateType(ctx)
	if err != nil {
		return Statistics{}, err
	}
	hourly, err := s.store.HourlyActivity(ctx, s.store.Now())
	if err != nil {
		return Statistics{}, err
	}
	daily, err := s.store.RecentActivityByDay(ctx, StatisticsDays)
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{
		ByEventType:     byType,
		ByAggregateType: byAggregate,
		HourlyToday:     hourly,
		DailyActivity:   daily,
	}, nil
}

// RebuildProjection rebuilds name from fromPosition. Errors are reported in
// the result with the underlying message and code.
func (s *Service) RebuildProjection(ctx context.Context, name string, fromPosition int64) ActionResult {
	result, err := s.rebuilder.Rebuild(ctx, name, fromPosition)
	if err != nil {
		slog.Warn("rebuild request failed", "projection", name, "from", fromPosition, "error", err)
		return failed(fmt.Sprintf("rebuild of %s failed", name), err)
	}
	return ActionResult{
		Success: true,
		Message: fmt.Sprintf("rebuilt %s from position %d to %d (%d applied, %d skipped)",
			name, result.FromPosition, result.Position, result.Applied, result.Skipped),
	}
}

// ResolveFailure closes a failure so its projection skips the event.
func (s *Service) ResolveFailure(ctx context.Context, id int64) ActionResult {
	f, err := s.ledger.Resolve(ctx, id)
	if err != nil {
		return failed(fmt.Sprintf("resolve of failure %d failed", id), err)
	}
	return ActionResult{
		Success: true,
		Message: fmt.Sprintf("failure %d resolved; %s will skip position %d", id, f.SubscriptionName, f.Position),
	}
}

func (s *Service) registered(name string) bool {
	_, err := s.registry.Get(name)
	return err == nil
}

func failed(message string, err error) ActionResult {
	return ActionResult{
		Success: false,
		Message: message,
		Error:   err.Error(),
		Code:    string(es.CodeOf(err)),
	}
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
