package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/ledger"
	"github.com/roach88/eventcore/internal/projection"
	"github.com/roach88/eventcore/internal/store"
	"github.com/roach88/eventcore/internal/testutil"
)

type env struct {
	store   *store.Store
	clock   *testutil.FakeClock
	runner  *projection.Runner
	service *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := testutil.NewFakeClock()
	s, err := store.Open(filepath.Join(t.TempDir(), "monitor.db"),
		store.WithClock(clock),
		store.WithIDGenerator(es.NewSequenceGenerator("evt")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	counts := projection.NewStateProjection("counts", []string{"TicketCreated", "CommentAdded"},
		func() int { return 0 },
		func(n int, _ es.Event) (int, error) { return n + 1, nil },
	)
	broken := projection.NewStateProjection("broken", []string{"TicketCreated"},
		func() int { return 0 },
		func(n int, _ es.Event) (int, error) { return n, errors.New("read model offline") },
	)
	registry := projection.NewRegistry()
	registry.MustRegister(counts, broken)
	require.NoError(t, registry.Sync(context.Background(), s))

	l := ledger.New(s, ledger.DefaultPolicy())
	opts := projection.Options{WorkerID: "worker-1", BatchSize: 50, LeaseTTL: 30 * time.Second}
	return &env{
		store:   s,
		clock:   clock,
		runner:  projection.NewRunner(s, registry, l, opts),
		service: New(s, registry, l, projection.NewRebuilder(s, registry, l, opts)),
	}
}

func (e *env) append(t *testing.T, stream es.StreamID, events ...es.NewEvent) {
	t.Helper()
	ctx := context.Background()
	version, err := e.store.StreamVersion(ctx, stream)
	require.NoError(t, err)
	_, err = e.store.Append(ctx, stream, version, events)
	require.NoError(t, err)
}

// seedHistory appends 6 events: one 10 days ago, two 2 days ago and three
// today at 09:30 UTC.
func (e *env) seedHistory(t *testing.T) {
	t.Helper()
	ticket := testutil.Stream("Ticket", "t-1")
	user := testutil.Stream("User", "u-1")

	e.clock.Set(testutil.Epoch.AddDate(0, 0, -10))
	e.append(t, user, testutil.NewEvent("UserRegistered", map[string]any{"name": "sam"}))

	e.clock.Set(testutil.Epoch.AddDate(0, 0, -2))
	e.append(t, ticket,
		testutil.NewEvent("TicketCreated", map[string]any{"title": "jammed printer"}),
		testutil.NewEvent("CommentAdded", map[string]any{"body": "on it"}),
	)

	e.clock.Set(testutil.Epoch)
	e.append(t, ticket,
		testutil.NewEvent("CommentAdded", map[string]any{"body": "fixed"}),
		testutil.NewEvent("CommentAdded", map[string]any{"body": "thanks"}),
	)
	e.append(t, testutil.Stream("Ticket", "t-2"), testutil.NewEvent("TicketCreated", map[string]any{"title": "no wifi"}))
}

func TestOverview(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedHistory(t)

	_, err := e.runner.RunOnce(ctx, "counts")
	require.NoError(t, err)
	_, err = e.runner.RunOnce(ctx, "broken")
	require.ErrorIs(t, err, es.ErrHandlerFailure)

	o, err := e.service.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), o.TotalEvents)
	assert.Equal(t, int64(3), o.EventsToday)
	assert.Equal(t, int64(6), o.HeadPosition)
	assert.Equal(t, 1, o.ActiveProjections, "failed projections are not active")
	assert.Equal(t, 2, o.TotalProjections)
	assert.Equal(t, int64(1), o.UnresolvedFailures)
	assert.Equal(t, testutil.Epoch, o.GeneratedAt)

	assert.Equal(t, []store.TypeCount{
		{Type: "CommentAdded", Count: 3},
		{Type: "TicketCreated", Count: 2},
		{Type: "UserRegistered", Count: 1},
	}, o.TopEventTypes)

	assert.Equal(t, []store.DayCount{
		{Day: "2024-03-09", Count: 0},
		{Day: "2024-03-10", Count: 0},
		{Day: "2024-03-11", Count: 0},
		{Day: "2024-03-12", Count: 0},
		{Day: "2024-03-13", Count: 2},
		{Day: "2024-03-14", Count: 0},
		{Day: "2024-03-15", Count: 3},
	}, o.DailyActivity)
}

func TestOverview_EmptyStore(t *testing.T) {
	e := newEnv(t)

	o, err := e.service.Overview(context.Background())
	require.NoError(t, err)
	assert.Zero(t, o.TotalEvents)
	assert.Equal(t, 2, o.ActiveProjections)
	assert.Empty(t, o.TopEventTypes)
	assert.Len(t, o.DailyActivity, OverviewDays)
}

func TestListProjections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedHistory(t)

	_, err := e.runner.RunOnce(ctx, "counts")
	require.NoError(t, err)
	_, ok, err := e.store.AcquireLease(ctx, "broken", "worker-9", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	list, err := e.service.ListProjections(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	broken, counts := list[0], list[1]
	assert.Equal(t, "broken", broken.Name)
	assert.Equal(t, int64(0), broken.Position)
	assert.Equal(t, int64(6), broken.Lag)
	assert.True(t, broken.IsLocked)
	assert.Equal(t, "worker-9", broken.LockedBy)
	assert.Equal(t, 1, broken.HandledEventTypes)
	assert.True(t, broken.Registered)

	assert.Equal(t, "counts", counts.Name)
	assert.Equal(t, int64(6), counts.Position)
	assert.Zero(t, counts.Lag)
	assert.False(t, counts.IsLocked)
	assert.Equal(t, es.StateIdle, counts.State)
	assert.Equal(t, 2, counts.HandledEventTypes)

	// Expired leases are reported as unlocked.
	e.clock.Advance(time.Minute)
	list, err = e.service.ListProjections(ctx)
	require.NoError(t, err)
	assert.False(t, list[0].IsLocked)
	assert.Empty(t, list[0].LockedBy)
}

func TestListFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := range 3 {
		e.append(t, testutil.Stream("Ticket", "t-"+string(rune('a'+i))), testutil.NewEvent("TicketCreated", nil))
	}

	// Resolve each failure so the runner reaches the next event.
	for range 3 {
		result, err := e.runner.RunOnce(ctx, "broken")
		require.ErrorIs(t, err, es.ErrHandlerFailure)
		e.clock.Advance(time.Second)
		if result.Failure.Position < 3 {
			require.True(t, e.service.ResolveFailure(ctx, result.Failure.ID).Success)
		}
	}

	page, err := e.service.ListFailures(ctx, 1, 2, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(3), page.Items[0].Position)

	page, err = e.service.ListFailures(ctx, 1, 2, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, int64(2), page.Pages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(3), page.Items[0].Position, "newest first")
	assert.Equal(t, int64(2), page.Items[1].Position)

	page, err = e.service.ListFailures(ctx, 2, 2, true)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(1), page.Items[0].Position)
	assert.True(t, page.Items[0].IsResolved)

	page, err = e.service.ListFailures(ctx, 0, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, ledger.DefaultPageSize, page.Limit)
}

func TestListRecentEvents_Golden(t *testing.T) {
	e := newEnv(t)
	ticket := testutil.Stream("Ticket", "t-1")

	e.append(t, ticket, testutil.NewEvent("TicketCreated", map[string]any{
		"title":    "Printer on the third floor is jammed again",
		"priority": 2,
		"tags":     []string{"hw", "office"},
		"assignee": nil,
	}))
	e.clock.Advance(time.Minute)
	e.append(t, ticket, testutil.NewEvent("CommentAdded", map[string]any{
		"body":   "Tried turning it off and on again, no luck",
		"author": "sam",
	}))
	e.clock.Advance(time.Minute)
	e.append(t, testutil.Stream("User", "u-1"), testutil.NewEvent("UserRegistered", map[string]any{
		"name": "Zoë",
	}))

	events, err := e.service.ListRecentEvents(context.Background(), 10, "", "")
	require.NoError(t, err)

	out, err := json.MarshalIndent(events, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "recent_events", out)
}

func TestListRecentEvents_Filters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedHistory(t)

	all, err := e.service.ListRecentEvents(ctx, 0, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 6)
	assert.Equal(t, int64(6), all[0].Position)
	assert.Equal(t, int64(1), all[5].Position, "oldest recorded last")

	comments, err := e.service.ListRecentEvents(ctx, 0, "CommentAdded", "")
	require.NoError(t, err)
	assert.Len(t, comments, 3)

	users, err := e.service.ListRecentEvents(ctx, 0, "", "User")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "UserRegistered", users[0].Type)

	limited, err := e.service.ListRecentEvents(ctx, 2, "", "Ticket")
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStatistics(t *testing.T) {
	e := newEnv(t)
	e.seedHistory(t)

	stats, err := e.service.Statistics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []store.TypeCount{
		{Type: "CommentAdded", Count: 3},
		{Type: "TicketCreated", Count: 2},
		{Type: "UserRegistered", Count: 1},
	}, stats.ByEventType)
	assert.Equal(t, []store.TypeCount{
		{Type: "Ticket", Count: 5},
		{Type: "User", Count: 1},
	}, stats.ByAggregateType)

	require.Len(t, stats.HourlyToday, 24)
	assert.Equal(t, int64(3), stats.HourlyToday[9].Count)
	assert.Zero(t, stats.HourlyToday[10].Count)

	require.Len(t, stats.DailyActivity, StatisticsDays)
	assert.Equal(t, "2024-03-15", stats.DailyActivity[StatisticsDays-1].Day)
	var total int64
	for _, d := range stats.DailyActivity {
		total += d.Count
	}
	assert.Equal(t, int64(6), total)
}

func TestRebuildProjection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedHistory(t)

	result := e.service.RebuildProjection(ctx, "counts", 0)
	assert.True(t, result.Success)
	assert.Equal(t, "rebuilt counts from position 0 to 6 (5 applied, 1 skipped)", result.Message)
	assert.Empty(t, result.Error)

	result = e.service.RebuildProjection(ctx, "nope", 0)
	assert.False(t, result.Success)
	assert.Equal(t, string(es.CodeNotFound), result.Code)

	result = e.service.RebuildProjection(ctx, "counts", 99)
	assert.False(t, result.Success)
	assert.Equal(t, string(es.CodeValidation), result.Code)

	result = e.service.RebuildProjection(ctx, "broken", 0)
	assert.False(t, result.Success)
	assert.Equal(t, string(es.CodeHandlerFailure), result.Code)
	assert.Contains(t, result.Error, "read model offline")
}

func TestResolveFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedHistory(t)

	run, err := e.runner.RunOnce(ctx, "broken")
	require.ErrorIs(t, err, es.ErrHandlerFailure)

	result := e.service.ResolveFailure(ctx, run.Failure.ID)
	assert.True(t, result.Success)
	assert.Equal(t, "failure 1 resolved; broken will skip position 2", result.Message)

	again := e.service.ResolveFailure(ctx, run.Failure.ID)
	assert.True(t, again.Success, "resolving twice is a no-op")

	missing := e.service.ResolveFailure(ctx, 404)
	assert.False(t, missing.Success)
	assert.Equal(t, string(es.CodeNotFound), missing.Code)
}
