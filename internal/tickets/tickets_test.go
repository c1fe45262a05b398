package tickets

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/ledger"
	"github.com/roach88/eventcore/internal/projection"
	"github.com/roach88/eventcore/internal/schema"
	"github.com/roach88/eventcore/internal/store"
	"github.com/roach88/eventcore/internal/testutil"
)

type harness struct {
	store     *store.Store
	clock     *testutil.FakeClock
	runner    *projection.Runner
	rebuilder *projection.Rebuilder
	activity  *projection.StateProjection[Activity]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	schemas := schema.NewRegistry()
	require.NoError(t, schemas.LoadSource("tickets.cue", Schema))

	clock := testutil.NewFakeClock()
	s, err := store.Open(filepath.Join(t.TempDir(), "tickets.db"),
		store.WithClock(clock),
		store.WithIDGenerator(es.NewSequenceGenerator("evt")),
		store.WithPayloadValidator(schemas),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	registry := projection.NewRegistry()
	require.NoError(t, Register(registry))
	require.NoError(t, registry.Sync(context.Background(), s))

	activity, err := registry.Get(ActivityName)
	require.NoError(t, err)

	l := ledger.New(s, ledger.DefaultPolicy())
	opts := projection.Options{WorkerID: "worker-1", BatchSize: 10, LeaseTTL: 30 * time.Second}
	return &harness{
		store:     s,
		clock:     clock,
		runner:    projection.NewRunner(s, registry, l, opts),
		rebuilder: projection.NewRebuilder(s, registry, l, opts),
		activity:  activity.(*projection.StateProjection[Activity]),
	}
}

func (h *harness) append(t *testing.T, ticketID string, events ...es.NewEvent) error {
	t.Helper()
	ctx := context.Background()
	stream := testutil.Stream(AggregateType, ticketID)
	version, err := h.store.StreamVersion(ctx, stream)
	require.NoError(t, err)
	_, err = h.store.Append(ctx, stream, version, events)
	return err
}

func (h *harness) runAll(t *testing.T) {
	t.Helper()
	for _, name := range []string{BoardName, ActivityName} {
		_, err := h.runner.RunOnce(context.Background(), name)
		require.NoError(t, err)
	}
}

// seed creates two tickets, moves one through its lifecycle and comments on both.
func (h *harness) seed(t *testing.T) {
	t.Helper()
	require.NoError(t, h.append(t, "T-1",
		testutil.NewEvent(TypeTicketCreated, map[string]any{"title": "Printer jammed", "priority": 2}),
		testutil.NewEvent(TypeCommentAdded, map[string]any{"body": "on it", "author": "sam"}),
	))
	h.clock.Advance(time.Hour)
	require.NoError(t, h.append(t, "T-2",
		testutil.NewEvent(TypeTicketCreated, map[string]any{"title": "No wifi"}),
	))
	h.clock.Advance(time.Hour)
	require.NoError(t, h.append(t, "T-1",
		testutil.NewEvent(TypeTicketStatusChanged, map[string]any{"status": StatusInProgress}),
		testutil.NewEvent(TypeTicketRetitled, map[string]any{"title": "Printer on 3rd floor jammed"}),
		testutil.NewEvent(TypeCommentAdded, map[string]any{"body": "fixed", "author": "alex"}),
		testutil.NewEvent(TypeTicketStatusChanged, map[string]any{"status": StatusResolved}),
	))
}

func TestBoard_ProjectsTickets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t)
	h.runAll(t)

	tickets, err := ListTickets(ctx, h.store.DB(), "")
	require.NoError(t, err)
	require.Len(t, tickets, 2)

	first := tickets[0]
	assert.Equal(t, "T-1", first.ID)
	assert.Equal(t, "Printer on 3rd floor jammed", first.Title)
	assert.Equal(t, StatusResolved, first.Status)
	assert.Equal(t, 2, first.Priority)
	assert.Equal(t, 2, first.CommentCount)
	assert.Equal(t, testutil.Epoch, first.CreatedAt)
	assert.Equal(t, testutil.Epoch.Add(2*time.Hour), first.UpdatedAt)
	assert.Equal(t, int64(7), first.LastPosition)

	second := tickets[1]
	assert.Equal(t, "T-2", second.ID)
	assert.Equal(t, StatusOpen, second.Status)
	assert.Zero(t, second.Priority)
	assert.Zero(t, second.CommentCount)

	open, err := ListTickets(ctx, h.store.DB(), StatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "T-2", open[0].ID)
}

func TestGetTicket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t)
	h.runAll(t)

	ticket, err := GetTicket(ctx, h.store.DB(), "T-2")
	require.NoError(t, err)
	assert.Equal(t, "No wifi", ticket.Title)

	_, err = GetTicket(ctx, h.store.DB(), "T-404")
	require.ErrorIs(t, err, es.ErrNotFound)
}

func TestActivity_CountsEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t)
	h.runAll(t)

	activity, err := h.activity.Load(ctx, h.store)
	require.NoError(t, err)
	assert.Equal(t, Activity{
		Total: 7,
		ByType: map[string]int{
			TypeTicketCreated:       2,
			TypeCommentAdded:        2,
			TypeTicketStatusChanged: 2,
			TypeTicketRetitled:      1,
		},
		Tickets:     2,
		LastEventAt: testutil.Epoch.Add(2 * time.Hour),
	}, activity)
}

func TestSchema_RejectsInvalidPayloads(t *testing.T) {
	h := newHarness(t)

	err := h.append(t, "T-1", testutil.NewEvent(TypeTicketCreated, map[string]any{"title": ""}))
	require.ErrorIs(t, err, es.ErrValidation)

	err = h.append(t, "T-1", testutil.NewEvent(TypeTicketCreated, map[string]any{"title": "x", "priority": 9}))
	require.ErrorIs(t, err, es.ErrValidation)

	err = h.append(t, "T-1", testutil.NewEvent(TypeTicketStatusChanged, map[string]any{"status": "done"}))
	require.ErrorIs(t, err, es.ErrValidation)

	head, err := h.store.HeadPosition(context.Background())
	require.NoError(t, err)
	assert.Zero(t, head, "rejected appends write nothing")
}

func TestBoard_UnknownTicketIsHandlerFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.append(t, "T-9",
		testutil.NewEvent(TypeCommentAdded, map[string]any{"body": "hello?", "author": "sam"}),
	))

	result, err := h.runner.RunOnce(ctx, BoardName)
	require.ErrorIs(t, err, es.ErrHandlerFailure)
	require.NotNil(t, result.Failure)
	assert.Equal(t, "*tickets.Board", result.Failure.HandlerType)
	assert.Contains(t, result.Failure.ErrorMessage, "unknown ticket T-9")

	// The other read model is unaffected.
	_, err = h.runner.RunOnce(ctx, ActivityName)
	require.NoError(t, err)
}

func TestRebuild_MatchesIncrementalReadModels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t)
	h.runAll(t)

	board, err := ListTickets(ctx, h.store.DB(), "")
	require.NoError(t, err)
	activity, err := h.activity.Load(ctx, h.store)
	require.NoError(t, err)

	for _, name := range []string{BoardName, ActivityName} {
		result, err := h.rebuilder.Rebuild(ctx, name, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(7), result.Position)
	}

	rebuiltBoard, err := ListTickets(ctx, h.store.DB(), "")
	require.NoError(t, err)
	assert.Equal(t, board, rebuiltBoard)

	rebuiltActivity, err := h.activity.Load(ctx, h.store)
	require.NoError(t, err)
	assert.Equal(t, activity, rebuiltActivity)
}
