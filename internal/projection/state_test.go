package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventcore/internal/es"
)

type typeCounts struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

func newTypeCounts() *StateProjection[typeCounts] {
	return NewStateProjection("counts", []string{"A", "B", "Explode"},
		func() typeCounts { return typeCounts{ByType: map[string]int{}} },
		func(state typeCounts, evt es.Event) (typeCounts, error) {
			if evt.Type == "Explode" {
				return state, errors.New("cannot count explosions")
			}
			state.Total++
			state.ByType[evt.Type]++
			return state, nil
		},
	)
}

func TestStateProjection_LoadBeforeFirstEvent(t *testing.T) {
	counts := newTypeCounts()
	f := newFixture(t, counts)

	state, err := counts.Load(context.Background(), f.store)
	require.NoError(t, err)
	assert.Equal(t, typeCounts{ByType: map[string]int{}}, state)
}

func TestStateProjection_FoldsHandledEvents(t *testing.T) {
	counts := newTypeCounts()
	f := newFixture(t, counts)
	ctx := context.Background()
	f.append(t, "A", "B", "A", "C")

	result, err := f.runner.RunOnce(ctx, "counts")
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Position)
	assert.Equal(t, 1, result.Skipped)

	state, err := counts.Load(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, typeCounts{Total: 3, ByType: map[string]int{"A": 2, "B": 1}}, state)
}

func TestStateProjection_FailedFoldLeavesStateUntouched(t *testing.T) {
	counts := newTypeCounts()
	f := newFixture(t, counts)
	ctx := context.Background()
	f.append(t, "A", "Explode", "B")

	result, err := f.runner.RunOnce(ctx, "counts")
	require.ErrorIs(t, err, es.ErrHandlerFailure)
	assert.Equal(t, int64(1), result.Position)
	require.NotNil(t, result.Failure)
	assert.Equal(t, "state:counts", result.Failure.HandlerType)
	assert.Equal(t, "cannot count explosions", result.Failure.ErrorMessage)

	state, err := counts.Load(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, typeCounts{Total: 1, ByType: map[string]int{"A": 1}}, state)

	_, err = f.ledger.Resolve(ctx, result.Failure.ID)
	require.NoError(t, err)
	_, err = f.runner.RunOnce(ctx, "counts")
	require.NoError(t, err)

	state, err = counts.Load(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, typeCounts{Total: 2, ByType: map[string]int{"A": 1, "B": 1}}, state)
}

func TestStateProjection_RebuildMatchesIncrementalState(t *testing.T) {
	counts := newTypeCounts()
	f := newFixture(t, counts)
	ctx := context.Background()

	for range 3 {
		f.append(t, "A", "B", "C", "A")
		f.clock.Advance(time.Minute)
		_, err := f.runner.RunOnce(ctx, "counts")
		require.NoError(t, err)
	}
	incremental, err := counts.Load(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, 9, incremental.Total)

	_, err = f.rebuilder.Rebuild(ctx, "counts", 0)
	require.NoError(t, err)

	rebuilt, err := counts.Load(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, incremental, rebuilt)
}

func TestStateProjection_ResetClearsDocument(t *testing.T) {
	counts := newTypeCounts()
	f := newFixture(t, counts)
	ctx := context.Background()
	f.append(t, "A", "B")

	_, err := f.runner.RunOnce(ctx, "counts")
	require.NoError(t, err)

	// Rebuilding from the head replays nothing, so only the reset shows.
	_, err = f.rebuilder.Rebuild(ctx, "counts", 2)
	require.NoError(t, err)

	doc, err := f.store.StateDoc(ctx, "counts")
	require.NoError(t, err)
	assert.Nil(t, doc)
}
