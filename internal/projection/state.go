package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/store"
)

// FoldFunc folds one event into a state value.
type FoldFunc[S any] func(state S, evt es.Event) (S, error)

// StateProjection adapts a pure fold over a JSON-serializable value into a
// Projection. The value is stored as a document in projection_state and
// read, folded and written back inside the apply transaction.
type StateProjection[S any] struct {
	name    string
	types   []string
	initial func() S
	fold    FoldFunc[S]
}

// NewStateProjection creates a StateProjection. initial returns the empty
// state used before the first event and after a reset.
func NewStateProjection[S any](name string, types []string, initial func() S, fold FoldFunc[S]) *StateProjection[S] {
	return &StateProjection[S]{
		name:    name,
		types:   types,
		initial: initial,
		fold:    fold,
	}
}

// Name implements Projection.
func (p *StateProjection[S]) Name() string {
	return p.name
}

// HandledEventTypes implements Projection.
func (p *StateProjection[S]) HandledEventTypes() []string {
	return p.types
}

// HandlerType names the projection in the failure ledger.
func (p *StateProjection[S]) HandlerType() string {
	return "state:" + p.name
}

// Apply implements Projection.
func (p *StateProjection[S]) Apply(ctx context.Context, tx *sql.Tx, evt es.Event) error {
	doc, err := store.ReadStateDoc(ctx, tx, p.name)
	if err != nil {
		return err
	}
	state, err := p.decode(doc)
	if err != nil {
		return err
	}
	next, err := p.fold(state, evt)
	if err != nil {
		return err
	}
	out, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s state: %w", p.name, err)
	}
	return store.WriteStateDoc(ctx, tx, p.name, out, evt.RecordedAt)
}

// Reset implements Projection.
func (p *StateProjection[S]) Reset(ctx context.Context, tx *sql.Tx) error {
	return store.DeleteStateDoc(ctx, tx, p.name)
}

// Load returns the current state as committed in s.
func (p *StateProjection[S]) Load(ctx context.Context, s *store.Store) (S, error) {
	doc, err := s.StateDoc(ctx, p.name)
	if err != nil {
		var zero S
		return zero, err
	}
	return p.decode(doc)
}

func (p *StateProjection[S]) decode(doc []byte) (S, error) {
	state := p.initial()
	if doc == nil {
		return state, nil
	}
	if err := json.Unmarshal(doc, &state); err != nil {
		var zero S
		return zero, fmt.Errorf("decode %s state: %w", p.name, err)
	}
	return state, nil
}
