package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/store"
)

// Projection is a read model fed by the event log.
//
// Apply and Reset must only use the transaction they are given. The store
// runs with a single connection, so touching the database any other way
// from inside them blocks forever.
type Projection interface {
	// Name identifies the projection and its status row. Must be stable.
	Name() string

	// HandledEventTypes lists the event types Apply wants to see.
	HandledEventTypes() []string

	// Apply folds one event into the read model.
	Apply(ctx context.Context, tx *sql.Tx, evt es.Event) error

	// Reset clears the read model before a rebuild.
	Reset(ctx context.Context, tx *sql.Tx) error
}

// Migrator is implemented by projections that own tables. Migrate must be
// idempotent; it runs on every Registry.Sync.
type Migrator interface {
	Migrate(ctx context.Context, db *sql.DB) error
}

// Registry holds the projections known to this process.
//
// Thread-safety: safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	projections map[string]Projection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{projections: make(map[string]Projection)}
}

// Register adds p. Names must be non-empty and unique.
func (r *Registry) Register(p Projection) error {
	name := p.Name()
	if name == "" {
		return es.NewValidationError("projection name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.projections[name]; exists {
		return es.NewValidationError("projection %q already registered", name)
	}
	r.projections[name] = p
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(projections ...Projection) {
	for _, p := range projections {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
}

// Get returns the projection registered under name, or a NOT_FOUND error.
func (r *Registry) Get(name string) (Projection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projections[name]
	if !ok {
		return nil, es.NewNotFound("projection", name)
	}
	return p, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.projections))
	for name := range r.projections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Sync prepares every registered projection in s: it runs table
// migrations and makes sure a status row exists (Position=0, State=idle
// for new projections) with the current handled event types.
func (r *Registry) Sync(ctx context.Context, s *store.Store) error {
	for _, name := range r.Names() {
		p, err := r.Get(name)
		if err != nil {
			return err
		}
		if m, ok := p.(Migrator); ok {
			if err := m.Migrate(ctx, s.DB()); err != nil {
				return fmt.Errorf("migrate projection %s: %w", name, err)
			}
		}
		status, err := s.EnsureProjection(ctx, name, p.HandledEventTypes())
		if err != nil {
			return err
		}
		slog.Debug("projection registered",
			"projection", name,
			"position", status.Position,
			"state", status.State,
		)
	}
	return nil
}

// handlerType names the Go type behind a projection for the failure ledger.
func handlerType(p Projection) string {
	if named, ok := p.(interface{ HandlerType() string }); ok {
		return named.HandlerType()
	}
	return fmt.Sprintf("%T", p)
}
