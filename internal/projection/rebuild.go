package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/ledger"
	"github.com/roach88/eventcore/internal/store"
)

// RebuildResult reports a finished rebuild.
type RebuildResult struct {
	Projection   string        `json:"projection"`
	FromPosition int64         `json:"from_position"`
	Position     int64         `json:"position"`
	Applied      int           `json:"applied"`
	Skipped      int           `json:"skipped"`
	Duration     time.Duration `json:"duration"`
}

// Rebuilder resets projections and replays the log into them.
type Rebuilder struct {
	store    *store.Store
	registry *Registry
	ledger   *ledger.Ledger
	opts     Options
	ids      es.IDGenerator
}

// NewRebuilder creates a rebuilder. opts supplies the batch size, lease TTL
// and worker identity; rebuild leases are owned by a distinct per-rebuild id
// derived from the worker id, so a rebuild never shares a lease with a runner
// of the same process.
func NewRebuilder(s *store.Store, registry *Registry, l *ledger.Ledger, opts Options) *Rebuilder {
	return &Rebuilder{
		store:    s,
		registry: registry,
		ledger:   l,
		opts:     opts.withDefaults(),
		ids:      es.UUIDv7Generator{},
	}
}

// Rebuild resets the named projection and replays events after fromPosition
// up to the head observed at the start.
//
// Errors:
//   - NOT_FOUND when the projection is not registered
//   - VALIDATION when fromPosition is negative or beyond the head
//   - REBUILD_IN_PROGRESS when another live rebuild holds the projection
//   - ALREADY_RUNNING when a live runner holds the projection
//   - HANDLER_FAILURE when an event fails to apply; the projection is left
//     failed and flagged as needing a rebuild
//
// Cancelling ctx stops the replay between events and also leaves the
// projection failed and flagged.
func (b *Rebuilder) Rebuild(ctx context.Context, name string, fromPosition int64) (RebuildResult, error) {
	p, err := b.registry.Get(name)
	if err != nil {
		return RebuildResult{}, err
	}
	head, err := b.store.HeadPosition(ctx)
	if err != nil {
		return RebuildResult{}, err
	}
	if fromPosition < 0 || fromPosition > head {
		return RebuildResult{}, es.NewValidationError("from position %d outside [0, %d]", fromPosition, head)
	}

	owner := fmt.Sprintf("%s/rebuild-%s", b.opts.WorkerID, b.ids.Generate())
	status, ok, err := b.store.AcquireLease(ctx, name, owner, b.opts.LeaseTTL)
	if err != nil {
		return RebuildResult{}, err
	}
	if !ok {
		if status.State == es.StateRebuilding {
			return RebuildResult{}, es.NewProjectionError(es.CodeRebuildInProgress, name, "held by "+status.LockedBy)
		}
		return RebuildResult{}, es.NewProjectionError(es.CodeAlreadyRunning, name, "held by "+status.LockedBy)
	}

	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := b.store.ReleaseLease(bg, name, owner); err != nil {
			slog.Warn("release lease failed", "projection", name, "error", err)
		}
	}()

	start := time.Now()
	err = b.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.StartRebuild(ctx, name, owner, fromPosition); err != nil {
			return err
		}
		if err := p.Reset(ctx, tx.Tx()); err != nil {
			return fmt.Errorf("reset projection %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return RebuildResult{}, err
	}
	slog.Info("projection rebuild started",
		"projection", name,
		"from", fromPosition,
		"head", head,
	)

	d := &driver{
		store:     b.store,
		ledger:    b.ledger,
		p:         p,
		name:      name,
		owner:     owner,
		batchSize: b.opts.BatchSize,
		leaseTTL:  b.opts.LeaseTTL,
		rebuild:   true,
		until:     head,
		bounded:   true,
		position:  fromPosition,
	}
	runErr := d.run(ctx)
	result := RebuildResult{
		Projection:   name,
		FromPosition: fromPosition,
		Position:     d.position,
		Applied:      d.applied,
		Skipped:      d.skipped,
		Duration:     time.Since(start),
	}

	if runErr != nil {
		if errors.Is(runErr, es.ErrLeaseLost) {
			rebuildsTotal.WithLabelValues(name, "lease_lost").Inc()
			return result, runErr
		}
		if err := b.store.MarkNeedsRebuild(bg, name, owner, runErr.Error()); err != nil {
			runErr = errors.Join(runErr, err)
		}
		rebuildsTotal.WithLabelValues(name, "failed").Inc()
		slog.Error("projection rebuild failed",
			"projection", name,
			"position", d.position,
			"error", runErr,
		)
		return result, runErr
	}

	if err := b.store.SetProjectionState(bg, name, owner, es.StateIdle, ""); err != nil {
		return result, err
	}
	rebuildsTotal.WithLabelValues(name, "succeeded").Inc()
	slog.Info("projection rebuild finished",
		"projection", name,
		"position", result.Position,
		"applied", result.Applied,
		"skipped", result.Skipped,
		"duration", result.Duration,
	)
	return result, nil
}
