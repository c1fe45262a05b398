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

// Options configures a Runner.
type Options struct {
	// WorkerID identifies this process as a lease owner. Generated if empty.
	WorkerID string

	// BatchSize is the number of events read per page.
	BatchSize int

	// LeaseTTL is how long a lease stays valid without renewal.
	LeaseTTL time.Duration
}

// DefaultOptions returns batches of 100 events and a 30 second lease.
func DefaultOptions() Options {
	return Options{
		BatchSize: 100,
		LeaseTTL:  30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.WorkerID == "" {
		o.WorkerID = "worker-" + es.UUIDv7Generator{}.Generate()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.BatchSize > store.MaxBatchSize {
		o.BatchSize = store.MaxBatchSize
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = def.LeaseTTL
	}
	return o
}

// Outcome summarizes how a run ended.
type Outcome string

const (
	// OutcomeCaughtUp: every committed event was applied or skipped.
	OutcomeCaughtUp Outcome = "caught_up"

	// OutcomeLocked: another live owner holds the lease; nothing was done.
	OutcomeLocked Outcome = "locked"

	// OutcomeBlocked: an open failure is waiting for its retry time or for
	// manual resolution.
	OutcomeBlocked Outcome = "blocked"

	// OutcomeFailed: a handler failed during this run.
	OutcomeFailed Outcome = "failed"
)

// RunResult reports one RunOnce call.
type RunResult struct {
	Projection string
	Outcome    Outcome

	// From and Position are the checkpoint before and after the run.
	From     int64
	Position int64

	Applied int
	Skipped int

	// Failure is the failure row that blocked or failed the run, if any.
	Failure *es.ProcessingFailure
}

// Runner brings projections up to date with the event log.
type Runner struct {
	store    *store.Store
	registry *Registry
	ledger   *ledger.Ledger
	opts     Options
	ids      es.IDGenerator
}

// NewRunner creates a runner. Zero option fields take DefaultOptions values.
func NewRunner(s *store.Store, registry *Registry, l *ledger.Ledger, opts Options) *Runner {
	return &Runner{
		store:    s,
		registry: registry,
		ledger:   l,
		opts:     opts.withDefaults(),
		ids:      es.UUIDv7Generator{},
	}
}

// WorkerID returns the worker identity this runner's leases derive from.
func (r *Runner) WorkerID() string {
	return r.opts.WorkerID
}

// acquire takes the lease under an owner token unique to this run, so two
// runs sharing a worker id never hold the projection at the same time.
func (r *Runner) acquire(ctx context.Context, name string) (string, es.ProjectionStatus, bool, error) {
	owner := fmt.Sprintf("%s/run-%s", r.opts.WorkerID, r.ids.Generate())
	status, ok, err := r.store.AcquireLease(ctx, name, owner, r.opts.LeaseTTL)
	return owner, status, ok, err
}

// RunOnce applies pending events to the named projection until it is caught
// up, blocked by an open failure, or a handler fails.
//
// Returns OutcomeLocked without error when another worker holds the lease.
// Returns a REBUILD_REQUIRED error when the projection must be rebuilt
// first, and a HANDLER_FAILURE error (with the recorded failure in the
// result) when a handler fails. Cancellation is honoured between events; an
// event that started applying always finishes.
func (r *Runner) RunOnce(ctx context.Context, name string) (RunResult, error) {
	p, err := r.registry.Get(name)
	if err != nil {
		return RunResult{}, err
	}
	result := RunResult{Projection: name}

	owner, status, ok, err := r.acquire(ctx, name)
	if err != nil {
		return result, err
	}
	result.From, result.Position = status.Position, status.Position
	if !ok {
		result.Outcome = OutcomeLocked
		return result, nil
	}

	// Final bookkeeping must happen even after ctx is cancelled.
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := r.store.ReleaseLease(bg, name, owner); err != nil {
			slog.Warn("release lease failed", "projection", name, "error", err)
		}
	}()

	if status.State == es.StateRebuilding {
		// The previous rebuild lost its lease without reaching a final state.
		const msg = "rebuild interrupted"
		if err := r.store.MarkNeedsRebuild(bg, name, owner, msg); err != nil {
			return result, err
		}
		slog.Error("projection rebuild was interrupted", "projection", name, "position", status.Position)
		return result, es.NewProjectionError(es.CodeRebuildRequired, name, msg)
	}
	if status.NeedsRebuild {
		return result, es.NewProjectionError(es.CodeRebuildRequired, name, "projection failed during a rebuild")
	}

	if err := r.store.SetProjectionState(ctx, name, owner, es.StateRunning, status.LastError); err != nil {
		return result, err
	}

	d := &driver{
		store:     r.store,
		ledger:    r.ledger,
		p:         p,
		name:      name,
		owner:     owner,
		batchSize: r.opts.BatchSize,
		leaseTTL:  r.opts.LeaseTTL,
		position:  status.Position,
	}
	runErr := d.run(ctx)
	result.Position = d.position
	result.Applied = d.applied
	result.Skipped = d.skipped

	switch {
	case runErr == nil && d.blockedBy != nil:
		result.Outcome = OutcomeBlocked
		result.Failure = d.blockedBy
		if err := r.store.SetProjectionState(bg, name, owner, es.StateFailed, d.blockedBy.ErrorMessage); err != nil {
			return result, err
		}
		return result, nil

	case runErr == nil:
		result.Outcome = OutcomeCaughtUp
		if err := r.store.SetProjectionState(bg, name, owner, es.StateIdle, ""); err != nil {
			return result, err
		}
		if result.Applied > 0 || result.Skipped > 0 {
			slog.Debug("projection caught up",
				"projection", name,
				"from", result.From,
				"position", result.Position,
				"applied", result.Applied,
				"skipped", result.Skipped,
			)
		}
		return result, nil

	case d.failure != nil:
		result.Outcome = OutcomeFailed
		result.Failure = d.failure
		if err := r.store.SetProjectionState(bg, name, owner, es.StateFailed, d.failure.ErrorMessage); err != nil {
			return result, errors.Join(runErr, err)
		}
		return result, runErr

	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		// Stopped between events; nothing is broken.
		state, lastError := es.StateIdle, ""
		if status.State == es.StateFailed {
			state, lastError = es.StateFailed, status.LastError
		}
		if err := r.store.SetProjectionState(bg, name, owner, state, lastError); err != nil {
			return result, errors.Join(runErr, err)
		}
		return result, runErr

	default:
		return result, runErr
	}
}

// driver runs the batch loop shared by Runner and Rebuilder.
type driver struct {
	store     *store.Store
	ledger    *ledger.Ledger
	p         Projection
	name      string
	owner     string
	batchSize int
	leaseTTL  time.Duration

	// rebuild re-applies events with open failures regardless of retry time.
	rebuild bool
	// until bounds the run when bounded is set.
	until   int64
	bounded bool

	position  int64
	applied   int
	skipped   int
	blockedBy *es.ProcessingFailure
	failure   *es.ProcessingFailure
}

func (d *driver) run(ctx context.Context) error {
	handled := make(map[string]bool)
	for _, t := range d.p.HandledEventTypes() {
		handled[t] = true
	}
	bg := context.WithoutCancel(ctx)

	// skipTo coalesces checkpoint writes for consecutive skipped events.
	var skipTo int64
	flush := func() error {
		if skipTo <= d.position {
			return nil
		}
		if err := d.store.SaveCheckpoint(bg, d.name, d.owner, d.position, skipTo); err != nil {
			return err
		}
		d.position = skipTo
		checkpointPosition.WithLabelValues(d.name).Set(float64(d.position))
		return nil
	}

	for {
		if d.bounded && d.position >= d.until {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		events, err := d.store.ReadAll(ctx, d.position, d.batchSize)
		if err != nil {
			return err
		}
		full := len(events) == d.batchSize
		if d.bounded {
			events = boundEvents(events, d.until)
		}
		if len(events) == 0 {
			return nil
		}

		failures, err := d.ledger.Blocking(ctx, d.name, d.position, events[len(events)-1].Position)
		if err != nil {
			return err
		}

		for _, evt := range events {
			if err := ctx.Err(); err != nil {
				return errors.Join(err, flush())
			}

			f, hasFailure := failures[evt.ID]
			switch {
			case hasFailure && !f.IsResolved && !handled[evt.Type]:
				if err := d.ledger.MarkUnhandled(bg, f); err != nil {
					return errors.Join(err, flush())
				}
				skipTo = evt.Position
				d.skipped++
				eventsSkipped.WithLabelValues(d.name, "unhandled").Inc()
				continue

			case hasFailure && f.Skippable():
				skipTo = evt.Position
				d.skipped++
				eventsSkipped.WithLabelValues(d.name, "resolved").Inc()
				continue

			case hasFailure && !f.IsResolved && !d.rebuild && !d.ledger.Due(f):
				d.blockedBy = &f
				return flush()

			case !handled[evt.Type]:
				skipTo = evt.Position
				d.skipped++
				eventsSkipped.WithLabelValues(d.name, "unhandled").Inc()
				continue
			}

			if err := flush(); err != nil {
				return err
			}
			var open *es.ProcessingFailure
			if hasFailure && !f.IsResolved {
				open = &f
			}
			if err := d.apply(ctx, evt, open); err != nil {
				return err
			}
			skipTo = 0
		}

		if err := flush(); err != nil {
			return err
		}
		if err := d.store.RenewLease(bg, d.name, d.owner, d.leaseTTL); err != nil {
			return err
		}
		if !full {
			return nil
		}
	}
}

// apply runs the handler and the checkpoint update in one transaction.
// The transaction ignores ctx cancellation so an event is never cut short.
func (d *driver) apply(ctx context.Context, evt es.Event, open *es.ProcessingFailure) error {
	txCtx := context.WithoutCancel(ctx)
	start := time.Now()

	var handlerErr error
	err := d.store.InTx(txCtx, func(tx *store.Store) error {
		if err := d.p.Apply(txCtx, tx.Tx(), evt); err != nil {
			handlerErr = err
			return err
		}
		if err := tx.SaveCheckpoint(txCtx, d.name, d.owner, d.position, evt.Position); err != nil {
			return err
		}
		if open != nil {
			return d.ledger.WithStore(tx).MarkRetried(txCtx, *open)
		}
		return nil
	})
	applyDuration.WithLabelValues(d.name).Observe(time.Since(start).Seconds())

	if err == nil {
		d.position = evt.Position
		d.applied++
		eventsApplied.WithLabelValues(d.name).Inc()
		checkpointPosition.WithLabelValues(d.name).Set(float64(d.position))
		return nil
	}
	if handlerErr == nil {
		return err
	}

	handlerFailures.WithLabelValues(d.name).Inc()
	f, recErr := d.ledger.Record(txCtx, evt, d.name, handlerType(d.p), handlerErr)
	if recErr != nil {
		return errors.Join(es.NewHandlerFailure(d.name, evt.Position, handlerErr), recErr)
	}
	d.failure = &f
	return es.NewHandlerFailure(d.name, evt.Position, handlerErr)
}

func boundEvents(events []es.Event, until int64) []es.Event {
	for i, e := range events {
		if e.Position > until {
			return events[:i]
		}
	}
	return events
}
