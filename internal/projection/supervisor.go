package projection

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/ledger"
	"github.com/roach88/eventcore/internal/position"
)

// codeBlocked marks a projection waiting on an open failure in the
// supervisor's log suppression.
const codeBlocked es.ErrorCode = "BLOCKED"

// SupervisorOptions configures scheduling.
type SupervisorOptions struct {
	// PollInterval is the fallback cadence when no head change is observed,
	// e.g. for events appended by another process.
	PollInterval time.Duration

	// RetrySweepInterval is how often the ledger is checked for failures
	// whose retry time has passed.
	RetrySweepInterval time.Duration
}

// Supervisor keeps every registered projection running until its context
// is cancelled.
//
// Each projection gets its own goroutine that calls Runner.RunOnce when the
// position tracker reports a new head, when the poll interval elapses, or
// when the retry sweep finds a due failure for it. Errors from a single
// projection are logged and never stop the others.
type Supervisor struct {
	runner   *Runner
	registry *Registry
	ledger   *ledger.Ledger
	tracker  *position.Tracker
	opts     SupervisorOptions
}

// NewSupervisor creates a supervisor.
func NewSupervisor(runner *Runner, registry *Registry, l *ledger.Ledger, tracker *position.Tracker, opts SupervisorOptions) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.RetrySweepInterval <= 0 {
		opts.RetrySweepInterval = 5 * time.Second
	}
	return &Supervisor{
		runner:   runner,
		registry: registry,
		ledger:   l,
		tracker:  tracker,
		opts:     opts,
	}
}

// Run blocks until ctx is cancelled. It returns nil on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	names := s.registry.Names()
	wake := make(map[string]chan struct{}, len(names))
	for _, name := range names {
		wake[name] = make(chan struct{}, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			s.loop(gctx, name, wake[name])
			return nil
		})
	}
	g.Go(func() error {
		s.sweep(gctx, wake)
		return nil
	})

	slog.Info("projection supervisor started",
		"worker", s.runner.WorkerID(),
		"projections", len(names),
	)
	err := g.Wait()
	slog.Info("projection supervisor stopped")
	return err
}

func (s *Supervisor) loop(ctx context.Context, name string, retry <-chan struct{}) {
	changed, cancel := s.tracker.Subscribe()
	defer cancel()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var lastCode es.ErrorCode
	for {
		lastCode = s.cycle(ctx, name, lastCode)

		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-retry:
		case <-ticker.C:
		}
	}
}

// cycle runs one RunOnce and logs the outcome. lastCode suppresses repeated
// logs for a projection stuck in the same error.
func (s *Supervisor) cycle(ctx context.Context, name string, lastCode es.ErrorCode) es.ErrorCode {
	result, err := s.runner.RunOnce(ctx, name)
	if err == nil {
		if result.Outcome == OutcomeBlocked && lastCode != codeBlocked {
			slog.Warn("projection blocked by open failure",
				"projection", name,
				"position", result.Position,
				"failure_id", result.Failure.ID,
				"retry_after", result.Failure.RetryAfter,
			)
			return codeBlocked
		}
		if result.Outcome == OutcomeBlocked {
			return lastCode
		}
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return lastCode
	}

	code := es.CodeOf(err)
	switch {
	case code == es.CodeHandlerFailure:
		// Already logged by the ledger with the failure details.
	case code != "" && code == lastCode:
		slog.Debug("projection run failed", "projection", name, "error", err)
	default:
		slog.Error("projection run failed", "projection", name, "error", err)
	}
	return code
}

func (s *Supervisor) sweep(ctx context.Context, wake map[string]chan struct{}) {
	ticker := time.NewTicker(s.opts.RetrySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := s.ledger.DueSubscriptions(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("retry sweep failed", "error", err)
			}
			continue
		}
		for _, name := range due {
			ch, ok := wake[name]
			if !ok {
				continue
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}
