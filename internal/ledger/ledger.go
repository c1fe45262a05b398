// Package ledger implements the failure accounting policy for projection
// handlers: when a failure is recorded, when it is retried, and how it is
// closed.
//
// Rows live in the store's processing_failures table. The ledger owns the
// rules layered on top: exponential backoff with a cap, an optional retry
// limit, and the two ways a row is closed (an operator resolution, which
// lets the runner skip the event, or a successful automatic retry).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/store"
)

// Paging limits for List.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Policy configures retry timing.
type Policy struct {
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// BackoffMax caps the delay between retries.
	BackoffMax time.Duration

	// MaxRetries stops automatic retries once RetryCount reaches it.
	// 0 means unlimited.
	MaxRetries int
}

// DefaultPolicy returns a 1s base delay capped at 5 minutes with unlimited
// retries.
func DefaultPolicy() Policy {
	return Policy{
		BackoffBase: time.Second,
		BackoffMax:  5 * time.Minute,
	}
}

// Backoff returns the delay after a failure that has been retried
// retryCount times: BackoffBase * 2^retryCount, capped at BackoffMax.
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.BackoffBase
	for i := 0; i < retryCount; i++ {
		if p.BackoffMax > 0 && delay >= p.BackoffMax {
			break
		}
		if delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
	}
	if p.BackoffMax > 0 && delay > p.BackoffMax {
		delay = p.BackoffMax
	}
	return delay
}

// Ledger records and resolves processing failures.
type Ledger struct {
	store  *store.Store
	policy Policy
}

// New creates a ledger over s.
func New(s *store.Store, policy Policy) *Ledger {
	return &Ledger{store: s, policy: policy}
}

// Policy returns the retry policy.
func (l *Ledger) Policy() Policy {
	return l.policy
}

// WithStore returns a ledger bound to s, typically a transaction-bound store
// from store.InTx.
func (l *Ledger) WithStore(s *store.Store) *Ledger {
	return &Ledger{store: s, policy: l.policy}
}

// Record accounts a handler failure for evt in subscription.
//
// The first failure creates a row with RetryCount=0 and
// RetryAfter=now+BackoffBase. A failure of an already recorded event counts
// as a failed retry: RetryCount is incremented and RetryAfter moves to
// now+Backoff(RetryCount). A row closed by an earlier successful retry is
// reopened the same way.
func (l *Ledger) Record(ctx context.Context, evt es.Event, subscription, handlerType string, cause error) (es.ProcessingFailure, error) {
	now := l.store.Now()

	existing, found, err := l.store.FindFailure(ctx, evt.ID, subscription)
	if err != nil {
		return es.ProcessingFailure{}, fmt.Errorf("record failure: %w", err)
	}
	if !found {
		f, _, err := l.store.RecordFailure(ctx, es.ProcessingFailure{
			EventID:          evt.ID,
			Position:         evt.Position,
			SubscriptionName: subscription,
			HandlerType:      handlerType,
			ErrorType:        ErrorType(cause),
			ErrorMessage:     errorMessage(cause),
			RetryCount:       0,
			FailedAt:         now,
			RetryAfter:       now.Add(l.policy.Backoff(0)),
		})
		if err != nil {
			return es.ProcessingFailure{}, err
		}
		failuresRecorded.WithLabelValues(subscription).Inc()
		slog.Warn("projection handler failed",
			"projection", subscription,
			"position", evt.Position,
			"event_id", evt.ID,
			"event_type", evt.Type,
			"error", cause,
			"retry_after", f.RetryAfter,
		)
		return f, nil
	}

	return l.recordRetry(ctx, existing, cause)
}

func (l *Ledger) recordRetry(ctx context.Context, f es.ProcessingFailure, cause error) (es.ProcessingFailure, error) {
	retryCount := f.RetryCount + 1
	retryAfter := l.store.Now().Add(l.policy.Backoff(retryCount))

	var err error
	if f.IsResolved {
		err = l.store.ReopenFailure(ctx, f.ID, retryCount, retryAfter)
	} else {
		err = l.store.UpdateFailureRetry(ctx, f.ID, retryCount, retryAfter)
	}
	if err != nil {
		return es.ProcessingFailure{}, err
	}
	retriesFailed.WithLabelValues(f.SubscriptionName).Inc()

	attrs := []any{
		"projection", f.SubscriptionName,
		"position", f.Position,
		"event_id", f.EventID,
		"retry_count", retryCount,
		"retry_after", retryAfter,
		"error", cause,
	}
	if l.policy.MaxRetries > 0 && retryCount >= l.policy.MaxRetries {
		slog.Error("projection retries exhausted, manual resolution required", attrs...)
	} else {
		slog.Warn("projection retry failed", attrs...)
	}
	return l.store.GetFailure(ctx, f.ID)
}

// MarkRetried closes a failure after an automatic retry applied the event.
func (l *Ledger) MarkRetried(ctx context.Context, f es.ProcessingFailure) error {
	if f.IsResolved {
		return nil
	}
	if _, err := l.store.ResolveFailure(ctx, f.ID, es.ResolutionRetried); err != nil {
		return err
	}
	failuresResolved.WithLabelValues(string(es.ResolutionRetried)).Inc()
	slog.Info("projection retry succeeded",
		"projection", f.SubscriptionName,
		"position", f.Position,
		"event_id", f.EventID,
		"retry_count", f.RetryCount,
	)
	return nil
}

// MarkUnhandled closes an open failure whose event type the projection no
// longer handles. Closing a resolved row is a no-op.
func (l *Ledger) MarkUnhandled(ctx context.Context, f es.ProcessingFailure) error {
	if f.IsResolved {
		return nil
	}
	if _, err := l.store.ResolveFailure(ctx, f.ID, es.ResolutionUnhandled); err != nil {
		return err
	}
	failuresResolved.WithLabelValues(string(es.ResolutionUnhandled)).Inc()
	slog.Info("failure closed for unhandled event type",
		"projection", f.SubscriptionName,
		"position", f.Position,
		"event_id", f.EventID,
	)
	return nil
}

// Resolve closes a failure by operator decision. The runner will skip the
// event instead of retrying it. Resolving a resolved row is a no-op.
// Returns a NOT_FOUND error for unknown ids.
func (l *Ledger) Resolve(ctx context.Context, id int64) (es.ProcessingFailure, error) {
	before, err := l.store.GetFailure(ctx, id)
	if err != nil {
		return es.ProcessingFailure{}, err
	}
	f, err := l.store.ResolveFailure(ctx, id, es.ResolutionManual)
	if err != nil {
		return es.ProcessingFailure{}, err
	}
	if !before.IsResolved {
		failuresResolved.WithLabelValues(string(es.ResolutionManual)).Inc()
		slog.Info("failure resolved manually",
			"failure_id", id,
			"projection", f.SubscriptionName,
			"position", f.Position,
		)
	}
	return f, nil
}

// Blocking returns the failure rows of subscription for positions in
// (from, to], keyed by event id.
func (l *Ledger) Blocking(ctx context.Context, subscription string, from, to int64) (map[string]es.ProcessingFailure, error) {
	return l.store.FailuresInRange(ctx, subscription, from, to)
}

// Due reports whether an open failure may be retried now.
func (l *Ledger) Due(f es.ProcessingFailure) bool {
	return f.Due(l.store.Now(), l.policy.MaxRetries)
}

// DueSubscriptions returns the subscriptions that have a failure ready for
// an automatic retry.
func (l *Ledger) DueSubscriptions(ctx context.Context) ([]string, error) {
	return l.store.DueSubscriptions(ctx, l.store.Now(), l.policy.MaxRetries)
}

// CountUnresolved returns the number of open failures.
func (l *Ledger) CountUnresolved(ctx context.Context) (int64, error) {
	return l.store.CountUnresolvedFailures(ctx)
}

// Page is one page of the failure ledger.
type Page struct {
	Items []es.ProcessingFailure `json:"items"`
	Page  int                    `json:"page"`
	Limit int                    `json:"limit"`
	Total int64                  `json:"total"`
	Pages int64                  `json:"pages"`
}

// List returns failures newest first. page starts at 1; page < 1 and
// limit < 1 fall back to defaults, limit is capped at MaxPageSize.
func (l *Ledger) List(ctx context.Context, page, limit int, includeResolved bool) (Page, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	items, total, err := l.store.ListFailures(ctx, store.FailureQuery{
		Offset:          (page - 1) * limit,
		Limit:           limit,
		IncludeResolved: includeResolved,
	})
	if err != nil {
		return Page{}, err
	}
	return Page{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
		Pages: (total + int64(limit) - 1) / int64(limit),
	}, nil
}

// ErrorType classifies cause for the error_type column: the code of an
// es.Error in the chain, otherwise the Go type of the innermost error.
func ErrorType(cause error) string {
	if code := es.CodeOf(cause); code != "" && code != es.CodeHandlerFailure {
		return string(code)
	}
	if cause == nil {
		return "unknown"
	}
	inner := cause
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	return fmt.Sprintf("%T", inner)
}

func errorMessage(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
