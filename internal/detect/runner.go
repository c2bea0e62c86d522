package detect

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cleared-dev/recur/internal/logger"
	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/store"
)

// Outcome is one user's result in a batch.
type Outcome struct {
	UserID string
	Result Result
	Err    error
}

// BatchResult collects the outcomes of a batch in input order.
type BatchResult struct {
	Outcomes []Outcome
}

// Failed returns the outcomes that ended in an error.
func (b BatchResult) Failed() []Outcome {
	var out []Outcome
	for _, o := range b.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Events returns every change event of the batch.
func (b BatchResult) Events() []model.ChangeEvent {
	var out []model.ChangeEvent
	for _, o := range b.Outcomes {
		out = append(out, o.Result.Events...)
	}
	return out
}

// Runner detects subscriptions for many users on a bounded worker pool.
// Users share no state, so one user's failure never affects another.
type Runner struct {
	engine  *Engine
	source  store.TransactionSource
	workers int
	now     func() time.Time
}

// NewRunner creates a Runner with at most workers concurrent users.
func NewRunner(engine *Engine, source store.TransactionSource, workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{engine: engine, source: source, workers: workers, now: engine.now}
}

// Run detects subscriptions for userIDs, or for every user the source
// knows when userIDs is empty. Per-user errors are reported in the
// outcomes; Run itself fails only when users cannot be listed or ctx ends.
func (r *Runner) Run(ctx context.Context, userIDs []string) (BatchResult, error) {
	log := logger.FromContext(ctx)
	if len(userIDs) == 0 {
		users, err := r.source.Users(ctx)
		if err != nil {
			return BatchResult{}, fmt.Errorf("listing users: %w", store.Wrap("list users", err))
		}
		userIDs = users
	}

	since := r.engine.Since(r.now())
	outcomes := make([]Outcome, len(userIDs))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, userID := range userIDs {
		if ctx.Err() != nil {
			outcomes[i] = Outcome{UserID: userID, Err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			outcomes[i] = r.runUser(ctx, userID, since)
			return nil
		})
	}
	_ = g.Wait()

	batch := BatchResult{Outcomes: outcomes}
	log.Info().
		Int("users", len(userIDs)).
		Int("failed", len(batch.Failed())).
		Int("events", len(batch.Events())).
		Msg("detection batch complete")
	return batch, ctx.Err()
}

func (r *Runner) runUser(ctx context.Context, userID string, since time.Time) Outcome {
	txns, err := r.source.UserTransactions(ctx, userID, since)
	if err != nil {
		return Outcome{UserID: userID, Err: fmt.Errorf("loading transactions: %w", store.Wrap("user transactions", err))}
	}
	res, err := r.engine.DetectUserSubscriptions(ctx, userID, txns)
	return Outcome{UserID: userID, Result: res, Err: err}
}
