// Package retry decorates repositories with per-call timeouts and bounded
// retries. Every wrapped operation is an idempotent read or upsert.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"

	"github.com/cleared-dev/recur/internal/logger"
	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/store"
)

// Policy bounds one storage call.
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// DefaultPolicy returns a 5s timeout with 3 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		MinBackoff:  100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// Retrier runs storage calls under a Policy.
type Retrier struct {
	policy  Policy
	onRetry func(op string)
}

// New creates a Retrier. onRetry, when set, is called before every retry.
func New(p Policy, onRetry func(op string)) *Retrier {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return &Retrier{policy: p, onRetry: onRetry}
}

// Do runs fn until it succeeds, returns store.ErrNotFound, or runs out of
// attempts. Failures come back as *store.StorageError.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := &backoff.Backoff{Min: r.policy.MinBackoff, Max: r.policy.MaxBackoff, Factor: 2, Jitter: true}
	var err error
	for attempt := 1; ; attempt++ {
		err = r.call(ctx, fn)
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= r.policy.MaxAttempts {
			break
		}
		wait := b.Duration()
		logger.FromContext(ctx).Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("retrying storage call")
		if r.onRetry != nil {
			r.onRetry(op)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return store.Wrap(op, err)
}

func (r *Retrier) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.policy.Timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()
	return fn(callCtx)
}

// Subscriptions wraps a subscription repository.
func (r *Retrier) Subscriptions(next store.SubscriptionRepository) store.SubscriptionRepository {
	return &subscriptions{r: r, next: next}
}

// Aliases wraps an alias repository.
func (r *Retrier) Aliases(next store.AliasRepository) store.AliasRepository {
	return &aliases{r: r, next: next}
}

// Source wraps a transaction source.
func (r *Retrier) Source(next store.TransactionSource) store.TransactionSource {
	return &source{r: r, next: next}
}

type subscriptions struct {
	r    *Retrier
	next store.SubscriptionRepository
}

func (s *subscriptions) ListSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error) {
	var out []model.Subscription
	err := s.r.Do(ctx, "list subscriptions", func(ctx context.Context) error {
		var err error
		out, err = s.next.ListSubscriptions(ctx, userID)
		return err
	})
	return out, err
}

func (s *subscriptions) GetSubscription(ctx context.Context, userID, id string) (model.Subscription, error) {
	var out model.Subscription
	err := s.r.Do(ctx, "get subscription", func(ctx context.Context) error {
		var err error
		out, err = s.next.GetSubscription(ctx, userID, id)
		return err
	})
	return out, err
}

func (s *subscriptions) UpsertSubscription(ctx context.Context, sub model.Subscription) error {
	return s.r.Do(ctx, "upsert subscription", func(ctx context.Context) error {
		return s.next.UpsertSubscription(ctx, sub)
	})
}

func (s *subscriptions) LinkTransactions(ctx context.Context, subscriptionID string, transactionIDs []string) error {
	return s.r.Do(ctx, "link transactions", func(ctx context.Context) error {
		return s.next.LinkTransactions(ctx, subscriptionID, transactionIDs)
	})
}

type aliases struct {
	r    *Retrier
	next store.AliasRepository
}

func (a *aliases) GetAlias(ctx context.Context, namespace, originalName string) (model.MerchantAlias, error) {
	var out model.MerchantAlias
	err := a.r.Do(ctx, "get alias", func(ctx context.Context) error {
		var err error
		out, err = a.next.GetAlias(ctx, namespace, originalName)
		return err
	})
	return out, err
}

func (a *aliases) ListAliases(ctx context.Context, namespace string) ([]model.MerchantAlias, error) {
	var out []model.MerchantAlias
	err := a.r.Do(ctx, "list aliases", func(ctx context.Context) error {
		var err error
		out, err = a.next.ListAliases(ctx, namespace)
		return err
	})
	return out, err
}

func (a *aliases) UpsertAlias(ctx context.Context, alias model.MerchantAlias) error {
	return a.r.Do(ctx, "upsert alias", func(ctx context.Context) error {
		return a.next.UpsertAlias(ctx, alias)
	})
}

// RecordAliasUsage is safe to retry: usage only applies when LastUsedAt
// is newer than the stored value.
func (a *aliases) RecordAliasUsage(ctx context.Context, usage store.AliasUsage) error {
	return a.r.Do(ctx, "record alias usage", func(ctx context.Context) error {
		return a.next.RecordAliasUsage(ctx, usage)
	})
}

type source struct {
	r    *Retrier
	next store.TransactionSource
}

func (s *source) Users(ctx context.Context) ([]string, error) {
	var out []string
	err := s.r.Do(ctx, "list users", func(ctx context.Context) error {
		var err error
		out, err = s.next.Users(ctx)
		return err
	})
	return out, err
}

func (s *source) UserTransactions(ctx context.Context, userID string, since time.Time) ([]model.Transaction, error) {
	var out []model.Transaction
	err := s.r.Do(ctx, "user transactions", func(ctx context.Context) error {
		var err error
		out, err = s.next.UserTransactions(ctx, userID, since)
		return err
	})
	return out, err
}
