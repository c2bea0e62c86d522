// Package store defines the repositories detection reads from and writes
// to. Implementations live in subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cleared-dev/recur/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// StorageError wraps a repository failure. Detection propagates it to the
// caller for the affected user only.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Wrap returns err wrapped in a *StorageError, or nil. ErrNotFound and
// existing storage errors pass through unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.Is(err, ErrNotFound) || errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// SubscriptionRepository persists subscriptions. Upserts are keyed by
// (UserID, MerchantKey, AmountBucket); the last writer wins.
type SubscriptionRepository interface {
	ListSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error)
	GetSubscription(ctx context.Context, userID, id string) (model.Subscription, error)
	UpsertSubscription(ctx context.Context, sub model.Subscription) error
	// LinkTransactions sets the subscription back-reference on the given
	// transactions.
	LinkTransactions(ctx context.Context, subscriptionID string, transactionIDs []string) error
}

// AliasUsage is one alias touched by a detection run.
type AliasUsage struct {
	Namespace      string
	OriginalName   string
	NormalizedName string
	Confidence     float64
	// NewCount is the number of transactions newer than the alias'
	// LastUsedAt seen in this run.
	NewCount   int64
	LastUsedAt time.Time
}

// AliasRepository persists merchant aliases. The table is shared with the
// category enricher, which owns Verified and SuggestedCategory.
type AliasRepository interface {
	GetAlias(ctx context.Context, namespace, originalName string) (model.MerchantAlias, error)
	ListAliases(ctx context.Context, namespace string) ([]model.MerchantAlias, error)
	// UpsertAlias writes every field of the alias.
	UpsertAlias(ctx context.Context, alias model.MerchantAlias) error
	// RecordAliasUsage inserts a new unverified alias or, when LastUsedAt
	// is newer than the stored one, adds NewCount to its usage. It never
	// touches Verified or SuggestedCategory.
	RecordAliasUsage(ctx context.Context, usage AliasUsage) error
}

// TransactionSource supplies a user's transactions.
type TransactionSource interface {
	Users(ctx context.Context) ([]string, error)
	UserTransactions(ctx context.Context, userID string, since time.Time) ([]model.Transaction, error)
}

// ApplyUsage applies a usage record to an existing alias in place. It
// returns false when the record is not newer than the alias.
func ApplyUsage(alias *model.MerchantAlias, u AliasUsage) bool {
	if !u.LastUsedAt.After(alias.LastUsedAt) {
		return false
	}
	alias.UsageCount += u.NewCount
	alias.LastUsedAt = u.LastUsedAt
	return true
}

// NewAlias builds the alias inserted on first sight of a cleaned name.
func NewAlias(u AliasUsage) model.MerchantAlias {
	return model.MerchantAlias{
		Namespace:      u.Namespace,
		OriginalName:   u.OriginalName,
		NormalizedName: u.NormalizedName,
		Confidence:     u.Confidence,
		UsageCount:     u.NewCount,
		LastUsedAt:     u.LastUsedAt,
	}
}
