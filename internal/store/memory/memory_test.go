package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/store"
)

var jan = time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)

func TestSubscriptionUpsertByKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	next := jan.AddDate(0, 1, 0)
	sub := model.Subscription{
		ID: "s1", UserID: "u1", MerchantKey: "NETFLIX", AmountBucket: "9.99",
		Amount: decimal.RequireFromString("9.99"), NextBilling: &next, Status: model.StatusActive,
	}
	require.NoError(t, s.UpsertSubscription(ctx, sub))

	sub.Amount = decimal.RequireFromString("12.99")
	require.NoError(t, s.UpsertSubscription(ctx, sub))

	subs, err := s.ListSubscriptions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "12.99", subs[0].Amount.StringFixed(2))

	// Returned values are copies.
	*subs[0].NextBilling = jan
	got, err := s.GetSubscription(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, next, *got.NextBilling)

	_, err = s.GetSubscription(ctx, "u2", "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordAliasUsage(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := store.AliasUsage{Namespace: "u1", OriginalName: "NETFLIX", NormalizedName: "NETFLIX", Confidence: 0.8, NewCount: 2, LastUsedAt: jan}

	require.NoError(t, s.RecordAliasUsage(ctx, u))
	a, err := s.GetAlias(ctx, "u1", "NETFLIX")
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.UsageCount)
	assert.False(t, a.Verified)

	// The enricher verifies it; usage must not undo that.
	a.Verified = true
	a.SuggestedCategory = "streaming"
	require.NoError(t, s.UpsertAlias(ctx, a))

	require.NoError(t, s.RecordAliasUsage(ctx, u)) // same data again
	u.NewCount, u.LastUsedAt = 1, jan.AddDate(0, 1, 0)
	require.NoError(t, s.RecordAliasUsage(ctx, u))

	a, err = s.GetAlias(ctx, "u1", "NETFLIX")
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.UsageCount)
	assert.True(t, a.Verified)
	assert.Equal(t, "streaming", a.SuggestedCategory)

	list, err := s.ListAliases(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = s.ListAliases(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTransactionsAndLinks(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetOwner("chk", "u1")
	s.SetOwner("other", "u2")
	s.AddTransactions(
		model.Transaction{ID: "t2", AccountID: "chk", Date: jan.AddDate(0, 1, 0)},
		model.Transaction{ID: "t1", AccountID: "chk", Date: jan},
		model.Transaction{ID: "t3", AccountID: "other", Date: jan},
	)

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)

	txns, err := s.UserTransactions(ctx, "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "t1", txns[0].ID)

	txns, err = s.UserTransactions(ctx, "u1", jan.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, txns, 1)

	require.NoError(t, s.LinkTransactions(ctx, "s1", []string{"t1", "missing"}))
	got, ok := s.Transaction("t1")
	require.True(t, ok)
	assert.Equal(t, "s1", got.SubscriptionID)
}
