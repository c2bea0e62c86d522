package csvstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/store"
)

func day(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func netflix(user string) model.Subscription {
	next := day(2025, 7, 1)
	return model.Subscription{
		ID: "sub-" + user, UserID: user, Name: "Netflix", MerchantKey: "NETFLIX", AmountBucket: "15.49",
		Amount: decimal.RequireFromString("15.49"), Currency: "USD", Frequency: model.FrequencyMonthly,
		NextBilling: &next, LastBilling: day(2025, 6, 1), ActiveSince: day(2025, 3, 1),
		Status: model.StatusActive, Confidence: 0.96, Occurrences: 4,
		StatusChangedAt: day(2025, 6, 30), CreatedAt: day(2025, 6, 30), UpdatedAt: day(2025, 6, 30),
	}
}

func TestSubscriptionRoundTrip(t *testing.T) {
	sub := netflix("u1")
	cancelled := time.Date(2025, 7, 4, 12, 0, 0, 0, time.UTC)
	sub.UserCancelled = true
	sub.CancelledAt = &cancelled

	got, err := UnmarshalSubscription(MarshalSubscription(sub))
	require.NoError(t, err)
	assert.True(t, sub.Amount.Equal(got.Amount))
	got.Amount = sub.Amount
	assert.Equal(t, sub, got)
}

func TestUnmarshalSubscription_Errors(t *testing.T) {
	row := MarshalSubscription(netflix("u1"))
	row[subColConfidence] = "high"
	_, err := UnmarshalSubscription(row)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing confidence")

	_, err = UnmarshalSubscription(row[:3])
	assert.ErrorContains(t, err, "expected 20 fields")
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New(dir, nil)

	list, err := s.ListSubscriptions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.UpsertSubscription(ctx, netflix("u1")))
	require.NoError(t, s.UpsertSubscription(ctx, netflix("u2")))

	updated := netflix("u1")
	updated.Status = model.StatusAtRisk
	require.NoError(t, s.UpsertSubscription(ctx, updated))

	list, err = s.ListSubscriptions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.StatusAtRisk, list[0].Status)

	got, err := s.GetSubscription(ctx, "u2", "sub-u2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)

	_, err = s.GetSubscription(ctx, "u1", "sub-u2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = os.Stat(filepath.Join(dir, "subscriptions", "subscriptions.csv"))
	require.NoError(t, err)
}

func TestAliases(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New(dir, nil)

	usage := store.AliasUsage{Namespace: "u1", OriginalName: "NETFLIX COM", NormalizedName: "NETFLIX",
		Confidence: 0.8, NewCount: 3, LastUsedAt: day(2025, 6, 1)}
	require.NoError(t, s.RecordAliasUsage(ctx, usage))
	require.NoError(t, s.RecordAliasUsage(ctx, usage))

	a, err := s.GetAlias(ctx, "u1", "NETFLIX COM")
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.UsageCount)

	a.Verified = true
	a.SuggestedCategory = "streaming"
	require.NoError(t, s.UpsertAlias(ctx, a))

	usage.NewCount = 1
	usage.LastUsedAt = day(2025, 7, 1)
	require.NoError(t, s.RecordAliasUsage(ctx, usage))

	list, err := s.ListAliases(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(4), list[0].UsageCount)
	assert.True(t, list[0].Verified)
	assert.Equal(t, "streaming", list[0].SuggestedCategory)
	assert.Equal(t, day(2025, 7, 1), list[0].LastUsedAt)

	_, err = s.GetAlias(ctx, "u2", "NETFLIX COM")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = os.Stat(filepath.Join(dir, "merchants", "aliases.csv"))
	require.NoError(t, err)
}

func TestConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.UpsertSubscription(ctx, netflix("u1")))
		}()
	}
	wg.Wait()

	list, err := s.ListSubscriptions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

type recordingLinker struct {
	subID string
	ids   []string
}

func (r *recordingLinker) Link(_ context.Context, subID string, ids []string) error {
	r.subID, r.ids = subID, ids
	return nil
}

func TestLinkTransactions(t *testing.T) {
	l := &recordingLinker{}
	s := New(t.TempDir(), l)

	require.NoError(t, s.LinkTransactions(context.Background(), "sub-1", []string{"a", "b"}))
	assert.Equal(t, "sub-1", l.subID)
	assert.Equal(t, []string{"a", "b"}, l.ids)

	require.NoError(t, New(t.TempDir(), nil).LinkTransactions(context.Background(), "sub-1", []string{"a"}))
}

func TestCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "merchants"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "merchants", "aliases.csv"), []byte(AliasHeader+"\nu1,X\n"), 0o644))

	_, err := New(dir, nil).ListAliases(context.Background(), "u1")
	var se *store.StorageError
	assert.ErrorAs(t, err, &se)
}
