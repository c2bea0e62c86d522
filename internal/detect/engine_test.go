package detect

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/normalize"
	"github.com/cleared-dev/recur/internal/store"
	"github.com/cleared-dev/recur/internal/store/memory"
)

var today = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

func ago(n int) time.Time { return today.AddDate(0, 0, -n) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixture struct {
	mem    *memory.Store
	clock  *clock
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memory.New()
	mem.SetOwner("chk", "u1")
	c := &clock{t: today.Add(12 * time.Hour)}
	norm := normalize.New(mem, normalize.DefaultConfig())
	return &fixture{
		mem:    mem,
		clock:  c,
		engine: New(mem, norm, DefaultConfig(), WithClock(c.now)),
	}
}

func (f *fixture) at(day time.Time) { f.clock.t = day.Add(12 * time.Hour) }

func (f *fixture) detect(t *testing.T, txns []model.Transaction) Result {
	t.Helper()
	f.mem.AddTransactions(txns...)
	res, err := f.engine.DetectUserSubscriptions(context.Background(), "u1", txns)
	require.NoError(t, err)
	return res
}

func charge(id, desc, amount string, date time.Time) model.Transaction {
	return model.Transaction{
		ID:             id,
		AccountID:      "chk",
		Date:           date,
		Amount:         decimal.RequireFromString(amount).Neg(),
		Currency:       "USD",
		RawDescription: desc,
	}
}

// charges returns one charge per date.
func charges(prefix, desc, amount string, dates ...time.Time) []model.Transaction {
	out := make([]model.Transaction, len(dates))
	for i, d := range dates {
		out[i] = charge(fmt.Sprintf("%s%d", prefix, i), desc, amount, d)
	}
	return out
}

func netflix() []model.Transaction {
	return charges("nf", "POS 1234 NETFLIX.COM", "9.99", ago(90), ago(60), ago(30), ago(0))
}

func eventTypes(res Result) []model.ChangeType {
	var out []model.ChangeType
	for _, ev := range res.Events {
		out = append(out, ev.Type)
	}
	return out
}

func TestDetect_CreatesMonthly(t *testing.T) {
	f := newFixture(t)
	res := f.detect(t, netflix())

	require.Len(t, res.Created, 1)
	sub := res.Created[0]
	assert.Equal(t, "Netflix", sub.Name)
	assert.Equal(t, "NETFLIX", sub.MerchantKey)
	assert.Equal(t, "9.99", sub.Amount.StringFixed(2))
	assert.Equal(t, "9.99", sub.AmountBucket)
	assert.Equal(t, model.FrequencyMonthly, sub.Frequency)
	assert.Equal(t, model.StatusActive, sub.Status)
	assert.InDelta(t, 0.96, sub.Confidence, 1e-9)
	assert.Equal(t, 4, sub.Occurrences)
	require.NotNil(t, sub.NextBilling)
	assert.Equal(t, ago(0).AddDate(0, 1, 0), *sub.NextBilling)
	assert.Equal(t, []model.ChangeType{model.ChangeCreated}, eventTypes(res))
	assert.Equal(t, sub.ID, res.Events[0].SubscriptionID)

	linked, ok := f.mem.Transaction("nf2")
	require.True(t, ok)
	assert.Equal(t, sub.ID, linked.SubscriptionID)

	alias, err := f.mem.GetAlias(context.Background(), "u1", "NETFLIX")
	require.NoError(t, err)
	assert.Equal(t, int64(4), alias.UsageCount)
	assert.False(t, alias.Verified)
}

func TestDetect_Idempotent(t *testing.T) {
	f := newFixture(t)
	first := f.detect(t, netflix())
	require.Len(t, first.Created, 1)

	stored, err := f.mem.UserTransactions(context.Background(), "u1", time.Time{})
	require.NoError(t, err)
	for _, txns := range [][]model.Transaction{netflix(), stored} {
		again := f.detect(t, txns)
		assert.Zero(t, again.Changes())
		assert.Empty(t, again.Events)
		assert.Empty(t, again.StateChanged)
	}

	subs, err := f.mem.ListSubscriptions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, first.Created[0], subs[0])

	alias, err := f.mem.GetAlias(context.Background(), "u1", "NETFLIX")
	require.NoError(t, err)
	assert.Equal(t, int64(4), alias.UsageCount, "re-runs do not inflate usage")
}

func TestDetect_MonotonicConfidence(t *testing.T) {
	f := newFixture(t)
	all := netflix()

	prev := 0.0
	for n := 2; n <= len(all); n++ {
		f.at(all[n-1].Date.AddDate(0, 0, 1))
		f.detect(t, all[:n])
		subs, err := f.mem.ListSubscriptions(context.Background(), "u1")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.GreaterOrEqual(t, subs[0].Confidence, prev, "after %d charges", n)
		prev = subs[0].Confidence
	}
	assert.InDelta(t, 0.96, prev, 1e-9)
}

func TestDetect_PriceChange(t *testing.T) {
	f := newFixture(t)
	old := charges("old", "NETFLIX.COM", "9.99", ago(150), ago(120), ago(90), ago(60))
	f.at(ago(59))
	first := f.detect(t, old)
	require.Len(t, first.Created, 1)

	f.at(today)
	raised := append(old, charges("new", "NETFLIX.COM", "12.99", ago(30), ago(0))...)
	res := f.detect(t, raised)

	assert.Empty(t, res.Created)
	require.Len(t, res.Updated, 1)
	sub := res.Updated[0]
	assert.Equal(t, first.Created[0].ID, sub.ID)
	assert.Equal(t, "12.99", sub.Amount.StringFixed(2))
	assert.Equal(t, model.StatusActive, sub.Status)
	require.Equal(t, []model.ChangeType{model.ChangeAmountChanged}, eventTypes(res))
	assert.Equal(t, "9.99", res.Events[0].PreviousAmount.StringFixed(2))

	subs, err := f.mem.ListSubscriptions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	linked, ok := f.mem.Transaction("new1")
	require.True(t, ok)
	assert.Equal(t, sub.ID, linked.SubscriptionID)
}

func TestDetect_PriceChangeInOneRun(t *testing.T) {
	f := newFixture(t)
	txns := append(
		charges("old", "NETFLIX.COM", "9.99", ago(150), ago(120), ago(90), ago(60)),
		charges("new", "NETFLIX.COM", "12.99", ago(30), ago(0))...,
	)
	res := f.detect(t, txns)
	require.Len(t, res.Created, 1)
	assert.Equal(t, "12.99", res.Created[0].Amount.StringFixed(2))
	assert.Equal(t, 6, res.Created[0].Occurrences)
}

func TestDetect_AmountBucketSplit(t *testing.T) {
	f := newFixture(t)
	txns := append(
		charges("basic", "NETFLIX.COM", "9.99", ago(90), ago(60), ago(30), ago(0)),
		charges("premium", "NETFLIX.COM", "49.99", ago(93), ago(63), ago(33), ago(3))...,
	)
	res := f.detect(t, txns)

	require.Len(t, res.Created, 2)
	assert.NotEqual(t, res.Created[0].ID, res.Created[1].ID)
	amounts := []string{res.Created[0].Amount.StringFixed(2), res.Created[1].Amount.StringFixed(2)}
	assert.ElementsMatch(t, []string{"9.99", "49.99"}, amounts)
	assert.Equal(t, 2, res.Stats.Candidates)
}

func TestDetect_CancellationBySilence(t *testing.T) {
	f := newFixture(t)
	f.detect(t, netflix())

	f.at(today.AddDate(0, 0, 70))
	res := f.detect(t, netflix())
	require.Len(t, res.StateChanged, 1)
	assert.Equal(t, model.StatusAtRisk, res.StateChanged[0].Status)
	assert.Equal(t, []model.ChangeType{model.ChangeAtRisk}, eventTypes(res))
	assert.Equal(t, model.StatusActive, res.Events[0].PreviousStatus)

	f.at(today.AddDate(0, 0, 80))
	res = f.detect(t, netflix())
	require.Len(t, res.StateChanged, 1)
	assert.Equal(t, model.StatusCancelled, res.StateChanged[0].Status)
	assert.Equal(t, []model.ChangeType{model.ChangeCancelled}, eventTypes(res))
	assert.Nil(t, res.StateChanged[0].NextBilling)
}

func TestDetect_Reactivation(t *testing.T) {
	f := newFixture(t)
	created := f.detect(t, netflix()).Created[0]
	f.at(today.AddDate(0, 0, 80))
	f.detect(t, netflix())

	back := today.AddDate(0, 0, 120)
	f.at(back)
	txns := append(netflix(), charge("nf-back", "NETFLIX.COM", "9.99", back))
	res := f.detect(t, txns)

	require.Equal(t, []model.ChangeType{model.ChangeReactivated}, eventTypes(res))
	sub := res.Events[0].Subscription
	assert.Equal(t, created.ID, sub.ID)
	assert.Equal(t, model.StatusReactivated, sub.Status)
	assert.Equal(t, model.StatusCancelled, res.Events[0].PreviousStatus)
	assert.Equal(t, back, sub.ActiveSince)
	assert.Equal(t, back, sub.LastBilling)
	assert.InDelta(t, 0.588, sub.Confidence, 1e-9, "fresh confidence for the new epoch")

	again := f.detect(t, txns)
	assert.Zero(t, again.Changes())
}

func TestDetect_LateChargeReactivatesAtRisk(t *testing.T) {
	f := newFixture(t)
	created := f.detect(t, netflix()).Created[0]

	f.at(today.AddDate(0, 0, 50))
	res := f.detect(t, netflix())
	require.Equal(t, []model.ChangeType{model.ChangeAtRisk}, eventTypes(res))

	// The charge lands 60 days after the last one: inside the cancel
	// window, outside every frequency window.
	late := today.AddDate(0, 0, 60)
	f.at(late)
	txns := append(netflix(), charge("nf-late", "NETFLIX.COM", "9.99", late))
	res = f.detect(t, txns)

	require.Equal(t, []model.ChangeType{model.ChangeReactivated}, eventTypes(res))
	sub := res.Events[0].Subscription
	assert.Equal(t, created.ID, sub.ID)
	assert.Equal(t, model.StatusReactivated, sub.Status)
	assert.Equal(t, model.StatusAtRisk, res.Events[0].PreviousStatus)
	assert.Equal(t, late, sub.ActiveSince)
	assert.Equal(t, late, sub.LastBilling)
	assert.Equal(t, model.FrequencyMonthly, sub.Frequency)
	assert.InDelta(t, 0.588, sub.Confidence, 1e-9, "fresh confidence for the resumed charges")

	assert.Zero(t, f.detect(t, txns).Changes())

	// The next regular charge keeps it live and raises confidence.
	next := today.AddDate(0, 0, 90)
	f.at(next)
	res = f.detect(t, append(txns, charge("nf-next", "NETFLIX.COM", "9.99", next)))
	assert.Empty(t, res.Events)
	require.Len(t, res.Updated, 1)
	assert.Equal(t, model.StatusReactivated, res.Updated[0].Status)
	assert.Greater(t, res.Updated[0].Confidence, sub.Confidence)
}

func TestDetect_LateChargeReactivatesUserCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.detect(t, netflix()).Created[0]

	_, err := f.engine.MarkCancelled(ctx, "u1", sub.ID, today.Add(15*time.Hour))
	require.NoError(t, err)

	late := today.AddDate(0, 0, 50)
	f.at(late)
	res := f.detect(t, append(netflix(), charge("nf-late", "NETFLIX.COM", "9.99", late)))

	require.Equal(t, []model.ChangeType{model.ChangeReactivated}, eventTypes(res))
	got := res.Events[0].Subscription
	assert.Equal(t, model.StatusReactivated, got.Status)
	assert.False(t, got.UserCancelled)
	assert.Nil(t, got.CancelledAt)
	assert.Equal(t, late, got.ActiveSince)
}

func TestDetect_MarkCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.detect(t, netflix()).Created[0]

	res, err := f.engine.MarkCancelled(ctx, "u1", sub.ID, today.Add(15*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []model.ChangeType{model.ChangeCancelled}, eventTypes(res))

	stored, err := f.mem.GetSubscription(ctx, "u1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, stored.Status)
	assert.True(t, stored.UserCancelled)

	// Inference does not override the user's signal.
	assert.Zero(t, f.detect(t, netflix()).Changes())

	// A charge after the cancellation does.
	f.at(today.AddDate(0, 0, 30))
	res = f.detect(t, append(netflix(), charge("nf-after", "NETFLIX.COM", "9.99", today.AddDate(0, 0, 30))))
	assert.Equal(t, []model.ChangeType{model.ChangeReactivated}, eventTypes(res))

	_, err = f.engine.MarkCancelled(ctx, "u1", "missing", today)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDetect_SkipsMalformed(t *testing.T) {
	f := newFixture(t)
	bad := charge("bad", "NETFLIX.COM", "9.99", time.Time{})
	noAmount := charge("zero", "NETFLIX.COM", "0", ago(10))

	res := f.detect(t, append(netflix(), bad, noAmount))
	require.Len(t, res.Created, 1)
	require.Len(t, res.Skipped, 2)
	assert.Equal(t, "bad", res.Skipped[0].TransactionID)
	assert.Equal(t, "date", res.Skipped[0].Field)
	assert.Equal(t, "amount", res.Skipped[1].Field)
	assert.Equal(t, 2, res.Stats.Skipped)
}

func TestDetect_InputErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.DetectUserSubscriptions(ctx, "u1", nil)
	assert.ErrorIs(t, err, ErrNoTransactions)

	_, err = f.engine.DetectUserSubscriptions(ctx, "u1", []model.Transaction{{ID: "x"}, {}})
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestDetect_IrregularNotPromoted(t *testing.T) {
	f := newFixture(t)
	txns := charges("wf", "WHOLE FOODS MKT 10234 AUSTIN TX", "45.00", ago(41), ago(38), ago(27), ago(22), ago(2), ago(0))
	res := f.detect(t, txns)

	assert.Empty(t, res.Created)
	assert.Equal(t, 1, res.Stats.Irregular)
	assert.Equal(t, 1, res.Stats.BelowThreshold)
}

func TestDetect_Upcoming(t *testing.T) {
	f := newFixture(t)
	sub := f.detect(t, netflix()).Created[0]

	pending := charge("nf-pending", "NETFLIX.COM", "9.99", today.AddDate(0, 0, 1))
	pending.Pending = true
	other := charge("hw-pending", "HARDWARE STORE", "9.99", today)
	other.Pending = true

	res := f.detect(t, append(netflix(), pending, other))
	assert.Zero(t, res.Changes())
	require.Len(t, res.Upcoming, 1)
	assert.Equal(t, sub.ID, res.Upcoming[0].SubscriptionID)
	assert.Equal(t, "nf-pending", res.Upcoming[0].TransactionID)
	assert.Equal(t, 2, res.Stats.Pending)
}

type failingSubs struct {
	*memory.Store
	failUser string
}

func (f failingSubs) ListSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error) {
	if userID == f.failUser {
		return nil, errors.New("connection refused")
	}
	return f.Store.ListSubscriptions(ctx, userID)
}

func TestDetect_StorageError(t *testing.T) {
	mem := memory.New()
	engine := New(failingSubs{Store: mem, failUser: "u1"}, normalize.New(mem, normalize.DefaultConfig()), DefaultConfig(),
		WithClock(func() time.Time { return today }))

	_, err := engine.DetectUserSubscriptions(context.Background(), "u1", netflix())
	var se *store.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "list subscriptions", se.Op)
}

func TestDetect_CancelledContextCommitsNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.DetectUserSubscriptions(ctx, "u1", netflix())
	assert.ErrorIs(t, err, context.Canceled)

	subs, err := f.mem.ListSubscriptions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, subs)
	aliases, err := f.mem.ListAliases(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, aliases)
}

func TestListSubscriptions_StatusAtQueryTime(t *testing.T) {
	f := newFixture(t)
	f.detect(t, netflix())

	subs, err := f.engine.ListSubscriptions(context.Background(), "u1", today.AddDate(0, 0, 70))
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.StatusAtRisk, subs[0].Status)

	stored, err := f.mem.ListSubscriptions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, stored[0].Status, "listing does not write")
}
