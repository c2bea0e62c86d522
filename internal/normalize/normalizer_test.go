package normalize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/store"
	"github.com/cleared-dev/recur/internal/store/memory"
)

var jan3 = time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)

func txn(id, desc string, date time.Time) model.Transaction {
	return model.Transaction{ID: id, Date: date, Amount: decimal.RequireFromString("-9.99"), Currency: "USD", RawDescription: desc}
}

func seeded(t *testing.T) *memory.Store {
	t.Helper()
	mem := memory.New()
	require.NoError(t, mem.UpsertAlias(context.Background(), model.MerchantAlias{
		Namespace: "u1", OriginalName: "NETFLIX", NormalizedName: "NETFLIX",
		Verified: true, SuggestedCategory: "streaming", UsageCount: 5, LastUsedAt: jan3,
	}))
	return mem
}

func sampleTxns() []model.Transaction {
	pending := txn("t6", "SPOTIFY USA", jan3.AddDate(0, 2, 0))
	pending.Pending = true
	return []model.Transaction{
		txn("t1", "POS 1234 NETFLIX.COM", jan3),
		txn("t2", "POS 5678 NETFLIX.COM", jan3.AddDate(0, 1, 0)),
		txn("t3", "NETFLIX PREMIUM", jan3.AddDate(0, 1, 1)),
		txn("t4", "SPOTIFY USA", jan3),
		txn("t5", "PAYPAL *SPOTIFY AB", jan3.AddDate(0, 1, 0)),
		pending,
	}
}

func TestResolveAll(t *testing.T) {
	ctx := context.Background()
	n := New(seeded(t), DefaultConfig())

	batch, err := n.ResolveAll(ctx, "u1", sampleTxns())
	require.NoError(t, err)

	assert.Equal(t, "NETFLIX", batch.Key("t1"))
	assert.Equal(t, "NETFLIX", batch.Key("t3"))
	assert.Equal(t, SourceFuzzy, batch.Resolutions["t3"].Source)
	assert.Equal(t, "SPOTIFY", batch.Key("t4"))
	assert.Equal(t, "SPOTIFY", batch.Key("t5"), "key learned earlier in the batch")
	assert.Equal(t, "streaming", batch.Resolutions["t1"].Category)

	usage := make(map[string]store.AliasUsage)
	for _, u := range batch.Usage {
		usage[u.OriginalName] = u
	}
	require.Len(t, usage, 4)
	assert.Equal(t, int64(1), usage["NETFLIX"].NewCount, "only the charge after the last use counts")
	assert.Equal(t, jan3.AddDate(0, 1, 0), usage["NETFLIX"].LastUsedAt)
	assert.Equal(t, int64(1), usage["SPOTIFY"].NewCount, "pending charges do not count")
	assert.Equal(t, "SPOTIFY", usage["SPOTIFY AB"].NormalizedName)
}

func TestResolveAll_OrderIndependent(t *testing.T) {
	ctx := context.Background()
	n := New(seeded(t), DefaultConfig())

	txns := sampleTxns()
	reversed := make([]model.Transaction, len(txns))
	for i := range txns {
		reversed[len(txns)-1-i] = txns[i]
	}

	a, err := n.ResolveAll(ctx, "u1", txns)
	require.NoError(t, err)
	b, err := n.ResolveAll(ctx, "u1", reversed)
	require.NoError(t, err)
	for _, tx := range txns {
		assert.Equal(t, a.Key(tx.ID), b.Key(tx.ID), tx.ID)
	}
}

func TestCommit_Idempotent(t *testing.T) {
	ctx := context.Background()
	mem := seeded(t)
	n := New(mem, DefaultConfig())

	batch, err := n.ResolveAll(ctx, "u1", sampleTxns())
	require.NoError(t, err)
	require.NoError(t, n.Commit(ctx, batch.Usage))

	a, err := mem.GetAlias(ctx, "u1", "NETFLIX")
	require.NoError(t, err)
	assert.Equal(t, int64(6), a.UsageCount)
	assert.True(t, a.Verified)

	b, err := mem.GetAlias(ctx, "u1", "SPOTIFY AB")
	require.NoError(t, err)
	assert.False(t, b.Verified)
	assert.Equal(t, "SPOTIFY", b.NormalizedName)

	again, err := n.ResolveAll(ctx, "u1", sampleTxns())
	require.NoError(t, err)
	assert.Empty(t, again.Usage)
	assert.Equal(t, SourceAlias, again.Resolutions["t5"].Source)
}

func TestCommit_UsageWatermark(t *testing.T) {
	ctx := context.Background()
	mem := seeded(t)
	n := New(mem, DefaultConfig())

	batch, err := n.ResolveAll(ctx, "u1", sampleTxns())
	require.NoError(t, err)
	require.NoError(t, n.Commit(ctx, batch.Usage))

	// t7 back-fills the watermark day; only t8 is newer.
	later := append(sampleTxns(),
		txn("t7", "POS 9999 NETFLIX.COM", jan3.AddDate(0, 1, 0)),
		txn("t8", "POS 9999 NETFLIX.COM", jan3.AddDate(0, 2, 0)),
	)
	batch, err = n.ResolveAll(ctx, "u1", later)
	require.NoError(t, err)
	require.Len(t, batch.Usage, 1)
	assert.Equal(t, int64(1), batch.Usage[0].NewCount)
	require.NoError(t, n.Commit(ctx, batch.Usage))

	a, err := mem.GetAlias(ctx, "u1", "NETFLIX")
	require.NoError(t, err)
	assert.Equal(t, int64(7), a.UsageCount)
	assert.Equal(t, jan3.AddDate(0, 2, 0), a.LastUsedAt)
}

type failingAliases struct {
	*memory.Store
}

func (failingAliases) ListAliases(context.Context, string) ([]model.MerchantAlias, error) {
	return nil, errors.New("connection reset")
}

func TestResolveAll_StorageError(t *testing.T) {
	n := New(failingAliases{memory.New()}, DefaultConfig())
	_, err := n.ResolveAll(context.Background(), "u1", sampleTxns())
	var se *store.StorageError
	assert.ErrorAs(t, err, &se)
}

func TestResolve_AIFallback(t *testing.T) {
	gen := &fakeGenerator{text: `{"merchant": "Blue Bottle Coffee", "category": "coffee", "confidence": 0.9}`}
	n := New(seeded(t), DefaultConfig(), WithAI(NewAIResolver(gen, AIConfig{})))

	res, err := n.Resolve(context.Background(), "u1", "BB COFFEE ROASTERS 0423")
	require.NoError(t, err)
	assert.Equal(t, "BLUE BOTTLE COFFEE", res.Key)
	assert.Equal(t, "BB COFFEE ROASTERS", res.Cleaned)
	assert.Equal(t, SourceAI, res.Source)

	// Known aliases never reach the model.
	res, err = n.Resolve(context.Background(), "u1", "NETFLIX.COM")
	require.NoError(t, err)
	assert.Equal(t, SourceAlias, res.Source)
	assert.Equal(t, 1, gen.calls)

	gen.err = errors.New("down")
	res, err = n.Resolve(context.Background(), "u1", "HULU")
	require.NoError(t, err)
	assert.Equal(t, SourceCleaned, res.Source)
	assert.Equal(t, "HULU", res.Key)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	mem := seeded(t)
	require.NoError(t, mem.RecordAliasUsage(ctx, store.AliasUsage{Namespace: "u1", OriginalName: "NFLX DIGITAL", NormalizedName: "NFLX DIGITAL", Confidence: 0.8}))
	n := New(mem, DefaultConfig())

	a, err := n.Verify(ctx, "u1", "NFLX DIGITAL", "Netflix", "streaming")
	require.NoError(t, err)
	assert.Equal(t, "NETFLIX", a.NormalizedName)
	assert.True(t, a.Verified)

	res, err := n.Resolve(ctx, "u1", "NFLX DIGITAL")
	require.NoError(t, err)
	assert.Equal(t, "NETFLIX", res.Key)
	assert.Equal(t, "streaming", res.Category)

	_, err = n.Verify(ctx, "u1", "MISSING", "", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Blue Bottle Coffee", DisplayName("BLUE BOTTLE COFFEE"))
	assert.Equal(t, "Netflix", DisplayName("NETFLIX"))
}
