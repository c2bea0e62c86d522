package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/recur/internal/model"
)

var asOf = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

func debit(id, merchant, amount string, date time.Time) Entry {
	return Entry{
		MerchantKey: merchant,
		Txn: model.Transaction{
			ID:             id,
			Date:           date,
			Amount:         decimal.RequireFromString(amount).Neg(),
			Currency:       "USD",
			RawDescription: merchant,
		},
	}
}

// monthly returns n debits 30 days apart ending at last.
func monthly(prefix, merchant, amount string, last time.Time, n int) []Entry {
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = debit(fmt.Sprintf("%s%d", prefix, i), merchant, amount, last.AddDate(0, 0, -30*(n-1-i)))
	}
	return out
}

func TestCluster_AmountBucketSplit(t *testing.T) {
	c := NewClusterer(DefaultConfig())
	entries := append(
		monthly("a", "NETFLIX", "9.99", asOf, 4),
		monthly("b", "NETFLIX", "49.99", asOf.AddDate(0, 0, -3), 4)...,
	)

	res := c.Cluster(entries, asOf)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "9.99", res.Candidates[0].Bucket)
	assert.Equal(t, "49.99", res.Candidates[1].Bucket)
	assert.Len(t, res.Series, 2, "overlapping price points are separate series")
}

func TestCluster_ToleranceAbsorbsDrift(t *testing.T) {
	c := NewClusterer(DefaultConfig())
	entries := []Entry{
		debit("1", "SPOTIFY", "10.99", asOf.AddDate(0, 0, -60)),
		debit("2", "SPOTIFY", "11.05", asOf.AddDate(0, 0, -30)),
		debit("3", "SPOTIFY", "11.20", asOf),
	}

	res := c.Cluster(entries, asOf)
	require.Len(t, res.Candidates, 1)
	cl := res.Candidates[0]
	assert.Equal(t, "11.05", cl.Bucket)
	assert.Equal(t, []string{"1", "2", "3"}, ids(cl))
	assert.Equal(t, asOf.AddDate(0, 0, -60), cl.First())
	assert.Equal(t, asOf, cl.Last())
}

func TestCluster_FiltersAndUnconfirmed(t *testing.T) {
	c := NewClusterer(DefaultConfig())
	credit := debit("credit", "NETFLIX", "9.99", asOf)
	credit.Txn.Amount = credit.Txn.Amount.Neg()
	pending := debit("pending", "NETFLIX", "9.99", asOf)
	pending.Txn.Pending = true

	entries := []Entry{
		debit("old", "NETFLIX", "9.99", asOf.AddDate(0, 0, -181)),
		debit("future", "NETFLIX", "9.99", asOf.AddDate(0, 0, 1)),
		debit("n1", "NETFLIX", "9.99", asOf.AddDate(0, 0, -30)),
		debit("n1", "NETFLIX", "9.99", asOf.AddDate(0, 0, -30)), // duplicate id
		credit,
		pending,
		debit("once", "HARDWARE STORE", "84.12", asOf),
	}

	res := c.Cluster(entries, asOf)
	assert.Empty(t, res.Candidates)
	require.Len(t, res.Unconfirmed, 2)
	assert.Equal(t, "HARDWARE STORE", res.Unconfirmed[0].MerchantKey)
	assert.Equal(t, []string{"n1"}, ids(res.Unconfirmed[1]))
	assert.Empty(t, res.Series)
}

func TestCluster_SeriesLinksPriceChange(t *testing.T) {
	c := NewClusterer(DefaultConfig())
	first := asOf.AddDate(0, 0, -150)
	var entries []Entry
	for i := 0; i < 4; i++ {
		entries = append(entries, debit(fmt.Sprintf("old%d", i), "NETFLIX", "9.99", first.AddDate(0, 0, 30*i)))
	}
	for i := 4; i < 6; i++ {
		entries = append(entries, debit(fmt.Sprintf("new%d", i), "NETFLIX", "12.99", first.AddDate(0, 0, 30*i)))
	}

	res := c.Cluster(entries, asOf)
	require.Len(t, res.Candidates, 2)
	require.Len(t, res.Series, 1)
	s := res.Series[0]
	require.Len(t, s.Clusters, 2)
	assert.Equal(t, "9.99", s.Clusters[0].Bucket)
	assert.Equal(t, "12.99", s.Latest().Bucket)
	assert.Len(t, s.Dates(), 6)
}

func TestCluster_Deterministic(t *testing.T) {
	c := NewClusterer(DefaultConfig())
	entries := append(monthly("a", "HULU", "7.99", asOf, 3), monthly("b", "GITHUB", "4.00", asOf, 3)...)
	reversed := make([]Entry, len(entries))
	for i := range entries {
		reversed[len(entries)-1-i] = entries[i]
	}

	a := c.Cluster(entries, asOf)
	b := c.Cluster(reversed, asOf)
	require.Len(t, a.Candidates, 2)
	for i := range a.Candidates {
		assert.Equal(t, a.Candidates[i].Bucket, b.Candidates[i].Bucket)
		assert.Equal(t, ids(a.Candidates[i]), ids(b.Candidates[i]))
	}
	assert.Equal(t, "GITHUB", a.Candidates[0].MerchantKey)
}

func TestTolerance(t *testing.T) {
	c := NewClusterer(DefaultConfig())
	assert.Equal(t, "0.50", c.Tolerance(decimal.RequireFromString("4.00")).StringFixed(2))
	assert.Equal(t, "2.50", c.Tolerance(decimal.RequireFromString("50.00")).StringFixed(2))

	tests := []struct {
		a, b string
		want bool
	}{
		{"9.99", "10.49", true},
		{"9.99", "10.50", false},
		{"100.00", "105.00", true},
		{"105.00", "100.00", true},
		{"100.00", "105.01", false},
		{"9.99", "12.99", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.SameBucket(decimal.RequireFromString(tt.a), decimal.RequireFromString(tt.b)), "%s vs %s", tt.a, tt.b)
	}
}

func TestCurrentAmount(t *testing.T) {
	cl := &Cluster{}
	for i, a := range []string{"9.99", "9.99", "10.49", "10.49", "10.29"} {
		cl.Transactions = append(cl.Transactions, debit(fmt.Sprint(i), "X", a, asOf.AddDate(0, 0, i)).Txn)
	}
	assert.Equal(t, "10.49", cl.CurrentAmount().StringFixed(2))
}

func TestMedian(t *testing.T) {
	d := decimal.RequireFromString
	assert.True(t, Median(nil).IsZero())
	assert.Equal(t, "2", Median([]decimal.Decimal{d("3"), d("1"), d("2")}).String())
	assert.Equal(t, "2.5", Median([]decimal.Decimal{d("3"), d("1"), d("2"), d("4")}).String())
}

func ids(cl *Cluster) []string {
	out := make([]string, len(cl.Transactions))
	for i, t := range cl.Transactions {
		out[i] = t.ID
	}
	return out
}
