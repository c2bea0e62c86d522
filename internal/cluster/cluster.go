// Package cluster groups a user's debits into candidate recurring series
// keyed by merchant and amount bucket.
package cluster

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/recur/internal/model"
)

// Config controls clustering.
type Config struct {
	LookbackDays int
	// RelativeTolerance is the fraction of the anchor amount still
	// considered the same price (0.05 = ±5%).
	RelativeTolerance float64
	// MinAbsoluteTolerance keeps small amounts from splitting on rounding.
	MinAbsoluteTolerance decimal.Decimal
	MinOccurrences       int
}

// DefaultConfig returns a 180 day lookback, ±5% / 0.50 tolerance and a
// two-occurrence minimum.
func DefaultConfig() Config {
	return Config{
		LookbackDays:         180,
		RelativeTolerance:    0.05,
		MinAbsoluteTolerance: decimal.RequireFromString("0.50"),
		MinOccurrences:       2,
	}
}

// Entry is a transaction with its resolved merchant key.
type Entry struct {
	Txn         model.Transaction
	MerchantKey string
}

// Cluster is a group of debits sharing merchant, currency and amount bucket.
// Transactions are sorted by date.
type Cluster struct {
	MerchantKey  string
	Currency     string
	Bucket       string // median amount, two decimals
	Center       decimal.Decimal
	Transactions []model.Transaction
}

// Len returns the number of transactions.
func (c *Cluster) Len() int { return len(c.Transactions) }

// Dates returns the charge dates in order.
func (c *Cluster) Dates() []time.Time {
	out := make([]time.Time, len(c.Transactions))
	for i, t := range c.Transactions {
		out[i] = t.Day()
	}
	return out
}

// Amounts returns the charged amounts as positive values.
func (c *Cluster) Amounts() []decimal.Decimal {
	out := make([]decimal.Decimal, len(c.Transactions))
	for i, t := range c.Transactions {
		out[i] = t.Outflow()
	}
	return out
}

// First returns the earliest charge date.
func (c *Cluster) First() time.Time { return c.Transactions[0].Day() }

// Last returns the latest charge date.
func (c *Cluster) Last() time.Time { return c.Transactions[len(c.Transactions)-1].Day() }

// CurrentAmount is the median of the three most recent charges.
func (c *Cluster) CurrentAmount() decimal.Decimal {
	amounts := c.Amounts()
	if len(amounts) > 3 {
		amounts = amounts[len(amounts)-3:]
	}
	return Median(amounts)
}

// Series is a chain of same-merchant clusters that follow each other in
// time without overlapping, such as the price points of a plan before and
// after a price change.
type Series struct {
	MerchantKey string
	Currency    string
	Clusters    []*Cluster
}

// Dates returns every charge date of the series in order.
func (s Series) Dates() []time.Time {
	var out []time.Time
	for _, c := range s.Clusters {
		out = append(out, c.Dates()...)
	}
	return out
}

// Latest returns the most recent cluster.
func (s Series) Latest() *Cluster { return s.Clusters[len(s.Clusters)-1] }

// Result is the output of one clustering pass.
type Result struct {
	// Candidates have at least MinOccurrences transactions.
	Candidates []*Cluster
	// Unconfirmed are retained single-occurrence clusters, never promoted.
	Unconfirmed []*Cluster
	// Series chains the candidates of each merchant.
	Series []Series
}

// Clusterer groups transactions. It is stateless.
type Clusterer struct {
	cfg Config
}

// NewClusterer creates a Clusterer.
func NewClusterer(cfg Config) *Clusterer {
	return &Clusterer{cfg: cfg}
}

// Config returns the clusterer's configuration.
func (c *Clusterer) Config() Config { return c.cfg }

// Tolerance returns the largest difference from anchor still treated as
// the same price.
func (c *Clusterer) Tolerance(anchor decimal.Decimal) decimal.Decimal {
	tol := anchor.Abs().Mul(decimal.NewFromFloat(c.cfg.RelativeTolerance))
	if tol.LessThan(c.cfg.MinAbsoluteTolerance) {
		return c.cfg.MinAbsoluteTolerance
	}
	return tol
}

// SameBucket reports whether two amounts fall in one amount bucket, using
// the smaller as the anchor.
func (c *Clusterer) SameBucket(a, b decimal.Decimal) bool {
	a, b = a.Abs(), b.Abs()
	if b.LessThan(a) {
		a, b = b, a
	}
	return b.Sub(a).LessThanOrEqual(c.Tolerance(a))
}

type groupKey struct {
	merchant string
	currency string
}

// Cluster groups the settled debits dated within the lookback window
// ending at asOf. Pending transactions and credits are ignored.
func (c *Clusterer) Cluster(entries []Entry, asOf time.Time) Result {
	asOf = model.DayOf(asOf)
	from := asOf.AddDate(0, 0, -c.cfg.LookbackDays)

	groups := make(map[groupKey][]model.Transaction)
	seen := make(map[string]bool)
	for _, e := range entries {
		t := e.Txn
		if t.Pending || !t.IsDebit() || seen[t.ID] {
			continue
		}
		day := t.Day()
		if day.Before(from) || day.After(asOf) {
			continue
		}
		seen[t.ID] = true
		k := groupKey{merchant: e.MerchantKey, currency: t.Currency}
		groups[k] = append(groups[k], t)
	}

	var res Result
	for k, txns := range groups {
		for _, cl := range c.bucket(k, txns) {
			if cl.Len() >= c.cfg.MinOccurrences {
				res.Candidates = append(res.Candidates, cl)
			} else {
				res.Unconfirmed = append(res.Unconfirmed, cl)
			}
		}
	}
	sortClusters(res.Candidates)
	sortClusters(res.Unconfirmed)
	res.Series = chain(res.Candidates)
	return res
}

// bucket splits one merchant's debits into amount buckets. Amounts are
// walked in ascending order; a bucket closes once an amount exceeds the
// bucket's smallest amount by more than the tolerance.
func (c *Clusterer) bucket(k groupKey, txns []model.Transaction) []*Cluster {
	sort.Slice(txns, func(i, j int) bool {
		a, b := txns[i], txns[j]
		if cmp := a.Outflow().Cmp(b.Outflow()); cmp != 0 {
			return cmp < 0
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.ID < b.ID
	})

	var out []*Cluster
	var cur []model.Transaction
	var anchor decimal.Decimal
	flush := func() {
		if len(cur) > 0 {
			out = append(out, newCluster(k, cur))
		}
	}
	for _, t := range txns {
		amt := t.Outflow()
		if len(cur) == 0 || amt.Sub(anchor).GreaterThan(c.Tolerance(anchor)) {
			flush()
			cur = nil
			anchor = amt
		}
		cur = append(cur, t)
	}
	flush()
	return out
}

func newCluster(k groupKey, txns []model.Transaction) *Cluster {
	amounts := make([]decimal.Decimal, len(txns))
	for i, t := range txns {
		amounts[i] = t.Outflow()
	}
	center := Median(amounts).Round(2)

	sorted := append([]model.Transaction(nil), txns...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &Cluster{
		MerchantKey:  k.merchant,
		Currency:     k.currency,
		Bucket:       center.StringFixed(2),
		Center:       center,
		Transactions: sorted,
	}
}

// chain links same-merchant candidates into series. Each cluster extends
// the eligible series that ended most recently before it started, or
// opens a new one.
func chain(candidates []*Cluster) []Series {
	byMerchant := make(map[groupKey][]*Cluster)
	var order []groupKey
	for _, cl := range candidates {
		k := groupKey{merchant: cl.MerchantKey, currency: cl.Currency}
		if _, ok := byMerchant[k]; !ok {
			order = append(order, k)
		}
		byMerchant[k] = append(byMerchant[k], cl)
	}

	var out []Series
	for _, k := range order {
		clusters := append([]*Cluster(nil), byMerchant[k]...)
		sort.SliceStable(clusters, func(i, j int) bool { return clusters[i].First().Before(clusters[j].First()) })

		var series []Series
		for _, cl := range clusters {
			best := -1
			for i, s := range series {
				last := s.Latest().Last()
				if !cl.First().After(last) {
					continue
				}
				if best < 0 || last.After(series[best].Latest().Last()) {
					best = i
				}
			}
			if best < 0 {
				series = append(series, Series{MerchantKey: k.merchant, Currency: k.currency, Clusters: []*Cluster{cl}})
				continue
			}
			series[best].Clusters = append(series[best].Clusters, cl)
		}
		out = append(out, series...)
	}
	return out
}

func sortClusters(cs []*Cluster) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.MerchantKey != b.MerchantKey {
			return a.MerchantKey < b.MerchantKey
		}
		if a.Currency != b.Currency {
			return a.Currency < b.Currency
		}
		return a.Center.LessThan(b.Center)
	})
}

// Median returns the median of amounts, averaging the middle pair for
// even counts.
func Median(amounts []decimal.Decimal) decimal.Decimal {
	if len(amounts) == 0 {
		return decimal.Zero
	}
	sorted := append([]decimal.Decimal(nil), amounts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
