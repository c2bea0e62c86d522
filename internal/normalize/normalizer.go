package normalize

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/cleared-dev/recur/internal/logger"
	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/store"
)

// Normalizer resolves merchant keys for a user's transactions and records
// alias usage.
type Normalizer struct {
	aliases   store.AliasRepository
	heuristic *HeuristicResolver
	ai        MerchantResolver
	cfg       Config
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithAI consults r on alias misses.
func WithAI(r MerchantResolver) Option {
	return func(n *Normalizer) { n.ai = r }
}

// New creates a Normalizer over the alias repository.
func New(aliases store.AliasRepository, cfg Config, opts ...Option) *Normalizer {
	n := &Normalizer{
		aliases:   aliases,
		heuristic: NewHeuristicResolver(aliases, cfg),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Resolve returns the merchant key for one raw description without
// recording usage.
func (n *Normalizer) Resolve(ctx context.Context, namespace, raw string) (Resolution, error) {
	ix, err := n.heuristic.Snapshot(ctx, namespace)
	if err != nil {
		return Resolution{}, err
	}
	return n.resolve(ctx, ix, namespace, Clean(raw)), nil
}

func (n *Normalizer) resolve(ctx context.Context, ix *AliasIndex, namespace, cleaned string) Resolution {
	res := ix.Lookup(cleaned)
	if res.Source != SourceCleaned || n.ai == nil {
		return res
	}
	ai, ok, err := n.ai.Resolve(ctx, namespace, cleaned)
	if err != nil || !ok {
		return res
	}
	// Prefer a key the user already has over the model's spelling of it.
	if key, _ := ix.Match(ai.Key); key != "" {
		ai.Key = key
	}
	ai.Cleaned = cleaned
	return ai
}

// Batch is the outcome of resolving a set of transactions.
type Batch struct {
	// Resolutions by transaction id.
	Resolutions map[string]Resolution
	// Usage holds the alias writes to commit once the run succeeds.
	Usage []store.AliasUsage
}

// Key returns the merchant key of a transaction.
func (b Batch) Key(txnID string) string {
	return b.Resolutions[txnID].Key
}

// ResolveAll resolves every transaction's merchant. Distinct descriptions
// are processed in sorted order, and a key created earlier in the batch
// is visible to later fuzzy matches, so the result does not depend on
// input order. Nothing is written until Commit.
func (n *Normalizer) ResolveAll(ctx context.Context, namespace string, txns []model.Transaction) (Batch, error) {
	ix, err := n.heuristic.Snapshot(ctx, namespace)
	if err != nil {
		return Batch{}, err
	}

	byCleaned := make(map[string][]model.Transaction)
	for _, t := range txns {
		c := Clean(t.MerchantText())
		byCleaned[c] = append(byCleaned[c], t)
	}
	names := make([]string, 0, len(byCleaned))
	for c := range byCleaned {
		names = append(names, c)
	}
	sort.Strings(names)

	batch := Batch{Resolutions: make(map[string]Resolution, len(txns))}
	for _, cleaned := range names {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		res := n.resolve(ctx, ix, namespace, cleaned)
		if !res.Known {
			ix.Learn(res)
		}
		for _, t := range byCleaned[cleaned] {
			batch.Resolutions[t.ID] = res
		}
		if u, ok := usageFor(namespace, res, byCleaned[cleaned]); ok {
			batch.Usage = append(batch.Usage, u)
		}
	}
	return batch, nil
}

// usageFor counts the settled transactions dated after the alias' last use.
// LastUsedAt is a day watermark: a later import that back-fills a day at or
// before it is not counted, and rerunning a batch never counts twice.
func usageFor(namespace string, res Resolution, txns []model.Transaction) (store.AliasUsage, bool) {
	u := store.AliasUsage{
		Namespace:      namespace,
		OriginalName:   res.Cleaned,
		NormalizedName: res.Key,
		Confidence:     res.Confidence,
		LastUsedAt:     res.LastUsedAt,
	}
	for _, t := range txns {
		if t.Pending || !t.Day().After(res.LastUsedAt) {
			continue
		}
		u.NewCount++
		if t.Day().After(u.LastUsedAt) {
			u.LastUsedAt = t.Day()
		}
	}
	return u, !res.Known || u.NewCount > 0
}

// Commit writes alias usage recorded by ResolveAll.
func (n *Normalizer) Commit(ctx context.Context, usage []store.AliasUsage) error {
	log := logger.FromContext(ctx)
	for _, u := range usage {
		if err := n.aliases.RecordAliasUsage(ctx, u); err != nil {
			return store.Wrap("record alias usage", err)
		}
		log.Debug().
			Str("alias", u.OriginalName).
			Str("merchant", u.NormalizedName).
			Int64("new_uses", u.NewCount).
			Msg("alias usage recorded")
	}
	return nil
}

// Verify marks an alias verified, optionally remapping it to a new key and
// category. It is the user-override path of the enricher contract.
func (n *Normalizer) Verify(ctx context.Context, namespace, originalName, key, category string) (model.MerchantAlias, error) {
	a, err := n.aliases.GetAlias(ctx, namespace, originalName)
	if err != nil {
		return model.MerchantAlias{}, fmt.Errorf("loading alias %q: %w", originalName, store.Wrap("get alias", err))
	}
	if key != "" {
		a.NormalizedName = Clean(key)
	}
	if category != "" {
		a.SuggestedCategory = category
	}
	a.Verified = true
	a.Confidence = 1
	if err := n.aliases.UpsertAlias(ctx, a); err != nil {
		return model.MerchantAlias{}, store.Wrap("upsert alias", err)
	}
	return a, nil
}

// DisplayName turns a merchant key into a subscription name:
// "BLUE BOTTLE COFFEE" -> "Blue Bottle Coffee".
func DisplayName(key string) string {
	return cases.Title(language.English).String(strings.ToLower(key))
}
