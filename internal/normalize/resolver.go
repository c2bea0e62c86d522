package normalize

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/store"
)

// Source names where a resolution came from.
type Source string

const (
	SourceAlias   Source = "alias"
	SourceFuzzy   Source = "fuzzy"
	SourceCleaned Source = "cleaned"
	SourceAI      Source = "ai"
)

// Resolution is the merchant key chosen for one cleaned description.
type Resolution struct {
	Cleaned    string
	Key        string
	Confidence float64
	Source     Source
	Category   string
	// Known is set when an alias for Cleaned was already stored.
	Known      bool
	LastUsedAt time.Time
}

// MerchantResolver maps a cleaned description to a merchant key. ok is
// false when the resolver has no opinion.
type MerchantResolver interface {
	Resolve(ctx context.Context, namespace, cleaned string) (res Resolution, ok bool, err error)
}

// Config tunes alias matching.
type Config struct {
	MaxEditDistance    int
	TokenOverlap       float64
	NewAliasConfidence float64
}

// DefaultConfig returns edit distance 2, token overlap 0.6 and new alias
// confidence 0.8.
func DefaultConfig() Config {
	return Config{MaxEditDistance: 2, TokenOverlap: 0.6, NewAliasConfidence: 0.8}
}

// AliasIndex is an in-memory view of one namespace's alias table.
type AliasIndex struct {
	cfg     Config
	aliases map[string]model.MerchantAlias // by original name
	keys    []string                        // distinct normalized names, sorted
}

// NewAliasIndex builds an index over aliases.
func NewAliasIndex(cfg Config, aliases []model.MerchantAlias) *AliasIndex {
	ix := &AliasIndex{cfg: cfg, aliases: make(map[string]model.MerchantAlias, len(aliases))}
	for _, a := range aliases {
		ix.aliases[a.OriginalName] = a
		ix.addKey(a.NormalizedName)
	}
	return ix
}

func (ix *AliasIndex) addKey(key string) {
	i := sort.SearchStrings(ix.keys, key)
	if i < len(ix.keys) && ix.keys[i] == key {
		return
	}
	ix.keys = append(ix.keys, "")
	copy(ix.keys[i+1:], ix.keys[i:])
	ix.keys[i] = key
}

// Alias returns the stored alias for cleaned.
func (ix *AliasIndex) Alias(cleaned string) (model.MerchantAlias, bool) {
	a, ok := ix.aliases[cleaned]
	return a, ok
}

// Lookup resolves cleaned by exact alias, then fuzzy match against known
// keys, then falls back to cleaned itself as a new key.
func (ix *AliasIndex) Lookup(cleaned string) Resolution {
	if a, ok := ix.aliases[cleaned]; ok {
		conf := a.Confidence
		if a.Verified {
			conf = 1
		} else if conf <= 0 {
			conf = ix.cfg.NewAliasConfidence
		}
		res := Resolution{
			Cleaned: cleaned, Key: a.NormalizedName, Confidence: conf,
			Source: SourceAlias, Known: true, LastUsedAt: a.LastUsedAt,
		}
		if a.Verified {
			res.Category = a.SuggestedCategory
		}
		return res
	}
	if key, score := ix.Match(cleaned); key != "" {
		return Resolution{Cleaned: cleaned, Key: key, Confidence: score, Source: SourceFuzzy}
	}
	return Resolution{Cleaned: cleaned, Key: cleaned, Confidence: ix.cfg.NewAliasConfidence, Source: SourceCleaned}
}

// Match returns the best fuzzy match for name among known keys. Ties go to
// the lexicographically smallest key.
func (ix *AliasIndex) Match(name string) (string, float64) {
	bestKey, best := "", 0.0
	for _, k := range ix.keys {
		if s := similarity(name, k, ix.cfg); s > best {
			bestKey, best = k, s
		}
	}
	return bestKey, best
}

// Learn records a resolution made during the current run so later
// descriptions can match it.
func (ix *AliasIndex) Learn(res Resolution) {
	if _, ok := ix.aliases[res.Cleaned]; ok {
		return
	}
	ix.aliases[res.Cleaned] = model.MerchantAlias{
		OriginalName:   res.Cleaned,
		NormalizedName: res.Key,
		Confidence:     res.Confidence,
	}
	ix.addKey(res.Key)
}

// HeuristicResolver resolves through the alias table and fuzzy matching.
// It always answers.
type HeuristicResolver struct {
	aliases store.AliasRepository
	cfg     Config
}

// NewHeuristicResolver creates a HeuristicResolver.
func NewHeuristicResolver(aliases store.AliasRepository, cfg Config) *HeuristicResolver {
	return &HeuristicResolver{aliases: aliases, cfg: cfg}
}

// Snapshot loads the namespace's alias table.
func (r *HeuristicResolver) Snapshot(ctx context.Context, namespace string) (*AliasIndex, error) {
	aliases, err := r.aliases.ListAliases(ctx, namespace)
	if err != nil {
		return nil, store.Wrap("list aliases", err)
	}
	return NewAliasIndex(r.cfg, aliases), nil
}

// Resolve implements MerchantResolver.
func (r *HeuristicResolver) Resolve(ctx context.Context, namespace, cleaned string) (Resolution, bool, error) {
	a, err := r.aliases.GetAlias(ctx, namespace, cleaned)
	switch {
	case err == nil:
		return NewAliasIndex(r.cfg, []model.MerchantAlias{a}).Lookup(cleaned), true, nil
	case !errors.Is(err, store.ErrNotFound):
		return Resolution{}, false, store.Wrap("get alias", err)
	}
	ix, err := r.Snapshot(ctx, namespace)
	if err != nil {
		return Resolution{}, false, err
	}
	return ix.Lookup(cleaned), true, nil
}
