// Package csvstore keeps subscriptions and merchant aliases as CSV files in
// the data repository: subscriptions/subscriptions.csv and
// merchants/aliases.csv. Every write rewrites the whole file under a lock
// and replaces it atomically.
package csvstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cleared-dev/recur/internal/id"
	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/store"
)

// Linker writes subscription back-references onto transactions.
type Linker interface {
	Link(ctx context.Context, subscriptionID string, transactionIDs []string) error
}

// Store implements store.SubscriptionRepository and store.AliasRepository.
type Store struct {
	repoRoot string
	linker   Linker
	mu       sync.Mutex
}

// New creates a Store rooted at repoRoot. linker may be nil, in which
// case LinkTransactions is a no-op.
func New(repoRoot string, linker Linker) *Store {
	return &Store{repoRoot: repoRoot, linker: linker}
}

func (s *Store) subscriptionsPath() string {
	return filepath.Join(s.repoRoot, "subscriptions", "subscriptions.csv")
}

func (s *Store) aliasesPath() string {
	return filepath.Join(s.repoRoot, "merchants", "aliases.csv")
}

// ListSubscriptions returns every subscription of userID.
func (s *Store) ListSubscriptions(_ context.Context, userID string) ([]model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readSubscriptions()
	if err != nil {
		return nil, store.Wrap("list subscriptions", err)
	}
	var out []model.Subscription
	for _, sub := range all {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out, nil
}

// GetSubscription returns one subscription of userID.
func (s *Store) GetSubscription(_ context.Context, userID, subID string) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readSubscriptions()
	if err != nil {
		return model.Subscription{}, store.Wrap("get subscription", err)
	}
	for _, sub := range all {
		if sub.UserID == userID && sub.ID == subID {
			return sub, nil
		}
	}
	return model.Subscription{}, store.ErrNotFound
}

// UpsertSubscription replaces the row with the same upsert key or appends.
func (s *Store) UpsertSubscription(_ context.Context, sub model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readSubscriptions()
	if err != nil {
		return store.Wrap("upsert subscription", err)
	}
	key := id.UpsertKey(sub.UserID, sub.MerchantKey, sub.AmountBucket)
	replaced := false
	for i := range all {
		if id.UpsertKey(all[i].UserID, all[i].MerchantKey, all[i].AmountBucket) == key {
			all[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, sub)
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		return id.UpsertKey(a.UserID, a.MerchantKey, a.AmountBucket) < id.UpsertKey(b.UserID, b.MerchantKey, b.AmountBucket)
	})

	rows := make([][]string, 0, len(all))
	for _, x := range all {
		rows = append(rows, MarshalSubscription(x))
	}
	return store.Wrap("upsert subscription", writeFile(s.subscriptionsPath(), subscriptionColumns(), rows))
}

// LinkTransactions delegates to the ledger.
func (s *Store) LinkTransactions(ctx context.Context, subscriptionID string, transactionIDs []string) error {
	if s.linker == nil || len(transactionIDs) == 0 {
		return nil
	}
	return store.Wrap("link transactions", s.linker.Link(ctx, subscriptionID, transactionIDs))
}

// GetAlias returns one alias.
func (s *Store) GetAlias(_ context.Context, namespace, originalName string) (model.MerchantAlias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAliases()
	if err != nil {
		return model.MerchantAlias{}, store.Wrap("get alias", err)
	}
	for _, a := range all {
		if a.Namespace == namespace && a.OriginalName == originalName {
			return a, nil
		}
	}
	return model.MerchantAlias{}, store.ErrNotFound
}

// ListAliases returns a namespace's aliases.
func (s *Store) ListAliases(_ context.Context, namespace string) ([]model.MerchantAlias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAliases()
	if err != nil {
		return nil, store.Wrap("list aliases", err)
	}
	var out []model.MerchantAlias
	for _, a := range all {
		if a.Namespace == namespace {
			out = append(out, a)
		}
	}
	return out, nil
}

// UpsertAlias writes every field of alias.
func (s *Store) UpsertAlias(_ context.Context, alias model.MerchantAlias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return store.Wrap("upsert alias", s.modifyAliases(func(all []model.MerchantAlias) []model.MerchantAlias {
		for i := range all {
			if all[i].Namespace == alias.Namespace && all[i].OriginalName == alias.OriginalName {
				all[i] = alias
				return all
			}
		}
		return append(all, alias)
	}))
}

// RecordAliasUsage inserts or bumps an alias; see store.AliasRepository.
func (s *Store) RecordAliasUsage(_ context.Context, u store.AliasUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return store.Wrap("record alias usage", s.modifyAliases(func(all []model.MerchantAlias) []model.MerchantAlias {
		for i := range all {
			if all[i].Namespace == u.Namespace && all[i].OriginalName == u.OriginalName {
				store.ApplyUsage(&all[i], u)
				return all
			}
		}
		return append(all, store.NewAlias(u))
	}))
}

func (s *Store) modifyAliases(fn func([]model.MerchantAlias) []model.MerchantAlias) error {
	all, err := s.readAliases()
	if err != nil {
		return err
	}
	all = fn(all)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Namespace != all[j].Namespace {
			return all[i].Namespace < all[j].Namespace
		}
		return all[i].OriginalName < all[j].OriginalName
	})
	rows := make([][]string, 0, len(all))
	for _, a := range all {
		rows = append(rows, MarshalAlias(a))
	}
	return writeFile(s.aliasesPath(), aliasColumns(), rows)
}

func (s *Store) readSubscriptions() ([]model.Subscription, error) {
	records, err := readFile(s.subscriptionsPath(), subFields)
	if err != nil {
		return nil, err
	}
	out := make([]model.Subscription, 0, len(records))
	for i, rec := range records {
		sub, err := UnmarshalSubscription(rec)
		if err != nil {
			return nil, fmt.Errorf("subscriptions.csv row %d: %w", i+2, err)
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *Store) readAliases() ([]model.MerchantAlias, error) {
	records, err := readFile(s.aliasesPath(), aliasFields)
	if err != nil {
		return nil, err
	}
	out := make([]model.MerchantAlias, 0, len(records))
	for i, rec := range records {
		a, err := UnmarshalAlias(rec)
		if err != nil {
			return nil, fmt.Errorf("aliases.csv row %d: %w", i+2, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// readFile returns the data rows of a CSV file, or nil when it does not
// exist.
func readFile(path string, fields int) ([][]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = fields
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(records) <= 1 {
		return nil, nil
	}
	return records[1:], nil
}

func writeFile(path string, header []string, rows [][]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	cw := csv.NewWriter(tmp)
	if err := cw.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("writing header: %w", err)
	}
	if err := cw.WriteAll(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
