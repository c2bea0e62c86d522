// Package memory provides in-process repositories for tests and the
// "memory" storage driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cleared-dev/recur/internal/id"
	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/store"
)

type aliasKey struct {
	namespace string
	original  string
}

// Store keeps subscriptions, aliases and transactions in maps guarded by a
// single RWMutex. Values are copied in and out.
type Store struct {
	mu            sync.RWMutex
	subscriptions map[string]model.Subscription // by upsert key
	aliases       map[aliasKey]model.MerchantAlias
	transactions  map[string]model.Transaction
	owners        map[string]string // account id -> user id
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		subscriptions: make(map[string]model.Subscription),
		aliases:       make(map[aliasKey]model.MerchantAlias),
		transactions:  make(map[string]model.Transaction),
		owners:        make(map[string]string),
	}
}

var (
	_ store.SubscriptionRepository = (*Store)(nil)
	_ store.AliasRepository        = (*Store)(nil)
	_ store.TransactionSource      = (*Store)(nil)
)

// ListSubscriptions returns the user's subscriptions ordered by id.
func (s *Store) ListSubscriptions(_ context.Context, userID string) ([]model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			out = append(out, copySubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSubscription returns one subscription or store.ErrNotFound.
func (s *Store) GetSubscription(_ context.Context, userID, subID string) (model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.ID == subID {
			return copySubscription(sub), nil
		}
	}
	return model.Subscription{}, store.ErrNotFound
}

// UpsertSubscription replaces the subscription stored under its key.
func (s *Store) UpsertSubscription(_ context.Context, sub model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[id.UpsertKey(sub.UserID, sub.MerchantKey, sub.AmountBucket)] = copySubscription(sub)
	return nil
}

// LinkTransactions sets the back-reference on known transactions.
func (s *Store) LinkTransactions(_ context.Context, subscriptionID string, transactionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tid := range transactionIDs {
		if t, ok := s.transactions[tid]; ok {
			t.SubscriptionID = subscriptionID
			s.transactions[tid] = t
		}
	}
	return nil
}

// GetAlias returns one alias or store.ErrNotFound.
func (s *Store) GetAlias(_ context.Context, namespace, originalName string) (model.MerchantAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aliases[aliasKey{namespace, originalName}]
	if !ok {
		return model.MerchantAlias{}, store.ErrNotFound
	}
	return a, nil
}

// ListAliases returns the namespace's aliases ordered by original name.
func (s *Store) ListAliases(_ context.Context, namespace string) ([]model.MerchantAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.MerchantAlias
	for k, a := range s.aliases {
		if k.namespace == namespace {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginalName < out[j].OriginalName })
	return out, nil
}

// UpsertAlias replaces the alias.
func (s *Store) UpsertAlias(_ context.Context, alias model.MerchantAlias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[aliasKey{alias.Namespace, alias.OriginalName}] = alias
	return nil
}

// RecordAliasUsage inserts or advances the alias usage counter.
func (s *Store) RecordAliasUsage(_ context.Context, u store.AliasUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := aliasKey{u.Namespace, u.OriginalName}
	a, ok := s.aliases[k]
	if !ok {
		s.aliases[k] = store.NewAlias(u)
		return nil
	}
	if store.ApplyUsage(&a, u) {
		s.aliases[k] = a
	}
	return nil
}

// SetOwner assigns an account to a user.
func (s *Store) SetOwner(accountID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[accountID] = userID
}

// AddTransactions stores transactions by id; existing ids are kept.
func (s *Store) AddTransactions(txns ...model.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range txns {
		if _, ok := s.transactions[t.ID]; !ok {
			s.transactions[t.ID] = t
		}
	}
}

// Transaction returns a stored transaction.
func (s *Store) Transaction(txnID string) (model.Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[txnID]
	return t, ok
}

// Users returns every user owning an account, sorted.
func (s *Store) Users(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, u := range s.owners {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out, nil
}

// UserTransactions returns the user's transactions dated on or after since.
func (s *Store) UserTransactions(_ context.Context, userID string, since time.Time) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Transaction
	for _, t := range s.transactions {
		if s.owners[t.AccountID] != userID || t.Date.Before(since) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func copySubscription(sub model.Subscription) model.Subscription {
	if sub.NextBilling != nil {
		t := *sub.NextBilling
		sub.NextBilling = &t
	}
	if sub.CancelledAt != nil {
		t := *sub.CancelledAt
		sub.CancelledAt = &t
	}
	return sub
}
