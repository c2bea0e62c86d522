package ledger

import (
	"context"
	"time"

	"github.com/cleared-dev/recur/internal/model"
)

// Owners resolves account ownership.
type Owners interface {
	Users() []string
	ByUser(userID string) []model.Account
}

// Source serves a user's transactions from the ledger. It implements
// store.TransactionSource for the csv driver.
type Source struct {
	ledger *Ledger
	owners Owners
}

// NewSource creates a Source.
func NewSource(l *Ledger, owners Owners) *Source {
	return &Source{ledger: l, owners: owners}
}

// Users returns every user that owns at least one account.
func (s *Source) Users(context.Context) ([]string, error) {
	return s.owners.Users(), nil
}

// UserTransactions returns the user's transactions dated on or after since.
func (s *Source) UserTransactions(ctx context.Context, userID string, since time.Time) ([]model.Transaction, error) {
	accts := make(map[string]bool)
	for _, a := range s.owners.ByUser(userID) {
		accts[a.ID] = true
	}
	if len(accts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txns, err := s.ledger.Range(since, time.Time{})
	if err != nil {
		return nil, err
	}
	var out []model.Transaction
	for _, txn := range txns {
		if accts[txn.AccountID] {
			out = append(out, txn)
		}
	}
	return out, nil
}
