package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/recur/internal/model"
)

// AccountChecker tests whether a bank account is registered.
type AccountChecker interface {
	Exists(id string) bool
}

var hundred = decimal.NewFromInt(100)

// Validate checks a month's transactions and returns one DataError per
// problem found. Records with errors are skipped by detection; they are
// never rejected on import.
func Validate(txns []model.Transaction, accounts AccountChecker, year, month int) []*model.DataError {
	var errs []*model.DataError
	seen := make(map[string]bool)

	for _, txn := range txns {
		if err := txn.Check(); err != nil {
			var de *model.DataError
			if errors.As(err, &de) {
				errs = append(errs, de)
			}
			continue
		}

		if seen[txn.ID] {
			errs = append(errs, &model.DataError{TransactionID: txn.ID, Field: "id", Reason: "duplicate id"})
		}
		seen[txn.ID] = true

		if accounts != nil && !accounts.Exists(txn.AccountID) {
			errs = append(errs, &model.DataError{
				TransactionID: txn.ID,
				Field:         "account_id",
				Reason:        fmt.Sprintf("unknown account %q", txn.AccountID),
			})
		}

		if txn.Date.Year() != year || int(txn.Date.Month()) != month {
			errs = append(errs, &model.DataError{
				TransactionID: txn.ID,
				Field:         "date",
				Reason:        fmt.Sprintf("date %s not in %04d-%02d", txn.Date.Format(dateFormat), year, month),
			})
		}

		minor := txn.Amount.Mul(hundred)
		if !minor.Equal(minor.Floor()) {
			errs = append(errs, &model.DataError{
				TransactionID: txn.ID,
				Field:         "amount",
				Reason:        fmt.Sprintf("amount %s has more than 2 decimal places", txn.Amount),
			})
		}

		if strings.TrimSpace(txn.Currency) == "" {
			errs = append(errs, &model.DataError{TransactionID: txn.ID, Field: "currency", Reason: "missing currency"})
		}
	}
	return errs
}

// ValidateAll validates every month in the ledger.
func (l *Ledger) ValidateAll(accounts AccountChecker) ([]*model.DataError, error) {
	months, err := l.Months()
	if err != nil {
		return nil, err
	}
	var errs []*model.DataError
	for _, m := range months {
		txns, err := l.ReadMonth(m.Year(), int(m.Month()))
		if err != nil {
			return nil, err
		}
		errs = append(errs, Validate(txns, accounts, m.Year(), int(m.Month()))...)
	}
	return errs, nil
}
