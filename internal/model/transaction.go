package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a bank transaction as delivered by the bank-sync side.
// It is immutable once observed; only SubscriptionID is written back.
type Transaction struct {
	ID              string
	AccountID       string
	Date            time.Time
	Amount          decimal.Decimal // negative = outflow, positive = inflow
	Currency        string
	RawDescription  string
	MerchantNameRaw string // optional, preferred over RawDescription when set
	Pending         bool
	SubscriptionID  string // back-reference, empty when unlinked
}

// IsDebit reports whether the transaction is an outflow.
func (t Transaction) IsDebit() bool {
	return t.Amount.IsNegative()
}

// Outflow returns the charged amount as a positive value.
func (t Transaction) Outflow() decimal.Decimal {
	return t.Amount.Abs()
}

// MerchantText returns the text the merchant key is derived from.
func (t Transaction) MerchantText() string {
	if strings.TrimSpace(t.MerchantNameRaw) != "" {
		return t.MerchantNameRaw
	}
	return t.RawDescription
}

// Day returns the transaction date truncated to a UTC calendar day.
func (t Transaction) Day() time.Time {
	return DayOf(t.Date)
}

// Check returns a *DataError for records that cannot take part in detection.
func (t Transaction) Check() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return &DataError{Field: "id", Reason: "missing id"}
	case t.Date.IsZero():
		return &DataError{TransactionID: t.ID, Field: "date", Reason: "missing date"}
	case t.Amount.IsZero():
		return &DataError{TransactionID: t.ID, Field: "amount", Reason: "missing amount"}
	case strings.TrimSpace(t.MerchantText()) == "":
		return &DataError{TransactionID: t.ID, Field: "description", Reason: "missing description"}
	}
	return nil
}

// DayOf truncates t to midnight UTC of its calendar date.
func DayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(DayOf(b).Sub(DayOf(a)).Hours() / 24)
}
