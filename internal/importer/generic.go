package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/recur/internal/model"
)

// GenericParser reads the neutral export format. Columns are matched by
// header name: id, date, amount, currency, description, merchant, pending.
// Unparseable fields are left empty so detection can report them as data
// errors instead of failing the whole file.
type GenericParser struct{}

// Format returns the parser name.
func (p *GenericParser) Format() string { return "generic" }

var genericRequired = []string{"id", "date", "amount", "description"}

// Matches reports whether header carries every required column.
func (p *GenericParser) Matches(header []string) bool {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[strings.ToLower(strings.TrimSpace(h))] = true
	}
	for _, c := range genericRequired {
		if !have[c] {
			return false
		}
	}
	return true
}

// Parse reads a generic CSV.
func (p *GenericParser) Parse(r io.Reader, accountID string) ([]model.Transaction, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading generic CSV: %w", err)
	}

	if len(records) <= 1 {
		return nil, nil
	}

	cols := make(map[string]int)
	for i, h := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range genericRequired {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var txns []model.Transaction
	for _, rec := range records[1:] {
		txn := model.Transaction{
			ID:              field(rec, "id"),
			AccountID:       accountID,
			Currency:        strings.ToUpper(field(rec, "currency")),
			RawDescription:  field(rec, "description"),
			MerchantNameRaw: field(rec, "merchant"),
		}
		if d, err := time.Parse("2006-01-02", field(rec, "date")); err == nil {
			txn.Date = d
		}
		if a, err := decimal.NewFromString(field(rec, "amount")); err == nil {
			txn.Amount = a
		}
		if b, err := strconv.ParseBool(field(rec, "pending")); err == nil {
			txn.Pending = b
		}
		if txn.Currency == "" {
			txn.Currency = "USD"
		}
		txns = append(txns, txn)
	}
	return txns, nil
}
