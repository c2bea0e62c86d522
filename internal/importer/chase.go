package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/recur/internal/id"
	"github.com/cleared-dev/recur/internal/model"
)

// ChaseParser parses Chase bank checking CSV exports.
type ChaseParser struct {
	Currency string
}

const (
	chaseDateFormat = "01/02/2006"
	chaseNumFields  = 7
	chaseColDate    = 1
	chaseColDesc    = 2
	chaseColAmount  = 3
)

// Format returns the parser name.
func (p *ChaseParser) Format() string { return "chase" }

// Matches recognizes the Chase checking export header.
func (p *ChaseParser) Matches(header []string) bool {
	return len(header) == chaseNumFields &&
		strings.EqualFold(header[chaseColDate], "Posting Date") &&
		strings.EqualFold(header[chaseColDesc], "Description") &&
		strings.EqualFold(header[chaseColAmount], "Amount")
}

// Parse reads a Chase CSV. Ids are derived from date and description, so
// re-importing an overlapping export yields the same ids.
func (p *ChaseParser) Parse(r io.Reader, accountID string) ([]model.Transaction, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = chaseNumFields

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading chase CSV: %w", err)
	}

	if len(records) <= 1 {
		return nil, nil
	}

	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}

	seqs := make(map[string]int)
	var txns []model.Transaction
	for i, rec := range records[1:] {
		txn, err := parseChaseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		base := id.FormatTransactionID("chase", txn.Date, txn.RawDescription, txn.Amount, 0)
		seqs[base]++
		txn.ID = id.FormatTransactionID("chase", txn.Date, txn.RawDescription, txn.Amount, seqs[base])
		txn.AccountID = accountID
		txn.Currency = currency
		txns = append(txns, txn)
	}
	return txns, nil
}

func parseChaseRow(rec []string) (model.Transaction, error) {
	date, err := time.Parse(chaseDateFormat, rec[chaseColDate])
	if err != nil {
		return model.Transaction{}, fmt.Errorf("parsing date %q: %w", rec[chaseColDate], err)
	}

	amount, err := decimal.NewFromString(rec[chaseColAmount])
	if err != nil {
		return model.Transaction{}, fmt.Errorf("parsing amount %q: %w", rec[chaseColAmount], err)
	}

	return model.Transaction{
		Date:           date,
		Amount:         amount,
		RawDescription: rec[chaseColDesc],
	}, nil
}
