package ledger

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

// Header is the CSV header for transactions.csv.
const Header = "id,account_id,date,amount,currency,description,merchant,pending,subscription_id"

const (
	numFields   = 9
	dateFormat  = "2006-01-02"
	colID       = 0
	colAcctID   = 1
	colDate     = 2
	colAmount   = 3
	colCurrency = 4
	colDesc     = 5
	colMerchant = 6
	colPending  = 7
	colSubID    = 8
)

// ReadTransactions reads all rows from a transactions.csv reader.
func ReadTransactions(r io.Reader) ([]model.Transaction, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = numFields

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading transactions CSV: %w", err)
	}

	if len(records) == 0 {
		return nil, nil
	}

	var txns []model.Transaction
	for i, rec := range records[1:] {
		txn, err := UnmarshalTransaction(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

// WriteTransactions writes txns to w, header included.
func WriteTransactions(w io.Writer, txns []model.Transaction) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(strings.Split(Header, ",")); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for i, txn := range txns {
		if err := cw.Write(MarshalTransaction(txn)); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}
	return cw.Error()
}

// MarshalTransaction converts a Transaction to a CSV row.
func MarshalTransaction(txn model.Transaction) []string {
	row := make([]string, numFields)
	row[colID] = txn.ID
	row[colAcctID] = txn.AccountID
	row[colDate] = txn.Date.Format(dateFormat)
	row[colAmount] = formatAmount(txn.Amount)
	row[colCurrency] = txn.Currency
	row[colDesc] = txn.RawDescription
	row[colMerchant] = txn.MerchantNameRaw
	if txn.Pending {
		row[colPending] = "true"
	}
	row[colSubID] = txn.SubscriptionID
	return row
}

// UnmarshalTransaction converts a CSV row to a Transaction. Fields that
// parse but are semantically wrong (zero amount, empty description) are
// left for Validate.
func UnmarshalTransaction(record []string) (model.Transaction, error) {
	if len(record) != numFields {
		return model.Transaction{}, fmt.Errorf("expected %d fields, got %d", numFields, len(record))
	}

	var date time.Time
	if record[colDate] != "" {
		d, err := time.Parse(dateFormat, record[colDate])
		if err != nil {
			return model.Transaction{}, fmt.Errorf("parsing date %q: %w", record[colDate], err)
		}
		date = d
	}

	var amount decimal.Decimal
	if record[colAmount] != "" {
		a, err := decimal.NewFromString(record[colAmount])
		if err != nil {
			return model.Transaction{}, fmt.Errorf("parsing amount %q: %w", record[colAmount], err)
		}
		amount = a
	}

	var pending bool
	if record[colPending] != "" {
		p, err := strconv.ParseBool(record[colPending])
		if err != nil {
			return model.Transaction{}, fmt.Errorf("parsing pending %q: %w", record[colPending], err)
		}
		pending = p
	}

	return model.Transaction{
		ID:              record[colID],
		AccountID:       record[colAcctID],
		Date:            date,
		Amount:          amount,
		Currency:        record[colCurrency],
		RawDescription:  record[colDesc],
		MerchantNameRaw: record[colMerchant],
		Pending:         pending,
		SubscriptionID:  record[colSubID],
	}, nil
}

// formatAmount writes cents, keeping extra precision so Validate can
// report it instead of it being rounded away.
func formatAmount(d decimal.Decimal) string {
	if d.Exponent() < -2 {
		return d.String()
	}
	return d.StringFixed(2)
}
