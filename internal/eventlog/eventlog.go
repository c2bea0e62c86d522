// Package eventlog appends subscription change events to
// logs/subscription-events.csv in the data repository.
package eventlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/recur/internal/model"
)

// Entry is one row in the event log.
type Entry struct {
	OccurredAt     time.Time
	EventID        string
	UserID         string
	SubscriptionID string
	Type           model.ChangeType
	MerchantKey    string
	Amount         decimal.Decimal
	PreviousAmount decimal.Decimal
	Status         model.Status
	PreviousStatus model.Status
}

// Header is the CSV header for subscription-events.csv.
const Header = "occurred_at,event_id,user_id,subscription_id,type,merchant_key,amount,previous_amount,status,previous_status"

const (
	numFields      = 10
	logDir         = "logs"
	logFile        = "logs/subscription-events.csv"
	colOccurredAt  = 0
	colEventID     = 1
	colUserID      = 2
	colSubID       = 3
	colType        = 4
	colMerchantKey = 5
	colAmount      = 6
	colPrevAmount  = 7
	colStatus      = 8
	colPrevStatus  = 9
)

// FromEvent flattens a change event into a log entry.
func FromEvent(ev model.ChangeEvent) Entry {
	return Entry{
		OccurredAt:     ev.OccurredAt,
		EventID:        ev.ID,
		UserID:         ev.UserID,
		SubscriptionID: ev.SubscriptionID,
		Type:           ev.Type,
		MerchantKey:    ev.Subscription.MerchantKey,
		Amount:         ev.Subscription.Amount,
		PreviousAmount: ev.PreviousAmount,
		Status:         ev.Subscription.Status,
		PreviousStatus: ev.PreviousStatus,
	}
}

// MarshalEntry converts an Entry to a CSV row.
func MarshalEntry(e Entry) []string {
	row := make([]string, numFields)
	row[colOccurredAt] = e.OccurredAt.UTC().Format(time.RFC3339)
	row[colEventID] = e.EventID
	row[colUserID] = e.UserID
	row[colSubID] = e.SubscriptionID
	row[colType] = string(e.Type)
	row[colMerchantKey] = e.MerchantKey
	row[colAmount] = e.Amount.StringFixed(2)
	if !e.PreviousAmount.IsZero() {
		row[colPrevAmount] = e.PreviousAmount.StringFixed(2)
	}
	row[colStatus] = string(e.Status)
	row[colPrevStatus] = string(e.PreviousStatus)
	return row
}

// UnmarshalEntry converts a CSV row to an Entry.
func UnmarshalEntry(record []string) (Entry, error) {
	if len(record) != numFields {
		return Entry{}, fmt.Errorf("expected %d fields, got %d", numFields, len(record))
	}

	ts, err := time.Parse(time.RFC3339, record[colOccurredAt])
	if err != nil {
		return Entry{}, fmt.Errorf("parsing occurred_at %q: %w", record[colOccurredAt], err)
	}

	amount, err := decimal.NewFromString(record[colAmount])
	if err != nil {
		return Entry{}, fmt.Errorf("parsing amount %q: %w", record[colAmount], err)
	}

	var prev decimal.Decimal
	if record[colPrevAmount] != "" {
		prev, err = decimal.NewFromString(record[colPrevAmount])
		if err != nil {
			return Entry{}, fmt.Errorf("parsing previous_amount %q: %w", record[colPrevAmount], err)
		}
	}

	return Entry{
		OccurredAt:     ts,
		EventID:        record[colEventID],
		UserID:         record[colUserID],
		SubscriptionID: record[colSubID],
		Type:           model.ChangeType(record[colType]),
		MerchantKey:    record[colMerchantKey],
		Amount:         amount,
		PreviousAmount: prev,
		Status:         model.Status(record[colStatus]),
		PreviousStatus: model.Status(record[colPrevStatus]),
	}, nil
}

// Append writes events to <repoRoot>/logs/subscription-events.csv,
// creating the file and header if needed.
func Append(repoRoot string, events []model.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	dir := filepath.Join(repoRoot, logDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}

	path := filepath.Join(repoRoot, logFile)
	needsHeader := false
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		needsHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	defer cw.Flush()

	if needsHeader {
		if err := cw.Write(strings.Split(Header, ",")); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}

	for i, ev := range events {
		if err := cw.Write(MarshalEntry(FromEvent(ev))); err != nil {
			return fmt.Errorf("writing event %d: %w", i, err)
		}
	}

	return cw.Error()
}

// Read returns all entries from the event log, or nil when it does not
// exist yet.
func Read(repoRoot string) ([]Entry, error) {
	path := filepath.Join(repoRoot, logFile)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	return readEntries(f)
}

func readEntries(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = numFields

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading event log CSV: %w", err)
	}

	if len(records) <= 1 {
		return nil, nil
	}

	var entries []Entry
	for i, rec := range records[1:] {
		e, err := UnmarshalEntry(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
