// Package ledger stores imported transactions in month-partitioned CSV
// files under the data repository: YYYY/MM/transactions.csv.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cleared-dev/recur/internal/model"
)

// Ledger reads and writes the month files. Writers are serialized.
type Ledger struct {
	repoRoot string
	mu       sync.Mutex
}

// New creates a Ledger rooted at repoRoot.
func New(repoRoot string) *Ledger {
	return &Ledger{repoRoot: repoRoot}
}

// Append adds txns to their month files, skipping ids already present.
// It returns the number of rows written.
func (l *Ledger) Append(txns []model.Transaction) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byMonth := make(map[string][]model.Transaction)
	var months []string
	for _, txn := range txns {
		if txn.Date.IsZero() {
			return 0, fmt.Errorf("transaction %q: missing date", txn.ID)
		}
		key := monthKey(txn.Date)
		if _, ok := byMonth[key]; !ok {
			months = append(months, key)
		}
		byMonth[key] = append(byMonth[key], txn)
	}
	sort.Strings(months)

	seen, err := l.ids()
	if err != nil {
		return 0, err
	}

	added := 0
	for _, key := range months {
		var fresh []model.Transaction
		for _, txn := range byMonth[key] {
			if seen[txn.ID] {
				continue
			}
			seen[txn.ID] = true
			fresh = append(fresh, txn)
		}
		if len(fresh) == 0 {
			continue
		}
		year, month := splitMonthKey(key)
		existing, err := l.ReadMonth(year, month)
		if err != nil {
			return added, err
		}
		all := append(existing, fresh...)
		sortTransactions(all)
		if err := l.writeMonth(year, month, all); err != nil {
			return added, err
		}
		added += len(fresh)
	}
	return added, nil
}

// ReadMonth reads all transactions for a given year/month.
func (l *Ledger) ReadMonth(year, month int) ([]model.Transaction, error) {
	path := l.monthPath(year, month)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	defer f.Close()

	txns, err := ReadTransactions(f)
	if err != nil {
		return nil, fmt.Errorf("reading ledger %s: %w", path, err)
	}
	return txns, nil
}

// Range returns the transactions dated within [from, to], ordered by date.
// A zero bound is open.
func (l *Ledger) Range(from, to time.Time) ([]model.Transaction, error) {
	months, err := l.Months()
	if err != nil {
		return nil, err
	}
	var out []model.Transaction
	for _, m := range months {
		if !from.IsZero() && m.AddDate(0, 1, 0).Before(model.DayOf(from)) {
			continue
		}
		if !to.IsZero() && m.After(to) {
			continue
		}
		txns, err := l.ReadMonth(m.Year(), int(m.Month()))
		if err != nil {
			return nil, err
		}
		for _, txn := range txns {
			day := txn.Day()
			if !from.IsZero() && day.Before(model.DayOf(from)) {
				continue
			}
			if !to.IsZero() && day.After(model.DayOf(to)) {
				continue
			}
			out = append(out, txn)
		}
	}
	return out, nil
}

// Months lists the months that have a ledger file, oldest first.
func (l *Ledger) Months() ([]time.Time, error) {
	years, err := os.ReadDir(l.repoRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing ledger: %w", err)
	}
	var out []time.Time
	for _, y := range years {
		year, err := strconv.Atoi(y.Name())
		if !y.IsDir() || err != nil || len(y.Name()) != 4 {
			continue
		}
		months, err := os.ReadDir(filepath.Join(l.repoRoot, y.Name()))
		if err != nil {
			return nil, fmt.Errorf("listing ledger year %d: %w", year, err)
		}
		for _, m := range months {
			month, err := strconv.Atoi(m.Name())
			if !m.IsDir() || err != nil || month < 1 || month > 12 {
				continue
			}
			if _, err := os.Stat(l.monthPath(year, month)); err != nil {
				continue
			}
			out = append(out, time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Link sets SubscriptionID on the given transactions. Month files with no
// matching row are left untouched.
func (l *Ledger) Link(ctx context.Context, subscriptionID string, transactionIDs []string) error {
	want := make(map[string]bool, len(transactionIDs))
	for _, id := range transactionIDs {
		want[id] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	months, err := l.Months()
	if err != nil {
		return err
	}
	for _, m := range months {
		if err := ctx.Err(); err != nil {
			return err
		}
		year, month := m.Year(), int(m.Month())
		txns, err := l.ReadMonth(year, month)
		if err != nil {
			return err
		}
		changed := false
		for i := range txns {
			if want[txns[i].ID] && txns[i].SubscriptionID != subscriptionID {
				txns[i].SubscriptionID = subscriptionID
				changed = true
			}
		}
		if changed {
			if err := l.writeMonth(year, month, txns); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Ledger) ids() (map[string]bool, error) {
	txns, err := l.Range(time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(txns))
	for _, txn := range txns {
		seen[txn.ID] = true
	}
	return seen, nil
}

func (l *Ledger) writeMonth(year, month int, txns []model.Transaction) error {
	path := l.monthPath(year, month)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating ledger dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".transactions-*.csv")
	if err != nil {
		return fmt.Errorf("creating ledger temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteTransactions(tmp, txns); err != nil {
		tmp.Close()
		return fmt.Errorf("writing ledger %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing ledger temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing ledger %s: %w", path, err)
	}
	return nil
}

func (l *Ledger) monthPath(year, month int) string {
	return filepath.Join(l.repoRoot, fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", month), "transactions.csv")
}

func monthKey(t time.Time) string {
	return t.Format("2006-01")
}

func splitMonthKey(key string) (int, int) {
	t, _ := time.Parse("2006-01", key)
	return t.Year(), int(t.Month())
}

func sortTransactions(txns []model.Transaction) {
	sort.SliceStable(txns, func(i, j int) bool {
		if !txns[i].Date.Equal(txns[j].Date) {
			return txns[i].Date.Before(txns[j].Date)
		}
		return txns[i].ID < txns[j].ID
	})
}
