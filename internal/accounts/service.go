// Package accounts keeps the bank account registry: which user owns
// which account. Transactions carry only an account id, so ownership is
// always resolved here.
package accounts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/cleared-dev/recur/internal/model"
)

// Service is an in-memory view of accounts/accounts.csv. It is safe for
// concurrent readers; Add must not race with them.
type Service struct {
	accounts []model.Account
	index    map[string]int
}

// NewService creates a Service over accounts. Later duplicates of an id
// replace earlier ones.
func NewService(accounts []model.Account) *Service {
	s := &Service{index: make(map[string]int, len(accounts))}
	for _, a := range accounts {
		s.put(a)
	}
	return s
}

// Path returns the registry file of a data repository.
func Path(repoRoot string) string {
	return filepath.Join(repoRoot, "accounts", "accounts.csv")
}

// Load reads the registry of repoRoot. A missing file is an empty
// registry.
func Load(repoRoot string) (*Service, error) {
	f, err := os.Open(Path(repoRoot))
	if errors.Is(err, fs.ErrNotExist) {
		return NewService(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening accounts: %w", err)
	}
	defer f.Close()

	accts, err := ReadAccounts(f)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", Path(repoRoot), err)
	}
	return NewService(accts), nil
}

func (s *Service) put(a model.Account) {
	if i, ok := s.index[a.ID]; ok {
		s.accounts[i] = a
		return
	}
	s.index[a.ID] = len(s.accounts)
	s.accounts = append(s.accounts, a)
}

// All returns every account in file order.
func (s *Service) All() []model.Account {
	return s.accounts
}

// Get looks an account up by id.
func (s *Service) Get(id string) (model.Account, bool) {
	i, ok := s.index[id]
	if !ok {
		return model.Account{}, false
	}
	return s.accounts[i], true
}

// Exists reports whether id is registered.
func (s *Service) Exists(id string) bool {
	_, ok := s.index[id]
	return ok
}

// ByUser returns the accounts of userID in file order.
func (s *Service) ByUser(userID string) []model.Account {
	var out []model.Account
	for _, a := range s.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out
}

// Users returns every account owner once, sorted.
func (s *Service) Users() []string {
	seen := make(map[string]bool)
	var users []string
	for _, a := range s.accounts {
		if seen[a.UserID] {
			continue
		}
		seen[a.UserID] = true
		users = append(users, a.UserID)
	}
	sort.Strings(users)
	return users
}

// Add registers acct, replacing an account with the same id.
func (s *Service) Add(acct model.Account) error {
	if acct.ID == "" || acct.UserID == "" {
		return fmt.Errorf("account id and user are required")
	}
	s.put(acct)
	return nil
}

// Save writes the registry to repoRoot, replacing the file atomically.
func (s *Service) Save(repoRoot string) error {
	path := Path(repoRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating accounts dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".accounts-*.csv")
	if err != nil {
		return fmt.Errorf("creating accounts file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteAccounts(tmp, s.accounts); err != nil {
		tmp.Close()
		return fmt.Errorf("writing accounts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing accounts: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing accounts file: %w", err)
	}
	return nil
}
