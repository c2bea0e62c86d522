// Package importer turns bank CSV exports into transactions.
package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cleared-dev/recur/internal/model"
)

// Parser converts a bank CSV file into transactions for one account.
type Parser interface {
	Parse(r io.Reader, accountID string) ([]model.Transaction, error)
	Format() string
	// Matches reports whether a file with this header row is in the
	// parser's format.
	Matches(header []string) bool
}

// ErrUnknownFormat is returned when no parser recognizes a file.
var ErrUnknownFormat = errors.New("unrecognized file format")

// Registry holds parsers by format name.
type Registry struct {
	parsers map[string]Parser
}

// FileInfo is a pending file in import/.
type FileInfo struct {
	Name string
	Path string
	Size int64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// Register adds p. Registering the same format twice panics.
func (r *Registry) Register(p Parser) {
	key := strings.ToLower(p.Format())
	if _, dup := r.parsers[key]; dup {
		panic("importer: duplicate format " + key)
	}
	r.parsers[key] = p
}

// Get returns the parser for format, or nil.
func (r *Registry) Get(format string) Parser {
	return r.parsers[strings.ToLower(format)]
}

// Formats lists the registered formats in name order.
func (r *Registry) Formats() []string {
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detect picks the parser whose header matches the file at path. Formats
// are tried in name order.
func (r *Registry) Detect(path string) (Parser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", filepath.Base(path), err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	for _, name := range r.Formats() {
		if p := r.parsers[name]; p.Matches(header) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnknownFormat)
}

// DefaultRegistry returns the built-in parsers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&ChaseParser{Currency: "USD"})
	r.Register(&GenericParser{})
	return r
}

const (
	importDir    = "import"
	processedDir = "processed"
)

// Scan lists the CSV files waiting in <repoRoot>/import, by name. A
// missing directory yields no files.
func Scan(repoRoot string) ([]FileInfo, error) {
	dir := filepath.Join(repoRoot, importDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading import dir: %w", err)
	}

	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files = append(files, FileInfo{Name: e.Name(), Path: filepath.Join(dir, e.Name()), Size: info.Size()})
	}
	return files, nil
}

// ParseFile parses the file at path with p.
func ParseFile(p Parser, path, accountID string) ([]model.Transaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	txns, err := p.Parse(f, accountID)
	if err != nil {
		return nil, fmt.Errorf("parsing %s as %s: %w", filepath.Base(path), p.Format(), err)
	}
	return txns, nil
}

// MarkProcessed moves fileName from import/ to import/processed/. An
// existing file of the same name is replaced.
func MarkProcessed(repoRoot, fileName string) error {
	dstDir := filepath.Join(repoRoot, importDir, processedDir)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("creating processed dir: %w", err)
	}
	src := filepath.Join(repoRoot, importDir, fileName)
	if err := os.Rename(src, filepath.Join(dstDir, fileName)); err != nil {
		return fmt.Errorf("moving %s to processed: %w", fileName, err)
	}
	return nil
}
