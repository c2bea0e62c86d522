package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/recur/internal/importer"
	"github.com/cleared-dev/recur/internal/logger"
	"github.com/cleared-dev/recur/internal/model"
)

func newImportCommand(g *globalFlags) *cobra.Command {
	var accountID string
	var format string

	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import bank CSV exports into the ledger",
		Long: `Import parses a bank CSV export and appends its transactions.

With a file argument only that file is imported. Without one, every CSV
in import/ is imported and moved to import/processed/.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := g.absRepo()
			if err != nil {
				return err
			}

			reg := importer.DefaultRegistry()
			var parser importer.Parser
			if format != "" {
				if parser = reg.Get(format); parser == nil {
					return fmt.Errorf("unknown format %q (available: %s)", format, strings.Join(reg.Formats(), ", "))
				}
			}

			rt, err := openRuntime(ctx, repo)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !rt.accounts.Exists(accountID) {
				return fmt.Errorf("unknown account %q (register it with 'recur accounts add')", accountID)
			}

			var files []importer.FileInfo
			scanned := len(args) == 0
			if scanned {
				files, err = importer.Scan(repo)
				if err != nil {
					return err
				}
			} else {
				files = []importer.FileInfo{{Name: filepath.Base(args[0]), Path: args[0]}}
			}
			if len(files) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to import")
				return nil
			}

			total := 0
			for _, f := range files {
				p := parser
				if p == nil {
					if p, err = reg.Detect(f.Path); err != nil {
						return err
					}
				}
				added, skipped, err := rt.importFile(ctx, p, f.Path, accountID)
				if err != nil {
					return err
				}
				if scanned {
					if err := importer.MarkProcessed(repo, f.Name); err != nil {
						return err
					}
				}
				total += added
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d imported, %d skipped\n", f.Name, added, skipped)
			}

			rt.commit(ctx, fmt.Sprintf("import: Add %d transactions to %s", total, accountID))
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "account the file belongs to (required)")
	_ = cmd.MarkFlagRequired("account")
	cmd.Flags().StringVar(&format, "format", "", "file format (default: detect from the header)")

	return cmd
}

// importFile parses one file and stores its valid records. Malformed
// records are logged and skipped.
func (rt *runtime) importFile(ctx context.Context, p importer.Parser, path, accountID string) (int, int, error) {
	log := logger.FromContext(ctx)

	txns, err := importer.ParseFile(p, path, accountID)
	if err != nil {
		return 0, 0, err
	}

	valid := make([]model.Transaction, 0, len(txns))
	skipped := 0
	for _, txn := range txns {
		if err := txn.Check(); err != nil {
			var de *model.DataError
			ev := log.Warn().Str("file", filepath.Base(path))
			if errors.As(err, &de) {
				ev = ev.Str("transaction_id", de.TransactionID).Str("field", de.Field).Str("reason", de.Reason)
			} else {
				ev = ev.Err(err)
			}
			ev.Msg("skipping malformed transaction")
			rt.metrics.Skipped(fieldOf(de))
			skipped++
			continue
		}
		valid = append(valid, txn)
	}

	var added int
	if rt.pg != nil {
		added, err = rt.pg.AddTransactions(ctx, valid)
	} else {
		added, err = rt.ledger.Append(valid)
	}
	if err != nil {
		return added, skipped, fmt.Errorf("storing %s: %w", filepath.Base(path), err)
	}
	return added, skipped, nil
}

func fieldOf(de *model.DataError) string {
	if de == nil {
		return "unknown"
	}
	return de.Field
}
