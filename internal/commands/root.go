package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/recur/internal/buildinfo"
	"github.com/cleared-dev/recur/internal/logger"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	repo     string
	logLevel string
}

// absRepo resolves the --repo flag.
func (g *globalFlags) absRepo() (string, error) {
	abs, err := filepath.Abs(g.repo)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	return abs, nil
}

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:     "recur",
		Short:   "Recurring subscription detection for bank transactions",
		Version: buildinfo.String(),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			log := logger.NewConsole(cmd.ErrOrStderr()).Level(logger.ParseLevel(g.logLevel))
			cmd.SetContext(logger.WithContext(ctx, log))
		},
	}

	rootCmd.PersistentFlags().StringVar(&g.repo, "repo", ".", "data repository directory")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newInitCommand(),
		newAccountsCommand(g),
		newImportCommand(g),
		newDetectCommand(g),
		newSubscriptionsCommand(g),
		newAliasesCommand(g),
		newWatchCommand(g),
	)

	return rootCmd
}
