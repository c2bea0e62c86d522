package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/recur/internal/config"
	"github.com/cleared-dev/recur/internal/logger"
	"github.com/cleared-dev/recur/internal/model"
)

func newAccountsCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage bank accounts and their owners",
	}
	cmd.AddCommand(newAccountsAddCommand(g), newAccountsListCommand(g))
	return cmd
}

func newAccountsAddCommand(g *globalFlags) *cobra.Command {
	var acct model.Account
	var typ string

	cmd := &cobra.Command{
		Use:   "add <account-id>",
		Short: "Register a bank account for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := g.absRepo()
			if err != nil {
				return err
			}
			if err := config.Validate.Var(typ, "oneof=checking savings credit"); err != nil {
				return fmt.Errorf("invalid account type %q: %w", typ, err)
			}
			acct.ID = args[0]
			acct.Type = model.AccountType(typ)
			if acct.Name == "" {
				acct.Name = acct.ID
			}

			rt, err := openRuntime(ctx, repo)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.accounts.Add(acct); err != nil {
				return err
			}
			if err := rt.accounts.Save(repo); err != nil {
				return err
			}
			if rt.pg != nil {
				if err := rt.pg.SetOwner(ctx, acct.ID, acct.UserID); err != nil {
					return err
				}
			}

			logger.FromContext(ctx).Info().
				Str("account_id", acct.ID).
				Str("user_id", acct.UserID).
				Msg("account registered")
			rt.commit(ctx, fmt.Sprintf("accounts: Add %s for %s", acct.ID, acct.UserID))
			fmt.Fprintf(cmd.OutOrStdout(), "Added account %s (user %s)\n", acct.ID, acct.UserID)
			return nil
		},
	}

	cmd.Flags().StringVar(&acct.UserID, "user", "", "owning user id (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().StringVar(&acct.Name, "name", "", "display name")
	cmd.Flags().StringVar(&typ, "type", string(model.AccountTypeChecking), "account type (checking, savings, credit)")
	cmd.Flags().StringVar(&acct.Institution, "institution", "", "bank name")
	cmd.Flags().StringVar(&acct.LastFour, "last-four", "", "last four digits of the account number")

	return cmd
}

func newAccountsListCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := g.absRepo()
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), repo)
			if err != nil {
				return err
			}
			defer rt.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACCOUNT\tUSER\tNAME\tTYPE\tINSTITUTION")
			for _, a := range rt.accounts.All() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.UserID, a.Name, a.Type, a.Institution)
			}
			return tw.Flush()
		},
	}
}
