package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/normalize"
)

func newAliasesCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aliases",
		Short: "Inspect and correct merchant aliases",
	}
	cmd.AddCommand(newAliasesListCommand(g), newAliasesVerifyCommand(g))
	return cmd
}

func newAliasesListCommand(g *globalFlags) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's merchant aliases",
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

			aliases, err := rt.aliases.ListAliases(cmd.Context(), userID)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DESCRIPTION\tMERCHANT\tCATEGORY\tCONFIDENCE\tVERIFIED\tUSES\tLAST USED")
			for _, a := range aliases {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%d\t%s\n",
					a.OriginalName, a.NormalizedName, a.SuggestedCategory, a.Confidence,
					verifiedLabel(a), a.UsageCount, formatDay(a.LastUsedAt))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newAliasesVerifyCommand(g *globalFlags) *cobra.Command {
	var userID string
	var category string

	cmd := &cobra.Command{
		Use:   "verify <description> [merchant]",
		Short: "Confirm or correct the merchant of an alias",
		Long: `Verify marks an alias as confirmed by the user. With a merchant
argument the alias is remapped to that merchant first. Subsequent
detection runs group the description under the verified merchant.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := g.absRepo()
			if err != nil {
				return err
			}
			var key string
			if len(args) > 1 {
				key = args[1]
			}

			rt, err := openRuntime(ctx, repo)
			if err != nil {
				return err
			}
			defer rt.Close()

			a, err := rt.norm.Verify(ctx, userID, normalize.Clean(args[0]), key, category)
			if err != nil {
				return err
			}
			rt.commit(ctx, fmt.Sprintf("aliases: Verify %s as %s", a.OriginalName, a.NormalizedName))
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", a.OriginalName, normalize.DisplayName(a.NormalizedName))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().StringVar(&category, "category", "", "category to attach to the merchant")

	return cmd
}

func verifiedLabel(a model.MerchantAlias) string {
	if a.Verified {
		return "yes"
	}
	return "no"
}

func formatDay(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.DateOnly)
}
