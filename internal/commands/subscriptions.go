package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/recur/internal/eventlog"
)

func newSubscriptionsCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "List and cancel detected subscriptions",
	}
	cmd.AddCommand(newSubscriptionsListCommand(g), newSubscriptionsCancelCommand(g))
	return cmd
}

func newSubscriptionsListCommand(g *globalFlags) *cobra.Command {
	var userID string
	var asOf string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := g.absRepo()
			if err != nil {
				return err
			}
			at, err := parseDay(asOf)
			if err != nil {
				return err
			}
			if at.IsZero() {
				at = time.Now()
			}

			rt, err := openRuntime(cmd.Context(), repo)
			if err != nil {
				return err
			}
			defer rt.Close()

			subs, err := rt.engine.ListSubscriptions(cmd.Context(), userID, at)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tAMOUNT\tFREQUENCY\tSTATUS\tLAST\tNEXT\tCONFIDENCE")
			for _, s := range subs {
				fmt.Fprintf(tw, "%s\t%s\t%s %s\t%s\t%s\t%s\t%s\t%.2f\n",
					s.ID, s.Name, s.Amount.Abs().StringFixed(2), s.Currency, s.Frequency, s.Status,
					s.LastBilling.Format(time.DateOnly), formatNext(s.NextBilling), s.Confidence)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().StringVar(&asOf, "as-of", "", "status as of this date (YYYY-MM-DD, default today)")

	return cmd
}

func newSubscriptionsCancelCommand(g *globalFlags) *cobra.Command {
	var userID string
	var at string

	cmd := &cobra.Command{
		Use:   "cancel <subscription-id>",
		Short: "Record that the user cancelled a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := g.absRepo()
			if err != nil {
				return err
			}
			when, err := parseDay(at)
			if err != nil {
				return err
			}
			if when.IsZero() {
				when = time.Now()
			}

			rt, err := openRuntime(ctx, repo)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.engine.MarkCancelled(ctx, userID, args[0], when)
			if err != nil {
				return err
			}
			if err := eventlog.Append(repo, res.Events); err != nil {
				return err
			}
			if len(res.Events) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Subscription %s was already cancelled\n", args[0])
				return nil
			}
			name := res.Events[0].Subscription.Name
			rt.commit(ctx, fmt.Sprintf("subscriptions: Cancel %s for %s", name, userID))
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s (%s)\n", name, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().StringVar(&at, "at", "", "cancellation date (YYYY-MM-DD, default today)")

	return cmd
}

func formatNext(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.DateOnly)
}
