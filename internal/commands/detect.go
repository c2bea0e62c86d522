package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/recur/internal/detect"
	"github.com/cleared-dev/recur/internal/eventlog"
	"github.com/cleared-dev/recur/internal/logger"
)

func newDetectCommand(g *globalFlags) *cobra.Command {
	var users []string
	var asOf string

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect recurring subscriptions",
		Long: `Detect clusters each user's recent transactions, classifies their
frequency and updates the stored subscriptions. Without --user every user
with a registered account is processed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			repo, err := g.absRepo()
			if err != nil {
				return err
			}
			at, err := parseDay(asOf)
			if err != nil {
				return err
			}

			rt, err := openRuntime(ctx, repo, withAsOf(at))
			if err != nil {
				return err
			}
			defer rt.Close()

			batch, err := rt.detect(ctx, users)
			if err != nil {
				return err
			}
			printBatch(cmd.OutOrStdout(), batch)

			if failed := failures(batch); failed > 0 {
				return fmt.Errorf("detection failed for %d of %d users", failed, len(batch.Outcomes))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&users, "user", nil, "user ids to process (default all)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluate as of this date (YYYY-MM-DD, default today)")

	return cmd
}

// detect runs one batch, appends its events to the event log and commits
// the repository.
func (rt *runtime) detect(ctx context.Context, users []string) (detect.BatchResult, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	batch, err := detect.NewRunner(rt.engine, rt.source, rt.cfg.Workers).Run(ctx, users)
	if err != nil {
		return batch, fmt.Errorf("running detection: %w", err)
	}

	events := batch.Events()
	if err := eventlog.Append(rt.repo, events); err != nil {
		return batch, err
	}
	for _, o := range batch.Outcomes {
		if o.Err != nil && !errors.Is(o.Err, detect.ErrNoTransactions) {
			log.Error().Err(o.Err).Str("user_id", o.UserID).Msg("detection failed")
		}
	}
	log.Debug().Dur("elapsed", time.Since(start)).Int("events", len(events)).Msg("detect finished")

	if len(events) > 0 {
		rt.commit(ctx, fmt.Sprintf("detect: %d subscription changes", len(events)))
	}
	return batch, nil
}

// failures counts users whose run failed for a reason other than having
// no transactions.
func failures(batch detect.BatchResult) int {
	n := 0
	for _, o := range batch.Failed() {
		if !errors.Is(o.Err, detect.ErrNoTransactions) {
			n++
		}
	}
	return n
}

func printBatch(w io.Writer, batch detect.BatchResult) {
	for _, o := range batch.Outcomes {
		switch {
		case errors.Is(o.Err, detect.ErrNoTransactions):
			fmt.Fprintf(w, "%s: no transactions\n", o.UserID)
			continue
		case o.Err != nil:
			fmt.Fprintf(w, "%s: error: %v\n", o.UserID, o.Err)
			continue
		}
		r := o.Result
		fmt.Fprintf(w, "%s: %d created, %d updated, %d status changes, %d skipped\n",
			o.UserID, len(r.Created), len(r.Updated), len(r.StateChanged), len(r.Skipped))
		for _, ev := range r.Events {
			fmt.Fprintf(w, "  %-13s %s %s\n", ev.Type, ev.Subscription.Name, ev.Subscription.Amount.Abs().StringFixed(2))
		}
		for _, u := range r.Upcoming {
			fmt.Fprintf(w, "  upcoming      %s %s on %s\n", u.Name, u.Amount.Abs().StringFixed(2), u.Date.Format(time.DateOnly))
		}
	}
}
