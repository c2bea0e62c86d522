package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cleared-dev/recur/internal/logger"
)

func newWatchCommand(g *globalFlags) *cobra.Command {
	var interval time.Duration
	var addr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run detection periodically and serve metrics",
		Long: `Watch runs detection for every user at a fixed interval until
interrupted. When --addr is set, Prometheus metrics are served on
/metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if interval <= 0 {
				return fmt.Errorf("interval must be positive")
			}
			repo, err := g.absRepo()
			if err != nil {
				return err
			}

			rt, err := openRuntime(ctx, repo)
			if err != nil {
				return err
			}
			defer rt.Close()

			return rt.watch(ctx, interval, addr)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Hour, "time between detection runs")
	cmd.Flags().StringVar(&addr, "addr", ":9464", "metrics listen address (empty to disable)")

	return cmd
}

func (rt *runtime) watch(ctx context.Context, interval time.Duration, addr string) error {
	log := logger.FromContext(ctx)

	errCh := make(chan error, 1)
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	tick := func() {
		batch, err := rt.detect(ctx, nil)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("detection run failed")
			}
			return
		}
		log.Info().
			Int("users", len(batch.Outcomes)).
			Int("failed", failures(batch)).
			Int("events", len(batch.Events())).
			Msg("detection run complete")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("watch stopped")
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			tick()
		}
	}
}
