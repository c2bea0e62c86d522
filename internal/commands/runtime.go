package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/cleared-dev/recur/internal/accounts"
	"github.com/cleared-dev/recur/internal/config"
	"github.com/cleared-dev/recur/internal/detect"
	"github.com/cleared-dev/recur/internal/gitops"
	"github.com/cleared-dev/recur/internal/ledger"
	"github.com/cleared-dev/recur/internal/logger"
	"github.com/cleared-dev/recur/internal/metrics"
	"github.com/cleared-dev/recur/internal/normalize"
	"github.com/cleared-dev/recur/internal/store"
	"github.com/cleared-dev/recur/internal/store/csvstore"
	"github.com/cleared-dev/recur/internal/store/memory"
	"github.com/cleared-dev/recur/internal/store/postgres"
	"github.com/cleared-dev/recur/internal/store/rediscache"
	"github.com/cleared-dev/recur/internal/store/retry"
)

const (
	configFile = "recur.yaml"
	dotenvFile = ".env"
)

// runtime is everything a command needs to talk to the data repository.
type runtime struct {
	repo     string
	cfg      *config.Config
	accounts *accounts.Service
	ledger   *ledger.Ledger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	// pg is set for the postgres driver only.
	pg *postgres.Store

	subs    store.SubscriptionRepository
	aliases store.AliasRepository
	source  store.TransactionSource
	norm    *normalize.Normalizer
	engine  *detect.Engine

	closers []func()
}

type runtimeOption func(*runtimeOptions)

type runtimeOptions struct {
	asOf time.Time
}

// withAsOf pins the engine clock.
func withAsOf(t time.Time) runtimeOption {
	return func(o *runtimeOptions) { o.asOf = t }
}

// openRuntime loads the configuration of the repository at repo and
// connects the configured storage driver.
func openRuntime(ctx context.Context, repo string, opts ...runtimeOption) (*runtime, error) {
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.FromContext(ctx)

	cfg, err := config.Load(filepath.Join(repo, configFile), filepath.Join(repo, dotenvFile))
	if err != nil {
		return nil, fmt.Errorf("loading config (run 'recur init' first?): %w", err)
	}
	accts, err := accounts.Load(repo)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		repo:     repo,
		cfg:      cfg,
		accounts: accts,
		ledger:   ledger.New(repo),
		registry: prometheus.NewRegistry(),
	}
	rt.metrics = metrics.New(rt.registry)

	if err := rt.openStorage(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	retrier := retry.New(cfg.RetryPolicy(), rt.metrics.Retry)
	rt.subs = retrier.Subscriptions(rt.subs)
	rt.aliases = retrier.Aliases(rt.aliases)
	rt.source = retrier.Source(rt.source)

	if cfg.Storage.RedisURL != "" {
		client, err := rediscache.Dial(ctx, cfg.Storage.RedisURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		rt.aliases = rediscache.New(rt.aliases, client, cfg.Storage.CacheTTL)
		log.Debug().Str("addr", redisAddr(cfg.Storage.RedisURL)).Msg("alias cache enabled")
	}

	var normOpts []normalize.Option
	if cfg.AIEnabled() {
		ai, err := normalize.NewGeminiResolver(ctx, cfg.Normalizer.AI.APIKey, cfg.AIResolver())
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("creating AI resolver: %w", err)
		}
		normOpts = append(normOpts, normalize.WithAI(ai))
		log.Debug().Str("model", cfg.Normalizer.AI.Model).Msg("AI merchant resolver enabled")
	}
	rt.norm = normalize.New(rt.aliases, cfg.Resolver(), normOpts...)

	engineOpts := []detect.Option{detect.WithMetrics(rt.metrics)}
	if !o.asOf.IsZero() {
		asOf := o.asOf
		engineOpts = append(engineOpts, detect.WithClock(func() time.Time { return asOf }))
	}
	rt.engine = detect.New(rt.subs, rt.norm, cfg.Engine(), engineOpts...)
	return rt, nil
}

func (rt *runtime) openStorage(ctx context.Context) error {
	switch rt.cfg.Storage.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Open(ctx, rt.cfg.Storage.DatabaseURL)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		rt.pg = pg
		rt.subs, rt.aliases, rt.source = pg, pg, pg

	case config.DriverMemory:
		mem := memory.New()
		for _, a := range rt.accounts.All() {
			mem.SetOwner(a.ID, a.UserID)
		}
		txns, err := rt.ledger.Range(time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		mem.AddTransactions(txns...)
		rt.subs, rt.aliases, rt.source = mem, mem, mem

	default:
		cs := csvstore.New(rt.repo, rt.ledger)
		rt.subs, rt.aliases = cs, cs
		rt.source = ledger.NewSource(rt.ledger, rt.accounts)
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// git returns the data repository handle.
func (rt *runtime) git() *gitops.Repo {
	return gitops.New(rt.repo, rt.cfg.Git.AuthorName, rt.cfg.Git.AuthorEmail)
}

// commit records the working tree when auto-commit is on and the
// repository is under git. Failures are logged, never returned.
func (rt *runtime) commit(ctx context.Context, message string) {
	log := logger.FromContext(ctx)
	if !rt.cfg.Git.AutoCommit || rt.cfg.Storage.Driver != config.DriverCSV {
		return
	}
	repo := rt.git()
	if !repo.IsRepo() {
		return
	}
	hash, err := repo.CommitAll(ctx, message)
	if err != nil {
		log.Warn().Err(err).Msg("auto-commit failed")
		return
	}
	if hash != "" {
		log.Info().Str("commit", hash).Msg(message)
	}
}

// redisAddr strips credentials from a redis URL for logging.
func redisAddr(redisURL string) string {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return ""
	}
	return opt.Addr
}

// parseDay parses a YYYY-MM-DD flag value; empty means zero time.
func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}
