// Package detect drives merchant normalization, clustering, frequency
// classification, scoring and lifecycle evaluation for one user per run.
package detect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cleared-dev/recur/internal/cluster"
	"github.com/cleared-dev/recur/internal/confidence"
	"github.com/cleared-dev/recur/internal/frequency"
	"github.com/cleared-dev/recur/internal/id"
	"github.com/cleared-dev/recur/internal/lifecycle"
	"github.com/cleared-dev/recur/internal/logger"
	"github.com/cleared-dev/recur/internal/metrics"
	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/normalize"
	"github.com/cleared-dev/recur/internal/store"
)

var (
	// ErrNoTransactions is returned for an empty transaction set.
	ErrNoTransactions = errors.New("no transactions")
	// ErrMalformedInput is returned when every transaction is malformed.
	ErrMalformedInput = errors.New("every transaction is malformed")
)

// Config bundles the tunables of every stage.
type Config struct {
	Cluster    cluster.Config
	Frequency  frequency.Config
	Confidence confidence.Config
	Lifecycle  lifecycle.Config
}

// DefaultConfig returns the stock configuration of every stage.
func DefaultConfig() Config {
	return Config{
		Cluster:    cluster.DefaultConfig(),
		Frequency:  frequency.DefaultConfig(),
		Confidence: confidence.DefaultConfig(),
		Lifecycle:  lifecycle.DefaultConfig(),
	}
}

// Engine runs detection. It holds no per-user state and is safe for
// concurrent use by different users.
type Engine struct {
	subs       store.SubscriptionRepository
	norm       *normalize.Normalizer
	clusterer  *cluster.Clusterer
	classifier *frequency.Classifier
	scorer     *confidence.Scorer
	machine    *lifecycle.Machine
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used as the run date.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records run statistics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine. The lifecycle grace windows use the classifier's
// intervals and the clusterer's amount tolerance.
func New(subs store.SubscriptionRepository, norm *normalize.Normalizer, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		subs:       subs,
		norm:       norm,
		clusterer:  cluster.NewClusterer(cfg.Cluster),
		classifier: frequency.NewClassifier(cfg.Frequency),
		scorer:     confidence.NewScorer(cfg.Confidence),
		now:        time.Now,
	}
	lc := cfg.Lifecycle
	lc.Intervals = e.classifier.Intervals()
	lc.SameAmount = e.clusterer.SameBucket
	e.machine = lifecycle.NewMachine(lc)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Machine returns the lifecycle machine, for query-time status.
func (e *Engine) Machine() *lifecycle.Machine { return e.machine }

// Since returns the earliest transaction date a run at asOf looks at.
func (e *Engine) Since(asOf time.Time) time.Time {
	return model.DayOf(asOf).AddDate(0, 0, -e.clusterer.Config().LookbackDays)
}

// Upcoming previews a pending charge of a live subscription.
type Upcoming struct {
	SubscriptionID string
	Name           string
	TransactionID  string
	Amount         decimal.Decimal
	Date           time.Time
}

// Stats summarizes one run.
type Stats struct {
	Transactions   int
	Skipped        int
	Pending        int
	Candidates     int
	Unconfirmed    int
	Irregular      int
	BelowThreshold int
}

// Result is the outcome of one user's run.
type Result struct {
	UserID       string
	AsOf         time.Time
	Created      []model.Subscription
	Updated      []model.Subscription
	StateChanged []model.Subscription
	Events       []model.ChangeEvent
	Upcoming     []Upcoming
	Skipped      []*model.DataError
	Stats        Stats
}

// Changes returns the number of subscriptions written.
func (r Result) Changes() int {
	return len(r.Created) + len(r.Updated)
}

// run is the working state of one DetectUserSubscriptions call.
type run struct {
	userID   string
	asOf     time.Time
	existing []model.Subscription
	used     map[string]bool
	batch    normalize.Batch
	plans    []plan
	result   *Result
}

type plan struct {
	prev     *model.Subscription
	decision lifecycle.Decision
	links    []string
}

// DetectUserSubscriptions detects and updates the user's subscriptions
// from txns. Nothing is written unless the whole run succeeds up to the
// commit; re-running with the same transactions changes nothing.
func (e *Engine) DetectUserSubscriptions(ctx context.Context, userID string, txns []model.Transaction) (Result, error) {
	start := e.now()
	log := logger.FromContext(ctx).With().Str("user_id", userID).Logger()
	ctx = logger.WithContext(ctx, log)

	res, err := e.detect(ctx, userID, txns)
	outcome := "ok"
	var se *store.StorageError
	switch {
	case err == nil:
	case errors.Is(err, ErrNoTransactions):
		outcome = "no_transactions"
	case errors.Is(err, ErrMalformedInput):
		outcome = "malformed"
	case errors.As(err, &se):
		outcome = "storage_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
	default:
		outcome = "error"
	}
	e.metrics.ObserveRun(outcome, e.now().Sub(start))
	if err != nil {
		log.Warn().Err(err).Str("outcome", outcome).Msg("detection run failed")
		return res, err
	}
	log.Info().
		Int("created", len(res.Created)).
		Int("updated", len(res.Updated)).
		Int("state_changed", len(res.StateChanged)).
		Int("events", len(res.Events)).
		Int("skipped", res.Stats.Skipped).
		Msg("detection run complete")
	return res, nil
}

func (e *Engine) detect(ctx context.Context, userID string, txns []model.Transaction) (Result, error) {
	log := logger.FromContext(ctx)
	asOf := model.DayOf(e.now())
	result := Result{UserID: userID, AsOf: asOf}
	if len(txns) == 0 {
		return result, ErrNoTransactions
	}

	var settled, pending []model.Transaction
	for _, t := range txns {
		if err := t.Check(); err != nil {
			var de *model.DataError
			if errors.As(err, &de) {
				result.Skipped = append(result.Skipped, de)
				e.metrics.Skipped(de.Field)
			}
			log.Warn().Str("transaction_id", t.ID).Str("reason", err.Error()).Msg("skipping malformed transaction")
			continue
		}
		if t.Pending {
			pending = append(pending, t)
			continue
		}
		settled = append(settled, t)
	}
	result.Stats.Transactions = len(settled)
	result.Stats.Pending = len(pending)
	result.Stats.Skipped = len(result.Skipped)
	if len(settled)+len(pending) == 0 {
		return result, fmt.Errorf("%d records: %w", len(txns), ErrMalformedInput)
	}

	existing, err := e.subs.ListSubscriptions(ctx, userID)
	if err != nil {
		return result, store.Wrap("list subscriptions", err)
	}
	batch, err := e.norm.ResolveAll(ctx, userID, append(settled, pending...))
	if err != nil {
		return result, fmt.Errorf("resolving merchants: %w", err)
	}

	entries := make([]cluster.Entry, len(settled))
	for i, t := range settled {
		entries[i] = cluster.Entry{Txn: t, MerchantKey: batch.Key(t.ID)}
	}
	clusters := e.clusterer.Cluster(entries, asOf)
	result.Stats.Candidates = len(clusters.Candidates)
	result.Stats.Unconfirmed = len(clusters.Unconfirmed)

	r := &run{
		userID:   userID,
		asOf:     asOf,
		existing: existing,
		used:     make(map[string]bool),
		batch:    batch,
		result:   &result,
	}
	for _, s := range clusters.Series {
		for _, seg := range e.segments(s) {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			e.planSegment(r, seg)
		}
	}
	for _, cl := range clusters.Unconfirmed {
		seg := cluster.Series{MerchantKey: cl.MerchantKey, Currency: cl.Currency, Clusters: []*cluster.Cluster{cl}}
		if prev := e.match(r, seg); prev != nil {
			e.planExisting(r, prev, seg)
		}
	}
	for i := range existing {
		if !r.used[existing[i].ID] {
			prev := &existing[i]
			r.plans = append(r.plans, plan{prev: prev, decision: e.machine.Evaluate(*prev, lifecycle.Evidence{}, asOf)})
		}
	}
	e.metrics.AddClusters("candidate", result.Stats.Candidates)
	e.metrics.AddClusters("unconfirmed", result.Stats.Unconfirmed)
	e.metrics.AddClusters("irregular", result.Stats.Irregular)
	e.metrics.AddClusters("below_threshold", result.Stats.BelowThreshold)

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if err := e.commit(ctx, r); err != nil {
		return result, err
	}
	result.Upcoming = e.upcoming(r, pending)
	return result, nil
}

// segments splits a series where joining the next price point would change
// the billing interval. Only frequency-preserving links are price changes.
func (e *Engine) segments(s cluster.Series) []cluster.Series {
	var out []cluster.Series
	cur := cluster.Series{MerchantKey: s.MerchantKey, Currency: s.Currency, Clusters: s.Clusters[:1]}
	for _, next := range s.Clusters[1:] {
		f := e.classifier.Classify(cur.Dates()).Frequency
		joined := cluster.Series{MerchantKey: s.MerchantKey, Currency: s.Currency, Clusters: append(append([]*cluster.Cluster(nil), cur.Clusters...), next)}
		if f.Recurring() && e.classifier.Classify(joined.Dates()).Frequency == f {
			cur = joined
			continue
		}
		out = append(out, cur)
		cur = cluster.Series{MerchantKey: s.MerchantKey, Currency: s.Currency, Clusters: []*cluster.Cluster{next}}
	}
	return append(out, cur)
}

// match finds the unused existing subscription a segment belongs to: by
// upsert bucket first, then by current price, then by any price point.
func (e *Engine) match(r *run, seg cluster.Series) *model.Subscription {
	candidates := make([]*model.Subscription, 0, 2)
	for i := range r.existing {
		sub := &r.existing[i]
		if !r.used[sub.ID] && sub.MerchantKey == seg.MerchantKey && sub.Currency == seg.Currency {
			candidates = append(candidates, sub)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	pick := func(ok func(*model.Subscription) bool) *model.Subscription {
		for _, sub := range candidates {
			if ok(sub) {
				r.used[sub.ID] = true
				return sub
			}
		}
		return nil
	}
	if sub := pick(func(sub *model.Subscription) bool {
		for _, cl := range seg.Clusters {
			if cl.Bucket == sub.AmountBucket {
				return true
			}
		}
		return false
	}); sub != nil {
		return sub
	}
	current := seg.Latest().CurrentAmount()
	if sub := pick(func(sub *model.Subscription) bool { return e.clusterer.SameBucket(sub.Amount, current) }); sub != nil {
		return sub
	}
	return pick(func(sub *model.Subscription) bool {
		for _, cl := range seg.Clusters {
			if e.clusterer.SameBucket(sub.Amount, cl.Center) {
				return true
			}
		}
		return false
	})
}

func (e *Engine) planSegment(r *run, seg cluster.Series) {
	if prev := e.match(r, seg); prev != nil {
		e.planExisting(r, prev, seg)
		return
	}
	ev, txns := e.evidence(r, seg, nil)
	if !ev.Promotable {
		return
	}
	latest := seg.Latest()
	base := model.Subscription{
		ID:           id.SubscriptionID(r.userID, seg.MerchantKey, latest.Bucket),
		UserID:       r.userID,
		Name:         normalize.DisplayName(seg.MerchantKey),
		MerchantKey:  seg.MerchantKey,
		AmountBucket: latest.Bucket,
	}
	d := e.machine.Create(base, ev, r.asOf)
	r.plans = append(r.plans, plan{decision: d, links: linksFor(d.Subscription.ID, txns)})
}

func (e *Engine) planExisting(r *run, prev *model.Subscription, seg cluster.Series) {
	ev, txns := e.evidence(r, seg, prev)
	d := e.machine.Evaluate(*prev, ev, r.asOf)
	r.plans = append(r.plans, plan{prev: prev, decision: d, links: linksFor(prev.ID, txns)})
}

func linksFor(subID string, txns []model.Transaction) []string {
	var out []string
	for _, t := range txns {
		if t.SubscriptionID != subID {
			out = append(out, t.ID)
		}
	}
	return out
}

// commit writes every changed subscription, then links and alias usage.
func (e *Engine) commit(ctx context.Context, r *run) error {
	log := logger.FromContext(ctx)
	occurred := e.now().UTC()
	for _, p := range r.plans {
		d := p.decision
		sub := d.Subscription
		if d.Changed {
			if err := e.subs.UpsertSubscription(ctx, sub); err != nil {
				return store.Wrap("upsert subscription", err)
			}
		}
		if len(p.links) > 0 {
			if err := e.subs.LinkTransactions(ctx, sub.ID, p.links); err != nil {
				return store.Wrap("link transactions", err)
			}
		}
		if !d.Changed {
			continue
		}

		if p.prev == nil {
			r.result.Created = append(r.result.Created, sub)
		} else {
			r.result.Updated = append(r.result.Updated, sub)
			if d.StateChanged {
				r.result.StateChanged = append(r.result.StateChanged, sub)
			}
		}
		for _, ct := range d.Events {
			ev := model.ChangeEvent{
				ID:             id.EventID(),
				SubscriptionID: sub.ID,
				UserID:         r.userID,
				Type:           ct,
				Subscription:   sub,
				OccurredAt:     occurred,
			}
			if p.prev != nil {
				ev.PreviousStatus = p.prev.Status
				ev.PreviousAmount = p.prev.Amount
			}
			r.result.Events = append(r.result.Events, ev)
			e.metrics.Event(string(ct))
			logEvent(log, ev)
		}
	}
	if err := e.norm.Commit(ctx, r.batch.Usage); err != nil {
		return err
	}
	return nil
}

func logEvent(log zerolog.Logger, ev model.ChangeEvent) {
	log.Info().
		Str("subscription_id", ev.SubscriptionID).
		Str("merchant", ev.Subscription.MerchantKey).
		Str("change", string(ev.Type)).
		Str("status", string(ev.Subscription.Status)).
		Str("amount", ev.Subscription.Amount.StringFixed(2)).
		Msg("subscription changed")
}

// MarkCancelled applies the user's cancellation of a subscription. It is
// authoritative over inferred state until a later charge arrives.
func (e *Engine) MarkCancelled(ctx context.Context, userID, subscriptionID string, at time.Time) (Result, error) {
	result := Result{UserID: userID, AsOf: model.DayOf(at)}
	prev, err := e.subs.GetSubscription(ctx, userID, subscriptionID)
	if err != nil {
		return result, fmt.Errorf("subscription %s: %w", subscriptionID, store.Wrap("get subscription", err))
	}
	d := e.machine.Cancel(prev, at)
	r := &run{userID: userID, asOf: result.AsOf, result: &result, plans: []plan{{prev: &prev, decision: d}}}
	if err := e.commit(ctx, r); err != nil {
		return result, err
	}
	return result, nil
}

// ListSubscriptions returns the user's subscriptions with their status
// recomputed at asOf, live first, then by name.
func (e *Engine) ListSubscriptions(ctx context.Context, userID string, asOf time.Time) ([]model.Subscription, error) {
	subs, err := e.subs.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, store.Wrap("list subscriptions", err)
	}
	for i := range subs {
		subs[i].Status = e.machine.StatusAt(subs[i], asOf)
		if subs[i].Status == model.StatusCancelled {
			subs[i].NextBilling = nil
		}
	}
	sort.SliceStable(subs, func(i, j int) bool {
		li, lj := subs[i].Status.Live(), subs[j].Status.Live()
		if li != lj {
			return li
		}
		return subs[i].Name < subs[j].Name
	})
	return subs, nil
}
