// Package postgres implements the repositories on PostgreSQL with pgx.
// Money is stored as BIGINT minor units.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/store"
)

// Store implements store.SubscriptionRepository, store.AliasRepository
// and store.TransactionSource.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and pings it.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ToMinor converts an amount to cents.
func ToMinor(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// FromMinor converts cents to an amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

const subscriptionColumns = `id, user_id, name, merchant_key, amount_bucket, amount_minor, currency,
	frequency, next_billing, last_billing, active_since, status, confidence, occurrences,
	category, user_cancelled, cancelled_at, status_changed_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (model.Subscription, error) {
	var (
		sub       model.Subscription
		minor     int64
		frequency string
		status    string
	)
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Name, &sub.MerchantKey, &sub.AmountBucket, &minor, &sub.Currency,
		&frequency, &sub.NextBilling, &sub.LastBilling, &sub.ActiveSince, &status, &sub.Confidence, &sub.Occurrences,
		&sub.Category, &sub.UserCancelled, &sub.CancelledAt, &sub.StatusChangedAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return model.Subscription{}, err
	}
	sub.Amount = FromMinor(minor)
	sub.Frequency = model.Frequency(frequency)
	sub.Status = model.Status(status)
	return sub, nil
}

// ListSubscriptions returns every subscription of userID.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 ORDER BY merchant_key, amount_bucket`,
		userID)
	if err != nil {
		return nil, store.Wrap("list subscriptions", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, store.Wrap("scan subscription", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("list subscriptions", err)
	}
	return out, nil
}

// GetSubscription returns one subscription of userID.
func (s *Store) GetSubscription(ctx context.Context, userID, id string) (model.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 AND id = $2`,
		userID, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Subscription{}, store.ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, store.Wrap("get subscription", err)
	}
	return sub, nil
}

// UpsertSubscription inserts or replaces the subscription with the same
// (user, merchant key, bucket).
func (s *Store) UpsertSubscription(ctx context.Context, sub model.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (user_id, merchant_key, amount_bucket) DO UPDATE SET
			name = EXCLUDED.name,
			amount_minor = EXCLUDED.amount_minor,
			currency = EXCLUDED.currency,
			frequency = EXCLUDED.frequency,
			next_billing = EXCLUDED.next_billing,
			last_billing = EXCLUDED.last_billing,
			active_since = EXCLUDED.active_since,
			status = EXCLUDED.status,
			confidence = EXCLUDED.confidence,
			occurrences = EXCLUDED.occurrences,
			category = EXCLUDED.category,
			user_cancelled = EXCLUDED.user_cancelled,
			cancelled_at = EXCLUDED.cancelled_at,
			status_changed_at = EXCLUDED.status_changed_at,
			updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, sub.Name, sub.MerchantKey, sub.AmountBucket, ToMinor(sub.Amount), sub.Currency,
		string(sub.Frequency), sub.NextBilling, sub.LastBilling, sub.ActiveSince, string(sub.Status), sub.Confidence, sub.Occurrences,
		sub.Category, sub.UserCancelled, sub.CancelledAt, sub.StatusChangedAt, sub.CreatedAt, sub.UpdatedAt,
	)
	return store.Wrap("upsert subscription", err)
}

// LinkTransactions sets subscription_id on the given transactions.
func (s *Store) LinkTransactions(ctx context.Context, subscriptionID string, transactionIDs []string) error {
	if len(transactionIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE transactions SET subscription_id = $1 WHERE id = ANY($2)`,
		subscriptionID, transactionIDs)
	return store.Wrap("link transactions", err)
}

const aliasColumns = `namespace, original_name, normalized_name, suggested_category, confidence, verified, usage_count, last_used_at`

func scanAlias(row pgx.Row) (model.MerchantAlias, error) {
	var (
		a        model.MerchantAlias
		lastUsed *time.Time
	)
	if err := row.Scan(&a.Namespace, &a.OriginalName, &a.NormalizedName, &a.SuggestedCategory,
		&a.Confidence, &a.Verified, &a.UsageCount, &lastUsed); err != nil {
		return model.MerchantAlias{}, err
	}
	if lastUsed != nil {
		a.LastUsedAt = lastUsed.UTC()
	}
	return a, nil
}

// GetAlias returns one alias.
func (s *Store) GetAlias(ctx context.Context, namespace, originalName string) (model.MerchantAlias, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+aliasColumns+` FROM merchant_aliases WHERE namespace = $1 AND original_name = $2`,
		namespace, originalName)
	a, err := scanAlias(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MerchantAlias{}, store.ErrNotFound
	}
	if err != nil {
		return model.MerchantAlias{}, store.Wrap("get alias", err)
	}
	return a, nil
}

// ListAliases returns a namespace's aliases ordered by original name.
func (s *Store) ListAliases(ctx context.Context, namespace string) ([]model.MerchantAlias, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+aliasColumns+` FROM merchant_aliases WHERE namespace = $1 ORDER BY original_name`,
		namespace)
	if err != nil {
		return nil, store.Wrap("list aliases", err)
	}
	defer rows.Close()

	var out []model.MerchantAlias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, store.Wrap("scan alias", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("list aliases", err)
	}
	return out, nil
}

// UpsertAlias writes every field of alias.
func (s *Store) UpsertAlias(ctx context.Context, a model.MerchantAlias) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO merchant_aliases (`+aliasColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (namespace, original_name) DO UPDATE SET
			normalized_name = EXCLUDED.normalized_name,
			suggested_category = EXCLUDED.suggested_category,
			confidence = EXCLUDED.confidence,
			verified = EXCLUDED.verified,
			usage_count = EXCLUDED.usage_count,
			last_used_at = EXCLUDED.last_used_at`,
		a.Namespace, a.OriginalName, a.NormalizedName, a.SuggestedCategory,
		a.Confidence, a.Verified, a.UsageCount, nullTime(a.LastUsedAt),
	)
	return store.Wrap("upsert alias", err)
}

// RecordAliasUsage inserts a new alias or bumps the usage of an existing
// one when usage.LastUsedAt is newer. Verified and SuggestedCategory are
// never touched.
func (s *Store) RecordAliasUsage(ctx context.Context, u store.AliasUsage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO merchant_aliases (`+aliasColumns+`)
		VALUES ($1, $2, $3, '', $4, FALSE, $5, $6)
		ON CONFLICT (namespace, original_name) DO UPDATE SET
			usage_count = merchant_aliases.usage_count + EXCLUDED.usage_count,
			last_used_at = EXCLUDED.last_used_at
		WHERE merchant_aliases.last_used_at IS NULL OR merchant_aliases.last_used_at < EXCLUDED.last_used_at`,
		u.Namespace, u.OriginalName, u.NormalizedName, u.Confidence, u.NewCount, nullTime(u.LastUsedAt),
	)
	return store.Wrap("record alias usage", err)
}

// SetOwner records that accountID belongs to userID.
func (s *Store) SetOwner(ctx context.Context, accountID, userID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, user_id) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id`,
		accountID, userID)
	return store.Wrap("set owner", err)
}

// AddTransactions inserts txns, keeping rows whose id already exists. It
// returns the number of rows inserted.
func (s *Store) AddTransactions(ctx context.Context, txns []model.Transaction) (int, error) {
	batch := &pgx.Batch{}
	for _, t := range txns {
		batch.Queue(`
			INSERT INTO transactions (id, account_id, date, amount_minor, currency, raw_description, merchant_name_raw, pending, subscription_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
			ON CONFLICT (id) DO NOTHING`,
			t.ID, t.AccountID, nullTime(t.Date), ToMinor(t.Amount), t.Currency,
			t.RawDescription, t.MerchantNameRaw, t.Pending, t.SubscriptionID)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	added := 0
	for range txns {
		tag, err := br.Exec()
		if err != nil {
			return added, store.Wrap("add transactions", err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// Users returns every user owning at least one account.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, store.Wrap("list users", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, store.Wrap("list users", err)
	}
	return users, nil
}

// UserTransactions returns the user's transactions dated on or after
// since. Rows without a date are included so detection can report them.
func (s *Store) UserTransactions(ctx context.Context, userID string, since time.Time) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.account_id, t.date, t.amount_minor, t.currency, t.raw_description,
			t.merchant_name_raw, t.pending, COALESCE(t.subscription_id, '')
		FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.user_id = $1 AND (t.date IS NULL OR t.date >= $2)
		ORDER BY t.date NULLS FIRST, t.id`,
		userID, since)
	if err != nil {
		return nil, store.Wrap("user transactions", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var (
			t     model.Transaction
			date  *time.Time
			minor int64
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &date, &minor, &t.Currency, &t.RawDescription,
			&t.MerchantNameRaw, &t.Pending, &t.SubscriptionID); err != nil {
			return nil, store.Wrap("scan transaction", err)
		}
		if date != nil {
			t.Date = *date
		}
		t.Amount = FromMinor(minor)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("user transactions", err)
	}
	return out, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
