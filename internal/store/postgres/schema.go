package postgres

import (
	"context"
	"fmt"
)

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		date DATE,
		amount_minor BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		raw_description TEXT NOT NULL DEFAULT '',
		merchant_name_raw TEXT NOT NULL DEFAULT '',
		pending BOOLEAN NOT NULL DEFAULT FALSE,
		subscription_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_account_date ON transactions(account_id, date);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		merchant_key TEXT NOT NULL,
		amount_bucket TEXT NOT NULL,
		amount_minor BIGINT NOT NULL,
		currency TEXT NOT NULL,
		frequency TEXT NOT NULL,
		next_billing DATE,
		last_billing DATE NOT NULL,
		active_since DATE NOT NULL,
		status TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		occurrences INTEGER NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		user_cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		cancelled_at TIMESTAMPTZ,
		status_changed_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_key ON subscriptions(user_id, merchant_key, amount_bucket);

	CREATE TABLE IF NOT EXISTS merchant_aliases (
		namespace TEXT NOT NULL,
		original_name TEXT NOT NULL,
		normalized_name TEXT NOT NULL,
		suggested_category TEXT NOT NULL DEFAULT '',
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		usage_count BIGINT NOT NULL DEFAULT 0,
		last_used_at TIMESTAMPTZ,
		PRIMARY KEY (namespace, original_name)
	);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
