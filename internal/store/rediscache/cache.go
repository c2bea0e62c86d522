// Package rediscache is a read-through redis cache in front of an alias
// repository. The alias table is read once per user per run and changes
// rarely, so whole namespaces are cached as one JSON value.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cleared-dev/recur/internal/logger"
	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/store"
)

// Client is the subset of *redis.Client the cache uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Dial connects to redisURL and pings it.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// Aliases caches ListAliases and GetAlias. Writes go to the wrapped
// repository and invalidate the namespace. Redis failures are logged and
// fall through to the repository.
type Aliases struct {
	next   store.AliasRepository
	client Client
	ttl    time.Duration
}

// New wraps next.
func New(next store.AliasRepository, client Client, ttl time.Duration) *Aliases {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Aliases{next: next, client: client, ttl: ttl}
}

func key(namespace string) string {
	return "recur:aliases:" + namespace
}

// ListAliases returns the namespace's aliases, from cache when possible.
func (a *Aliases) ListAliases(ctx context.Context, namespace string) ([]model.MerchantAlias, error) {
	log := logger.FromContext(ctx)

	cached, err := a.client.Get(ctx, key(namespace)).Result()
	switch {
	case err == nil:
		var aliases []model.MerchantAlias
		if err := json.Unmarshal([]byte(cached), &aliases); err == nil {
			return aliases, nil
		}
		log.Warn().Str("namespace", namespace).Msg("discarding undecodable alias cache entry")
	case !errors.Is(err, redis.Nil):
		log.Warn().Err(err).Str("namespace", namespace).Msg("alias cache read failed")
	}

	aliases, err := a.next.ListAliases(ctx, namespace)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(aliases)
	if err == nil {
		if err := a.client.SetEx(ctx, key(namespace), data, a.ttl).Err(); err != nil {
			log.Warn().Err(err).Str("namespace", namespace).Msg("alias cache write failed")
		}
	}
	return aliases, nil
}

// GetAlias looks the alias up in the cached namespace.
func (a *Aliases) GetAlias(ctx context.Context, namespace, originalName string) (model.MerchantAlias, error) {
	aliases, err := a.ListAliases(ctx, namespace)
	if err != nil {
		return model.MerchantAlias{}, err
	}
	for _, alias := range aliases {
		if alias.OriginalName == originalName {
			return alias, nil
		}
	}
	return model.MerchantAlias{}, store.ErrNotFound
}

// UpsertAlias writes through and invalidates the namespace.
func (a *Aliases) UpsertAlias(ctx context.Context, alias model.MerchantAlias) error {
	if err := a.next.UpsertAlias(ctx, alias); err != nil {
		return err
	}
	a.invalidate(ctx, alias.Namespace)
	return nil
}

// RecordAliasUsage writes through and invalidates the namespace.
func (a *Aliases) RecordAliasUsage(ctx context.Context, usage store.AliasUsage) error {
	if err := a.next.RecordAliasUsage(ctx, usage); err != nil {
		return err
	}
	a.invalidate(ctx, usage.Namespace)
	return nil
}

func (a *Aliases) invalidate(ctx context.Context, namespace string) {
	if err := a.client.Del(ctx, key(namespace)).Err(); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Str("namespace", namespace).Msg("alias cache invalidation failed")
	}
}
