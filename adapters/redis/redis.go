// Package redis provides the shared L2 query cache tier on Redis. Entries
// are plain string keys; each tag maps to a set of the keys it covers, so
// invalidation deletes exactly the affected entries.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codewandler/esrc-go/core/querybus"
)

// Connect creates a client and verifies the connection.
func Connect(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

type (
	tierOpts struct {
		prefix string
	}

	// TierOption configures NewTier.
	TierOption interface{ applyToTier(*tierOpts) }

	prefixOption struct{ v string }
)

// WithKeyPrefix namespaces all keys, so multiple deployments can share one
// Redis.
func WithKeyPrefix(prefix string) TierOption { return prefixOption{v: prefix} }

func (o prefixOption) applyToTier(t *tierOpts) { t.prefix = o.v }

// Tier is the L2 cache tier. Like the in-process tier, its tag index may
// reference keys that already expired; invalidating those is a harmless
// no-op.
type Tier struct {
	client *redis.Client
	prefix string
}

func NewTier(client *redis.Client, opts ...TierOption) *Tier {
	options := tierOpts{prefix: "esrc"}
	for _, opt := range opts {
		opt.applyToTier(&options)
	}
	return &Tier{client: client, prefix: options.prefix}
}

func (t *Tier) Name() string { return "l2" }

func (t *Tier) dataKey(key string) string    { return t.prefix + ":q:" + key }
func (t *Tier) tagKey(tag string) string     { return t.prefix + ":tag:" + tag }
func (t *Tier) keyTagsKey(key string) string { return t.prefix + ":keytags:" + key }

func (t *Tier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := t.client.Get(ctx, t.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (t *Tier) Set(ctx context.Context, key string, val []byte, ttl time.Duration, tags []string) error {
	pipe := t.client.TxPipeline()
	pipe.Set(ctx, t.dataKey(key), val, ttl)
	pipe.Del(ctx, t.keyTagsKey(key))
	if len(tags) > 0 {
		members := make([]any, len(tags))
		for i, tag := range tags {
			members[i] = tag
			pipe.SAdd(ctx, t.tagKey(tag), key)
		}
		pipe.SAdd(ctx, t.keyTagsKey(key), members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (t *Tier) Invalidate(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	keys := make(map[string]struct{})
	for _, tag := range tags {
		members, err := t.client.SMembers(ctx, t.tagKey(tag)).Result()
		if err != nil {
			return fmt.Errorf("redis invalidate lookup: %w", err)
		}
		for _, key := range members {
			keys[key] = struct{}{}
		}
	}

	pipe := t.client.TxPipeline()
	for key := range keys {
		pipe.Del(ctx, t.dataKey(key), t.keyTagsKey(key))
	}
	for _, tag := range tags {
		pipe.Del(ctx, t.tagKey(tag))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis invalidate: %w", err)
	}
	return nil
}

var _ querybus.Tier = (*Tier)(nil)
