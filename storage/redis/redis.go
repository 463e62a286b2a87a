// Package redis provides a Redis implementation of subscription.SkipLedger.
// Entries live in a sorted set scored by SkippedEvent.QueuedAt with their payload
// in a hash, so Pending reads least recently tried first and Add/Remove stay atomic via Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Ledger implements subscription.SkipLedger using Redis
type Ledger struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis ledger configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// Retention expires the whole ledger when it sees no writes for this long
	// (0 = no expiration). Individual entries are aged out by the sweep.
	Retention time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "subsync:",
		Retention: 30 * 24 * time.Hour,
	}
}

// New creates a new Redis ledger
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}

	l := &Ledger{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	// Load Lua scripts
	l.loadScripts()

	return l, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (l *Ledger) loadScripts() {
	// Add or replace one entry
	l.scripts["add"] = redis.NewScript(`
		local indexKey = KEYS[1]
		local dataKey = KEYS[2]
		local member = ARGV[1]
		local score = tonumber(ARGV[2])
		local data = ARGV[3]
		local ttl = tonumber(ARGV[4])

		redis.call('ZADD', indexKey, score, member)
		redis.call('HSET', dataKey, member, data)
		if ttl > 0 then
			redis.call('EXPIRE', indexKey, ttl)
			redis.call('EXPIRE', dataKey, ttl)
		end
		return 1
	`)

	// Remove one entry
	l.scripts["remove"] = redis.NewScript(`
		redis.call('ZREM', KEYS[1], ARGV[1])
		redis.call('HDEL', KEYS[2], ARGV[1])
		return 1
	`)
}

// Add implements subscription.SkipLedger
func (l *Ledger) Add(ctx context.Context, ev *subscription.SkippedEvent) error {
	if ev == nil || ev.SubscriberID == "" {
		return subscription.ErrInvalidRecord
	}
	entry := *ev
	if entry.SkippedAt.IsZero() {
		entry.SkippedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to marshal skipped event: %w", err)
	}

	err = l.scripts["add"].Run(ctx, l.client,
		[]string{l.indexKey(), l.dataKey()},
		entry.SubscriberID, entry.QueuedAt().UnixMilli(), string(data), int64(l.config.Retention.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to add skipped event: %w", err)
	}
	return nil
}

// Pending implements subscription.SkipLedger
func (l *Ledger) Pending(ctx context.Context, limit int) ([]*subscription.SkippedEvent, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := l.client.ZRange(ctx, l.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read skip index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	values, err := l.client.HMGet(ctx, l.dataKey(), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read skipped events: %w", err)
	}

	out := make([]*subscription.SkippedEvent, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// index entry without payload; keep the sweep moving
			out = append(out, &subscription.SkippedEvent{SubscriberID: members[i]})
			continue
		}
		var ev subscription.SkippedEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal skipped event %s: %w", members[i], err)
		}
		out = append(out, &ev)
	}
	return out, nil
}

// Remove implements subscription.SkipLedger
func (l *Ledger) Remove(ctx context.Context, subscriberID string) error {
	err := l.scripts["remove"].Run(ctx, l.client, []string{l.indexKey(), l.dataKey()}, subscriberID).Err()
	if err != nil {
		return fmt.Errorf("failed to remove skipped event: %w", err)
	}
	return nil
}

// Len returns the number of pending entries
func (l *Ledger) Len(ctx context.Context) (int64, error) {
	return l.client.ZCard(ctx, l.indexKey()).Result()
}

func (l *Ledger) indexKey() string {
	return l.config.KeyPrefix + "skipped"
}

func (l *Ledger) dataKey() string {
	return l.config.KeyPrefix + "skipped:data"
}

// Close closes the Redis client
func (l *Ledger) Close() error {
	return l.client.Close()
}

// Ping checks the Redis connection
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
