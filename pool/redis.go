package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xiaoyu-work/onevalet/config"
	"github.com/xiaoyu-work/onevalet/core"
)

// RedisBackend persists pool entries in Redis under two parallel namespaces:
//
//   - "active"  — short TTL (~10 min), tracks tenants with recent activity
//   - "session" — long TTL (~24 h), the authoritative restorable set
//
// Every save writes both keys; reads prefer "active" and fall back to
// "session", so a tenant's agents survive the activity window but eventually
// expire with the session. Key layout:
//
//	<prefix>active:<tenantID>:<agentID>
//	<prefix>session:<tenantID>:<agentID>
type RedisBackend struct {
	client     *redis.Client
	prefix     string
	activeTTL  time.Duration
	sessionTTL time.Duration
}

// NewRedisBackend connects to Redis using cfg and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg config.RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisBackendFromClient(client, cfg), nil
}

// NewRedisBackendFromClient wraps an existing client (used by tests with
// miniredis-style fakes or shared clients).
func NewRedisBackendFromClient(client *redis.Client, cfg config.RedisConfig) *RedisBackend {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "onevalet:pool:"
	}
	if cfg.ActiveTTL <= 0 {
		cfg.ActiveTTL = 10 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	return &RedisBackend{
		client:     client,
		prefix:     prefix,
		activeTTL:  cfg.ActiveTTL,
		sessionTTL: cfg.SessionTTL,
	}
}

// Close releases the Redis connection.
func (b *RedisBackend) Close() error { return b.client.Close() }

func (b *RedisBackend) activeKey(tenantID, agentID string) string {
	return b.prefix + "active:" + tenantID + ":" + agentID
}

func (b *RedisBackend) sessionKey(tenantID, agentID string) string {
	return b.prefix + "session:" + tenantID + ":" + agentID
}

// SaveAgent writes the entry to both namespaces with their respective TTLs.
func (b *RedisBackend) SaveAgent(ctx context.Context, entry *Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal pool entry: %w", err)
	}
	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.activeKey(entry.TenantID, entry.AgentID), payload, b.activeTTL)
	pipe.Set(ctx, b.sessionKey(entry.TenantID, entry.AgentID), payload, b.sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save pool entry: %w", err)
	}
	return nil
}

// GetAgent reads the entry, preferring the active namespace.
func (b *RedisBackend) GetAgent(ctx context.Context, tenantID, agentID string) (*Entry, error) {
	for _, key := range []string{b.activeKey(tenantID, agentID), b.sessionKey(tenantID, agentID)} {
		raw, err := b.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get pool entry: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("unmarshal pool entry: %w", err)
		}
		return &entry, nil
	}
	return nil, fmt.Errorf("tenant %s agent %s: %w", tenantID, agentID, core.ErrAgentNotFound)
}

// ListAgents scans the session namespace, the authoritative restorable set.
func (b *RedisBackend) ListAgents(ctx context.Context, tenantID string) ([]*Entry, error) {
	pattern := b.prefix + "session:" + tenantID + ":*"
	var out []*Entry
	iter := b.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := b.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("get pool entry: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("unmarshal pool entry: %w", err)
		}
		out = append(out, &entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan pool entries: %w", err)
	}
	return out, nil
}

// RemoveAgent deletes the entry from both namespaces.
func (b *RedisBackend) RemoveAgent(ctx context.Context, tenantID, agentID string) error {
	if err := b.client.Del(ctx,
		b.activeKey(tenantID, agentID),
		b.sessionKey(tenantID, agentID),
	).Err(); err != nil {
		return fmt.Errorf("remove pool entry: %w", err)
	}
	return nil
}

// ClearTenant removes all of a tenant's entries from both namespaces,
// returning the number of distinct agents removed.
func (b *RedisBackend) ClearTenant(ctx context.Context, tenantID string) (int, error) {
	agents := map[string]struct{}{}
	for _, ns := range []string{"active", "session"} {
		pattern := b.prefix + ns + ":" + tenantID + ":*"
		iter := b.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			if agentID := key[strings.LastIndexByte(key, ':')+1:]; agentID != "" {
				agents[agentID] = struct{}{}
			}
			if err := b.client.Del(ctx, key).Err(); err != nil {
				return 0, fmt.Errorf("clear pool entry: %w", err)
			}
		}
		if err := iter.Err(); err != nil {
			return 0, fmt.Errorf("scan pool entries: %w", err)
		}
	}
	return len(agents), nil
}

// GetActiveTenants scans the active namespace and extracts tenant ids.
func (b *RedisBackend) GetActiveTenants(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	pattern := b.prefix + "active:*"
	iter := b.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), b.prefix+"active:")
		if idx := strings.IndexByte(rest, ':'); idx > 0 {
			seen[rest[:idx]] = struct{}{}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan active tenants: %w", err)
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out, nil
}
