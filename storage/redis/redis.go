// Package redis provides a Redis implementation of the billsync.Store interface.
// Version compare-and-swap runs inside Lua scripts so that a check and its
// write are atomic. Every key lives under KeyPrefix; on Redis Cluster use a
// hash-tagged prefix such as "{billsync}:" so the scripts' keys share a slot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Storage implements billsync.Store and billsync.AuditLogger using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billsync:")
	KeyPrefix string

	// MaxAuditEntries caps the audit list; older entries are trimmed (default: 10000)
	MaxAuditEntries int64
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "billsync:",
		MaxAuditEntries: 10000,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "billsync:"
	}
	if config.MaxAuditEntries <= 0 {
		config.MaxAuditEntries = 10000
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// Script results
const (
	resultOK       = "ok"
	resultExists   = "exists"
	resultConflict = "conflict"
	resultOwner    = "owner"
)

// loadScripts compiles the Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Versioned save. The user index is a sorted set scored by sequence.
	s.scripts["save"] = redis.NewScript(`
		local subKey = KEYS[1]
		local userKey = KEYS[2]
		local expected = tonumber(ARGV[1])
		local version = ARGV[2]
		local userID = ARGV[3]
		local data = ARGV[4]
		local sequence = ARGV[5]
		local id = ARGV[6]

		local current = redis.call('HGET', subKey, 'version')
		if expected == 0 then
			if current then
				return 'exists'
			end
		else
			if not current or tonumber(current) ~= expected then
				return 'conflict'
			end
			if redis.call('HGET', subKey, 'user') ~= userID then
				return 'owner'
			end
		end

		redis.call('HSET', subKey, 'version', version, 'user', userID, 'data', data)
		redis.call('ZADD', userKey, sequence, id)
		return 'ok'
	`)

	// Delete every record in a user's index.
	s.scripts["deleteUser"] = redis.NewScript(`
		local userKey = KEYS[1]
		local prefix = ARGV[1]

		local ids = redis.call('ZRANGE', userKey, 0, -1)
		local deleted = 0
		for _, id in ipairs(ids) do
			deleted = deleted + redis.call('DEL', prefix .. id)
		end
		redis.call('DEL', userKey)
		return deleted
	`)
}

// GetSubscription implements billsync.Store
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*billsync.Subscription, error) {
	data, err := s.client.HGet(ctx, s.subscriptionKey(subscriptionID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, billsync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return decodeSubscription(data)
}

// ListByUser implements billsync.Store
func (s *Storage) ListByUser(ctx context.Context, userID string) ([]*billsync.Subscription, error) {
	ids, err := s.client.ZRevRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	out := make([]*billsync.Subscription, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.subscriptionKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			// Index entry without a record; deleted concurrently
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		sub, err := decodeSubscription(data)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// SaveSubscription implements billsync.Store
func (s *Storage) SaveSubscription(ctx context.Context, sub *billsync.Subscription, expectedVersion int64) error {
	if sub == nil || sub.ProviderSubscriptionID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	keys := []string{s.subscriptionKey(sub.ProviderSubscriptionID), s.userKey(sub.UserID)}
	result, err := s.scripts["save"].Run(ctx, s.client, keys,
		expectedVersion, sub.Version, sub.UserID, data, sub.LastEventSequence, sub.ProviderSubscriptionID,
	).Text()
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}

	switch result {
	case resultOK:
		return nil
	case resultExists:
		return billsync.ErrAlreadyExists
	case resultConflict:
		return billsync.ErrVersionConflict
	case resultOwner:
		return fmt.Errorf("subscription %s: user id is immutable", sub.ProviderSubscriptionID)
	default:
		return fmt.Errorf("unexpected save result: %s", result)
	}
}

// DeleteByUser implements billsync.Store
func (s *Storage) DeleteByUser(ctx context.Context, userID string) (int, error) {
	n, err := s.scripts["deleteUser"].Run(ctx, s.client,
		[]string{s.userKey(userID)}, s.config.KeyPrefix+"sub:",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	return n, nil
}

// LogAuditEntry implements billsync.AuditLogger. Entries are kept newest
// first in a capped list.
func (s *Storage) LogAuditEntry(ctx context.Context, entry *billsync.AuditLogEntry) error {
	if entry == nil {
		return fmt.Errorf("invalid audit entry")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.auditKey(), data)
	pipe.LTrim(ctx, s.auditKey(), 0, s.config.MaxAuditEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

// GetAuditLogs implements billsync.AuditLogger
func (s *Storage) GetAuditLogs(ctx context.Context, filter billsync.AuditLogFilter) ([]*billsync.AuditLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = billsync.DefaultAuditLimit
	}

	raw, err := s.client.LRange(ctx, s.auditKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get audit logs: %w", err)
	}

	var out []*billsync.AuditLogEntry
	for _, item := range raw {
		if len(out) >= limit {
			break
		}
		var e billsync.AuditLogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		if filter.Matches(&e) {
			out = append(out, &e)
		}
	}
	return out, nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeSubscription(data []byte) (*billsync.Subscription, error) {
	var sub billsync.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

func (s *Storage) subscriptionKey(subscriptionID string) string {
	return s.config.KeyPrefix + "sub:" + subscriptionID
}

func (s *Storage) userKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Storage) auditKey() string {
	return s.config.KeyPrefix + "audit"
}

var _ billsync.Store = (*Storage)(nil)
