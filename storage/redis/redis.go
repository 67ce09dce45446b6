// Package redis implements storage.Backend on Redis.
//
// Each record is a JSON document under <prefix>rec:<key> with a TTL matching
// its expiry. Records belonging to a grant are indexed in the set
// <prefix>grant:<id>. Consume, Swap, Revoke and RevokeGrant run as Lua
// scripts, so every check-and-set happens inside Redis in one step.
//
// The scripts touch keys derived at runtime (grant index members), so the
// backend targets standalone Redis or a primary with replicas, not Redis Cluster.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-core/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys
	DefaultKeyPrefix = "oidc:"

	// minTTL keeps records that are about to expire alive long enough to be
	// read once more, so the read-time expiry check decides instead of a
	// vanished key.
	minTTL = time.Second

	scanBatchSize = 100

	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Redis backend.
type Config struct {
	// Address is the Redis server address, e.g. "localhost:6379"
	Address  string
	Username string
	Password string
	DB       int

	// KeyPrefix is the prefix for all keys (default "oidc:")
	KeyPrefix string

	Logger *slog.Logger
}

// Backend is a Redis-backed storage.Backend.
type Backend struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger
	owned  bool
}

var _ storage.Backend = (*Backend)(nil)

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionVerifyTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b := New(client, cfg.KeyPrefix, cfg.Logger)
	b.owned = true
	return b, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client goredis.UniversalClient, prefix string, logger *slog.Logger) *Backend {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{client: client, prefix: prefix, logger: logger}
}

// Name implements storage.Backend.
func (b *Backend) Name() string { return "redis" }

// wireRecord is the JSON layout read by the Lua scripts. Times are unix milliseconds.
type wireRecord struct {
	Key        string `json:"key"`
	Kind       string `json:"kind"`
	GrantID    string `json:"gid"`
	Data       []byte `json:"data"`
	CreatedAt  int64  `json:"created"`
	ExpiresAt  int64  `json:"exp"`
	Consumed   bool   `json:"consumed"`
	ConsumedAt int64  `json:"consumed_at"`
	Revoked    bool   `json:"revoked"`
}

func toWire(rec *storage.Record) ([]byte, error) {
	w := wireRecord{
		Key:       rec.Key,
		Kind:      string(rec.Kind),
		GrantID:   rec.GrantID,
		Data:      rec.Data,
		CreatedAt: rec.CreatedAt.UnixMilli(),
		ExpiresAt: rec.ExpiresAt.UnixMilli(),
		Consumed:  rec.Consumed,
		Revoked:   rec.Revoked,
	}
	if !rec.ConsumedAt.IsZero() {
		w.ConsumedAt = rec.ConsumedAt.UnixMilli()
	}
	return json.Marshal(w)
}

func fromWire(data string) (*storage.Record, error) {
	var w wireRecord
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	rec := &storage.Record{
		Key:       w.Key,
		Kind:      storage.Kind(w.Kind),
		GrantID:   w.GrantID,
		Data:      w.Data,
		CreatedAt: time.UnixMilli(w.CreatedAt),
		ExpiresAt: time.UnixMilli(w.ExpiresAt),
		Consumed:  w.Consumed,
		Revoked:   w.Revoked,
	}
	if w.ConsumedAt != 0 {
		rec.ConsumedAt = time.UnixMilli(w.ConsumedAt)
	}
	return rec, nil
}

func (b *Backend) recordKey(key string) string {
	return b.prefix + "rec:" + key
}

func (b *Backend) grantKey(grantID string) string {
	return b.prefix + "grant:" + grantID
}

func ttlFor(rec *storage.Record) time.Duration {
	ttl := time.Until(rec.ExpiresAt)
	if ttl < minTTL {
		return minTTL
	}
	return ttl
}

func hasGrant(rec *storage.Record) string {
	if rec.GrantID == "" {
		return "0"
	}
	return "1"
}

// Put implements storage.Backend.
func (b *Backend) Put(ctx context.Context, rec *storage.Record) error {
	payload, err := toWire(rec)
	if err != nil {
		return err
	}

	created, err := scriptPut.Run(ctx, b.client,
		[]string{b.recordKey(rec.Key), b.grantKey(rec.GrantID)},
		payload, ttlFor(rec).Milliseconds(), hasGrant(rec),
	).Int()
	if err != nil {
		return unavailable("put", err)
	}
	if created == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, key string, now time.Time) (*storage.Record, error) {
	data, err := b.client.Get(ctx, b.recordKey(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}

	rec, err := fromWire(data)
	if err != nil {
		return nil, err
	}
	if storage.IsExpired(rec, now) {
		return nil, storage.ErrExpired
	}
	return rec, nil
}

// Consume implements storage.Backend.
func (b *Backend) Consume(ctx context.Context, key string, now time.Time) (*storage.Record, error) {
	reply, err := scriptConsume.Run(ctx, b.client,
		[]string{b.recordKey(key)},
		now.UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, unavailable("consume", err)
	}
	return parseConsumeReply(reply)
}

// Swap implements storage.Backend.
func (b *Backend) Swap(ctx context.Context, oldKey string, next *storage.Record, now time.Time) (*storage.Record, error) {
	payload, err := toWire(next)
	if err != nil {
		return nil, err
	}

	reply, err := scriptSwap.Run(ctx, b.client,
		[]string{b.recordKey(oldKey), b.recordKey(next.Key), b.grantKey(next.GrantID)},
		now.UnixMilli(), payload, ttlFor(next).Milliseconds(), hasGrant(next),
	).StringSlice()
	if err != nil {
		return nil, unavailable("swap", err)
	}
	return parseConsumeReply(reply)
}

// Revoke implements storage.Backend.
func (b *Backend) Revoke(ctx context.Context, key string) error {
	found, err := scriptRevoke.Run(ctx, b.client, []string{b.recordKey(key)}).Int()
	if err != nil {
		return unavailable("revoke", err)
	}
	if found == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RevokeGrant implements storage.Backend.
func (b *Backend) RevokeGrant(ctx context.Context, grantID string) (int, error) {
	n, err := scriptRevokeGrant.Run(ctx, b.client, []string{b.grantKey(grantID)}).Int()
	if err != nil {
		return 0, unavailable("revoke_grant", err)
	}
	return n, nil
}

// Sweep implements storage.Backend. Redis drops records on TTL by itself;
// Sweep removes records whose logical expiry has passed before their TTL
// and prunes grant indexes.
func (b *Backend) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, b.prefix+"rec:*", scanBatchSize).Result()
		if err != nil {
			return removed, unavailable("sweep", err)
		}
		if len(keys) > 0 {
			n, err := scriptSweep.Run(ctx, b.client, keys, now.UnixMilli(), b.prefix+"grant:").Int()
			if err != nil {
				return removed, unavailable("sweep", err)
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		b.logger.Debug("Swept expired records", "removed", removed)
	}
	return removed, nil
}

// Ping implements storage.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close implements storage.Backend. Clients passed to New are left open.
func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

func parseConsumeReply(reply []string) (*storage.Record, error) {
	if len(reply) == 0 {
		return nil, fmt.Errorf("%w: empty script reply", storage.ErrUnavailable)
	}

	status := reply[0]
	switch status {
	case statusNotFound:
		return nil, storage.ErrNotFound
	case statusExpired:
		return nil, storage.ErrExpired
	case statusExists:
		return nil, storage.ErrAlreadyExists
	}

	if len(reply) < 2 {
		return nil, fmt.Errorf("%w: malformed script reply %q", storage.ErrUnavailable, status)
	}
	rec, err := fromWire(reply[1])
	if err != nil {
		return nil, err
	}

	switch status {
	case statusOK:
		return rec, nil
	case statusConsumed:
		return rec, storage.ErrConsumed
	case statusRevoked:
		return rec, storage.ErrRevoked
	}
	return nil, fmt.Errorf("%w: unknown script status %q", storage.ErrUnavailable, status)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", storage.ErrUnavailable, op, err)
}
