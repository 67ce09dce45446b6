// Package postgres implements storage.Backend on PostgreSQL using pgx.
//
// Consume is a single conditional UPDATE ... RETURNING: the row lock taken by
// the update makes exactly one concurrent caller match the
// "consumed_at IS NULL" predicate. Swap runs that update and the insert of the
// successor in one transaction.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/giantswarm/oidc-core/storage"
)

//go:embed schema.sql
var schema string

const recordColumns = `key, kind, grant_id, data, created_at, expires_at, consumed_at, revoked_at`

// Backend is a PostgreSQL-backed storage.Backend.
type Backend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	owned  bool
}

var _ storage.Backend = (*Backend)(nil)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	b := New(pool, logger)
	b.owned = true
	return b, nil
}

// New wraps an existing pool. The caller keeps ownership of pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{pool: pool, logger: logger}
}

// Migrate creates the records table and its indexes if they do not exist.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Name implements storage.Backend.
func (b *Backend) Name() string { return "postgres" }

// Put implements storage.Backend.
func (b *Backend) Put(ctx context.Context, rec *storage.Record) error {
	return insert(ctx, b.pool, rec)
}

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, key string, now time.Time) (*storage.Record, error) {
	rec, err := scanRecord(b.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM oidc_records WHERE key = $1`, key))
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
	return consume(ctx, b.pool, key, now)
}

// Swap implements storage.Backend.
func (b *Backend) Swap(ctx context.Context, oldKey string, next *storage.Record, now time.Time) (*storage.Record, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, err := consume(ctx, tx, oldKey, now)
	if err != nil {
		return prev, err
	}
	if err := insert(ctx, tx, next); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit", err)
	}
	return prev, nil
}

// Revoke implements storage.Backend.
func (b *Backend) Revoke(ctx context.Context, key string) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE oidc_records SET revoked_at = COALESCE(revoked_at, now()) WHERE key = $1`, key)
	if err != nil {
		return unavailable("revoke", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RevokeGrant implements storage.Backend.
func (b *Backend) RevokeGrant(ctx context.Context, grantID string) (int, error) {
	tag, err := b.pool.Exec(ctx,
		`UPDATE oidc_records SET revoked_at = now() WHERE grant_id = $1 AND revoked_at IS NULL`, grantID)
	if err != nil {
		return 0, unavailable("revoke_grant", err)
	}
	return int(tag.RowsAffected()), nil
}

// Sweep implements storage.Backend.
func (b *Backend) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM oidc_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping implements storage.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close implements storage.Backend. Pools passed to New are left open.
func (b *Backend) Close() error {
	if b.owned {
		b.pool.Close()
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insert(ctx context.Context, q querier, rec *storage.Record) error {
	tag, err := q.Exec(ctx, `
		INSERT INTO oidc_records (key, kind, grant_id, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING`,
		rec.Key, string(rec.Kind), rec.GrantID, rec.Data, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return unavailable("insert", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

func consume(ctx context.Context, q querier, key string, now time.Time) (*storage.Record, error) {
	rec, err := scanRecord(q.QueryRow(ctx, `
		UPDATE oidc_records SET consumed_at = $2
		WHERE key = $1 AND consumed_at IS NULL AND revoked_at IS NULL AND expires_at > $2
		RETURNING `+recordColumns, key, now))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	// the update matched nothing: find out why
	rec, err = scanRecord(q.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM oidc_records WHERE key = $1`, key))
	if err != nil {
		return nil, err
	}
	if err := storage.CheckConsumable(rec, now); err != nil {
		if errors.Is(err, storage.ErrExpired) {
			return nil, err
		}
		return rec, err
	}
	// the row became consumable between the two statements; treat as a lost race
	return rec, storage.ErrConsumed
}

func scanRecord(row pgx.Row) (*storage.Record, error) {
	var (
		rec        storage.Record
		kind       string
		consumedAt *time.Time
		revokedAt  *time.Time
	)
	err := row.Scan(&rec.Key, &kind, &rec.GrantID, &rec.Data, &rec.CreatedAt, &rec.ExpiresAt, &consumedAt, &revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("scan", err)
	}

	rec.Kind = storage.Kind(kind)
	if consumedAt != nil {
		rec.Consumed = true
		rec.ConsumedAt = *consumedAt
	}
	rec.Revoked = revokedAt != nil
	return &rec, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %w", storage.ErrUnavailable, op, err)
}
