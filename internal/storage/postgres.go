package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatekeeper/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using PostgreSQL. It is the
// backend for deployments where several engine instances share one ledger,
// so all instances observe the same bans.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS requests (
	client_hash TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_client_ts ON requests(client_hash, ts);
CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts);

CREATE TABLE IF NOT EXISTS violations (
	client_hash TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_violations_client_ts ON violations(client_hash, ts);
CREATE INDEX IF NOT EXISTS idx_violations_ts ON violations(ts);

CREATE TABLE IF NOT EXISTS bans (
	client_hash TEXT PRIMARY KEY,
	raw_addr TEXT,
	until TIMESTAMPTZ NOT NULL,
	level INT NOT NULL,
	reason TEXT,
	violation_count INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_bans_until ON bans(until);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	prefix TEXT NOT NULL,
	tier TEXT NOT NULL,
	organization TEXT,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore creates a new PostgreSQL storage instance.
func NewPostgresStore(config Config) (Store, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("DSN is required for postgres storage")
	}

	poolCfg, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(config.MaxOpenConns)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(context.Background(), postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (ps *PostgresStore) CountRequests(ctx context.Context, clientHash string, since time.Time) (int, error) {
	var count int
	err := ps.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM requests WHERE client_hash = $1 AND ts > $2",
		clientHash, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}
	return count, nil
}

func (ps *PostgresStore) OldestRequest(ctx context.Context, clientHash string, since time.Time) (time.Time, bool, error) {
	var ts *time.Time
	err := ps.pool.QueryRow(ctx,
		"SELECT MIN(ts) FROM requests WHERE client_hash = $1 AND ts > $2",
		clientHash, since,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get oldest request: %w", err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

func (ps *PostgresStore) RecordRequest(ctx context.Context, clientHash string, at time.Time) error {
	if _, err := ps.pool.Exec(ctx,
		"INSERT INTO requests (client_hash, ts) VALUES ($1, $2)",
		clientHash, at,
	); err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

func (ps *PostgresStore) RecordViolation(ctx context.Context, clientHash string, at time.Time) error {
	if _, err := ps.pool.Exec(ctx,
		"INSERT INTO violations (client_hash, ts) VALUES ($1, $2)",
		clientHash, at,
	); err != nil {
		return fmt.Errorf("failed to record violation: %w", err)
	}
	return nil
}

func (ps *PostgresStore) CountViolations(ctx context.Context, clientHash string, since time.Time) (int, error) {
	var count int
	err := ps.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM violations WHERE client_hash = $1 AND ts > $2",
		clientHash, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return count, nil
}

func (ps *PostgresStore) GetBan(ctx context.Context, clientHash string) (*models.Ban, error) {
	var (
		ban models.Ban
		raw *string
		rsn *string
	)
	err := ps.pool.QueryRow(ctx,
		"SELECT client_hash, raw_addr, until, level, reason, violation_count FROM bans WHERE client_hash = $1",
		clientHash,
	).Scan(&ban.ClientHash, &raw, &ban.Until, &ban.Level, &rsn, &ban.ViolationCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ban: %w", err)
	}
	if raw != nil {
		ban.RawAddr = *raw
	}
	if rsn != nil {
		ban.Reason = *rsn
	}
	return &ban, nil
}

func (ps *PostgresStore) UpsertBan(ctx context.Context, ban *models.Ban) error {
	if _, err := ps.pool.Exec(ctx, `
		INSERT INTO bans (client_hash, raw_addr, until, level, reason, violation_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_hash) DO UPDATE SET
			raw_addr = EXCLUDED.raw_addr,
			until = EXCLUDED.until,
			level = EXCLUDED.level,
			reason = EXCLUDED.reason,
			violation_count = EXCLUDED.violation_count
		WHERE EXCLUDED.until > bans.until`,
		ban.ClientHash, ban.RawAddr, ban.Until, ban.Level, ban.Reason, ban.ViolationCount,
	); err != nil {
		return fmt.Errorf("failed to upsert ban: %w", err)
	}
	return nil
}

func (ps *PostgresStore) ActiveBans(ctx context.Context, now time.Time) ([]models.Ban, error) {
	rows, err := ps.pool.Query(ctx,
		"SELECT client_hash, raw_addr, until, level, reason, violation_count FROM bans WHERE until > $1",
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active bans: %w", err)
	}
	defer rows.Close()

	var bans []models.Ban
	for rows.Next() {
		var (
			ban models.Ban
			raw *string
			rsn *string
		)
		if err := rows.Scan(&ban.ClientHash, &raw, &ban.Until, &ban.Level, &rsn, &ban.ViolationCount); err != nil {
			return nil, fmt.Errorf("failed to scan ban: %w", err)
		}
		if raw != nil {
			ban.RawAddr = *raw
		}
		if rsn != nil {
			ban.Reason = *rsn
		}
		bans = append(bans, ban)
	}
	return bans, rows.Err()
}

func (ps *PostgresStore) LookupAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var (
		key models.APIKey
		org *string
	)
	err := ps.pool.QueryRow(ctx,
		"SELECT id, name, key_hash, prefix, tier, organization, enabled, created_at, updated_at FROM api_keys WHERE key_hash = $1",
		keyHash,
	).Scan(&key.ID, &key.Name, &key.KeyHash, &key.Prefix, &key.Tier, &org, &key.Enabled, &key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	if org != nil {
		key.Organization = *org
	}
	return &key, nil
}

func (ps *PostgresStore) SaveAPIKey(ctx context.Context, key *models.APIKey) error {
	if _, err := ps.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash, prefix, tier, organization, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			key_hash = EXCLUDED.key_hash,
			prefix = EXCLUDED.prefix,
			tier = EXCLUDED.tier,
			organization = EXCLUDED.organization,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		key.ID, key.Name, key.KeyHash, key.Prefix, key.Tier, key.Organization, key.Enabled,
		key.CreatedAt, key.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to save api key: %w", err)
	}
	return nil
}

func (ps *PostgresStore) DeleteClient(ctx context.Context, clientHash string) error {
	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		"DELETE FROM requests WHERE client_hash = $1",
		"DELETE FROM violations WHERE client_hash = $1",
		"DELETE FROM bans WHERE client_hash = $1",
	} {
		if _, err := tx.Exec(ctx, q, clientHash); err != nil {
			return fmt.Errorf("failed to delete client rows: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (ps *PostgresStore) PurgeRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := ps.pool.Exec(ctx, "DELETE FROM requests WHERE ts < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (ps *PostgresStore) PurgeViolationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := ps.pool.Exec(ctx, "DELETE FROM violations WHERE ts < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge violations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (ps *PostgresStore) PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	tag, err := ps.pool.Exec(ctx, "DELETE FROM bans WHERE until <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired bans: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (ps *PostgresStore) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close closes the connection pool.
func (ps *PostgresStore) Close() error {
	ps.pool.Close()
	return nil
}
