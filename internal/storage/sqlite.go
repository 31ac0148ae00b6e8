package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gatekeeper/internal/models"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default backend: a single-file database in WAL mode.
// WAL keeps the janitor's and exporter's reads from stalling admission
// writes. Timestamps are stored as unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS requests (
	client_hash TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_client_ts ON requests(client_hash, ts);
CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts);

CREATE TABLE IF NOT EXISTS violations (
	client_hash TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_violations_client_ts ON violations(client_hash, ts);
CREATE INDEX IF NOT EXISTS idx_violations_ts ON violations(ts);

CREATE TABLE IF NOT EXISTS bans (
	client_hash TEXT PRIMARY KEY,
	raw_addr TEXT,
	until INTEGER NOT NULL,
	level INTEGER NOT NULL,
	reason TEXT,
	violation_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_bans_until ON bans(until);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	prefix TEXT NOT NULL,
	tier TEXT NOT NULL,
	organization TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// NewSQLiteStore opens (creating if necessary) the database at the DSN
// path and initializes the schema.
func NewSQLiteStore(config Config) (Store, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("DSN is required for sqlite storage")
	}

	if dir := filepath.Dir(config.DSN); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite serializes writes internally; a single
	// connection avoids SQLITE_BUSY under concurrent admission checks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CountRequests(ctx context.Context, clientHash string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM requests WHERE client_hash = ? AND ts > ?",
		clientHash, since.UnixMicro(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) OldestRequest(ctx context.Context, clientHash string, since time.Time) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MIN(ts) FROM requests WHERE client_hash = ? AND ts > ?",
		clientHash, since.UnixMicro(),
	).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get oldest request: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMicro(ts.Int64), true, nil
}

func (s *SQLiteStore) RecordRequest(ctx context.Context, clientHash string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO requests (client_hash, ts) VALUES (?, ?)",
		clientHash, at.UnixMicro(),
	); err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordViolation(ctx context.Context, clientHash string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO violations (client_hash, ts) VALUES (?, ?)",
		clientHash, at.UnixMicro(),
	); err != nil {
		return fmt.Errorf("failed to record violation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountViolations(ctx context.Context, clientHash string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM violations WHERE client_hash = ? AND ts > ?",
		clientHash, since.UnixMicro(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) GetBan(ctx context.Context, clientHash string) (*models.Ban, error) {
	var (
		ban   models.Ban
		until int64
		raw   sql.NullString
		rsn   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT client_hash, raw_addr, until, level, reason, violation_count FROM bans WHERE client_hash = ?",
		clientHash,
	).Scan(&ban.ClientHash, &raw, &until, &ban.Level, &rsn, &ban.ViolationCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ban: %w", err)
	}
	ban.RawAddr = raw.String
	ban.Reason = rsn.String
	ban.Until = time.UnixMicro(until)
	return &ban, nil
}

func (s *SQLiteStore) UpsertBan(ctx context.Context, ban *models.Ban) error {
	// The WHERE clause on the conflict branch is what keeps bans
	// monotonic: an existing later expiry wins.
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO bans (client_hash, raw_addr, until, level, reason, violation_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_hash) DO UPDATE SET
			raw_addr = excluded.raw_addr,
			until = excluded.until,
			level = excluded.level,
			reason = excluded.reason,
			violation_count = excluded.violation_count
		WHERE excluded.until > bans.until`,
		ban.ClientHash, ban.RawAddr, ban.Until.UnixMicro(), ban.Level, ban.Reason, ban.ViolationCount,
	); err != nil {
		return fmt.Errorf("failed to upsert ban: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ActiveBans(ctx context.Context, now time.Time) ([]models.Ban, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT client_hash, raw_addr, until, level, reason, violation_count FROM bans WHERE until > ?",
		now.UnixMicro(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active bans: %w", err)
	}
	defer rows.Close()

	var bans []models.Ban
	for rows.Next() {
		var (
			ban   models.Ban
			until int64
			raw   sql.NullString
			rsn   sql.NullString
		)
		if err := rows.Scan(&ban.ClientHash, &raw, &until, &ban.Level, &rsn, &ban.ViolationCount); err != nil {
			return nil, fmt.Errorf("failed to scan ban: %w", err)
		}
		ban.RawAddr = raw.String
		ban.Reason = rsn.String
		ban.Until = time.UnixMicro(until)
		bans = append(bans, ban)
	}
	return bans, rows.Err()
}

func (s *SQLiteStore) LookupAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var (
		key       models.APIKey
		org       sql.NullString
		enabled   int
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, key_hash, prefix, tier, organization, enabled, created_at, updated_at FROM api_keys WHERE key_hash = ?",
		keyHash,
	).Scan(&key.ID, &key.Name, &key.KeyHash, &key.Prefix, &key.Tier, &org, &enabled, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	key.Organization = org.String
	key.Enabled = enabled != 0
	key.CreatedAt = time.UnixMicro(createdAt)
	key.UpdatedAt = time.UnixMicro(updatedAt)
	return &key, nil
}

func (s *SQLiteStore) SaveAPIKey(ctx context.Context, key *models.APIKey) error {
	enabled := 0
	if key.Enabled {
		enabled = 1
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_hash, prefix, tier, organization, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			key_hash = excluded.key_hash,
			prefix = excluded.prefix,
			tier = excluded.tier,
			organization = excluded.organization,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		key.ID, key.Name, key.KeyHash, key.Prefix, key.Tier, key.Organization, enabled,
		key.CreatedAt.UnixMicro(), key.UpdatedAt.UnixMicro(),
	); err != nil {
		return fmt.Errorf("failed to save api key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteClient(ctx context.Context, clientHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM requests WHERE client_hash = ?",
		"DELETE FROM violations WHERE client_hash = ?",
		"DELETE FROM bans WHERE client_hash = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, clientHash); err != nil {
			return fmt.Errorf("failed to delete client rows: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) PurgeRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM requests WHERE ts < ?", cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to purge requests: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PurgeViolationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM violations WHERE ts < ?", cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to purge violations: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM bans WHERE until <= ?", now.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired bans: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the storage connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
