// Package storage persists the admission-control ledger: admitted-request
// timestamps, violation events, active bans and API keys. All backends
// share one Store contract so the engine, janitor and exporter never know
// which backend is wired in.
package storage

import (
	"context"
	"time"

	"gatekeeper/internal/models"
)

// Store defines the persistence contract for the admission engine.
// Implementations must be safe for concurrent use: every request-serving
// worker reads and writes the same tables.
type Store interface {
	// CountRequests returns the number of admitted requests recorded for
	// the client with timestamps strictly after since. The minute and day
	// windows share the same table; only the cutoff differs.
	CountRequests(ctx context.Context, clientHash string, since time.Time) (int, error)

	// OldestRequest returns the earliest admitted-request timestamp after
	// since, used to compute when a full window opens up again. ok is
	// false when no record falls inside the window.
	OldestRequest(ctx context.Context, clientHash string, since time.Time) (at time.Time, ok bool, err error)

	// RecordRequest appends one admitted-request row. Denied requests are
	// never recorded; they must not consume quota.
	RecordRequest(ctx context.Context, clientHash string, at time.Time) error

	// RecordViolation appends one limit-exceeded event.
	RecordViolation(ctx context.Context, clientHash string, at time.Time) error

	// CountViolations returns the number of violations recorded for the
	// client with timestamps strictly after since.
	CountViolations(ctx context.Context, clientHash string, since time.Time) (int, error)

	// GetBan returns the ban entry for the client, expired or not.
	// Returns ErrNotFound when no entry exists.
	GetBan(ctx context.Context, clientHash string) (*models.Ban, error)

	// UpsertBan writes the ban entry, replacing an existing one only when
	// the new Until is strictly later. Bans never shorten.
	UpsertBan(ctx context.Context, ban *models.Ban) error

	// ActiveBans returns all bans whose Until is after now.
	ActiveBans(ctx context.Context, now time.Time) ([]models.Ban, error)

	// LookupAPIKey returns the key with the given SHA-256 hash.
	// Returns ErrNotFound when absent.
	LookupAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error)

	// SaveAPIKey stores or updates an API key.
	SaveAPIKey(ctx context.Context, key *models.APIKey) error

	// DeleteClient removes all request, violation and ban rows for one
	// client. Admin reset only; never called on the request path.
	DeleteClient(ctx context.Context, clientHash string) error

	// PurgeRequestsBefore deletes admitted-request rows with timestamps
	// before cutoff, returning the number deleted.
	PurgeRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// PurgeViolationsBefore deletes violation rows with timestamps before
	// cutoff, returning the number deleted.
	PurgeViolationsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// PurgeExpiredBans deletes ban rows whose Until has passed, returning
	// the number deleted.
	PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error)

	// Ping verifies the backend is reachable, for health checks.
	Ping(ctx context.Context) error

	// Close closes the storage connection and cleans up resources.
	Close() error
}

// Config holds configuration for storage backends.
type Config struct {
	// Type specifies the storage backend type (sqlite, postgres, redis, memory).
	Type string `json:"type" yaml:"type"`

	// DSN is the database connection string for sqlite and postgres.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// MaxOpenConns bounds the connection pool for database backends.
	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`

	// MaxIdleConns bounds idle pooled connections for database backends.
	MaxIdleConns int `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`

	// Redis holds redis-specific connection settings.
	Redis models.RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}
