// Package janitor prunes aged ledger rows so the request and violation
// tables stay bounded. Retention must cover the longest counting window
// (24h) or purges would silently shorten daily counts; config validation
// enforces that floor.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
)

// Janitor runs periodic retention sweeps against the store.
type Janitor struct {
	store     storage.Store
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a janitor from configuration.
func New(store storage.Store, cfg models.JanitorConfig, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:     store,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
// A failed sweep logs and waits for the next tick; rows are retried
// implicitly because the cutoff only moves forward.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("janitor started", "interval", j.interval, "retention", j.retention)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one retention pass. Exported so tests and the startup
// path can trigger it without waiting for a tick.
func (j *Janitor) Sweep(ctx context.Context) {
	now := j.now()
	cutoff := now.Add(-j.retention)

	requests, err := j.store.PurgeRequestsBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("failed to purge request rows", "error", err)
	}
	violations, err := j.store.PurgeViolationsBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("failed to purge violation rows", "error", err)
	}
	bans, err := j.store.PurgeExpiredBans(ctx, now)
	if err != nil {
		j.logger.Error("failed to purge expired bans", "error", err)
	}

	if requests+violations+bans > 0 {
		j.logger.Info("retention sweep complete",
			"requests_purged", requests,
			"violations_purged", violations,
			"bans_purged", bans,
		)
	}
}
