// Package export writes the active-ban blocklist consumed by the edge
// proxy. The file is the one place raw client addresses leave the ban
// table; everything else in the ledger keys on hashed identities.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
)

// Exporter periodically snapshots active bans to a flat address list.
type Exporter struct {
	store    storage.Store
	path     string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an exporter from configuration.
func New(store storage.Store, cfg models.ExporterConfig, logger *slog.Logger) *Exporter {
	return &Exporter{
		store:    store,
		path:     cfg.Path,
		interval: cfg.Interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run exports on the configured interval until the context is cancelled.
// One export runs immediately so the proxy never starts against a stale
// or missing file after a restart.
func (e *Exporter) Run(ctx context.Context) {
	if err := e.Export(ctx); err != nil {
		e.logger.Error("initial blocklist export failed", "error", err)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("blocklist exporter started", "path", e.path, "interval", e.interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("blocklist exporter stopped")
			return
		case <-ticker.C:
			if err := e.Export(ctx); err != nil {
				e.logger.Error("blocklist export failed", "error", err)
			}
		}
	}
}

// Export writes the current active-ban addresses, one per line, replacing
// the file atomically via rename so the proxy never reads a partial list.
// Entries without a parseable address are skipped: the file feeds a
// firewall and must never contain arbitrary strings.
func (e *Exporter) Export(ctx context.Context) error {
	bans, err := e.store.ActiveBans(ctx, e.now())
	if err != nil {
		return fmt.Errorf("load active bans: %w", err)
	}

	addrs := make([]string, 0, len(bans))
	seen := make(map[string]struct{}, len(bans))
	for _, ban := range bans {
		addr, err := netip.ParseAddr(ban.RawAddr)
		if err != nil {
			e.logger.Warn("skipping ban with unparseable address", "client", ban.ClientHash)
			continue
		}
		canonical := addr.String()
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		addrs = append(addrs, canonical)
	}
	sort.Strings(addrs)

	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(e.path), ".blocklist-*")
	if err != nil {
		return fmt.Errorf("create temp blocklist: %w", err)
	}
	defer os.Remove(tmp.Name())

	var b strings.Builder
	for _, addr := range addrs {
		b.WriteString(addr)
		b.WriteByte('\n')
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("write blocklist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blocklist: %w", err)
	}
	if err := os.Rename(tmp.Name(), e.path); err != nil {
		return fmt.Errorf("replace blocklist: %w", err)
	}

	e.logger.Debug("blocklist exported", "addresses", len(addrs))
	return nil
}
