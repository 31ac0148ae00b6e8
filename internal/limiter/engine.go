// Package limiter implements the tiered, persistent admission-control
// engine that gates every inbound request before it reaches business
// logic. Each check walks a strict phase order: whitelist, ban table,
// policy resolution, sliding-window admission, and violation escalation
// on denial only. The phases never re-enter within one request.
package limiter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gatekeeper/internal/identity"
	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
)

// Sliding window spans. Both are counted over the same request table;
// only the cutoff differs.
const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// Violation lookback spans for escalation.
const (
	violationHourWindow = time.Hour
	violationDayWindow  = 24 * time.Hour
)

// Denial and exemption classifications carried on a Decision.
const (
	LimitTypeMinute      = "minute"
	LimitTypeDaily       = "daily"
	LimitTypeBan         = "ban"
	LimitTypeWhitelisted = "whitelisted"
)

// Decision is the outcome of one admission check, carrying everything the
// middleware needs for response headers.
type Decision struct {
	Allowed         bool
	Tier            string
	LimitType       string // set on denials and for whitelisted exemptions
	MinuteLimit     int
	DayLimit        int
	RemainingMinute int
	RemainingDaily  int
	// RetryAfter is how long until the client can expect an admit:
	// the ban remainder for banned clients, otherwise the time until
	// the violated window slides open.
	RetryAfter time.Duration
	// FailedOpen marks an admit that happened because storage was
	// unreachable rather than because quota remained.
	FailedOpen bool
}

// Engine is the admission-control engine. Safe for concurrent use; all
// mutable state lives in the Store.
type Engine struct {
	store      storage.Store
	whitelist  *Whitelist
	policies   *PolicyTable
	escalation models.EscalationConfig
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an admission-control engine over the given store.
func NewEngine(store storage.Store, cfg *models.Config, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		whitelist:  NewWhitelist(cfg.Whitelist),
		policies:   NewPolicyTable(cfg.Limits),
		escalation: cfg.Escalation,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Whitelist returns the engine's whitelist, for hot reloads.
func (e *Engine) Whitelist() *Whitelist {
	return e.whitelist
}

// CheckRateLimit decides whether one request is admitted. It is the only
// entry point on the request path. On StorageUnavailable it fails open:
// an admission-layer outage must not take down the whole API.
func (e *Engine) CheckRateLimit(ctx context.Context, id identity.Identity, endpoint string) Decision {
	now := e.now()

	// Phase 1: whitelist, before any persistence I/O.
	if e.whitelist.IsWhitelisted(id.RawAddr) {
		return Decision{
			Allowed:   true,
			Tier:      LimitTypeWhitelisted,
			LimitType: LimitTypeWhitelisted,
		}
	}

	// Phase 2: ban table. A denial here records nothing: a banned client
	// hammering the API must not extend its own ban from the ban check.
	ban, err := e.store.GetBan(ctx, id.ClientHash)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return e.failOpen(id, "ban lookup", err)
	}
	if ban.Active(now) {
		return Decision{
			Allowed:    false,
			Tier:       models.TierStandard,
			LimitType:  LimitTypeBan,
			RetryAfter: ban.Remaining(now),
		}
	}

	// Phase 3: policy resolution.
	policy := e.resolvePolicy(ctx, id.APIKey, endpoint)

	// Phase 4: sliding-window admission. Check-then-insert without a
	// serializing transaction: under extreme concurrency the limit can
	// be exceeded by at most the worker count, an accepted tradeoff for
	// bounded per-request latency.
	countMinute, err := e.store.CountRequests(ctx, id.ClientHash, now.Add(-minuteWindow))
	if err != nil {
		return e.failOpen(id, "minute count", err)
	}
	countDay, err := e.store.CountRequests(ctx, id.ClientHash, now.Add(-dayWindow))
	if err != nil {
		return e.failOpen(id, "day count", err)
	}

	if countMinute >= policy.MinuteLimit {
		return e.deny(ctx, id, policy, LimitTypeMinute, minuteWindow, now)
	}
	if countDay >= policy.DayLimit {
		return e.deny(ctx, id, policy, LimitTypeDaily, dayWindow, now)
	}

	if err := e.store.RecordRequest(ctx, id.ClientHash, now); err != nil {
		return e.failOpen(id, "record request", err)
	}

	return Decision{
		Allowed:         true,
		Tier:            policy.Tier,
		MinuteLimit:     policy.MinuteLimit,
		DayLimit:        policy.DayLimit,
		RemainingMinute: policy.MinuteLimit - countMinute - 1,
		RemainingDaily:  policy.DayLimit - countDay - 1,
	}
}

// Status reports the client's current standing without consuming quota.
func (e *Engine) Status(ctx context.Context, id identity.Identity, endpoint string) (*models.StatusResponse, error) {
	now := e.now()
	policy := e.resolvePolicy(ctx, id.APIKey, endpoint)

	status := &models.StatusResponse{
		Tier:        policy.Tier,
		MinuteLimit: policy.MinuteLimit,
		DayLimit:    policy.DayLimit,
	}

	ban, err := e.store.GetBan(ctx, id.ClientHash)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if ban.Active(now) {
		status.Banned = true
		status.BanLiftsAt = &ban.Until
		status.BanLevel = ban.Level
	}

	countMinute, err := e.store.CountRequests(ctx, id.ClientHash, now.Add(-minuteWindow))
	if err != nil {
		return nil, err
	}
	countDay, err := e.store.CountRequests(ctx, id.ClientHash, now.Add(-dayWindow))
	if err != nil {
		return nil, err
	}
	status.RemainingMinute = max(0, policy.MinuteLimit-countMinute)
	status.RemainingDaily = max(0, policy.DayLimit-countDay)
	return status, nil
}

// resolvePolicy maps the optional API key and endpoint to a limit pair.
// Invalid, disabled or unknown keys fall back to standard without error:
// an unrecognized key must never grant elevated limits. Storage failures
// during lookup degrade to standard rather than propagating.
func (e *Engine) resolvePolicy(ctx context.Context, apiKey, endpoint string) Policy {
	tier := models.TierStandard
	if apiKey != "" {
		key, err := e.store.LookupAPIKey(ctx, models.HashAPIKey(apiKey))
		switch {
		case err == nil && key.Enabled:
			tier = key.Tier
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			e.logger.Warn("api key lookup failed, using standard tier", "error", err)
		}
	}
	return e.policies.Resolve(tier, endpoint)
}

// deny records the violation and runs escalation. The violation insert
// happens first so the threshold check counts inclusively.
func (e *Engine) deny(ctx context.Context, id identity.Identity, policy Policy, limitType string, window time.Duration, now time.Time) Decision {
	decision := Decision{
		Allowed:     false,
		Tier:        policy.Tier,
		LimitType:   limitType,
		MinuteLimit: policy.MinuteLimit,
		DayLimit:    policy.DayLimit,
		RetryAfter:  e.windowRetry(ctx, id.ClientHash, window, now),
	}

	if err := e.store.RecordViolation(ctx, id.ClientHash, now); err != nil {
		e.logger.Error("failed to record violation", "client", id.ClientHash, "error", err)
		return decision
	}

	v1h, err := e.store.CountViolations(ctx, id.ClientHash, now.Add(-violationHourWindow))
	if err != nil {
		e.logger.Error("failed to count violations", "client", id.ClientHash, "error", err)
		return decision
	}
	v24h, err := e.store.CountViolations(ctx, id.ClientHash, now.Add(-violationDayWindow))
	if err != nil {
		e.logger.Error("failed to count violations", "client", id.ClientHash, "error", err)
		return decision
	}

	current, err := e.store.GetBan(ctx, id.ClientHash)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error("failed to read ban for escalation", "client", id.ClientHash, "error", err)
		current = nil
	}

	next := Escalate(e.escalation, current, v1h, v24h, now)
	if next != nil && next != current {
		next.ClientHash = id.ClientHash
		next.RawAddr = id.RawAddr
		if err := e.store.UpsertBan(ctx, next); err != nil {
			e.logger.Error("failed to write ban", "client", id.ClientHash, "error", err)
			return decision
		}
		e.logger.Warn("temporary ban imposed",
			"client", id.ClientHash,
			"level", next.Level,
			"until", next.Until,
			"reason", next.Reason,
		)
	}

	return decision
}

// windowRetry computes how long until the violated window slides open:
// when the oldest record inside the window ages out.
func (e *Engine) windowRetry(ctx context.Context, clientHash string, window time.Duration, now time.Time) time.Duration {
	oldest, ok, err := e.store.OldestRequest(ctx, clientHash, now.Add(-window))
	if err != nil || !ok {
		return window
	}
	retry := oldest.Add(window).Sub(now)
	if retry < 0 {
		return 0
	}
	return retry
}

// failOpen admits a request despite a storage failure. The engine prefers
// serving the public API over enforcing limits during an outage; the edge
// proxy's exported blocklist remains in force for known abusers.
func (e *Engine) failOpen(id identity.Identity, op string, err error) Decision {
	e.logger.Error("storage unavailable, admitting request",
		"op", op,
		"client", id.ClientHash,
		"fail_open", true,
		"error", err,
	)
	return Decision{
		Allowed:    true,
		Tier:       models.TierStandard,
		FailedOpen: true,
	}
}
