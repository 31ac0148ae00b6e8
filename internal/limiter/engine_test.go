package limiter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/identity"
	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
)

// fakeClock is a manually-advanced time source so window math is exact.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testEngineConfig() *models.Config {
	cfg := models.NewDefaultConfig()
	cfg.Limits.Tiers = map[string]models.TierLimits{
		models.TierStandard:   {PerMinute: 5, PerDay: 20},
		models.TierEnterprise: {PerMinute: 100, PerDay: 1000},
	}
	cfg.Limits.Endpoints = []models.EndpointOverride{
		{Path: "/api/events", PerMinute: 10, PerDay: 50},
	}
	cfg.Whitelist = []string{"203.0.113.7"}
	return cfg
}

func newTestEngine(t *testing.T) (*Engine, storage.Store, *fakeClock) {
	t.Helper()
	store, err := storage.NewMemoryStore(storage.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	engine := NewEngine(store, testEngineConfig(), WithClock(clock.Now))
	return engine, store, clock
}

func testIdentity(addr string) identity.Identity {
	return identity.Identity{
		RawAddr:    addr,
		ClientHash: identity.HashAddr(addr),
	}
}

func TestEngineAdmitsWithinLimit(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	id := testIdentity("198.51.100.1")

	for i := 0; i < 5; i++ {
		decision := engine.CheckRateLimit(ctx, id, "/api/meetings")
		require.True(t, decision.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 5-i-1, decision.RemainingMinute)
	}
}

func TestEngineDeniesOverMinuteLimit(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	id := testIdentity("198.51.100.1")

	for i := 0; i < 5; i++ {
		require.True(t, engine.CheckRateLimit(ctx, id, "/api/meetings").Allowed)
	}

	decision := engine.CheckRateLimit(ctx, id, "/api/meetings")
	assert.False(t, decision.Allowed)
	assert.Equal(t, LimitTypeMinute, decision.LimitType)
	assert.Equal(t, 5, decision.MinuteLimit)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, decision.RetryAfter, time.Minute)
}

func TestEngineWindowSlides(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	ctx := context.Background()
	id := testIdentity("198.51.100.1")

	for i := 0; i < 5; i++ {
		require.True(t, engine.CheckRateLimit(ctx, id, "/api/meetings").Allowed)
	}
	require.False(t, engine.CheckRateLimit(ctx, id, "/api/meetings").Allowed)

	// Once the oldest admit ages out of the trailing minute, capacity
	// returns. No boundary reset is involved.
	clock.Advance(61 * time.Second)
	assert.True(t, engine.CheckRateLimit(ctx, id, "/api/meetings").Allowed)
}

func TestEngineDenialDoesNotConsumeQuota(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	ctx := context.Background()
	id := testIdentity("198.51.100.1")

	for i := 0; i < 5; i++ {
		require.True(t, engine.CheckRateLimit(ctx, id, "/api/meetings").Allowed)
	}
	for i := 0; i < 3; i++ {
		require.False(t, engine.CheckRateLimit(ctx, id, "/api/meetings").Allowed)
	}

	// Only the 5 admitted requests occupy the window; the denials left
	// no request rows behind.
	count, err := store.CountRequests(ctx, id.ClientHash, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestEngineDeniesOverDayLimit(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	ctx := context.Background()
	id := testIdentity("198.51.100.1")

	// Spread 20 admits across minutes so the minute window never trips.
	for i := 0; i < 20; i++ {
		require.True(t, engine.CheckRateLimit(ctx, id, "/api/meetings").Allowed)
		clock.Advance(2 * time.Minute)
	}

	decision := engine.CheckRateLimit(ctx, id, "/api/meetings")
	assert.False(t, decision.Allowed)
	assert.Equal(t, LimitTypeDaily, decision.LimitType)
}

func TestEngineWhitelistBypassesEverything(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	ctx := context.Background()
	id := testIdentity("203.0.113.7")

	for i := 0; i < 50; i++ {
		decision := engine.CheckRateLimit(ctx, id, "/api/meetings")
		require.True(t, decision.Allowed)
		assert.Equal(t, LimitTypeWhitelisted, decision.LimitType)
	}

	// Whitelisted traffic leaves no trace in the ledger.
	count, err := store.CountRequests(ctx, id.ClientHash, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEngineEndpointOverride(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	id := testIdentity("198.51.100.1")

	// /api/events carries 10/min regardless of the standard 5/min.
	for i := 0; i < 10; i++ {
		require.True(t, engine.CheckRateLimit(ctx, id, "/api/events").Allowed, "request %d", i+1)
	}
	decision := engine.CheckRateLimit(ctx, id, "/api/events")
	assert.False(t, decision.Allowed)
	assert.Equal(t, 10, decision.MinuteLimit)
}

func TestEngineEnterpriseKeyRaisesLimits(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	raw, err := models.GenerateAPIKey()
	require.NoError(t, err)
	key := models.NewAPIKey(models.NewKeyID(), "acme", raw, models.TierEnterprise)
	require.NoError(t, store.SaveAPIKey(ctx, key))

	id := testIdentity("198.51.100.1")
	id.APIKey = raw

	for i := 0; i < 20; i++ {
		decision := engine.CheckRateLimit(ctx, id, "/api/meetings")
		require.True(t, decision.Allowed)
		assert.Equal(t, models.TierEnterprise, decision.Tier)
	}
}

func TestEngineUnknownKeyFallsBackToStandard(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	id := testIdentity("198.51.100.1")
	id.APIKey = "gk_not_a_real_key"

	decision := engine.CheckRateLimit(ctx, id, "/api/meetings")
	require.True(t, decision.Allowed)
	assert.Equal(t, models.TierStandard, decision.Tier)
	assert.Equal(t, 5, decision.MinuteLimit)
}

func TestEngineDisabledKeyFallsBackToStandard(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	raw, err := models.GenerateAPIKey()
	require.NoError(t, err)
	key := models.NewAPIKey(models.NewKeyID(), "revoked", raw, models.TierEnterprise)
	key.Enabled = false
	require.NoError(t, store.SaveAPIKey(ctx, key))

	id := testIdentity("198.51.100.1")
	id.APIKey = raw

	decision := engine.CheckRateLimit(ctx, id, "/api/meetings")
	assert.Equal(t, models.TierStandard, decision.Tier)
}

func TestEngineTenthViolationBans(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	ctx := context.Background()
	id := testIdentity("198.51.100.1")

	for i := 0; i < 5; i++ {
		require.True(t, engine.CheckRateLimit(ctx, id, "/api/meetings").Allowed)
	}

	// Violations 1 through 9: denied, but not yet banned.
	for i := 0; i < 9; i++ {
		decision := engine.CheckRateLimit(ctx, id, "/api/meetings")
		require.False(t, decision.Allowed)
		require.Equal(t, LimitTypeMinute, decision.LimitType, "violation %d must not be a ban", i+1)
	}

	// The 10th violation trips the hourly ban, inclusively.
	decision := engine.CheckRateLimit(ctx, id, "/api/meetings")
	require.False(t, decision.Allowed)

	ban, err := store.GetBan(ctx, id.ClientHash)
	require.NoError(t, err)
	assert.Equal(t, models.BanLevelHourly, ban.Level)
	assert.Equal(t, clock.Now().Add(time.Hour), ban.Until)
	assert.Equal(t, id.RawAddr, ban.RawAddr)
}

func TestEngineBannedDenialsRecordNoViolations(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	ctx := context.Background()
	id := testIdentity("198.51.100.1")

	require.NoError(t, store.UpsertBan(ctx, &models.Ban{
		ClientHash: id.ClientHash,
		RawAddr:    id.RawAddr,
		Until:      clock.Now().Add(time.Hour),
		Level:      models.BanLevelHourly,
	}))

	for i := 0; i < 30; i++ {
		decision := engine.CheckRateLimit(ctx, id, "/api/meetings")
		require.False(t, decision.Allowed)
		require.Equal(t, LimitTypeBan, decision.LimitType)
		assert.Greater(t, decision.RetryAfter, time.Duration(0))
	}

	// Hammering while banned must not feed escalation, or bans would
	// self-extend forever.
	violations, err := store.CountViolations(ctx, id.ClientHash, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, violations)

	ban, err := store.GetBan(ctx, id.ClientHash)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour), ban.Until)
}

func TestEngineBanLiftsAfterExpiry(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	ctx := context.Background()
	id := testIdentity("198.51.100.1")

	require.NoError(t, store.UpsertBan(ctx, &models.Ban{
		ClientHash: id.ClientHash,
		Until:      clock.Now().Add(time.Hour),
		Level:      models.BanLevelHourly,
	}))
	require.False(t, engine.CheckRateLimit(ctx, id, "/api/meetings").Allowed)

	clock.Advance(time.Hour + time.Second)
	assert.True(t, engine.CheckRateLimit(ctx, id, "/api/meetings").Allowed)
}

func TestEngineSevereEscalationNeverShortens(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	ctx := context.Background()
	id := testIdentity("198.51.100.1")

	// Pre-existing severe ban that has just expired, then enough fresh
	// violations for an hourly ban only.
	for i := 0; i < 5; i++ {
		require.True(t, engine.CheckRateLimit(ctx, id, "/api/meetings").Allowed)
	}
	require.NoError(t, store.UpsertBan(ctx, &models.Ban{
		ClientHash: id.ClientHash,
		Until:      clock.Now().Add(30 * time.Minute),
		Level:      models.BanLevelSevere,
	}))

	// While the severe ban is active, denials never move its expiry.
	require.False(t, engine.CheckRateLimit(ctx, id, "/api/meetings").Allowed)
	ban, err := store.GetBan(ctx, id.ClientHash)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(30*time.Minute), ban.Until)
	assert.Equal(t, models.BanLevelSevere, ban.Level)
}

func TestEngineFailsOpenOnStorageError(t *testing.T) {
	store := &failingStore{}
	cfg := testEngineConfig()
	engine := NewEngine(store, cfg)

	decision := engine.CheckRateLimit(context.Background(), testIdentity("198.51.100.1"), "/api/meetings")
	assert.True(t, decision.Allowed)
	assert.True(t, decision.FailedOpen)
}

func TestEngineStatusDoesNotConsumeQuota(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	id := testIdentity("198.51.100.1")

	require.True(t, engine.CheckRateLimit(ctx, id, "/api/meetings").Allowed)

	for i := 0; i < 10; i++ {
		status, err := engine.Status(ctx, id, "/api/meetings")
		require.NoError(t, err)
		assert.Equal(t, 4, status.RemainingMinute)
		assert.False(t, status.Banned)
	}
}

func TestEngineStatusReportsBan(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	ctx := context.Background()
	id := testIdentity("198.51.100.1")

	until := clock.Now().Add(2 * time.Hour)
	require.NoError(t, store.UpsertBan(ctx, &models.Ban{
		ClientHash: id.ClientHash,
		Until:      until,
		Level:      models.BanLevelSevere,
	}))

	status, err := engine.Status(ctx, id, "/api/meetings")
	require.NoError(t, err)
	assert.True(t, status.Banned)
	assert.Equal(t, models.BanLevelSevere, status.BanLevel)
	require.NotNil(t, status.BanLiftsAt)
	assert.Equal(t, until, *status.BanLiftsAt)
}

// failingStore simulates a storage outage for fail-open coverage.
type failingStore struct{}

var errStorageDown = errors.New("storage unavailable")

func (f *failingStore) CountRequests(context.Context, string, time.Time) (int, error) {
	return 0, errStorageDown
}

func (f *failingStore) OldestRequest(context.Context, string, time.Time) (time.Time, bool, error) {
	return time.Time{}, false, errStorageDown
}

func (f *failingStore) RecordRequest(context.Context, string, time.Time) error { return errStorageDown }

func (f *failingStore) RecordViolation(context.Context, string, time.Time) error {
	return errStorageDown
}

func (f *failingStore) CountViolations(context.Context, string, time.Time) (int, error) {
	return 0, errStorageDown
}

func (f *failingStore) GetBan(context.Context, string) (*models.Ban, error) {
	return nil, errStorageDown
}

func (f *failingStore) UpsertBan(context.Context, *models.Ban) error { return errStorageDown }

func (f *failingStore) ActiveBans(context.Context, time.Time) ([]models.Ban, error) {
	return nil, errStorageDown
}

func (f *failingStore) LookupAPIKey(context.Context, string) (*models.APIKey, error) {
	return nil, errStorageDown
}

func (f *failingStore) SaveAPIKey(context.Context, *models.APIKey) error { return errStorageDown }

func (f *failingStore) DeleteClient(context.Context, string) error { return errStorageDown }

func (f *failingStore) PurgeRequestsBefore(context.Context, time.Time) (int64, error) {
	return 0, errStorageDown
}

func (f *failingStore) PurgeViolationsBefore(context.Context, time.Time) (int64, error) {
	return 0, errStorageDown
}

func (f *failingStore) PurgeExpiredBans(context.Context, time.Time) (int64, error) {
	return 0, errStorageDown
}

func (f *failingStore) Ping(context.Context) error { return errStorageDown }

func (f *failingStore) Close() error { return nil }

// Guard against new Store methods silently missing from the fake.
var _ storage.Store = (*failingStore)(nil)

func BenchmarkCheckRateLimit(b *testing.B) {
	store, err := storage.NewMemoryStore(storage.Config{})
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()

	engine := NewEngine(store, testEngineConfig())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := testIdentity(fmt.Sprintf("198.51.100.%d", i%250))
		engine.CheckRateLimit(ctx, id, "/api/meetings")
	}
}
