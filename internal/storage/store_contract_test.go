package storage

import (
	"context"
	"testing"
	"time"

	"gatekeeper/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the Store interface behavior every backend
// must share. Backends with external dependencies (postgres, redis) are
// covered by the same contract in their deployment environments.
func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("requests sliding window", func(t *testing.T) {
		const hash = "aaaa111122223333"

		count, err := store.CountRequests(ctx, hash, now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		// Two in the minute window, one outside it but inside the day.
		require.NoError(t, store.RecordRequest(ctx, hash, now.Add(-10*time.Second)))
		require.NoError(t, store.RecordRequest(ctx, hash, now.Add(-30*time.Second)))
		require.NoError(t, store.RecordRequest(ctx, hash, now.Add(-2*time.Hour)))

		count, err = store.CountRequests(ctx, hash, now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		count, err = store.CountRequests(ctx, hash, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		oldest, ok, err := store.OldestRequest(ctx, hash, now.Add(-time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		assert.WithinDuration(t, now.Add(-30*time.Second), oldest, time.Second)

		_, ok, err = store.OldestRequest(ctx, "no-such-client", now.Add(-time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("violations", func(t *testing.T) {
		const hash = "bbbb111122223333"

		require.NoError(t, store.RecordViolation(ctx, hash, now.Add(-5*time.Minute)))
		require.NoError(t, store.RecordViolation(ctx, hash, now.Add(-3*time.Hour)))

		count, err := store.CountViolations(ctx, hash, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		count, err = store.CountViolations(ctx, hash, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("ban upsert is monotonic", func(t *testing.T) {
		const hash = "cccc111122223333"

		_, err := store.GetBan(ctx, hash)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.UpsertBan(ctx, &models.Ban{
			ClientHash: hash,
			RawAddr:    "203.0.113.7",
			Until:      now.Add(24 * time.Hour),
			Level:      models.BanLevelSevere,
		}))

		// A later level-1 trigger must not shorten the existing ban.
		require.NoError(t, store.UpsertBan(ctx, &models.Ban{
			ClientHash: hash,
			RawAddr:    "203.0.113.7",
			Until:      now.Add(time.Hour),
			Level:      models.BanLevelHourly,
		}))

		ban, err := store.GetBan(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, models.BanLevelSevere, ban.Level)
		assert.WithinDuration(t, now.Add(24*time.Hour), ban.Until, time.Second)

		// A strictly later expiry replaces the entry.
		require.NoError(t, store.UpsertBan(ctx, &models.Ban{
			ClientHash: hash,
			RawAddr:    "203.0.113.7",
			Until:      now.Add(7 * 24 * time.Hour),
			Level:      models.BanLevelDaily,
		}))

		ban, err = store.GetBan(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, models.BanLevelDaily, ban.Level)
		assert.WithinDuration(t, now.Add(7*24*time.Hour), ban.Until, time.Second)
	})

	t.Run("active bans", func(t *testing.T) {
		require.NoError(t, store.UpsertBan(ctx, &models.Ban{
			ClientHash: "dddd111122223333",
			RawAddr:    "198.51.100.23",
			Until:      now.Add(time.Hour),
			Level:      models.BanLevelHourly,
		}))

		bans, err := store.ActiveBans(ctx, now)
		require.NoError(t, err)

		var addrs []string
		for _, b := range bans {
			addrs = append(addrs, b.RawAddr)
		}
		assert.Contains(t, addrs, "198.51.100.23")

		// Nothing is active from a vantage point past every expiry.
		bans, err = store.ActiveBans(ctx, now.Add(30*24*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, bans)
	})

	t.Run("api keys", func(t *testing.T) {
		key := models.NewAPIKey(models.NewKeyID(), "city-of-testville", "gk_testkey12345678", models.TierEnterprise)
		require.NoError(t, store.SaveAPIKey(ctx, key))

		got, err := store.LookupAPIKey(ctx, key.KeyHash)
		require.NoError(t, err)
		assert.Equal(t, key.ID, got.ID)
		assert.Equal(t, models.TierEnterprise, got.Tier)
		assert.True(t, got.Enabled)

		_, err = store.LookupAPIKey(ctx, models.HashAPIKey("gk_never_issued"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("purges are idempotent", func(t *testing.T) {
		const hash = "eeee111122223333"
		require.NoError(t, store.RecordRequest(ctx, hash, now.Add(-30*time.Hour)))
		require.NoError(t, store.RecordRequest(ctx, hash, now.Add(-time.Minute)))
		require.NoError(t, store.RecordViolation(ctx, hash, now.Add(-30*time.Hour)))

		cutoff := now.Add(-24 * time.Hour)
		deleted, err := store.PurgeRequestsBefore(ctx, cutoff)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, deleted, int64(1))

		deletedViolations, err := store.PurgeViolationsBefore(ctx, cutoff)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, deletedViolations, int64(1))

		// Recent row survives.
		count, err := store.CountRequests(ctx, hash, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		// Second pass deletes nothing new.
		deleted, err = store.PurgeRequestsBefore(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(0), deleted)
	})

	t.Run("expired ban purge", func(t *testing.T) {
		const hash = "ffff111122223333"
		require.NoError(t, store.UpsertBan(ctx, &models.Ban{
			ClientHash: hash,
			Until:      now.Add(time.Minute),
			Level:      models.BanLevelHourly,
		}))

		deleted, err := store.PurgeExpiredBans(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, deleted, int64(1))

		_, err = store.GetBan(ctx, hash)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete client", func(t *testing.T) {
		const hash = "9999111122223333"
		require.NoError(t, store.RecordRequest(ctx, hash, now))
		require.NoError(t, store.RecordViolation(ctx, hash, now))
		require.NoError(t, store.UpsertBan(ctx, &models.Ban{ClientHash: hash, Until: now.Add(time.Hour), Level: 1}))

		require.NoError(t, store.DeleteClient(ctx, hash))

		count, err := store.CountRequests(ctx, hash, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		_, err = store.GetBan(ctx, hash)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}
