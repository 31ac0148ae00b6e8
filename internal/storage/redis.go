package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"gatekeeper/internal/models"

	"github.com/redis/go-redis/v9"
)

// Key layout: per-client sorted sets score timestamps for the sliding
// windows, ban details live in hashes, and a global sorted set indexes
// bans by expiry so the exporter can enumerate them.
const (
	redisRequestPrefix   = "gk:req:"
	redisViolationPrefix = "gk:vio:"
	redisBanPrefix       = "gk:ban:"
	redisAPIKeyPrefix    = "gk:key:"
	redisBanIndex        = "gk:bans"
)

// redisRetention bounds per-client set TTLs. Slightly over the 24h day
// window so a set is never expired out from under an in-flight count.
const redisRetention = 25 * time.Hour

// RedisStore implements the Store interface on redis sorted sets. Suited
// to multi-instance deployments that already run redis; the sliding-window
// counts are ZCOUNT over timestamp scores.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a redis-backed store and verifies connectivity.
func NewRedisStore(config Config) (Store, error) {
	if config.Redis.Addr == "" {
		return nil, fmt.Errorf("addr is required for redis storage")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// member builds a unique sorted-set member for a timestamp. The random
// suffix keeps same-instant writes from different workers distinct.
func member(at time.Time) string {
	return strconv.FormatInt(at.UnixNano(), 10) + ":" + strconv.FormatInt(rand.Int64(), 36)
}

func sinceArg(since time.Time) string {
	return "(" + strconv.FormatInt(since.UnixNano(), 10)
}

func (rs *RedisStore) countAfter(ctx context.Context, key string, since time.Time) (int, error) {
	count, err := rs.client.ZCount(ctx, key, sinceArg(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", key, err)
	}
	return int(count), nil
}

func (rs *RedisStore) recordAt(ctx context.Context, key string, at time.Time) error {
	pipe := rs.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member(at)})
	pipe.Expire(ctx, key, redisRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record %s: %w", key, err)
	}
	return nil
}

func (rs *RedisStore) CountRequests(ctx context.Context, clientHash string, since time.Time) (int, error) {
	return rs.countAfter(ctx, redisRequestPrefix+clientHash, since)
}

func (rs *RedisStore) OldestRequest(ctx context.Context, clientHash string, since time.Time) (time.Time, bool, error) {
	entries, err := rs.client.ZRangeByScoreWithScores(ctx, redisRequestPrefix+clientHash, &redis.ZRangeBy{
		Min:   sinceArg(since),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get oldest request: %w", err)
	}
	if len(entries) == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(0, int64(entries[0].Score)), true, nil
}

func (rs *RedisStore) RecordRequest(ctx context.Context, clientHash string, at time.Time) error {
	return rs.recordAt(ctx, redisRequestPrefix+clientHash, at)
}

func (rs *RedisStore) RecordViolation(ctx context.Context, clientHash string, at time.Time) error {
	return rs.recordAt(ctx, redisViolationPrefix+clientHash, at)
}

func (rs *RedisStore) CountViolations(ctx context.Context, clientHash string, since time.Time) (int, error) {
	return rs.countAfter(ctx, redisViolationPrefix+clientHash, since)
}

func (rs *RedisStore) GetBan(ctx context.Context, clientHash string) (*models.Ban, error) {
	fields, err := rs.client.HGetAll(ctx, redisBanPrefix+clientHash).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get ban: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return banFromFields(clientHash, fields)
}

func banFromFields(clientHash string, fields map[string]string) (*models.Ban, error) {
	untilNano, err := strconv.ParseInt(fields["until"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed ban expiry for %s: %w", clientHash, err)
	}
	level, _ := strconv.Atoi(fields["level"])
	count, _ := strconv.Atoi(fields["violation_count"])
	return &models.Ban{
		ClientHash:     clientHash,
		RawAddr:        fields["raw_addr"],
		Until:          time.Unix(0, untilNano),
		Level:          level,
		Reason:         fields["reason"],
		ViolationCount: count,
	}, nil
}

func (rs *RedisStore) UpsertBan(ctx context.Context, ban *models.Ban) error {
	// Read-modify-write without WATCH: a concurrent longer ban can win
	// the race, which only ever lengthens the outcome.
	existing, err := rs.client.ZScore(ctx, redisBanIndex, ban.ClientHash).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read ban index: %w", err)
	}
	if err == nil && int64(existing) >= ban.Until.UnixNano() {
		return nil
	}

	key := redisBanPrefix + ban.ClientHash
	pipe := rs.client.Pipeline()
	pipe.HSet(ctx, key,
		"raw_addr", ban.RawAddr,
		"until", strconv.FormatInt(ban.Until.UnixNano(), 10),
		"level", strconv.Itoa(ban.Level),
		"reason", ban.Reason,
		"violation_count", strconv.Itoa(ban.ViolationCount),
	)
	pipe.ExpireAt(ctx, key, ban.Until)
	pipe.ZAddGT(ctx, redisBanIndex, redis.Z{Score: float64(ban.Until.UnixNano()), Member: ban.ClientHash})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert ban: %w", err)
	}
	return nil
}

func (rs *RedisStore) ActiveBans(ctx context.Context, now time.Time) ([]models.Ban, error) {
	hashes, err := rs.client.ZRangeByScore(ctx, redisBanIndex, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list ban index: %w", err)
	}

	var bans []models.Ban
	for _, hash := range hashes {
		ban, err := rs.GetBan(ctx, hash)
		if err != nil {
			if err == ErrNotFound {
				// Hash key expired ahead of the index entry.
				continue
			}
			return nil, err
		}
		bans = append(bans, *ban)
	}
	return bans, nil
}

func (rs *RedisStore) LookupAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error) {
	data, err := rs.client.Get(ctx, redisAPIKeyPrefix+keyHash).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	var key models.APIKey
	if err := json.Unmarshal([]byte(data), &key); err != nil {
		return nil, fmt.Errorf("malformed api key record: %w", err)
	}
	return &key, nil
}

func (rs *RedisStore) SaveAPIKey(ctx context.Context, key *models.APIKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to marshal api key: %w", err)
	}
	if err := rs.client.Set(ctx, redisAPIKeyPrefix+key.KeyHash, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save api key: %w", err)
	}
	return nil
}

func (rs *RedisStore) DeleteClient(ctx context.Context, clientHash string) error {
	pipe := rs.client.Pipeline()
	pipe.Del(ctx, redisRequestPrefix+clientHash, redisViolationPrefix+clientHash, redisBanPrefix+clientHash)
	pipe.ZRem(ctx, redisBanIndex, clientHash)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return nil
}

// purgeSets trims timestamps below cutoff from every set under prefix.
// SCAN-based, so it is janitor-only work, never on the request path.
func (rs *RedisStore) purgeSets(ctx context.Context, prefix string, cutoff time.Time) (int64, error) {
	var deleted int64
	max := strconv.FormatInt(cutoff.UnixNano(), 10)
	iter := rs.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := rs.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", "("+max).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to purge %s: %w", iter.Val(), err)
		}
		deleted += n
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scan failed: %w", err)
	}
	return deleted, nil
}

func (rs *RedisStore) PurgeRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return rs.purgeSets(ctx, redisRequestPrefix, cutoff)
}

func (rs *RedisStore) PurgeViolationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return rs.purgeSets(ctx, redisViolationPrefix, cutoff)
}

func (rs *RedisStore) PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	max := strconv.FormatInt(now.UnixNano(), 10)
	expired, err := rs.client.ZRangeByScore(ctx, redisBanIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired bans: %w", err)
	}
	for _, hash := range expired {
		if err := rs.client.Del(ctx, redisBanPrefix+hash).Err(); err != nil {
			return 0, fmt.Errorf("failed to delete expired ban: %w", err)
		}
	}
	if _, err := rs.client.ZRemRangeByScore(ctx, redisBanIndex, "-inf", max).Result(); err != nil {
		return 0, fmt.Errorf("failed to trim ban index: %w", err)
	}
	return int64(len(expired)), nil
}

func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
