package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Store is a typed facade over the Redis key/value + pub/sub backend.
// Every operation is a single command or a best-effort pipeline; nothing
// here relies on cross-key transactions.
type Store struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(addr, password string, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", addr).Msg("connected to Redis")

	return &Store{rdb: client, logger: logger}, nil
}

// NewWithClient wraps an existing client. Tests use this with miniredis.
func NewWithClient(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{rdb: client, logger: logger}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Get returns the string value of key; ok is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.rdb.Set(ctx, key, value, 0).Err()
}

// SetEx sets key with a TTL.
func (s *Store) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX sets key only if it does not exist. Returns whether it was set.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// TTL returns the remaining lifetime of key. ok is false when the key does
// not exist; a key with no expiry reports ok with a negative duration.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	if d == -2 { // go-redis maps redis's -2 (missing key) straight through
		return 0, false, nil
	}
	return d, true, nil
}

// Hashes

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.rdb.HSet(ctx, key, fields).Err()
}

func (s *Store) HSetField(ctx context.Context, key, field, value string) error {
	return s.rdb.HSet(ctx, key, field, value).Err()
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return s.rdb.HDel(ctx, key, fields...).Err()
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return s.rdb.HIncrBy(ctx, key, field, incr).Result()
}

// Sorted sets

func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.ZRange(ctx, key, start, stop).Result()
}

func (s *Store) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]redis.Z, error) {
	return s.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	return s.rdb.ZRem(ctx, key, members).Err()
}

// ZRank returns the rank of member; ok is false when it is not in the set.
func (s *Store) ZRank(ctx context.Context, key, member string) (int64, bool, error) {
	rank, err := s.rdb.ZRank(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rank, true, nil
}

func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.rdb.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (s *Store) ZIncrBy(ctx context.Context, key string, incr float64, member string) error {
	return s.rdb.ZIncrBy(ctx, key, incr, member).Err()
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *Store) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return s.rdb.ZRemRangeByRank(ctx, key, start, stop).Err()
}

// Sets

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	return s.rdb.SAdd(ctx, key, members).Err()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	return s.rdb.SRem(ctx, key, members).Err()
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.rdb.SIsMember(ctx, key, member).Result()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

// SPop removes and returns one random member; ok is false on an empty set.
func (s *Store) SPop(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.SPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.SCard(ctx, key).Result()
}

// Lists

func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	return s.rdb.RPush(ctx, key, values).Err()
}

// LPop removes and returns the head of the list; ok is false when empty.
func (s *Store) LPop(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) LIndex(ctx context.Context, key string, index int64) (string, bool, error) {
	val, err := s.rdb.LIndex(ctx, key, index).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

// Pipeline returns a non-transactional pipeline for best-effort batching.
func (s *Store) Pipeline() redis.Pipeliner {
	return s.rdb.Pipeline()
}

// ScanDelete removes every key matching pattern, scanning in pages of 200
// and unlinking in batches so large nests never block the server.
func (s *Store) ScanDelete(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := s.rdb.Unlink(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Publish sends a raw message on a pub/sub channel.
func (s *Store) Publish(ctx context.Context, channel, msg string) error {
	return s.rdb.Publish(ctx, channel, msg).Err()
}

// Subscribe opens a pub/sub subscription. The caller owns the returned
// subscription and must Close it.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channel)
}
