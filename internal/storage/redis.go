package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes every key written by RedisStorage.
const DefaultNamespace = "waiting_room"

// RedisConfig configures the connection used by RedisStorage.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	Namespace string
}

// RedisStorage implements Backend on a single Redis (or DragonFlyDB) instance.
// The queue is a sorted set; liveness, countdown and credential entries are
// plain string keys with native expiry.
type RedisStorage struct {
	client    *redis.Client
	namespace string
}

// NewRedisStorage connects to Redis and verifies the connection with PING.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}

	return NewRedisStorageFromClient(client, cfg.Namespace), nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client, namespace string) *RedisStorage {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisStorage{client: client, namespace: namespace}
}

// Client exposes the underlying connection so other components (the event
// publisher) can share it.
func (s *RedisStorage) Client() *redis.Client { return s.client }

func (s *RedisStorage) queueKey() string              { return s.namespace + ":queue" }
func (s *RedisStorage) userKey(id string) string      { return s.namespace + ":user:" + id }
func (s *RedisStorage) countdownKey(id string) string { return s.namespace + ":start_countdown:" + id }
func (s *RedisStorage) codeKey(code string) string    { return s.namespace + ":access:code:" + code }
func (s *RedisStorage) grantKey(id string) string     { return s.namespace + ":access:user:" + id }

func (s *RedisStorage) Upsert(ctx context.Context, id string, score float64) error {
	return s.client.ZAdd(ctx, s.queueKey(), redis.Z{Score: score, Member: id}).Err()
}

func (s *RedisStorage) Insert(ctx context.Context, id string, score float64) (bool, error) {
	added, err := s.client.ZAddNX(ctx, s.queueKey(), redis.Z{Score: score, Member: id}).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

func (s *RedisStorage) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := s.client.ZRem(ctx, s.queueKey(), id).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (s *RedisStorage) RankOf(ctx context.Context, id string) (int64, bool, error) {
	rank, err := s.client.ZRank(ctx, s.queueKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rank, true, nil
}

func (s *RedisStorage) Cardinality(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.queueKey()).Result()
}

func (s *RedisStorage) HeadRange(ctx context.Context, n int64) ([]Member, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.rangeMembers(ctx, 0, n-1)
}

func (s *RedisStorage) Members(ctx context.Context) ([]Member, error) {
	return s.rangeMembers(ctx, 0, -1)
}

func (s *RedisStorage) rangeMembers(ctx context.Context, start, stop int64) ([]Member, error) {
	vals, err := s.client.ZRangeWithScores(ctx, s.queueKey(), start, stop).Result()
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(vals))
	for _, z := range vals {
		id, ok := z.Member.(string)
		if !ok {
			id = fmt.Sprint(z.Member)
		}
		members = append(members, Member{ID: id, Score: z.Score})
	}
	return members, nil
}

// MarkActive stores the heartbeat as Unix milliseconds.
func (s *RedisStorage) MarkActive(ctx context.Context, id string, seen time.Time, ttl time.Duration) error {
	return s.client.Set(ctx, s.userKey(id), seen.UnixMilli(), ttl).Err()
}

func (s *RedisStorage) LastSeen(ctx context.Context, ids []string) (map[string]time.Time, error) {
	seen := make(map[string]time.Time, len(ids))
	if len(ids) == 0 {
		return seen, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.userKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			// Unparseable heartbeat; fall back to the arrival score.
			continue
		}
		seen[ids[i]] = time.UnixMilli(ms)
	}
	return seen, nil
}

func (s *RedisStorage) Drop(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, 2*len(ids))
	for _, id := range ids {
		keys = append(keys, s.userKey(id), s.countdownKey(id))
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStorage) ArmCountdown(ctx context.Context, id string, ttl time.Duration) error {
	return s.client.Set(ctx, s.countdownKey(id), "true", ttl).Err()
}

func (s *RedisStorage) ConsumeCountdown(ctx context.Context, id string, remove bool) (bool, error) {
	var err error
	if remove {
		err = s.client.GetDel(ctx, s.countdownKey(id)).Err()
	} else {
		err = s.client.Get(ctx, s.countdownKey(id)).Err()
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStorage) PutCredential(ctx context.Context, code, id string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.codeKey(code), id, ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	if err := s.client.Set(ctx, s.grantKey(id), code, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStorage) LookupByCode(ctx context.Context, code string) (string, bool, error) {
	return s.lookup(ctx, s.codeKey(code))
}

func (s *RedisStorage) LookupByParticipant(ctx context.Context, id string) (string, bool, error) {
	return s.lookup(ctx, s.grantKey(id))
}

func (s *RedisStorage) lookup(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
