package dnc

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the set holding registry entries.
const DefaultRedisKey = "callbridge:dnc"

// RedisStore keeps the registry in a Redis set.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore connects to addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, key: DefaultRedisKey}
}

// NewRedisStoreFromClient wraps an existing client and key.
func NewRedisStoreFromClient(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// Close releases the client's connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Add(ctx context.Context, phone string) error {
	k, err := Key(phone)
	if err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, s.key, k).Err(); err != nil {
		return fmt.Errorf("dnc: sadd: %w", err)
	}
	return nil
}

func (s *RedisStore) Contains(ctx context.Context, phone string) (bool, error) {
	k, err := Key(phone)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SIsMember(ctx, s.key, k).Result()
	if err != nil {
		return false, fmt.Errorf("dnc: sismember: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("dnc: smembers: %w", err)
	}
	sort.Strings(members)
	return members, nil
}
