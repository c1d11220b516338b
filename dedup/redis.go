package dedup

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps processed IDs in a Redis set, mirrored in memory
type RedisStore struct {
	mu     sync.RWMutex
	client *redis.Client
	key    string
	ids    map[string]struct{}
}

// OpenRedis connects to url and loads every member of the set at key
func OpenRedis(ctx context.Context, url, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	members, err := client.SMembers(ctx, key).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("load processed ids: %w", err)
	}

	ids := make(map[string]struct{}, len(members))
	for _, m := range members {
		ids[m] = struct{}{}
	}

	return &RedisStore{client: client, key: key, ids: ids}, nil
}

func (s *RedisStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Mark adds id to the Redis set before recording it in memory
func (s *RedisStore) Mark(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return nil
	}
	if err := s.client.SAdd(ctx, s.key, id).Err(); err != nil {
		return fmt.Errorf("add processed id: %w", err)
	}
	s.ids[id] = struct{}{}
	return nil
}

func (s *RedisStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
