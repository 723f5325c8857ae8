package reader

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

type MemoryPreferenceStore struct {
	mu       sync.Mutex
	readerID string
}

func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{}
}

func (s *MemoryPreferenceStore) PreferredReader(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readerID, nil
}

func (s *MemoryPreferenceStore) SetPreferredReader(_ context.Context, readerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readerID = readerID
	return nil
}

// RedisPreferenceStore keeps the preferred reader across restarts.
type RedisPreferenceStore struct {
	client *redis.Client
	key    string
}

func NewRedisPreferenceStore(client *redis.Client, deviceID string) *RedisPreferenceStore {
	return &RedisPreferenceStore{client: client, key: "reader:preferred:" + deviceID}
}

func (s *RedisPreferenceStore) PreferredReader(ctx context.Context) (string, error) {
	id, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (s *RedisPreferenceStore) SetPreferredReader(ctx context.Context, readerID string) error {
	return s.client.Set(ctx, s.key, readerID, 0).Err()
}
