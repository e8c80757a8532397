package storage

import (
	"context"
	"fmt"

	"namecard/pkg/cache"
	"namecard/pkg/identity"
)

// RedisStore keeps both documents under <prefix>:identity:{genders,nicknames}.
type RedisStore struct {
	cache *cache.Cache
}

func NewRedisStore(c *cache.Cache) *RedisStore {
	return &RedisStore{cache: c}
}

func (s *RedisStore) keys() (string, string) {
	return s.cache.Key("identity", GendersDoc), s.cache.Key("identity", NicknamesDoc)
}

func (s *RedisStore) Location() string {
	g, _ := s.keys()
	return fmt.Sprintf("redis://%s (%s)", s.cache.Addr(), g)
}

func (s *RedisStore) Load(ctx context.Context) (identity.Snapshot, error) {
	gKey, nKey := s.keys()
	vals, err := s.cache.GetMany(ctx, gKey, nKey)
	if err != nil {
		return identity.Snapshot{}, fmt.Errorf("failed to read snapshot from Redis: %w", err)
	}
	if vals[0] == nil && vals[1] == nil {
		return identity.Snapshot{}, ErrNotFound
	}
	return identity.Snapshot{Genders: vals[0], Nicknames: vals[1]}, nil
}

func (s *RedisStore) Save(ctx context.Context, snap identity.Snapshot) error {
	gKey, nKey := s.keys()
	err := s.cache.SetMany(ctx, map[string][]byte{
		gKey: snap.Genders,
		nKey: snap.Nicknames,
	}, 0)
	if err != nil {
		return fmt.Errorf("failed to write snapshot to Redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.cache.Close()
}
