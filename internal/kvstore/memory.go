package kvstore

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps records in process. It is meant for development and tests;
// records do not survive a restart.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore constructs a MemoryStore whose janitor purges expired records every cleanupInterval.
// A non-positive interval disables the janitor; expired records are still hidden from reads.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{cache: cache.New(cache.NoExpiration, cleanupInterval)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	raw, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	value, ok := raw.([]byte)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	expiration := ttl
	if ttl <= 0 {
		expiration = cache.NoExpiration
	}
	s.cache.Set(key, append([]byte(nil), value...), expiration)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	items := s.cache.Items()
	candidates := make([]string, 0, len(items))
	for key := range items {
		candidates = append(candidates, key)
	}
	return pageSorted(candidates, prefix, cursor, normalizeLimit(limit)), nil
}
