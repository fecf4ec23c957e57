package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tidwall/buntdb"
)

// BuntStore keeps records in an embedded buntdb file and relies on buntdb's native TTL.
type BuntStore struct {
	db *buntdb.DB
}

// OpenBuntStore opens or creates the buntdb file at path; ":memory:" keeps it in process.
func OpenBuntStore(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, unavailable("buntdb open", err)
	}
	return &BuntStore{db: db}, nil
}

// Close flushes and closes the underlying file.
func (s *BuntStore) Close() error {
	return s.db.Close()
}

func (s *BuntStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var value string
	err := s.db.View(func(tx *buntdb.Tx) error {
		stored, err := tx.Get(key)
		if err != nil {
			return err
		}
		value = stored
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("buntdb get", err)
	}
	return []byte(value), true, nil
}

func (s *BuntStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var options *buntdb.SetOptions
	if ttl > 0 {
		options = &buntdb.SetOptions{Expires: true, TTL: ttl}
	}
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), options)
		return err
	})
	if err != nil {
		return unavailable("buntdb put", err)
	}
	return nil
}

func (s *BuntStore) List(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	limit = normalizeLimit(limit)
	pivot := prefix
	if cursor > pivot {
		pivot = cursor
	}

	keys := make([]string, 0, limit+1)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual("", pivot, func(key, _ string) bool {
			if key == cursor {
				return true
			}
			if !strings.HasPrefix(key, prefix) {
				return false
			}
			keys = append(keys, key)
			return len(keys) <= limit
		})
	})
	if err != nil {
		return Page{}, unavailable("buntdb list", err)
	}
	if len(keys) <= limit {
		return Page{Keys: keys}, nil
	}
	keys = keys[:limit]
	return Page{Keys: keys, Cursor: keys[len(keys)-1]}, nil
}
