package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultPageSize applies when List is called with a non-positive limit.
const DefaultPageSize = 1000

// ErrUnavailable wraps every I/O failure reported by a backend.
var ErrUnavailable = errors.New("kvstore: store unavailable")

// Store is the capability surface the poll service depends on.
type Store interface {
	// Get returns the value stored under key. Expired and missing records both
	// report found == false with a nil error.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Put writes value under key; the backend discards it once ttl elapses.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// List returns up to limit keys starting with prefix, resuming after cursor.
	// An empty Page.Cursor means the listing is exhausted.
	List(ctx context.Context, prefix, cursor string, limit int) (Page, error)
}

// Page is one slice of a prefix listing.
type Page struct {
	Keys   []string
	Cursor string
}

func unavailable(operation string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, operation, err)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}

// pageSorted cuts one page out of candidate keys for backends that list in key order.
// The cursor is the last key handed out.
func pageSorted(candidates []string, prefix, cursor string, limit int) Page {
	matching := make([]string, 0, len(candidates))
	for _, key := range candidates {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if cursor != "" && key <= cursor {
			continue
		}
		matching = append(matching, key)
	}
	sort.Strings(matching)
	if len(matching) <= limit {
		return Page{Keys: matching}
	}
	page := matching[:limit]
	return Page{Keys: page, Cursor: page[len(page)-1]}
}

// prefixUpperBound returns the smallest string greater than every string
// starting with prefix, or false when no such bound exists.
func prefixUpperBound(prefix string) (string, bool) {
	bound := []byte(prefix)
	for index := len(bound) - 1; index >= 0; index-- {
		if bound[index] < 0xff {
			bound[index]++
			return string(bound[:index+1]), true
		}
	}
	return "", false
}
