package kvstore

import (
	"bufio"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mediocregopher/radix/v3"
	"github.com/mediocregopher/radix/v3/resp/resp2"
)

const scanCursorStart = "0"

// RedisStore keeps records in Redis with native key expiry.
type RedisStore struct {
	client radix.Client
}

// NewRedisStore wraps an existing radix client (pool, cluster or single connection).
func NewRedisStore(client radix.Client) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedis opens a connection pool to address.
func DialRedis(address string, poolSize int) (*RedisStore, error) {
	if poolSize <= 0 {
		poolSize = 10
	}
	pool, err := radix.NewPool("tcp", address, poolSize)
	if err != nil {
		return nil, unavailable("redis dial", err)
	}
	return NewRedisStore(pool), nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var value []byte
	reply := radix.MaybeNil{Rcv: &value}
	if err := s.client.Do(radix.Cmd(&reply, "GET", key)); err != nil {
		return nil, false, unavailable("redis get", err)
	}
	if reply.Nil {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var action radix.Action
	if ttl > 0 {
		action = radix.FlatCmd(nil, "SET", key, value, "PX", ttl.Milliseconds())
	} else {
		action = radix.FlatCmd(nil, "SET", key, value)
	}
	if err := s.client.Do(action); err != nil {
		return unavailable("redis put", err)
	}
	return nil
}

// List issues one SCAN step. COUNT is a hint, so a page may hold more or fewer
// than limit keys, and Redis may repeat a key across pages.
func (s *RedisStore) List(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if cursor == "" {
		cursor = scanCursorStart
	}
	var reply scanReply
	err := s.client.Do(radix.Cmd(&reply, "SCAN", cursor,
		"MATCH", escapeGlob(prefix)+"*",
		"COUNT", strconv.Itoa(normalizeLimit(limit))))
	if err != nil {
		return Page{}, unavailable("redis scan", err)
	}
	page := Page{Keys: reply.keys}
	if reply.cursor != scanCursorStart {
		page.Cursor = reply.cursor
	}
	return page, nil
}

type scanReply struct {
	cursor string
	keys   []string
}

func (r *scanReply) UnmarshalRESP(reader *bufio.Reader) error {
	var header resp2.ArrayHeader
	if err := header.UnmarshalRESP(reader); err != nil {
		return err
	}
	if header.N != 2 {
		return errors.New("kvstore: unexpected SCAN reply shape")
	}
	var cursor resp2.BulkString
	if err := cursor.UnmarshalRESP(reader); err != nil {
		return err
	}
	r.cursor = cursor.S
	r.keys = r.keys[:0]
	return (resp2.Any{I: &r.keys}).UnmarshalRESP(reader)
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(value string) string {
	return globEscaper.Replace(value)
}
