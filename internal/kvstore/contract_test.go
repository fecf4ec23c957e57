package kvstore

import (
	"context"
	"sort"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestStoreContract(t *testing.T) {
	factories := []struct {
		name     string
		newStore func(t *testing.T) Store
	}{
		{name: "memory", newStore: func(t *testing.T) Store { return NewMemoryStore(0) }},
		{name: "sqlite", newStore: func(t *testing.T) Store { return newTestSQLiteStore(t, time.Now) }},
		{name: "buntdb", newStore: func(t *testing.T) Store {
			store, err := OpenBuntStore(":memory:")
			if err != nil {
				t.Fatalf("failed to open buntdb: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		}},
	}

	for _, factory := range factories {
		t.Run(factory.name+"/missing-key", func(t *testing.T) {
			store := factory.newStore(t)
			value, found, err := store.Get(context.Background(), "absent")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if found || value != nil {
				t.Fatalf("expected absent record, got %q", value)
			}
		})

		t.Run(factory.name+"/put-then-get", func(t *testing.T) {
			store := factory.newStore(t)
			ctx := context.Background()
			if err := store.Put(ctx, "abc123", []byte(`{"a":1}`), time.Hour); err != nil {
				t.Fatalf("put failed: %v", err)
			}
			if err := store.Put(ctx, "abc123", []byte(`{"a":2}`), time.Hour); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}
			value, found, err := store.Get(ctx, "abc123")
			if err != nil || !found {
				t.Fatalf("expected stored record, found=%v err=%v", found, err)
			}
			if string(value) != `{"a":2}` {
				t.Fatalf("expected last write to win, got %s", value)
			}
		})

		t.Run(factory.name+"/paged-prefix-listing", func(t *testing.T) {
			store := factory.newStore(t)
			ctx := context.Background()
			for _, key := range []string{"abc", "abc:1", "abc:2", "abc:3", "abc:4", "abc:5", "abcd:1", "ABC:1", "ab:1"} {
				if err := store.Put(ctx, key, []byte("v"), time.Hour); err != nil {
					t.Fatalf("put %s failed: %v", key, err)
				}
			}

			listed := drain(t, store, "abc:", 2)
			expected := []string{"abc:1", "abc:2", "abc:3", "abc:4", "abc:5"}
			assertKeys(t, listed, expected)
		})

		t.Run(factory.name+"/expired-record-is-absent", func(t *testing.T) {
			if factory.name == "sqlite" {
				t.Skip("sqlite expiry is covered with a controlled clock")
			}
			store := factory.newStore(t)
			ctx := context.Background()
			if err := store.Put(ctx, "short", []byte("v"), 20*time.Millisecond); err != nil {
				t.Fatalf("put failed: %v", err)
			}
			time.Sleep(60 * time.Millisecond)
			if _, found, err := store.Get(ctx, "short"); err != nil || found {
				t.Fatalf("expected expired record to be absent, found=%v err=%v", found, err)
			}
		})
	}
}

func TestSQLiteStoreExpiryAndSweep(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	store := newTestSQLiteStore(t, clock)
	ctx := context.Background()

	if err := store.Put(ctx, "root01", []byte("q"), time.Minute); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, "root01:vote01", []byte("v"), time.Hour); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	now = now.Add(2 * time.Minute)

	if _, found, err := store.Get(ctx, "root01"); err != nil || found {
		t.Fatalf("expected expired root to be absent, found=%v err=%v", found, err)
	}
	if _, found, err := store.Get(ctx, "root01:vote01"); err != nil || !found {
		t.Fatalf("expected live child to outlive its root, found=%v err=%v", found, err)
	}

	removed, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 swept record, got %d", removed)
	}

	listed := drain(t, store, "root01", 10)
	assertKeys(t, listed, []string{"root01:vote01"})
}

func TestPrefixUpperBound(t *testing.T) {
	testCases := []struct {
		prefix  string
		want    string
		bounded bool
	}{
		{prefix: "abc:", want: "abc;", bounded: true},
		{prefix: "a\xff", want: "b", bounded: true},
		{prefix: "\xff\xff", bounded: false},
		{prefix: "", bounded: false},
	}
	for _, testCase := range testCases {
		got, bounded := prefixUpperBound(testCase.prefix)
		if bounded != testCase.bounded || got != testCase.want {
			t.Fatalf("prefixUpperBound(%q) = %q,%v want %q,%v", testCase.prefix, got, bounded, testCase.want, testCase.bounded)
		}
	}
}

func newTestSQLiteStore(t *testing.T, clock func() time.Time) *SQLiteStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewSQLiteStore(SQLiteConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func drain(t *testing.T, store Store, prefix string, limit int) []string {
	t.Helper()
	var (
		listed []string
		cursor string
	)
	for page := 0; page < 100; page++ {
		result, err := store.List(context.Background(), prefix, cursor, limit)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		listed = append(listed, result.Keys...)
		if result.Cursor == "" {
			return listed
		}
		cursor = result.Cursor
	}
	t.Fatalf("listing did not terminate")
	return nil
}

func assertKeys(t *testing.T, got, want []string) {
	t.Helper()
	sorted := append([]string(nil), got...)
	sort.Strings(sorted)
	if len(sorted) != len(want) {
		t.Fatalf("expected keys %v, got %v", want, sorted)
	}
	for index := range want {
		if sorted[index] != want[index] {
			t.Fatalf("expected keys %v, got %v", want, sorted)
		}
	}
}
