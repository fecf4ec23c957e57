package polls

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/polls/backend/internal/keys"
	"github.com/MarcoPoloResearchLab/polls/backend/internal/kvstore"
)

const testTTL = time.Hour

type scriptedSource struct {
	mu    sync.Mutex
	keys  []string
	index int
}

func (s *scriptedSource) NewKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index >= len(s.keys) {
		return "", errors.New("exhausted keys")
	}
	key := s.keys[s.index]
	s.index++
	return key, nil
}

// recordingStore keeps records in a sorted map and serves at most pageLimit
// keys per List call regardless of the requested limit.
type recordingStore struct {
	mu        sync.Mutex
	records   map[string][]byte
	ttls      map[string]time.Duration
	pageLimit int
	listCalls int
	cursors   []string

	getErr      error
	putErr      error
	listErr     error
	vanishOnGet map[string]bool
	stallCursor bool
}

func newRecordingStore(pageLimit int) *recordingStore {
	return &recordingStore{
		records:     make(map[string][]byte),
		ttls:        make(map[string]time.Duration),
		pageLimit:   pageLimit,
		vanishOnGet: make(map[string]bool),
	}
}

func (s *recordingStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	if s.vanishOnGet[key] {
		return nil, false, nil
	}
	value, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *recordingStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.records[key] = append([]byte(nil), value...)
	s.ttls[key] = ttl
	return nil
}

func (s *recordingStore) List(_ context.Context, prefix, cursor string, limit int) (kvstore.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	s.cursors = append(s.cursors, cursor)
	if s.listErr != nil {
		return kvstore.Page{}, s.listErr
	}
	if s.stallCursor {
		return kvstore.Page{Keys: []string{}, Cursor: "stuck"}, nil
	}
	if s.pageLimit > 0 && (limit <= 0 || limit > s.pageLimit) {
		limit = s.pageLimit
	}

	matching := make([]string, 0)
	for key := range s.records {
		if strings.HasPrefix(key, prefix) && key > cursor {
			matching = append(matching, key)
		}
	}
	sort.Strings(matching)

	page := kvstore.Page{Keys: matching}
	if limit > 0 && len(matching) > limit {
		page.Keys = matching[:limit]
		page.Cursor = matching[limit-1]
	}
	return page, nil
}

func (s *recordingStore) put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = []byte(value)
}

func newTestService(t *testing.T, store kvstore.Store, source keys.Source) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Store:     store,
		KeySource: source,
		TTL:       testTTL,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustRootKey(t *testing.T, value string) keys.RootKey {
	t.Helper()
	root, err := keys.NewRootKey(value)
	if err != nil {
		t.Fatalf("unexpected root key error: %v", err)
	}
	return root
}

func catsAndDogs() QuestionSet {
	return QuestionSet{{
		Text:    "Which pet?",
		Answers: []Answer{{Text: "Cats"}, {Text: "Dogs"}},
	}}
}

func answerIDByText(t *testing.T, questions QuestionSet, text string) string {
	t.Helper()
	for _, question := range questions {
		for _, answer := range question.Answers {
			if answer.Text == text {
				return answer.ID
			}
		}
	}
	t.Fatalf("answer %q not found", text)
	return ""
}

func codeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
