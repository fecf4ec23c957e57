package polls

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/polls/backend/internal/kvstore"
)

func TestComputeTallyCountsVotesPerAnswerAndValue(t *testing.T) {
	service := newTestService(t, kvstore.NewMemoryStore(0), nil)
	ctx := context.Background()

	root, stored, err := service.CreateQuestionSet(ctx, catsAndDogs())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	cats := answerIDByText(t, stored, "Cats")
	dogs := answerIDByText(t, stored, "Dogs")

	if _, err := service.SubmitVotes(ctx, root, VoteBatch{{AnswerID: cats, Value: "yes"}}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if _, err := service.SubmitVotes(ctx, root, VoteBatch{{AnswerID: cats, Value: "yes"}, {AnswerID: dogs, Value: "no"}}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	result, err := service.ComputeTally(ctx, root)
	if err != nil {
		t.Fatalf("unexpected tally error: %v", err)
	}
	expected := Tally{cats: {"yes": 2}, dogs: {"no": 1}}
	if !reflect.DeepEqual(result.Counts, expected) {
		t.Fatalf("expected %#v, got %#v", expected, result.Counts)
	}
	if result.Batches != 2 {
		t.Fatalf("expected 2 batches, got %d", result.Batches)
	}
	if result.Orphaned != 0 || result.Skipped != 0 {
		t.Fatalf("unexpected orphaned %d or skipped %d", result.Orphaned, result.Skipped)
	}
	if !reflect.DeepEqual(result.Questions, stored) {
		t.Fatalf("expected question set alongside tally, got %#v", result.Questions)
	}
}

func TestComputeTallyWithoutVotesReturnsEmptyCounts(t *testing.T) {
	service := newTestService(t, newRecordingStore(0), nil)
	root, _, err := service.CreateQuestionSet(context.Background(), catsAndDogs())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	result, err := service.ComputeTally(context.Background(), root)
	if err != nil {
		t.Fatalf("expected empty tally, got error %v", err)
	}
	if result.Counts == nil || len(result.Counts) != 0 {
		t.Fatalf("expected empty non-nil counts, got %#v", result.Counts)
	}
	if len(result.Questions) != 1 {
		t.Fatalf("expected question set in result")
	}
}

func TestComputeTallyReportsMissingRootAsNotFound(t *testing.T) {
	store := newRecordingStore(0)
	store.put("Gone00:vote01", `[{"vote":"yes","answer_key":"a"}]`)
	service := newTestService(t, store, nil)

	_, err := service.ComputeTally(context.Background(), mustRootKey(t, "Gone00"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if code := codeOf(err); code != "polls.compute_tally.not_found" {
		t.Fatalf("unexpected error code %q", code)
	}
	if store.listCalls != 0 {
		t.Fatalf("expected no listing for a missing root")
	}
}

func TestComputeTallyFollowsContinuationCursors(t *testing.T) {
	store := newRecordingStore(2)
	store.put("Root01", `[{"key":"q","question":"Q","answers":[{"key":"a","answer":"A"}]}]`)
	for _, suffix := range []string{"v1", "v2", "v3", "v4", "v5"} {
		store.put("Root01:"+suffix, `[{"vote":"yes","answer_key":"a"}]`)
	}
	store.put("Root012:v1", `[{"vote":"yes","answer_key":"a"}]`)
	store.put("Root0:v1", `[{"vote":"yes","answer_key":"a"}]`)
	service := newTestService(t, store, nil)

	result, err := service.ComputeTally(context.Background(), mustRootKey(t, "Root01"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := result.Counts.Count("a", "yes"); got != 5 {
		t.Fatalf("expected 5 votes across pages, got %d", got)
	}
	if store.listCalls != 3 {
		t.Fatalf("expected 3 list calls, got %d", store.listCalls)
	}
	expectedCursors := []string{"", "Root01:v2", "Root01:v4"}
	if !reflect.DeepEqual(store.cursors, expectedCursors) {
		t.Fatalf("expected cursors %v, got %v", expectedCursors, store.cursors)
	}
}

func TestComputeTallyIsIdempotent(t *testing.T) {
	service := newTestService(t, kvstore.NewMemoryStore(0), nil)
	ctx := context.Background()
	root, stored, err := service.CreateQuestionSet(ctx, catsAndDogs())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	cats := answerIDByText(t, stored, "Cats")
	for index := 0; index < 10; index++ {
		if _, err := service.SubmitVotes(ctx, root, VoteBatch{{AnswerID: cats, Value: "yes"}}); err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	first, err := service.ComputeTally(ctx, root)
	if err != nil {
		t.Fatalf("unexpected tally error: %v", err)
	}
	second, err := service.ComputeTally(ctx, root)
	if err != nil {
		t.Fatalf("unexpected tally error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical tallies, got %#v and %#v", first, second)
	}
}

func TestFoldIgnoresBatchAndEntryOrder(t *testing.T) {
	batches := []VoteBatch{
		{{AnswerID: "a", Value: "yes"}, {AnswerID: "b", Value: "no"}},
		{{AnswerID: "a", Value: "yes"}},
		{{AnswerID: "a", Value: "no"}, {AnswerID: "c", Value: "maybe"}, {AnswerID: "b", Value: "no"}},
		{{AnswerID: "b", Value: "yes"}},
	}
	expected := Fold(batches)

	random := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		permuted := make([]VoteBatch, len(batches))
		for index, batchIndex := range random.Perm(len(batches)) {
			batch := append(VoteBatch(nil), batches[batchIndex]...)
			random.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
			permuted[index] = batch
		}
		if got := Fold(permuted); !reflect.DeepEqual(got, expected) {
			t.Fatalf("round %d: expected %#v, got %#v", round, expected, got)
		}
	}
	if expected.Count("a", "yes") != 2 || expected.Count("b", "no") != 2 || expected.Count("c", "maybe") != 1 {
		t.Fatalf("unexpected fold result %#v", expected)
	}
}

func TestComputeTallySkipsBatchesExpiredBeforeRead(t *testing.T) {
	store := newRecordingStore(0)
	store.put("Root01", `[{"key":"q","question":"Q","answers":[{"key":"a","answer":"A"}]}]`)
	store.put("Root01:v1", `[{"vote":"yes","answer_key":"a"}]`)
	store.put("Root01:v2", `[{"vote":"yes","answer_key":"a"}]`)
	store.vanishOnGet["Root01:v2"] = true
	service := newTestService(t, store, nil)

	result, err := service.ComputeTally(context.Background(), mustRootKey(t, "Root01"))
	if err != nil {
		t.Fatalf("expected expired batch to be skipped, got %v", err)
	}
	if result.Counts.Count("a", "yes") != 1 || result.Batches != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestComputeTallyCountsOrphanedVotes(t *testing.T) {
	store := newRecordingStore(0)
	store.put("Root01", `[{"key":"q","question":"Q","answers":[{"key":"a","answer":"A"}]}]`)
	store.put("Root01:v1", `[{"vote":"yes","answer_key":"a"},{"vote":"yes","answer_key":"zzz"}]`)
	service := newTestService(t, store, nil)

	result, err := service.ComputeTally(context.Background(), mustRootKey(t, "Root01"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Orphaned != 1 {
		t.Fatalf("expected 1 orphaned vote, got %d", result.Orphaned)
	}
	if result.Counts.Count("zzz", "yes") != 1 {
		t.Fatalf("expected orphaned vote to remain in counts")
	}
}

func TestComputeTallyFailures(t *testing.T) {
	const questions = `[{"key":"q","question":"Q","answers":[{"key":"a","answer":"A"}]}]`

	testCases := []struct {
		name     string
		prepare  func(store *recordingStore)
		wantErr  error
		wantCode string
	}{
		{
			name: "listing unavailable",
			prepare: func(store *recordingStore) {
				store.listErr = kvstore.ErrUnavailable
			},
			wantErr:  kvstore.ErrUnavailable,
			wantCode: "polls.compute_tally.list_failed",
		},
		{
			name: "root unreadable",
			prepare: func(store *recordingStore) {
				store.getErr = kvstore.ErrUnavailable
			},
			wantErr:  kvstore.ErrUnavailable,
			wantCode: "polls.compute_tally.store_read_failed",
		},
		{
			name: "corrupt root",
			prepare: func(store *recordingStore) {
				store.put("Root01", `not json`)
			},
			wantErr:  ErrMalformedPayload,
			wantCode: "polls.compute_tally.decode_failed",
		},
		{
			name: "corrupt vote batch",
			prepare: func(store *recordingStore) {
				store.put("Root01:v9", `{"vote":"yes"}`)
			},
			wantErr:  ErrMalformedPayload,
			wantCode: "polls.compute_tally.decode_failed",
		},
		{
			name: "stalled cursor",
			prepare: func(store *recordingStore) {
				store.stallCursor = true
			},
			wantErr:  errCursorStalled,
			wantCode: "polls.compute_tally.cursor_stalled",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			store := newRecordingStore(0)
			store.put("Root01", questions)
			store.put("Root01:v1", `[{"vote":"yes","answer_key":"a"}]`)
			testCase.prepare(store)
			service := newTestService(t, store, nil)

			result, err := service.ComputeTally(context.Background(), mustRootKey(t, "Root01"))
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if code := codeOf(err); code != testCase.wantCode {
				t.Fatalf("expected code %q, got %q", testCase.wantCode, code)
			}
			if result.Counts != nil {
				t.Fatalf("expected no partial tally, got %#v", result.Counts)
			}
		})
	}
}

func TestComputeTallyFailsWhenVoteBatchReadFails(t *testing.T) {
	store := &failingVoteReadStore{recordingStore: newRecordingStore(0)}
	store.put("Root01", `[{"key":"q","question":"Q","answers":[{"key":"a","answer":"A"}]}]`)
	store.put("Root01:v1", `[{"vote":"yes","answer_key":"a"}]`)
	store.put("Root01:v2", `[{"vote":"yes","answer_key":"a"}]`)
	service := newTestService(t, store, nil)

	_, err := service.ComputeTally(context.Background(), mustRootKey(t, "Root01"))
	if !errors.Is(err, kvstore.ErrUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if code := codeOf(err); code != "polls.compute_tally.store_read_failed" {
		t.Fatalf("unexpected error code %q", code)
	}
}

// failingVoteReadStore serves root records but fails every composite read.
type failingVoteReadStore struct {
	*recordingStore
}

func (s *failingVoteReadStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if len(key) > 6 {
		return nil, false, kvstore.ErrUnavailable
	}
	return s.recordingStore.Get(ctx, key)
}
