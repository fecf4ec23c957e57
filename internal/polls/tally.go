package polls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/polls/backend/internal/keys"
	"github.com/MarcoPoloResearchLab/polls/backend/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ComputeTally reads the question set under root and folds every live vote
// batch beneath it into per-answer, per-value counts. Any listing or read
// failure fails the whole computation; a partial tally is never returned.
func (s *Service) ComputeTally(ctx context.Context, root keys.RootKey) (TallyResult, error) {
	started := s.clock()
	result, err := s.computeTally(ctx, root)
	elapsed := s.clock().Sub(started)
	switch {
	case err == nil:
		s.metrics.ObserveTally(metrics.OutcomeOK, elapsed)
	case errors.Is(err, ErrNotFound):
		s.metrics.ObserveTally(metrics.OutcomeNotFound, elapsed)
	default:
		s.metrics.ObserveTally(metrics.OutcomeError, elapsed)
	}
	return result, err
}

func (s *Service) computeTally(ctx context.Context, root keys.RootKey) (TallyResult, error) {
	questions, found, err := s.readQuestionSet(ctx, root)
	if err != nil {
		return TallyResult{}, newServiceError(opComputeTally, reasonFor(err), err)
	}
	if !found {
		return TallyResult{}, newServiceError(opComputeTally, reasonNotFound, fmt.Errorf("%w: %s", ErrNotFound, root))
	}

	batchKeys, err := s.listBatchKeys(ctx, root)
	if err != nil {
		return TallyResult{}, err
	}

	batches, skipped, err := s.readBatches(ctx, batchKeys)
	if err != nil {
		return TallyResult{}, err
	}
	if skipped > 0 {
		s.metrics.BatchesSkipped(skipped)
		s.logger.Debug("vote batches expired before read",
			zap.String(fieldRootKey, root.String()),
			zap.Int("skipped", skipped))
	}

	return TallyResult{
		Questions: questions,
		Counts:    Fold(batches),
		Batches:   len(batches),
		Skipped:   skipped,
		Orphaned:  countOrphaned(questions, batches),
	}, nil
}

// listBatchKeys follows continuation cursors until the listing is exhausted.
// Keys are deduplicated and kept only when they sit strictly beneath root.
func (s *Service) listBatchKeys(ctx context.Context, root keys.RootKey) ([]string, error) {
	prefix := keys.PrefixOf(root)
	seen := make(map[string]struct{})
	collected := make([]string, 0)
	cursor := ""
	for {
		page, err := s.store.List(ctx, prefix, cursor, s.pageSize)
		if err != nil {
			s.logError(opComputeTally, reasonListFailed, err, zap.String(fieldRootKey, root.String()))
			return nil, newServiceError(opComputeTally, reasonListFailed, err)
		}
		for _, key := range page.Keys {
			if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
				continue
			}
			if _, duplicate := seen[key]; duplicate {
				continue
			}
			seen[key] = struct{}{}
			collected = append(collected, key)
		}
		if page.Cursor == "" {
			break
		}
		if page.Cursor == cursor {
			s.logError(opComputeTally, reasonCursorStalled, errCursorStalled, zap.String(fieldRootKey, root.String()))
			return nil, newServiceError(opComputeTally, reasonCursorStalled, errCursorStalled)
		}
		cursor = page.Cursor
	}
	sort.Strings(collected)
	return collected, nil
}

// readBatches loads every listed batch with bounded concurrency. Keys that
// expired between listing and reading are counted as skipped.
func (s *Service) readBatches(ctx context.Context, batchKeys []string) ([]VoteBatch, int, error) {
	loaded := make([]VoteBatch, len(batchKeys))
	present := make([]bool, len(batchKeys))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.readConcurrency)
	for index, key := range batchKeys {
		index, key := index, key
		group.Go(func() error {
			payload, found, err := s.store.Get(groupCtx, key)
			if err != nil {
				s.logError(opComputeTally, reasonStoreReadFailed, err, zap.String(fieldStoredKey, key))
				return newServiceError(opComputeTally, reasonStoreReadFailed, err)
			}
			if !found {
				return nil
			}
			var batch VoteBatch
			if err := json.Unmarshal(payload, &batch); err != nil {
				malformed := fmt.Errorf("%w: %s: %w", ErrMalformedPayload, key, err)
				s.logError(opComputeTally, reasonDecodeFailed, malformed, zap.String(fieldStoredKey, key))
				return newServiceError(opComputeTally, reasonDecodeFailed, malformed)
			}
			loaded[index] = batch
			present[index] = true
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, 0, err
	}

	batches := make([]VoteBatch, 0, len(batchKeys))
	skipped := 0
	for index := range loaded {
		if !present[index] {
			skipped++
			continue
		}
		batches = append(batches, loaded[index])
	}
	return batches, skipped, nil
}

// Fold sums vote entries into a tally. The result does not depend on the
// order of batches or of entries within a batch.
func Fold(batches []VoteBatch) Tally {
	tally := make(Tally)
	for _, batch := range batches {
		for _, vote := range batch {
			counts, ok := tally[vote.AnswerID]
			if !ok {
				counts = make(map[string]int)
				tally[vote.AnswerID] = counts
			}
			counts[vote.Value]++
		}
	}
	return tally
}

func countOrphaned(questions QuestionSet, batches []VoteBatch) int {
	known := questions.answerIDs()
	orphaned := 0
	for _, batch := range batches {
		for _, vote := range batch {
			if _, ok := known[vote.AnswerID]; !ok {
				orphaned++
			}
		}
	}
	return orphaned
}
