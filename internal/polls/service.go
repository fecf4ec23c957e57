package polls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/polls/backend/internal/keys"
	"github.com/MarcoPoloResearchLab/polls/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/polls/backend/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultReadConcurrency = 8

	opServiceNew        = "polls.service.new"
	opCreateQuestionSet = "polls.create_question_set"
	opGetQuestionSet    = "polls.get_question_set"
	opSubmitVotes       = "polls.submit_votes"
	opComputeTally      = "polls.compute_tally"

	reasonMissingStore     = "missing_store"
	reasonInvalidTTL       = "invalid_ttl"
	reasonInvalidPayload   = "invalid_payload"
	reasonKeyGeneration    = "key_generation_failed"
	reasonEncodeFailed     = "encode_failed"
	reasonDecodeFailed     = "decode_failed"
	reasonStoreWriteFailed = "store_write_failed"
	reasonStoreReadFailed  = "store_read_failed"
	reasonListFailed       = "list_failed"
	reasonNotFound         = "not_found"
	reasonCursorStalled    = "cursor_stalled"

	fieldRootKey      = "root_key"
	fieldCompositeKey = "composite_key"
	fieldStoredKey    = "stored_key"
)

var (
	errMissingStore  = errors.New("record store is required")
	errInvalidTTL    = errors.New("record ttl must be positive")
	errCursorStalled = errors.New("store returned the same continuation cursor twice")
	noOpLogger       = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the poll service.
type ServiceConfig struct {
	Store           kvstore.Store
	KeySource       keys.Source
	TTL             time.Duration
	MaxKeyAttempts  int
	PageSize        int
	ReadConcurrency int
	Clock           func() time.Time
	Logger          *zap.Logger
	Metrics         *metrics.Collector
}

// Service stores question sets and vote batches in a flat key space and folds
// vote batches into tallies. It holds no per-poll state between calls.
type Service struct {
	store           kvstore.Store
	keySource       keys.Source
	ttl             time.Duration
	maxKeyAttempts  int
	pageSize        int
	readConcurrency int
	clock           func() time.Time
	logger          *zap.Logger
	metrics         *metrics.Collector
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}
	if cfg.TTL <= 0 {
		return nil, newServiceError(opServiceNew, reasonInvalidTTL, errInvalidTTL)
	}

	keySource := cfg.KeySource
	if keySource == nil {
		keySource = keys.NewRandomSource()
	}
	maxKeyAttempts := cfg.MaxKeyAttempts
	if maxKeyAttempts <= 0 {
		maxKeyAttempts = keys.DefaultMaxAttempts
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = kvstore.DefaultPageSize
	}
	readConcurrency := cfg.ReadConcurrency
	if readConcurrency <= 0 {
		readConcurrency = defaultReadConcurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:           cfg.Store,
		keySource:       keySource,
		ttl:             cfg.TTL,
		maxKeyAttempts:  maxKeyAttempts,
		pageSize:        pageSize,
		readConcurrency: readConcurrency,
		clock:           clock,
		logger:          logger,
		metrics:         cfg.Metrics,
	}, nil
}

// CreateQuestionSet assigns identifiers to every question and answer, stores
// the set under a fresh root key and returns that key.
func (s *Service) CreateQuestionSet(ctx context.Context, questions QuestionSet) (keys.RootKey, QuestionSet, error) {
	if err := validateQuestionSet(questions); err != nil {
		return "", nil, newServiceError(opCreateQuestionSet, reasonInvalidPayload, err)
	}

	stored, err := s.assignIdentifiers(questions)
	if err != nil {
		s.logError(opCreateQuestionSet, reasonKeyGeneration, err)
		return "", nil, newServiceError(opCreateQuestionSet, reasonKeyGeneration, err)
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		s.logError(opCreateQuestionSet, reasonEncodeFailed, err)
		return "", nil, newServiceError(opCreateQuestionSet, reasonEncodeFailed, err)
	}

	root, err := keys.GenerateUnique(ctx, s.keySource, keys.CheckerFunc(s.exists), s.maxKeyAttempts)
	if err != nil {
		s.logError(opCreateQuestionSet, reasonKeyGeneration, err)
		return "", nil, newServiceError(opCreateQuestionSet, reasonKeyGeneration, err)
	}

	if err := s.store.Put(ctx, root.String(), payload, s.ttl); err != nil {
		s.logError(opCreateQuestionSet, reasonStoreWriteFailed, err, zap.String(fieldRootKey, root.String()))
		return "", nil, newServiceError(opCreateQuestionSet, reasonStoreWriteFailed, err)
	}

	s.metrics.QuestionSetCreated()
	s.logger.Debug("question set created",
		zap.String(fieldRootKey, root.String()),
		zap.Int("questions", len(stored)))
	return root, stored, nil
}

// GetQuestionSet returns the question set stored under root. A missing or
// expired record reports found == false and no error.
func (s *Service) GetQuestionSet(ctx context.Context, root keys.RootKey) (QuestionSet, bool, error) {
	questions, found, err := s.readQuestionSet(ctx, root)
	if err != nil {
		return nil, false, newServiceError(opGetQuestionSet, reasonFor(err), err)
	}
	return questions, found, nil
}

// SubmitVotes stores votes under a new composite key beneath root. It does not
// check that root still resolves to a question set.
func (s *Service) SubmitVotes(ctx context.Context, root keys.RootKey, votes VoteBatch) (keys.CompositeKey, error) {
	if err := validateVoteBatch(votes); err != nil {
		return "", newServiceError(opSubmitVotes, reasonInvalidPayload, err)
	}

	suffix, err := s.keySource.NewKey()
	if err != nil {
		s.logError(opSubmitVotes, reasonKeyGeneration, err, zap.String(fieldRootKey, root.String()))
		return "", newServiceError(opSubmitVotes, reasonKeyGeneration, err)
	}
	composite := keys.Composite(root, suffix)

	payload, err := json.Marshal(votes)
	if err != nil {
		s.logError(opSubmitVotes, reasonEncodeFailed, err, zap.String(fieldCompositeKey, composite.String()))
		return "", newServiceError(opSubmitVotes, reasonEncodeFailed, err)
	}

	if err := s.store.Put(ctx, composite.String(), payload, s.ttl); err != nil {
		s.logError(opSubmitVotes, reasonStoreWriteFailed, err, zap.String(fieldCompositeKey, composite.String()))
		return "", newServiceError(opSubmitVotes, reasonStoreWriteFailed, err)
	}

	s.metrics.VotesSubmitted(len(votes))
	s.logger.Debug("vote batch stored",
		zap.String(fieldCompositeKey, composite.String()),
		zap.Int("votes", len(votes)))
	return composite, nil
}

func (s *Service) exists(ctx context.Context, key string) (bool, error) {
	_, found, err := s.store.Get(ctx, key)
	return found, err
}

func (s *Service) readQuestionSet(ctx context.Context, root keys.RootKey) (QuestionSet, bool, error) {
	payload, found, err := s.store.Get(ctx, root.String())
	if err != nil {
		s.logError(opGetQuestionSet, reasonStoreReadFailed, err, zap.String(fieldRootKey, root.String()))
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	var questions QuestionSet
	if err := json.Unmarshal(payload, &questions); err != nil {
		malformed := fmt.Errorf("%w: %s: %w", ErrMalformedPayload, root, err)
		s.logError(opGetQuestionSet, reasonDecodeFailed, malformed, zap.String(fieldRootKey, root.String()))
		return nil, false, malformed
	}
	return questions, true, nil
}

// assignIdentifiers copies questions and gives each question and answer a
// generated key that differs from its siblings.
func (s *Service) assignIdentifiers(questions QuestionSet) (QuestionSet, error) {
	stored := make(QuestionSet, len(questions))
	questionIDs := make(map[string]struct{}, len(questions))
	for questionIndex, question := range questions {
		questionID, err := s.siblingUniqueKey(questionIDs)
		if err != nil {
			return nil, err
		}
		answers := make([]Answer, len(question.Answers))
		answerIDs := make(map[string]struct{}, len(question.Answers))
		for answerIndex, answer := range question.Answers {
			answerID, err := s.siblingUniqueKey(answerIDs)
			if err != nil {
				return nil, err
			}
			answers[answerIndex] = Answer{ID: answerID, Text: answer.Text}
		}
		stored[questionIndex] = Question{ID: questionID, Text: question.Text, Answers: answers}
	}
	return stored, nil
}

func (s *Service) siblingUniqueKey(taken map[string]struct{}) (string, error) {
	for attempt := 0; attempt < s.maxKeyAttempts; attempt++ {
		candidate, err := s.keySource.NewKey()
		if err != nil {
			return "", err
		}
		if _, duplicate := taken[candidate]; duplicate {
			continue
		}
		taken[candidate] = struct{}{}
		return candidate, nil
	}
	return "", fmt.Errorf("%w after %d attempts", keys.ErrKeySpaceExhausted, s.maxKeyAttempts)
}

func reasonFor(err error) string {
	if errors.Is(err, ErrMalformedPayload) {
		return reasonDecodeFailed
	}
	return reasonStoreReadFailed
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("polls service error", attrs...)
}
