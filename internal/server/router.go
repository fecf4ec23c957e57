package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/polls/backend/internal/keys"
	"github.com/MarcoPoloResearchLab/polls/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/polls/backend/internal/polls"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDHeader     = "X-Request-ID"
	requestIDContextKey = "polls_request_id"
	maxRequestIDLength  = 128
	maxRequestBodyBytes = 1 << 20
	keyParam            = "key"
)

var (
	errMissingPollService = errors.New("poll service dependency required")
	errMissingOrigins     = errors.New("at least one allowed origin is required")
)

// PollService is the poll core as seen by the HTTP adapter.
type PollService interface {
	CreateQuestionSet(ctx context.Context, questions polls.QuestionSet) (keys.RootKey, polls.QuestionSet, error)
	GetQuestionSet(ctx context.Context, root keys.RootKey) (polls.QuestionSet, bool, error)
	SubmitVotes(ctx context.Context, root keys.RootKey, votes polls.VoteBatch) (keys.CompositeKey, error)
	ComputeTally(ctx context.Context, root keys.RootKey) (polls.TallyResult, error)
}

type Dependencies struct {
	PollService       PollService
	Realtime          *RealtimeDispatcher
	MetricsHandler    http.Handler
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Version           string
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.PollService == nil {
		return nil, errMissingPollService
	}
	corsHandler, err := corsMiddleware(deps.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeatInterval := deps.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(accessLogMiddleware(logger))
	router.Use(corsHandler)

	handler := &httpHandler{
		polls:             deps.PollService,
		realtime:          realtime,
		heartbeatInterval: heartbeatInterval,
		version:           deps.Version,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/version", handler.handleVersion)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	router.POST("/question", handler.handleCreateQuestionSet)
	router.GET("/question/:key", handler.handleGetQuestionSet)
	router.POST("/vote/:key", handler.handleSubmitVotes)
	router.GET("/result/:key", handler.handleResult)
	router.GET("/result/:key/stream", handler.handleResultStream)

	return router, nil
}

type httpHandler struct {
	polls             PollService
	realtime          *RealtimeDispatcher
	heartbeatInterval time.Duration
	version           string
	logger            *zap.Logger
}

type questionSetResponse struct {
	Key       string            `json:"key"`
	Questions polls.QuestionSet `json:"questions"`
}

type voteResponse struct {
	Key string `json:"key"`
}

type resultResponse struct {
	Key       string            `json:"key"`
	Questions polls.QuestionSet `json:"questions"`
	Counts    polls.Tally       `json:"counts"`
	Batches   int               `json:"batches"`
	Skipped   int               `json:"skipped"`
	Orphaned  int               `json:"orphaned"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func newResultResponse(root keys.RootKey, result polls.TallyResult) resultResponse {
	return resultResponse{
		Key:       root.String(),
		Questions: result.Questions,
		Counts:    result.Counts,
		Batches:   result.Batches,
		Skipped:   result.Skipped,
		Orphaned:  result.Orphaned,
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": h.version})
}

func (h *httpHandler) handleCreateQuestionSet(c *gin.Context) {
	var questions polls.QuestionSet
	if !bindJSON(c, &questions) {
		return
	}

	root, stored, err := h.polls.CreateQuestionSet(c.Request.Context(), questions)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, questionSetResponse{Key: root.String(), Questions: stored})
}

func (h *httpHandler) handleGetQuestionSet(c *gin.Context) {
	root, ok := rootKeyParam(c)
	if !ok {
		return
	}

	questions, found, err := h.polls.GetQuestionSet(c.Request.Context(), root)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found"})
		return
	}

	c.JSON(http.StatusOK, questionSetResponse{Key: root.String(), Questions: questions})
}

func (h *httpHandler) handleSubmitVotes(c *gin.Context) {
	root, ok := rootKeyParam(c)
	if !ok {
		return
	}
	var votes polls.VoteBatch
	if !bindJSON(c, &votes) {
		return
	}

	composite, err := h.polls.SubmitVotes(c.Request.Context(), root, votes)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.realtime.Publish(RealtimeMessage{
		RootKey:      root.String(),
		EventType:    RealtimeEventVotesRecorded,
		CompositeKey: composite.String(),
		Timestamp:    time.Now().UTC(),
	})

	c.JSON(http.StatusCreated, voteResponse{Key: composite.String()})
}

func (h *httpHandler) handleResult(c *gin.Context) {
	root, ok := rootKeyParam(c)
	if !ok {
		return
	}

	result, err := h.polls.ComputeTally(c.Request.Context(), root)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newResultResponse(root, result))
}

func rootKeyParam(c *gin.Context) (keys.RootKey, bool) {
	root, err := keys.NewRootKey(c.Param(keyParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_key"})
		return "", false
	}
	return root, true
}

func bindJSON(c *gin.Context, target any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodyBytes)
	if err := c.ShouldBindJSON(target); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return false
	}
	return true
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, response := statusFor(err), newErrorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("poll request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.String("code", response.Code),
			zap.Error(err))
	}
	c.JSON(status, response)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, polls.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, polls.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, kvstore.ErrUnavailable), errors.Is(err, keys.ErrKeySpaceExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newErrorResponse(err error) errorResponse {
	response := errorResponse{Error: "internal_error"}
	switch {
	case errors.Is(err, polls.ErrInvalidPayload):
		response.Error = "invalid_payload"
	case errors.Is(err, polls.ErrNotFound):
		response.Error = "not_found"
	case errors.Is(err, kvstore.ErrUnavailable):
		response.Error = "store_unavailable"
	case errors.Is(err, keys.ErrKeySpaceExhausted):
		response.Error = "key_space_exhausted"
	case errors.Is(err, polls.ErrMalformedPayload):
		response.Error = "malformed_payload"
	}
	var serviceErr *polls.ServiceError
	if errors.As(err, &serviceErr) {
		response.Code = serviceErr.Code()
	}
	return response
}

func corsMiddleware(allowedOrigins []string) (gin.HandlerFunc, error) {
	origins := make([]string, 0, len(allowedOrigins))
	allowAll := false
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			allowAll = true
		case strings.HasPrefix(trimmed, "http://"), strings.HasPrefix(trimmed, "https://"):
			origins = append(origins, trimmed)
		default:
			return nil, fmt.Errorf("allowed origin %q must use http or https", trimmed)
		}
	}
	if !allowAll && len(origins) == 0 {
		return nil, errMissingOrigins
	}

	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if allowAll {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config), nil
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = newRequestID()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func accessLogMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("request_id", c.GetString(requestIDContextKey)))
	}
}
