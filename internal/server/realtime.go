package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/polls/backend/internal/polls"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventVotesRecorded = "votes-recorded"
	RealtimeEventTally         = "tally"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeEventError         = "error"
	realtimeSourceBackend      = "polls-backend"
	defaultHeartbeatInterval   = 25 * time.Second
)

// RealtimeMessage announces a change under one root key.
type RealtimeMessage struct {
	RootKey      string
	EventType    string
	CompositeKey string
	Timestamp    time.Time
}

// RealtimeDispatcher fans messages out to subscribers of a root key. Slow
// subscribers drop messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, rootKey string) (<-chan RealtimeMessage, func()) {
	if rootKey == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(rootKey, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(rootKey, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.RootKey == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.RootKey]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports how many streams are open for rootKey.
func (d *RealtimeDispatcher) SubscriberCount(rootKey string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[rootKey])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(rootKey string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[rootKey]; !ok {
		d.subscribers[rootKey] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[rootKey][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(rootKey string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[rootKey]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, rootKey)
		}
	}
	d.mu.Unlock()
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// handleResultStream sends the current tally, then a fresh tally after every
// vote this process records for the key, with heartbeats in between.
func (h *httpHandler) handleResultStream(c *gin.Context) {
	root, ok := rootKeyParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	stream, cleanup := h.realtime.Subscribe(ctx, root.String())
	defer cleanup()

	result, err := h.polls.ComputeTally(ctx, root)
	if err != nil {
		h.respondError(c, err)
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(RealtimeEventTally, newResultResponse(root, result))
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-stream:
			if !open {
				return
			}
			result, err := h.polls.ComputeTally(ctx, root)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				h.logger.Warn("stream tally failed",
					zap.String("root_key", root.String()),
					zap.String("request_id", c.GetString(requestIDContextKey)),
					zap.Error(err))
				c.SSEvent(realtimeEventError, newErrorResponse(err))
				c.Writer.Flush()
				if errors.Is(err, polls.ErrNotFound) {
					return
				}
				continue
			}
			c.SSEvent(RealtimeEventTally, newResultResponse(root, result))
			c.Writer.Flush()
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{
				Source:    realtimeSourceBackend,
				Timestamp: tick.UTC().Unix(),
			})
			c.Writer.Flush()
		}
	}
}
