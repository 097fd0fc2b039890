// Package queue implements the per-chat work queue: one FIFO per ChatId,
// a bounded depth, an idle-chat reaper, and a per-Request SLA abort.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Pavua/krab/internal/bus"
	"github.com/Pavua/krab/internal/corekit"
	"github.com/google/uuid"
)

// ErrQueueFull is returned by Submit when a ChatId's queue is already at
// QueueMax depth.
var ErrQueueFull = errors.New("queue_full")

// ContextBuilder resolves an Event into an immutable Context (author/reply
// attribution, mood and policy snapshots). Implemented by internal/policy.
type ContextBuilder interface {
	Build(ctx context.Context, event corekit.Event) (corekit.Context, error)
}

// Executor runs a Request to completion against the Router and Streaming
// Client, returning the single terminal user-visible message. Implemented
// by an adapter wrapping internal/router + internal/stream.
type Executor interface {
	Execute(ctx context.Context, req *corekit.Request) (replyText string, err error)
}

// ReplySink delivers the terminal message (or a rejection/SLA notice) back
// to the originating chat transport.
type ReplySink interface {
	SendReply(chatID corekit.ChatId, requestID, text string) error
}

// Config holds the queue's tunable defaults, all overridable per
// deployment via internal/config.
type Config struct {
	QueueMax int           // default 16
	IdleTTL  time.Duration // default 2m
	SLA      time.Duration // default 90s
}

func (c *Config) applyDefaults() {
	if c.QueueMax <= 0 {
		c.QueueMax = 16
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 2 * time.Minute
	}
	if c.SLA <= 0 {
		c.SLA = 90 * time.Second
	}
}

// Queue owns one chatWorker per active ChatId, spawned lazily on first
// Submit and reaped after IdleTTL of emptiness.
type Queue struct {
	cfg     Config
	builder ContextBuilder
	exec    Executor
	sink    ReplySink
	eventBus *bus.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[corekit.ChatId]*chatWorker

	reaperCancel context.CancelFunc
	reaperWG     sync.WaitGroup
}

// New constructs a Queue. Call Start to launch the idle-reaper.
func New(cfg Config, builder ContextBuilder, exec Executor, sink ReplySink, eventBus *bus.Bus, logger *slog.Logger) *Queue {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:      cfg,
		builder:  builder,
		exec:     exec,
		sink:     sink,
		eventBus: eventBus,
		logger:   logger,
		workers:  make(map[corekit.ChatId]*chatWorker),
	}
}

// Start launches the idle-worker reaper. It returns immediately; the reaper
// runs until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	reaperCtx, cancel := context.WithCancel(ctx)
	q.reaperCancel = cancel
	q.reaperWG.Add(1)
	go q.reapLoop(reaperCtx)
}

// Stop cancels the reaper and waits for it to exit. In-flight chat workers
// are left to drain on their own context.
func (q *Queue) Stop() {
	if q.reaperCancel != nil {
		q.reaperCancel()
	}
	q.reaperWG.Wait()
}

func (q *Queue) reapLoop(ctx context.Context) {
	defer q.reaperWG.Done()
	ticker := time.NewTicker(q.cfg.IdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.reapIdle()
		}
	}
}

func (q *Queue) reapIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for chatID, w := range q.workers {
		if w.idleSince(q.cfg.IdleTTL) {
			w.stop()
			delete(q.workers, chatID)
		}
	}
}

// SubmitResult reports the outcome of a Submit call.
type SubmitResult struct {
	Accepted  bool
	Reason    string
	Position  int
	RequestID string
}

// Submit accepts an Event into its ChatId's FIFO, spawning a chatWorker on
// first use. It rejects with ErrQueueFull once the per-chat depth reaches
// QueueMax.
func (q *Queue) Submit(ctx context.Context, event corekit.Event) (SubmitResult, error) {
	w := q.workerFor(event.ChatID)
	requestID := uuid.NewString()

	pos, accepted := w.enqueue(requestID, event)
	if !accepted {
		if q.eventBus != nil {
			q.eventBus.Publish(bus.TopicRequestSLATimeout, bus.AttemptCompletedEvent{ChatID: string(event.ChatID), Outcome: "queue_full"})
		}
		return SubmitResult{Accepted: false, Reason: "queue_full"}, ErrQueueFull
	}

	if q.eventBus != nil {
		q.eventBus.Publish(bus.TopicRequestQueued, bus.RequestQueuedEvent{
			ChatID: string(event.ChatID), RequestID: requestID, Position: pos,
		})
	}
	return SubmitResult{Accepted: true, Position: pos, RequestID: requestID}, nil
}

// Cancel aborts a Request if not yet started, or cooperatively signals the
// in-flight Attempt to stop at its next suspension point.
func (q *Queue) Cancel(chatID corekit.ChatId, requestID string) error {
	q.mu.Lock()
	w, ok := q.workers[chatID]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active worker for chat %s", chatID)
	}
	return w.cancel(requestID)
}

func (q *Queue) workerFor(chatID corekit.ChatId) *chatWorker {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.workers[chatID]
	if ok {
		return w
	}
	w = newChatWorker(chatID, q.cfg, q.builder, q.exec, q.sink, q.eventBus, q.logger)
	q.workers[chatID] = w
	w.start()
	return w
}

// ActiveChats returns the number of ChatIds with a live worker, for
// diagnostics.
func (q *Queue) ActiveChats() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}
