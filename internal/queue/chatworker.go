package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Pavua/krab/internal/bus"
	"github.com/Pavua/krab/internal/corekit"
)

// queuedItem is one pending Event awaiting processing by its chatWorker.
type queuedItem struct {
	requestID string
	event     corekit.Event
}

// chatWorker is the one-goroutine-per-active-ChatId unit of concurrency:
// it pops Events off its own FIFO, builds a Context, runs the Executor
// under an SLA deadline, and delivers exactly one terminal reply.
type chatWorker struct {
	chatID  corekit.ChatId
	cfg     Config
	builder ContextBuilder
	exec    Executor
	sink    ReplySink
	eventBus *bus.Bus
	logger  *slog.Logger

	mu       sync.Mutex
	pending  []queuedItem
	cancels  map[string]context.CancelFunc
	lastActivity time.Time

	wakeCh chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newChatWorker(chatID corekit.ChatId, cfg Config, builder ContextBuilder, exec Executor, sink ReplySink, eventBus *bus.Bus, logger *slog.Logger) *chatWorker {
	return &chatWorker{
		chatID:       chatID,
		cfg:          cfg,
		builder:      builder,
		exec:         exec,
		sink:         sink,
		eventBus:     eventBus,
		logger:       logger,
		cancels:      make(map[string]context.CancelFunc),
		lastActivity: time.Now(),
		wakeCh:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (w *chatWorker) start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
}

func (w *chatWorker) stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// enqueue appends an item FIFO (ordered by arrival; ties on received_at are
// broken by caller-supplied message_id ordering upstream). Returns the
// queue position and whether it was accepted under QueueMax.
func (w *chatWorker) enqueue(requestID string, event corekit.Event) (position int, accepted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) >= w.cfg.QueueMax {
		return 0, false
	}
	w.pending = append(w.pending, queuedItem{requestID: requestID, event: event})
	w.lastActivity = time.Now()
	pos := len(w.pending)
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
	return pos, true
}

func (w *chatWorker) tryCancel(requestID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancelFn, ok := w.cancels[requestID]; ok {
		cancelFn()
		return true
	}
	for i, item := range w.pending {
		if item.requestID == requestID {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (w *chatWorker) cancel(requestID string) error {
	if !w.tryCancel(requestID) {
		return errNotFound
	}
	return nil
}

func (w *chatWorker) idleSince(ttl time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) == 0 && len(w.cancels) == 0 && time.Since(w.lastActivity) >= ttl
}

func (w *chatWorker) popNext() (queuedItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return queuedItem{}, false
	}
	item := w.pending[0]
	w.pending = w.pending[1:]
	return item, true
}

// run is the sole suspension point for this chatWorker's dequeue step
// (spec.md §5's suspension-point class #1): it blocks on wakeCh until work
// arrives or the worker is stopped.
func (w *chatWorker) run(ctx context.Context) {
	defer close(w.done)
	for {
		item, ok := w.popNext()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.wakeCh:
				continue
			}
		}
		w.process(ctx, item)
	}
}

func (w *chatWorker) process(ctx context.Context, item queuedItem) {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()

	reqCtx, reqCancel := context.WithDeadline(ctx, item.event.ReceivedAt.Add(w.cfg.SLA))
	w.mu.Lock()
	w.cancels[item.requestID] = reqCancel
	w.mu.Unlock()
	defer func() {
		reqCancel()
		w.mu.Lock()
		delete(w.cancels, item.requestID)
		w.mu.Unlock()
	}()

	if w.eventBus != nil {
		w.eventBus.Publish(bus.TopicRequestStarted, bus.RequestQueuedEvent{ChatID: string(w.chatID), RequestID: item.requestID})
	}

	builtCtx, err := w.builder.Build(reqCtx, item.event)
	if err != nil {
		w.logger.Warn("context build failed", "chat_id", w.chatID, "error", err)
		w.deliver(item.requestID, "Sorry, something went wrong handling that message.")
		return
	}

	req := &corekit.Request{
		ID:        item.requestID,
		ChatID:    w.chatID,
		Event:     item.event,
		Context:   builtCtx,
		Deadline:  item.event.ReceivedAt.Add(w.cfg.SLA),
		CreatedAt: time.Now(),
		State:     corekit.RequestPlanned,
	}

	text, err := w.exec.Execute(reqCtx, req)
	state := "OK"
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			text = "That took too long, please try again."
			state = "SLA_ABORTED"
			if w.eventBus != nil {
				w.eventBus.Publish(bus.TopicRequestSLATimeout, bus.AttemptCompletedEvent{ChatID: string(w.chatID), RequestID: item.requestID, Outcome: "sla_timeout"})
			}
		} else if reqCtx.Err() == context.Canceled {
			text = ""
			state = "CANCELLED"
		} else {
			text = "Sorry, I couldn't complete that request."
			state = "FATAL"
		}
	}

	if text != "" {
		w.deliver(item.requestID, text)
	}
	if w.eventBus != nil {
		w.eventBus.Publish(bus.TopicRequestCompleted, bus.RequestCompletedEvent{ChatID: string(w.chatID), RequestID: item.requestID, State: state})
	}
}

func (w *chatWorker) deliver(requestID, text string) {
	if w.sink == nil {
		return
	}
	if err := w.sink.SendReply(w.chatID, requestID, text); err != nil {
		w.logger.Warn("failed to deliver reply", "chat_id", w.chatID, "request_id", requestID, "error", err)
	}
}

var errNotFound = errNotFoundError{}

type errNotFoundError struct{}

func (errNotFoundError) Error() string { return "request not found" }
