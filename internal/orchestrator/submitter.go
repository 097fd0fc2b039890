package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/Pavua/krab/internal/corekit"
	"github.com/Pavua/krab/internal/queue"
)

// QueueSubmitter adapts *queue.Queue to the Submitter interface each chat
// transport (internal/channels) depends on, so that package need not
// import internal/queue directly. It is constructed empty and Bound once
// the Queue exists, because the Queue's ReplySink is usually the same chat
// transport that needs a Submitter to reach the Queue in the first place.
type QueueSubmitter struct {
	mu    sync.RWMutex
	queue *queue.Queue
}

// NewQueueSubmitter constructs an unbound QueueSubmitter.
func NewQueueSubmitter() *QueueSubmitter {
	return &QueueSubmitter{}
}

// Bind attaches the Queue this Submitter forwards to.
func (s *QueueSubmitter) Bind(q *queue.Queue) {
	s.mu.Lock()
	s.queue = q
	s.mu.Unlock()
}

// Submit implements channels.Submitter.
func (s *QueueSubmitter) Submit(ctx context.Context, event corekit.Event) (accepted bool, requestID string, err error) {
	s.mu.RLock()
	q := s.queue
	s.mu.RUnlock()
	if q == nil {
		return false, "", errors.New("queue submitter: not bound")
	}
	result, err := q.Submit(ctx, event)
	return result.Accepted, result.RequestID, err
}
