package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Pavua/krab/internal/bus"
)

// streamSSEEvent is a single SSE event relayed to a control-surface client
// watching one in-flight Request's token stream.
type streamSSEEvent struct {
	Type  string `json:"type"`
	Chunk string `json:"chunk,omitempty"`
}

// handleRequestStream implements GET /api/stream?request_id=XXX. It
// subscribes to the Streaming Client's bus events filtered by request_id
// and relays them as an SSE stream of content chunks and a terminal done
// signal — the control-surface equivalent of a chat channel's progressive
// message editing.
func (s *Server) handleRequestStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		http.Error(w, "request_id query parameter is required", http.StatusBadRequest)
		return
	}

	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.cfg.Bus.Subscribe("stream.")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("sse: client disconnected", "request_id", requestID)
			return

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}

			var sseEvent *streamSSEEvent
			switch payload := event.Payload.(type) {
			case bus.StreamTokenEvent:
				if payload.RequestID != requestID {
					continue
				}
				sseEvent = &streamSSEEvent{Type: "token", Chunk: payload.Chunk}

			case bus.StreamDoneEvent:
				if payload.RequestID != requestID {
					continue
				}
				sseEvent = &streamSSEEvent{Type: "done", Chunk: payload.Outcome}

			default:
				continue
			}

			data, err := json.Marshal(sseEvent)
			if err != nil {
				slog.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				slog.Debug("sse: write failed (client disconnected?)", "request_id", requestID, "error", err)
				return
			}
			flusher.Flush()

			if sseEvent.Type == "done" {
				return
			}
		}
	}
}
