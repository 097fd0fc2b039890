// Package stream implements the Streaming Client & Guardrails: it consumes
// a backend's token stream, progressively emits sanitized output, and
// enforces the inline guardrail table from the routing contract (reasoning
// and content loop detection, idle timeout, sentinel scrubbing, output
// size caps).
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/Pavua/krab/internal/backend"
	"github.com/Pavua/krab/internal/bus"
	"github.com/Pavua/krab/internal/corekit"
)

// Config holds the guardrail thresholds. Zero values fall back to the
// spec-documented defaults.
type Config struct {
	ReasoningCapChars   int
	ContentCapChars     int
	IdleChunkTimeout    time.Duration
	ReasoningLoopRepeat int
	ContentLoopRepeat   int
	ForbiddenMarkers    []string
}

func (c *Config) applyDefaults() {
	if c.ReasoningCapChars <= 0 {
		c.ReasoningCapChars = 2000
	}
	if c.ContentCapChars <= 0 {
		c.ContentCapChars = 8000
	}
	if c.IdleChunkTimeout <= 0 {
		c.IdleChunkTimeout = 20 * time.Second
	}
	if c.ReasoningLoopRepeat <= 0 {
		c.ReasoningLoopRepeat = 3
	}
	if c.ContentLoopRepeat <= 0 {
		c.ContentLoopRepeat = 3
	}
	if c.ForbiddenMarkers == nil {
		c.ForbiddenMarkers = DefaultForbiddenMarkers
	}
}

// Runner consumes one Backend stream end to end, the teacher's LoopRunner
// shape (step budgets, bus event emission) generalized to the guardrail
// table instead of an agent's tool-call loop.
type Runner struct {
	cfg      Config
	eventBus *bus.Bus
}

// New constructs a Runner. eventBus may be nil (tests, offline use).
func New(cfg Config, eventBus *bus.Bus) *Runner {
	cfg.applyDefaults()
	return &Runner{cfg: cfg, eventBus: eventBus}
}

// Run executes plan against b and returns the single sanitized terminal
// text plus a classified Outcome. It satisfies router.StreamRunner. ctx may
// carry a corekit.WithRequestInfo correlation pair; when present, progressive
// content chunks and the terminal done signal are published with it attached
// so a chat channel can filter the stream down to its own Request.
func (r *Runner) Run(ctx context.Context, b backend.Backend, plan corekit.Plan, messages []backend.ChatMessage) (outText string, outOutcome corekit.Outcome, outErrorCode string, outErr error) {
	chatID, requestID := corekit.RequestInfoFromContext(ctx)
	if r.eventBus != nil {
		defer func() {
			r.eventBus.Publish(bus.TopicStreamDone, bus.StreamDoneEvent{
				ChatID: string(chatID), RequestID: requestID, Outcome: string(outOutcome),
			})
		}()
	}

	params := backend.ChatParams{StopTokens: plan.StopTokens, MaxTokens: plan.MaxTokens, ReasoningCap: plan.ReasoningCap}

	chunks, err := b.ChatStream(ctx, plan.ModelID, messages, params)
	if err != nil {
		class := backend.Classify(b, err)
		if class.IsTransient() {
			return "", corekit.OutcomeTransient, string(class), err
		}
		return "", corekit.OutcomeFatal, string(class), err
	}

	sentinel := NewSentinel(r.cfg.ForbiddenMarkers)
	reasoningLoop := newReasoningLoopDetector(r.cfg.ReasoningLoopRepeat)
	contentLoop := newParagraphLoopDetector(r.cfg.ContentLoopRepeat)
	splitter := &paragraphSplitter{}

	var reasoningBuf, contentBuf strings.Builder
	var firstParagraph string
	sawFirstParagraph := false

	timer := time.NewTimer(r.cfg.IdleChunkTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.finish(contentBuf.String(), ""), corekit.OutcomeCancelled, "cancelled", ctx.Err()

		case <-timer.C:
			return r.finish(contentBuf.String(), ""), corekit.OutcomeTimeout, "stream_timeout", nil

		case chunk, ok := <-chunks:
			if !ok {
				return r.finish(contentBuf.String(), ""), corekit.OutcomeOK, "", nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.cfg.IdleChunkTimeout)

			switch chunk.Kind {
			case backend.StreamKindError:
				class := backend.Classify(b, chunk.Err)
				if class.IsTransient() {
					return r.finish(contentBuf.String(), ""), corekit.OutcomeTransient, string(class), chunk.Err
				}
				return r.finish(contentBuf.String(), ""), corekit.OutcomeFatal, string(class), chunk.Err

			case backend.StreamKindDone:
				return r.finish(contentBuf.String(), ""), corekit.OutcomeOK, "", nil

			case backend.StreamKindReasoning:
				reasoningBuf.WriteString(chunk.Chunk)
				if reasoningBuf.Len() > r.cfg.ReasoningCapChars {
					return r.finish(contentBuf.String(), reasoningLimitNotice), corekit.OutcomeLoop, "reasoning_limit", nil
				}
				for _, line := range strings.Split(chunk.Chunk, "\n") {
					if reasoningLoop.Feed(line) {
						return r.finish(contentBuf.String(), reasoningLoopNotice), corekit.OutcomeLoop, "reasoning_loop", nil
					}
				}

			case backend.StreamKindContent:
				cleaned, hit := sentinel.Scrub(chunk.Chunk)
				_ = hit // scrubbing is silent to the user; logging happens at the caller via errorCode below if needed
				contentBuf.WriteString(cleaned)
				if contentBuf.Len() > r.cfg.ContentCapChars {
					return r.finish(truncateEllipsis(contentBuf.String(), r.cfg.ContentCapChars), ""), corekit.OutcomeOK, "", nil
				}
				for _, para := range splitter.Write(cleaned) {
					if !sawFirstParagraph {
						firstParagraph = para
						sawFirstParagraph = true
					}
					if contentLoop.Feed(para) {
						return r.finish(firstParagraph, contentLoopNotice), corekit.OutcomeLoop, "content_loop", nil
					}
				}
				if r.eventBus != nil {
					r.eventBus.Publish(bus.TopicStreamToken, bus.StreamTokenEvent{
						ChatID: string(chatID), RequestID: requestID, Chunk: cleaned,
					})
				}
			}
		}
	}
}

// Guardrail abort notices, appended to the sanitized partial content so the
// terminal reply tells the user why it stopped short rather than reading as
// a normal, complete answer (spec.md §4.3 scenario 4).
const (
	reasoningLimitNotice = "_[stopped: reasoning exceeded its budget]_"
	reasoningLoopNotice  = "_[stopped: the model got stuck repeating itself]_"
	contentLoopNotice    = "_[stopped: the model got stuck repeating itself]_"
)

// finish runs the output sanitization pipeline: auto-close unclosed code
// fences, normalize whitespace, and hand back the final text. Tail
// truncation is handled by the content-cap check at the call site so the
// ellipsis marker is only added once. notice, when non-empty, is appended
// after sanitization so a guardrail abort's partial reply still reads as
// deliberately cut short rather than a complete answer.
func (r *Runner) finish(content, notice string) string {
	content = NewLeakDetector().Redact(content)
	content = closeUnclosedFences(content)
	content = normalizeWhitespace(content)
	if notice == "" {
		return content
	}
	if content == "" {
		return notice
	}
	return content + "\n\n" + notice
}

// closeUnclosedFences appends a closing ``` if the content has an odd
// number of fence markers, so a truncated or loop-aborted reply never
// leaves a dangling code block in the user's client.
func closeUnclosedFences(s string) string {
	if strings.Count(s, "```")%2 != 0 {
		return s + "\n```"
	}
	return s
}

// normalizeWhitespace collapses runs of 3+ blank lines and trims trailing
// whitespace, merging accidental paragraph fragmentation from chunk
// boundaries.
func normalizeWhitespace(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimRight(s, " \t\n")
}

// truncateEllipsis cuts s to at most capChars runes, appending an ellipsis
// marker so the user can tell the reply was shortened.
func truncateEllipsis(s string, capChars int) string {
	r := []rune(s)
	if len(r) <= capChars {
		return s
	}
	if capChars < 1 {
		return "…"
	}
	return string(r[:capChars-1]) + "…"
}
