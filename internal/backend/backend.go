package backend

import (
	"context"

	"github.com/Pavua/krab/internal/corekit"
)

// ModelInfo describes one model a Backend can serve.
type ModelInfo struct {
	ModelID      string
	Capabilities []string
}

// StreamKind tags one chunk of a backend's token stream.
type StreamKind string

const (
	StreamKindContent   StreamKind = "content"
	StreamKindReasoning StreamKind = "reasoning"
	StreamKindTool      StreamKind = "tool"
	StreamKindDone      StreamKind = "done"
	StreamKindError     StreamKind = "error"
)

// StreamChunk is one item a Backend emits while streaming a reply.
type StreamChunk struct {
	Kind  StreamKind
	Chunk string
	Err   error
}

// ChatParams parameterizes one chat_stream call.
type ChatParams struct {
	StopTokens   []string
	MaxTokens    int
	ReasoningCap int
	Temperature  float64
}

// ChatMessage is one turn of conversation history sent to a Backend.
type ChatMessage struct {
	Role    string
	Content string
}

// HealthResult is the narrow health() response a Backend reports.
type HealthResult struct {
	OK     bool
	Detail string
}

// Backend is the capability interface the Router depends on. Concrete
// inference SDKs are external collaborators (spec.md §6); the core only
// knows this interface and tags each candidate with a Tier.
type Backend interface {
	Tier() corekit.Tier
	ModelID() string
	ListModels(ctx context.Context) ([]ModelInfo, error)
	ChatStream(ctx context.Context, modelID string, messages []ChatMessage, params ChatParams) (<-chan StreamChunk, error)
	Health(ctx context.Context) (HealthResult, error)
	// Classify overrides the default error classifier for this backend's
	// provider-specific error shapes. May be nil to use ClassifyError.
	Classify(err error) ErrorClass
}

// LoadUnloadBackend is an optional capability local backends may implement.
type LoadUnloadBackend interface {
	Load(ctx context.Context, modelID string) error
	Unload(ctx context.Context, modelID string) error
}

// Classify resolves the ErrorClass for err, preferring the Backend's own
// provider-specific classifier and falling back to ClassifyError.
func Classify(b Backend, err error) ErrorClass {
	if b != nil {
		if c := b.Classify(err); c != "" {
			return c
		}
	}
	return ClassifyError(err)
}
