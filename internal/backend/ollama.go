package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Pavua/krab/internal/corekit"
)

// OllamaBackend is the local-tier reference adapter: a thin client over a
// locally-running Ollama daemon's native HTTP API (no SDK dependency — the
// teacher only ever reached Ollama through its OpenAI-compat endpoint for
// tool-capability probing; this adapter talks to the native /api/* routes
// directly since Ollama's chat streaming and model listing aren't behind an
// OpenAI-compatible surface everywhere it's deployed).
type OllamaBackend struct {
	baseURL string
	modelID string
	client  *http.Client
}

// NewOllamaBackend builds a local backend bound to one model. baseURL is the
// Ollama daemon root (e.g. "http://localhost:11434"), not the /v1 OpenAI
// compat path.
func NewOllamaBackend(baseURL, modelID string) *OllamaBackend {
	return &OllamaBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		modelID: modelID,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (b *OllamaBackend) Tier() corekit.Tier { return corekit.TierLocal }
func (b *OllamaBackend) ModelID() string    { return b.modelID }

// Classify defers to the shared classifier — Ollama's errors are mostly
// connection-refused (daemon down) or 404 (model not pulled), both already
// covered by ClassifyError's substring matching.
func (b *OllamaBackend) Classify(err error) ErrorClass { return "" }

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels queries /api/tags, the native Ollama endpoint for locally
// pulled models.
func (b *OllamaBackend) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama list models: status %d", resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama list models: decode: %w", err)
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{ModelID: m.Name, Capabilities: b.capabilities(ctx, m.Name)})
	}
	return models, nil
}

// capabilities probes /api/show for one model's capability list. Returns nil
// on any error — capability detection is advisory, never fatal.
func (b *OllamaBackend) capabilities(ctx context.Context, model string) []string {
	body, _ := json.Marshal(map[string]string{"model": model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/show", strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		slog.Debug("ollama capability probe failed", "model", model, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var result struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil
	}
	return result.Capabilities
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  ollamaChatOptions   `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaChatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// ChatStream streams a reply from /api/chat, Ollama's native streaming chat
// endpoint (newline-delimited JSON objects, one per token batch).
func (b *OllamaBackend) ChatStream(ctx context.Context, modelID string, messages []ChatMessage, params ChatParams) (<-chan StreamChunk, error) {
	msgs := make([]ollamaChatMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}

	reqBody := ollamaChatRequest{
		Model:    modelID,
		Messages: msgs,
		Stream:   true,
		Options: ollamaChatOptions{
			Temperature: params.Temperature,
			NumPredict:  params.MaxTokens,
			Stop:        params.StopTokens,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("ollama chat: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("ollama chat: status %d", resp.StatusCode)
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var chunk ollamaChatChunk
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				select {
				case out <- StreamChunk{Kind: StreamKindError, Err: fmt.Errorf("ollama chat: decode chunk: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			if chunk.Message.Content != "" {
				select {
				case out <- StreamChunk{Kind: StreamKindContent, Chunk: chunk.Message.Content}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				select {
				case out <- StreamChunk{Kind: StreamKindDone}:
				case <-ctx.Done():
				}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- StreamChunk{Kind: StreamKindError, Err: fmt.Errorf("ollama chat: read stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

// Health pings /api/tags as a cheap liveness probe — Ollama has no dedicated
// health route, and listing tags is the lightest call that proves the
// daemon is up and responding.
func (b *OllamaBackend) Health(ctx context.Context) (HealthResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return HealthResult{}, err
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return HealthResult{OK: false, Detail: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return HealthResult{OK: false, Detail: fmt.Sprintf("status %d", resp.StatusCode)}, nil
	}
	return HealthResult{OK: true}, nil
}
