package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Pavua/krab/internal/corekit"
)

func TestOllamaBackend_TierAndModelID(t *testing.T) {
	b := NewOllamaBackend("http://localhost:11434", "llama3.1:8b")
	if b.Tier() != corekit.TierLocal {
		t.Fatalf("Tier() = %v, want local", b.Tier())
	}
	if b.ModelID() != "llama3.1:8b" {
		t.Fatalf("ModelID() = %q, want llama3.1:8b", b.ModelID())
	}
}

func TestOllamaBackend_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			json.NewEncoder(w).Encode(map[string]any{
				"models": []map[string]string{{"name": "llama3.1:8b"}, {"name": "qwen3:8b"}},
			})
		case "/api/show":
			json.NewEncoder(w).Encode(map[string]any{"capabilities": []string{"completion"}})
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	b := NewOllamaBackend(srv.URL, "llama3.1:8b")
	models, err := b.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0].ModelID != "llama3.1:8b" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestOllamaBackend_ListModels_Unreachable(t *testing.T) {
	b := NewOllamaBackend("http://127.0.0.1:1", "llama3.1:8b")
	if _, err := b.ListModels(context.Background()); err == nil {
		t.Fatal("expected error when daemon unreachable")
	}
}

func TestOllamaBackend_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"models": []any{}})
	}))
	defer srv.Close()

	b := NewOllamaBackend(srv.URL, "llama3.1:8b")
	res, err := b.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected OK health, got %+v", res)
	}
}

func TestOllamaBackend_Health_Unreachable(t *testing.T) {
	b := NewOllamaBackend("http://127.0.0.1:1", "llama3.1:8b")
	res, err := b.Health(context.Background())
	if err != nil {
		t.Fatalf("Health should not error, got %v", err)
	}
	if res.OK {
		t.Fatal("expected health not-OK for unreachable daemon")
	}
}

func TestOllamaBackend_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, chunk := range []string{"Hel", "lo"} {
			json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]string{"content": chunk},
				"done":    false,
			})
			w.(http.Flusher).Flush()
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"content": ""},
			"done":    true,
		})
	}))
	defer srv.Close()

	b := NewOllamaBackend(srv.URL, "llama3.1:8b")
	ch, err := b.ChatStream(context.Background(), "llama3.1:8b",
		[]ChatMessage{{Role: "user", Content: "hi"}}, ChatParams{MaxTokens: 64})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var got strings.Builder
	sawDone := false
	for chunk := range ch {
		switch chunk.Kind {
		case StreamKindContent:
			got.WriteString(chunk.Chunk)
		case StreamKindDone:
			sawDone = true
		case StreamKindError:
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
	}
	if got.String() != "Hello" {
		t.Fatalf("accumulated content = %q, want Hello", got.String())
	}
	if !sawDone {
		t.Fatal("expected a done chunk")
	}
}

func TestOllamaBackend_ChatStream_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewOllamaBackend(srv.URL, "missing-model")
	if _, err := b.ChatStream(context.Background(), "missing-model", nil, ChatParams{}); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
