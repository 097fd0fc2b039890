package watchdog_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Pavua/krab/internal/backend"
	"github.com/Pavua/krab/internal/corekit"
	"github.com/Pavua/krab/internal/watchdog"
)

type flakyBackend struct {
	mu  sync.Mutex
	ok  bool
	err error
}

func (b *flakyBackend) setOK(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ok = ok
}

func (b *flakyBackend) Tier() corekit.Tier { return corekit.TierLocal }
func (b *flakyBackend) ModelID() string    { return "m" }
func (b *flakyBackend) ListModels(ctx context.Context) ([]backend.ModelInfo, error) {
	return nil, nil
}
func (b *flakyBackend) ChatStream(ctx context.Context, modelID string, messages []backend.ChatMessage, params backend.ChatParams) (<-chan backend.StreamChunk, error) {
	return nil, nil
}
func (b *flakyBackend) Health(ctx context.Context) (backend.HealthResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ok {
		return backend.HealthResult{OK: false, Detail: "down"}, errors.New("unreachable")
	}
	return backend.HealthResult{OK: true}, nil
}
func (b *flakyBackend) Classify(err error) backend.ErrorClass { return backend.ErrorClassUnknown }

func TestSupervisor_HysteresisDropsAfterThreshold(t *testing.T) {
	b := &flakyBackend{ok: false}
	s := watchdog.New(watchdog.Config{ProbeTimeout: time.Second, FailThreshold: 3, RecoverThreshold: 2}, nil)
	s.Register("local", b)

	if !s.IsUp("local") {
		t.Fatalf("expected up before any probe")
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.Start(ctx, time.Hour) // single immediate tick per Start; stop before next interval
		time.Sleep(10 * time.Millisecond)
		s.Stop()
	}

	if s.IsUp("local") {
		t.Fatalf("expected source down after 3 consecutive failures")
	}

	snap := s.DeepHealth()
	if len(snap.Sources) != 1 || snap.Sources[0].Status != watchdog.StatusDown {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSupervisor_RecoversAfterThreshold(t *testing.T) {
	b := &flakyBackend{ok: false}
	s := watchdog.New(watchdog.Config{ProbeTimeout: time.Second, FailThreshold: 1, RecoverThreshold: 2}, nil)
	s.Register("local", b)

	ctx := context.Background()
	s.Start(ctx, time.Hour)
	time.Sleep(10 * time.Millisecond)
	s.Stop()
	if s.IsUp("local") {
		t.Fatalf("expected down after first failure with threshold 1")
	}

	b.setOK(true)
	for i := 0; i < 2; i++ {
		s.Start(ctx, time.Hour)
		time.Sleep(10 * time.Millisecond)
		s.Stop()
	}
	if !s.IsUp("local") {
		t.Fatalf("expected recovered up after 2 consecutive successes")
	}
}

func TestSupervisor_LivenessIndependentOfDeepHealth(t *testing.T) {
	b := &flakyBackend{ok: false}
	s := watchdog.New(watchdog.Config{}, nil)
	s.Register("local", b)

	if s.Liveness() {
		t.Fatalf("expected liveness false before Start")
	}
	s.Start(context.Background(), time.Hour)
	if !s.Liveness() {
		t.Fatalf("expected liveness true once started, regardless of backend health")
	}
	s.Stop()
}
