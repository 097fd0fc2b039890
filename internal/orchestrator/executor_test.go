package orchestrator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Pavua/krab/internal/corekit"
	"github.com/Pavua/krab/internal/orchestrator"
	"github.com/Pavua/krab/internal/router"
)

// scriptedRouter plays back a fixed sequence of Execute/Fallback results,
// the same hand-built-Attempt style router_test.go uses for Router.Fallback
// in isolation, generalized here to drive the full Executor loop.
type scriptedRouter struct {
	preflightErr error

	attempts []corekit.Attempt
	texts    []string
	errs     []error
	execN    int

	fallbackPlans []corekit.Plan
	fallbackErrs  []error
	fbN           int
}

func (s *scriptedRouter) Preflight(ctx context.Context, req *corekit.Request, taskProfile string) (corekit.Plan, error) {
	return corekit.Plan{Tier: corekit.TierLocal, ModelID: "llama3"}, s.preflightErr
}

func (s *scriptedRouter) Execute(ctx context.Context, req *corekit.Request, plan corekit.Plan, taskProfile string) (corekit.Attempt, string, error) {
	i := s.execN
	s.execN++
	attempt := s.attempts[i]
	attempt.Plan = plan
	req.Attempts = append(req.Attempts, attempt)
	return attempt, s.texts[i], s.errs[i]
}

func (s *scriptedRouter) Fallback(ctx context.Context, req *corekit.Request, taskProfile string) (corekit.Plan, error) {
	i := s.fbN
	s.fbN++
	return s.fallbackPlans[i], s.fallbackErrs[i]
}

func newTestRequest() *corekit.Request {
	return &corekit.Request{
		ID: "r1", ChatID: "c1",
		Event:   corekit.Event{Payload: "hi"},
		Context: corekit.Context{Policy: corekit.PolicySnapshot{ForceMode: corekit.ForceModeAuto, MaxOutputChars: 4000}},
	}
}

// Scenario 1 (spec.md §8): IDLE_CHUNK_MS exceeded with no chunk -> Attempt
// ends stream_timeout, classified transient, one cloud fallback attempted
// and succeeds.
func TestExecute_StreamTimeoutFallsBackOnce(t *testing.T) {
	sr := &scriptedRouter{
		attempts: []corekit.Attempt{
			{Outcome: corekit.OutcomeTimeout, ErrorCode: "stream_timeout"},
			{Outcome: corekit.OutcomeOK},
		},
		texts: []string{"", "final reply"},
		errs:  []error{nil, nil},
		fallbackPlans: []corekit.Plan{
			{Tier: corekit.TierCloudFree, ModelID: "gemini-2.5-flash"},
		},
		fallbackErrs: []error{nil},
	}
	x := orchestrator.NewExecutor(sr)
	req := newTestRequest()

	text, err := x.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if text != "final reply" {
		t.Fatalf("text = %q, want %q", text, "final reply")
	}
	if sr.fbN != 1 {
		t.Fatalf("fallback called %d times, want 1", sr.fbN)
	}
	if req.State != corekit.RequestOK {
		t.Fatalf("request state = %s, want %s", req.State, corekit.RequestOK)
	}
}

// Scenario 2 (spec.md §8): force-cloud exhaustion. Two successive cloud
// candidates time out; no third attempt is made, and the Executor reports
// the Request exhausted rather than returning a partial reply.
func TestExecute_ForceCloudExhaustion(t *testing.T) {
	sr := &scriptedRouter{
		attempts: []corekit.Attempt{
			{Outcome: corekit.OutcomeTimeout, ErrorCode: "upstream_timeout"},
			{Outcome: corekit.OutcomeTimeout, ErrorCode: "upstream_timeout"},
		},
		texts: []string{"", ""},
		errs:  []error{nil, nil},
		fallbackPlans: []corekit.Plan{
			{Tier: corekit.TierCloudFree, ModelID: "gemini-2.5-pro"},
			{},
		},
		fallbackErrs: []error{nil, router.ErrExhausted},
	}
	x := orchestrator.NewExecutor(sr)
	req := newTestRequest()

	text, err := x.Execute(context.Background(), req)
	if !errors.Is(err, router.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if text != "" {
		t.Fatalf("text = %q, want empty", text)
	}
	if sr.execN != 2 {
		t.Fatalf("execute called %d times, want 2 (no third attempt)", sr.execN)
	}
	if req.State != corekit.RequestFatal {
		t.Fatalf("request state = %s, want %s", req.State, corekit.RequestFatal)
	}
}

// Scenario 4 (spec.md §8): reasoning loop guard. The Attempt ends
// reasoning_limit/OutcomeLoop with err == nil (the guardrail is not a
// transport failure); this must NOT trigger a fallback, and the sanitized
// partial text (plus the short notice stream.Runner.finish appends) is the
// reply.
func TestExecute_LoopGuardrailIsTerminalNotFallback(t *testing.T) {
	sr := &scriptedRouter{
		attempts: []corekit.Attempt{
			{Outcome: corekit.OutcomeLoop, ErrorCode: "reasoning_limit"},
		},
		texts: []string{"partial answer\n\n_[stopped: reasoning exceeded its budget]_"},
		errs:  []error{nil},
	}
	x := orchestrator.NewExecutor(sr)
	req := newTestRequest()

	text, err := x.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if text == "" {
		t.Fatal("expected sanitized partial text, got empty string")
	}
	if sr.fbN != 0 {
		t.Fatalf("fallback called %d times, want 0 (loop outcome must not retry)", sr.fbN)
	}
	if req.State != corekit.RequestLoopAborted {
		t.Fatalf("request state = %s, want %s", req.State, corekit.RequestLoopAborted)
	}
}

// A classified-fatal local failure (bad_request/auth_invalid) must surface
// immediately per spec.md §7, never reaching Fallback.
func TestExecute_FatalErrorSkipsFallback(t *testing.T) {
	wantErr := errors.New("auth_invalid")
	sr := &scriptedRouter{
		attempts: []corekit.Attempt{
			{Outcome: corekit.OutcomeFatal, ErrorCode: "auth_invalid"},
		},
		texts: []string{""},
		errs:  []error{wantErr},
	}
	x := orchestrator.NewExecutor(sr)
	req := newTestRequest()

	_, err := x.Execute(context.Background(), req)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if sr.fbN != 0 {
		t.Fatalf("fallback called %d times, want 0 (fatal outcome must not retry)", sr.fbN)
	}
	if req.State != corekit.RequestFatal {
		t.Fatalf("request state = %s, want %s", req.State, corekit.RequestFatal)
	}
}

func TestExecute_PreflightBlockedAsksToConfirm(t *testing.T) {
	sr := &scriptedRouter{preflightErr: router.ErrBlocked}
	x := orchestrator.NewExecutor(sr)

	text, err := x.Execute(context.Background(), newTestRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if text == "" {
		t.Fatal("expected a confirm-expensive prompt, got empty string")
	}
}
