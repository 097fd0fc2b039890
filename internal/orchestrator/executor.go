// Package orchestrator wires the Model Router and Streaming Client into
// the single queue.Executor the per-chat work queue calls, and wraps the
// Queue itself into the narrow Submitter interface each chat transport
// depends on. Neither adapter carries logic of its own beyond the
// preflight/fallback loop the teacher's engine ran inline in its
// coordinator — generalized here to the Router/Stream split.
package orchestrator

import (
	"context"
	"errors"

	"github.com/Pavua/krab/internal/corekit"
	"github.com/Pavua/krab/internal/router"
)

// taskProfile is the single task classification this domain's Context
// carries forward to the Router's confirm-expensive gate and the Mood
// Engine's feedback score. A richer per-Request classifier is future work;
// until one exists every Request reads as "chat".
const taskProfile = "chat"

// Router is the narrow capability Executor needs from *router.Router.
type Router interface {
	Preflight(ctx context.Context, req *corekit.Request, taskProfile string) (corekit.Plan, error)
	Execute(ctx context.Context, req *corekit.Request, plan corekit.Plan, taskProfile string) (corekit.Attempt, string, error)
	Fallback(ctx context.Context, req *corekit.Request, taskProfile string) (corekit.Plan, error)
}

// Executor implements queue.Executor: preflight a Plan, execute it, and
// keep asking the Router for a Fallback Plan on failure until one
// succeeds or the Router reports the Request exhausted or blocked.
type Executor struct {
	router Router
}

// NewExecutor constructs an Executor over r.
func NewExecutor(r Router) *Executor {
	return &Executor{router: r}
}

// Execute runs req to completion, implementing queue.Executor.
func (x *Executor) Execute(ctx context.Context, req *corekit.Request) (string, error) {
	plan, err := x.router.Preflight(ctx, req, taskProfile)
	if err != nil {
		if errors.Is(err, router.ErrBlocked) {
			return "This request is estimated to cost real money on a paid model — reply to confirm before I proceed.", nil
		}
		return "", err
	}

	for {
		req.State = corekit.RequestRunning
		attempt, text, err := x.router.Execute(ctx, req, plan, taskProfile)

		// Branch on the classified Outcome, not on err == nil: stream.Run
		// returns a nil error for guardrail aborts (stream_timeout,
		// reasoning_limit, reasoning_loop, content_loop) because they are
		// not transport failures, so err alone can't tell a guardrail stop
		// apart from an ordinary complete reply.
		switch attempt.Outcome {
		case corekit.OutcomeOK:
			req.State = corekit.RequestOK
			return text, nil
		case corekit.OutcomeLoop:
			// Terminal by design: spec.md §8 scenario 4 says a loop
			// guardrail does not fall back. The sanitized partial text
			// plus its notice (appended in stream.Runner.finish) is the
			// reply.
			req.State = corekit.RequestLoopAborted
			return text, nil
		case corekit.OutcomeFatal:
			req.State = corekit.RequestFatal
			return text, err
		case corekit.OutcomeCancelled:
			req.State = corekit.RequestSLAAborted
			return text, err
		}

		// OutcomeTransient or OutcomeTimeout: ask the Router for the next
		// Plan in the fallback chain.
		req.State = corekit.RequestFallbackPlanned
		plan, err = x.router.Fallback(ctx, req, taskProfile)
		if err != nil {
			if errors.Is(err, router.ErrExhausted) {
				req.State = corekit.RequestFatal
			}
			return "", err
		}
	}
}
