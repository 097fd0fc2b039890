// Package router implements the Model Router: tier selection, preflight
// cost/confirm gating, fallback coordination and route-rationale recording.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Pavua/krab/internal/backend"
	"github.com/Pavua/krab/internal/bus"
	"github.com/Pavua/krab/internal/corekit"
	"github.com/Pavua/krab/internal/pricing"
	"github.com/Pavua/krab/internal/tokenutil"
)

// ErrBlocked is returned by Preflight when a Request requires an explicit
// confirm-expensive flag that the caller's Context did not carry.
var ErrBlocked = errors.New("blocked")

// ErrExhausted is returned by Fallback once no further candidate remains.
var ErrExhausted = errors.New("exhausted")

// HealthView is the narrow read interface the Router needs from the
// Watchdog Supervisor: whether a given tier/model candidate is currently
// considered healthy enough to route to.
type HealthView interface {
	IsUp(source string) bool
}

// FeedbackSource is the narrow read interface the Router needs from the
// Reaction & Mood Engine for tie-breaking among otherwise-equal candidates.
type FeedbackSource interface {
	Score(taskProfile, modelID string) float64
}

// StreamRunner executes a Plan against a Backend, producing the sanitized
// terminal text and a classified Outcome. Implemented by internal/stream.
type StreamRunner interface {
	Run(ctx context.Context, b backend.Backend, plan corekit.Plan, messages []backend.ChatMessage) (text string, outcome corekit.Outcome, errorCode string, err error)
}

// Candidate is one routable (tier, backend) pair registered with the
// Router.
type Candidate struct {
	Tier    corekit.Tier
	Backend backend.Backend
}

// Config holds the Router's tunable defaults.
type Config struct {
	NCloudCandidates       int           // default 2
	BreakerThreshold       int           // default 3
	BreakerCooldown        time.Duration // default 60s
	CloudAutoswitchCooldown time.Duration // default 60s
	ConfirmExpensiveProfiles map[string]bool
}

func (c *Config) applyDefaults() {
	if c.NCloudCandidates <= 0 {
		c.NCloudCandidates = 2
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 60 * time.Second
	}
	if c.CloudAutoswitchCooldown <= 0 {
		c.CloudAutoswitchCooldown = 60 * time.Second
	}
	if c.ConfirmExpensiveProfiles == nil {
		c.ConfirmExpensiveProfiles = map[string]bool{
			"security": true, "infra": true, "review": true, "deep-reasoning": true,
		}
	}
}

// Router decides where and how to run a Request, enforces the
// confirm-expensive gate, and coordinates fallback across tiers.
type Router struct {
	cfg       Config
	mu        sync.RWMutex
	candidates map[corekit.Tier][]Candidate
	breakers  map[string]*CircuitBreaker
	cloudTier *CloudTierState
	health    HealthView
	feedback  FeedbackSource
	stream    StreamRunner
	eventBus  *bus.Bus
	logger    *slog.Logger
}

// New constructs a Router. kv backs CloudTierState/breaker persistence and
// may be nil for an in-memory-only Router (tests).
func New(cfg Config, kv KVStore, health HealthView, feedback FeedbackSource, stream StreamRunner, eventBus *bus.Bus, logger *slog.Logger) *Router {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:        cfg,
		candidates: make(map[corekit.Tier][]Candidate),
		breakers:   make(map[string]*CircuitBreaker),
		cloudTier:  NewCloudTierState(cfg.CloudAutoswitchCooldown, kv),
		health:     health,
		feedback:   feedback,
		stream:     stream,
		eventBus:   eventBus,
		logger:     logger,
	}
}

// Register adds a routable backend for a tier. Order of registration within
// a tier is the tie-break-of-last-resort (lexicographic on model_id is
// applied at selection time, per spec.md §4.2).
func (r *Router) Register(tier corekit.Tier, b backend.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates[tier] = append(r.candidates[tier], Candidate{Tier: tier, Backend: b})
}

func (r *Router) breakerFor(tier corekit.Tier, modelID string) *CircuitBreaker {
	key := string(tier) + "/" + modelID
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = NewCircuitBreaker(r.cfg.BreakerThreshold, r.cfg.BreakerCooldown)
		r.breakers[key] = b
	}
	return b
}

// CloudTier exposes the process-wide CloudTierState, e.g. for the
// reset_tier control-surface operation.
func (r *Router) CloudTier() *CloudTierState { return r.cloudTier }

// CatalogEntry describes one registered (tier, backend) candidate for the
// model catalog control-surface endpoint and the `!model` owner command.
type CatalogEntry struct {
	Tier     corekit.Tier
	ModelID  string
	Tripped  bool
	Healthy  bool
}

// Catalog enumerates every registered candidate across all tiers with its
// current breaker/health state.
func (r *Router) Catalog() []CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []CatalogEntry
	for tier, cands := range r.candidates {
		for _, c := range cands {
			modelID := c.Backend.ModelID()
			healthy := true
			if r.health != nil {
				healthy = r.health.IsUp(string(tier) + "/" + modelID)
			}
			out = append(out, CatalogEntry{
				Tier:    tier,
				ModelID: modelID,
				Tripped: r.breakerFor(tier, modelID).IsTripped(),
				Healthy: healthy,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].ModelID < out[j].ModelID
	})
	return out
}

// Preflight is a pure function of Context+Policy+HealthSnapshot+UsageLedger
// (the health/usage views are injected at construction) that produces a
// Plan or reports the Request as blocked.
func (r *Router) Preflight(ctx context.Context, req *corekit.Request, taskProfile string) (corekit.Plan, error) {
	tier, reasons := r.selectTier(req.Context.Policy.ForceMode)
	cand, ok := r.pickCandidate(tier, taskProfile)
	if !ok {
		return corekit.Plan{}, fmt.Errorf("no healthy candidate for tier %s", tier)
	}

	modelID := cand.Backend.ModelID()
	maxTokens := req.Context.Policy.MaxOutputChars / 4
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	var cost float64
	if tier != corekit.TierLocal {
		promptTokens := tokenutil.EstimateTokens(req.Event.Payload)
		cost = pricing.EstimateCost(modelID, promptTokens, maxTokens)
	}

	plan := corekit.Plan{
		Tier:            tier,
		ModelID:         modelID,
		MaxTokens:       maxTokens,
		ReasoningCap:    2000,
		CostEstimateUSD: cost,
		Reasons:         reasons,
	}

	if tier == corekit.TierCloudPaid && r.cfg.ConfirmExpensiveProfiles[taskProfile] {
		plan.ConfirmRequired = true
		if !req.Context.ConfirmExpensive {
			return plan, ErrBlocked
		}
	}
	if cost > 0 {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("estimated cost $%.4f", cost))
	}
	return plan, nil
}

// selectTier applies the force_mode policy to choose a starting tier.
func (r *Router) selectTier(mode corekit.ForceMode) (corekit.Tier, []string) {
	switch mode {
	case corekit.ForceModeLocal:
		return corekit.TierLocal, []string{"force_mode=local"}
	case corekit.ForceModeCloud:
		return r.cloudTier.Active().asTier(), []string{"force_mode=cloud"}
	default:
		return corekit.TierLocal, []string{"force_mode=auto: try local first"}
	}
}

func (v ChatTierValue) asTier() corekit.Tier {
	if v == CloudTierPaid {
		return corekit.TierCloudPaid
	}
	return corekit.TierCloudFree
}

// pickCandidate chooses among registered, non-tripped, healthy candidates
// for a tier using the tie-break order: Policy preference (caller-ordered
// registration acts as the preference list), feedback score, then
// lexicographic model_id.
func (r *Router) pickCandidate(tier corekit.Tier, taskProfile string) (Candidate, bool) {
	r.mu.RLock()
	all := append([]Candidate(nil), r.candidates[tier]...)
	r.mu.RUnlock()

	var eligible []Candidate
	for _, c := range all {
		if r.breakerFor(tier, c.Backend.ModelID()).IsTripped() {
			continue
		}
		if r.health != nil && !r.health.IsUp(string(tier)+"/"+c.Backend.ModelID()) {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return Candidate{}, false
	}
	if len(eligible) == 1 {
		return eligible[0], true
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		var si, sj float64
		if r.feedback != nil {
			si = r.feedback.Score(taskProfile, eligible[i].Backend.ModelID())
			sj = r.feedback.Score(taskProfile, eligible[j].Backend.ModelID())
		}
		if si != sj {
			return si > sj
		}
		return eligible[i].Backend.ModelID() < eligible[j].Backend.ModelID()
	})
	return eligible[0], true
}

// Execute suspends while the Streaming Client produces tokens for plan,
// then records the Attempt and returns the terminal outcome.
func (r *Router) Execute(ctx context.Context, req *corekit.Request, plan corekit.Plan, taskProfile string) (corekit.Attempt, string, error) {
	cand, ok := r.findCandidate(plan.Tier, plan.ModelID)
	if !ok {
		return corekit.Attempt{}, "", fmt.Errorf("candidate %s/%s no longer registered", plan.Tier, plan.ModelID)
	}

	messages := []backend.ChatMessage{{Role: "user", Content: req.Event.Payload}}
	started := time.Now()
	streamCtx := corekit.WithRequestInfo(ctx, req.ChatID, req.ID)
	text, outcome, errorCode, err := r.stream.Run(streamCtx, cand.Backend, plan, messages)
	ended := time.Now()

	breaker := r.breakerFor(plan.Tier, plan.ModelID)
	switch outcome {
	case corekit.OutcomeOK:
		breaker.RecordSuccess()
	case corekit.OutcomeTransient, corekit.OutcomeFatal:
		breaker.RecordFailure()
	}

	if err != nil && plan.Tier != corekit.TierLocal {
		class := backend.Classify(cand.Backend, err)
		if class == backend.ErrorClassQuotaExhausted && plan.Tier == corekit.TierCloudFree {
			r.cloudTier.NoteQuotaExhausted()
		}
	}

	attempt := corekit.Attempt{
		Plan: plan, StartedAt: started, EndedAt: ended, Outcome: outcome,
		BytesOut: len(text), ErrorCode: errorCode, RouteReason: routeReason(plan, req),
	}
	req.Attempts = append(req.Attempts, attempt)

	if r.eventBus != nil {
		r.eventBus.Publish(bus.TopicAttemptCompleted, bus.AttemptCompletedEvent{
			ChatID: string(req.ChatID), RequestID: req.ID, Tier: string(plan.Tier), ModelID: plan.ModelID,
			Outcome: string(outcome), ErrorCode: errorCode, CostUSD: plan.CostEstimateUSD, TaskProfile: taskProfile,
		})
	}
	return attempt, text, err
}

func routeReason(plan corekit.Plan, req *corekit.Request) string {
	if len(req.Attempts) == 0 {
		return "initial_plan"
	}
	return "local_failed_cloud_fallback"
}

func (r *Router) findCandidate(tier corekit.Tier, modelID string) (Candidate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.candidates[tier] {
		if c.Backend.ModelID() == modelID {
			return c, true
		}
	}
	return Candidate{}, false
}

// Fallback chooses the next candidate per the invariants: at most one
// local→cloud transition, at most NCloudCandidates cloud attempts.
func (r *Router) Fallback(ctx context.Context, req *corekit.Request, taskProfile string) (corekit.Plan, error) {
	last := req.LastAttempt()
	if last == nil {
		return corekit.Plan{}, ErrExhausted
	}
	switch last.Outcome {
	case corekit.OutcomeTransient, corekit.OutcomeTimeout:
		// only these two classes retry: OutcomeTransient is a classified
		// backend/network failure, OutcomeTimeout is an idle-stream abort
		// that spec.md §8 scenario 1 calls out as a transient condition.
	default:
		// OutcomeFatal, OutcomeLoop, OutcomeCancelled: §7 says fatal errors
		// skip fallback and surface immediately, and a guardrail abort
		// (loop) is not a transient failure either.
		return corekit.Plan{}, ErrExhausted
	}

	if last.Plan.Tier == corekit.TierLocal {
		if req.Context.Policy.ForceMode == corekit.ForceModeLocal {
			return corekit.Plan{}, ErrExhausted
		}
		if req.HadLocalToCloudTransition() {
			return corekit.Plan{}, ErrExhausted
		}
		tier := r.cloudTier.Active().asTier()
		cand, ok := r.pickCandidate(tier, taskProfile)
		if !ok {
			return corekit.Plan{}, ErrExhausted
		}
		return corekit.Plan{Tier: tier, ModelID: cand.Backend.ModelID(), Reasons: []string{"local_failed_cloud_fallback"}}, nil
	}

	if req.CloudAttemptCount() >= r.cfg.NCloudCandidates {
		return corekit.Plan{}, ErrExhausted
	}
	cand, ok := r.pickCandidate(last.Plan.Tier, taskProfile)
	if !ok {
		return corekit.Plan{}, ErrExhausted
	}
	if cand.Backend.ModelID() == last.Plan.ModelID {
		return corekit.Plan{}, ErrExhausted
	}
	return corekit.Plan{Tier: last.Plan.Tier, ModelID: cand.Backend.ModelID(), Reasons: []string{"cloud_candidate_retry"}}, nil
}
