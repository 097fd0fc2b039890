// Package watchdog implements the Health & Watchdog Supervisor: it probes
// registered backends on a fixed cadence, maintains a hysteresis-gated
// UP/DEGRADED/DOWN state per source, attempts bounded soft-heal actions,
// and exposes a cheap liveness check alongside the full HealthSnapshot.
// The probe loop's tick-immediately-then-on-interval shape is the
// teacher's internal/cron.Scheduler loop, generalized from firing due cron
// schedules to fanning out bounded per-source health probes.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Pavua/krab/internal/backend"
	"github.com/Pavua/krab/internal/bus"
)

// Status is a backend's coarse health state.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// SourceHealth is one backend's entry in a HealthSnapshot.
type SourceHealth struct {
	Name              string
	Status            Status
	Reason            string
	LastSuccess       time.Time
	RecommendedAction string
}

// HealthSnapshot is the Supervisor-owned deep health surface.
type HealthSnapshot struct {
	Sources   []SourceHealth
	Computed  time.Time
}

// Config tunes probe cadence, hysteresis, and soft-heal cooldown. Zero
// values fall back to the spec-documented defaults.
type Config struct {
	ProbeTimeout     time.Duration // default 2s, per source
	FailThreshold    int           // consecutive fails to drop a tier, default 3
	RecoverThreshold int           // consecutive oks to recover, default 2
	SoftHealCooldown time.Duration // default 5m, per action
	Logger           *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 3
	}
	if c.RecoverThreshold <= 0 {
		c.RecoverThreshold = 2
	}
	if c.SoftHealCooldown <= 0 {
		c.SoftHealCooldown = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type source struct {
	name     string
	backend  backend.Backend
	inFlight bool
}

type sourceState struct {
	status      Status
	reason      string
	fails       int
	oks         int
	lastSuccess time.Time
	lastSoftHeal time.Time
}

// Supervisor is the Health & Watchdog Supervisor. Safe for concurrent use.
type Supervisor struct {
	cfg Config
	bus *bus.Bus

	mu      sync.Mutex
	sources map[string]*source
	states  map[string]*sourceState

	alive atomic.Bool // liveness is computed independently of deep health

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Supervisor. eventBus may be nil.
func New(cfg Config, eventBus *bus.Bus) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:     cfg,
		bus:     eventBus,
		sources: make(map[string]*source),
		states:  make(map[string]*sourceState),
	}
}

// Register adds a backend to probe, keyed by name (typically the tier).
func (s *Supervisor) Register(name string, b backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[name] = &source{name: name, backend: b}
	s.states[name] = &sourceState{status: StatusUp}
}

// Start begins the periodic probe loop; it ticks immediately, then on
// interval, until ctx is cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.alive.Store(true)
	s.wg.Add(1)
	go s.loop(ctx, interval)
}

// Stop cancels the probe loop and waits for it to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.alive.Store(false)
}

func (s *Supervisor) loop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeAll(ctx)
		}
	}
}

// probeAll fans out one probe per source, bounded to a single in-flight
// probe per source — an overlapping tick for a still-probing source is
// coalesced (skipped) rather than queued.
func (s *Supervisor) probeAll(ctx context.Context) {
	s.mu.Lock()
	var toRun []*source
	for _, src := range s.sources {
		if src.inFlight {
			continue
		}
		src.inFlight = true
		toRun = append(toRun, src)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, src := range toRun {
		wg.Add(1)
		go func(src *source) {
			defer wg.Done()
			s.probeOne(ctx, src)
		}(src)
	}
	wg.Wait()
}

func (s *Supervisor) probeOne(ctx context.Context, src *source) {
	defer func() {
		s.mu.Lock()
		src.inFlight = false
		s.mu.Unlock()
	}()

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	result, err := src.backend.Health(probeCtx)
	s.recordProbe(ctx, src.name, result, err)
}

func (s *Supervisor) recordProbe(ctx context.Context, name string, result backend.HealthResult, err error) {
	s.mu.Lock()
	st, ok := s.states[name]
	if !ok {
		st = &sourceState{status: StatusUp}
		s.states[name] = st
	}

	ok2 := err == nil && result.OK
	prevStatus := st.status
	reason := result.Detail
	if err != nil {
		reason = err.Error()
	}

	if ok2 {
		st.oks++
		st.fails = 0
		st.lastSuccess = time.Now()
		if st.status != StatusUp && st.oks >= s.cfg.RecoverThreshold {
			st.status = StatusUp
			st.reason = ""
		}
	} else {
		st.fails++
		st.oks = 0
		st.reason = reason
		if st.status == StatusUp && st.fails >= 1 {
			st.status = StatusDegraded
		}
		if st.fails >= s.cfg.FailThreshold {
			st.status = StatusDown
		}
	}
	changed := st.status != prevStatus
	needsHeal := st.status != StatusUp && time.Since(st.lastSoftHeal) >= s.cfg.SoftHealCooldown
	if needsHeal {
		st.lastSoftHeal = time.Now()
	}
	status := st.status
	snapshotReason := st.reason
	src := s.sources[name]
	s.mu.Unlock()

	if changed {
		s.cfg.Logger.Info("watchdog: source state changed", "source", name, "status", status, "reason", snapshotReason)
		if s.bus != nil {
			s.bus.Publish(bus.TopicHealthChanged, bus.HealthChangedEvent{Source: name, State: string(status), Reason: snapshotReason})
		}
	}

	if needsHeal && src != nil {
		s.trySoftHeal(ctx, name, src.backend, snapshotReason)
	}
}

// trySoftHeal attempts one bounded recovery action — unload/reload the
// local model — when a source has fallen out of UP. Failure is logged and
// escalated via an alert; it never retries faster than SoftHealCooldown.
func (s *Supervisor) trySoftHeal(ctx context.Context, name string, b backend.Backend, reason string) {
	heal, ok := b.(backend.LoadUnloadBackend)
	if !ok {
		return
	}
	healCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	modelID := b.ModelID()
	err := heal.Unload(healCtx, modelID)
	if err == nil {
		err = heal.Load(healCtx, modelID)
	}

	severity := "info"
	msg := "soft-heal succeeded for " + name
	if err != nil {
		severity = "warn"
		msg = "soft-heal failed for " + name + ": " + err.Error()
		s.cfg.Logger.Warn("watchdog: soft-heal failed", "source", name, "error", err)
	} else {
		s.cfg.Logger.Info("watchdog: soft-heal succeeded", "source", name, "reason", reason)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicAlertRaised, bus.AlertEvent{Code: "soft_heal", Severity: severity, Message: msg})
	}
}

// IsUp implements router.HealthView: the Router's health-gate filter.
func (s *Supervisor) IsUp(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return true // unknown/unregistered sources are assumed reachable
	}
	return st.status != StatusDown
}

// Liveness is the fast, cheap "process alive, accepting requests" check.
// It is computed independently of DeepHealth so a slow deep probe can
// never starve it.
func (s *Supervisor) Liveness() bool {
	return s.alive.Load()
}

// DeepHealth returns the full HealthSnapshot: per-source status, reason,
// and a recommended next action.
func (s *Supervisor) DeepHealth() HealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := HealthSnapshot{Computed: time.Now()}
	for name, st := range s.states {
		snap.Sources = append(snap.Sources, SourceHealth{
			Name:              name,
			Status:            st.status,
			Reason:            st.reason,
			LastSuccess:       st.lastSuccess,
			RecommendedAction: recommendedAction(st.status),
		})
	}
	return snap
}

func recommendedAction(status Status) string {
	switch status {
	case StatusDown:
		return "route away from this tier; wait for recovery or manual intervention"
	case StatusDegraded:
		return "prefer other tiers if available; this source is still attempted as a last resort"
	default:
		return ""
	}
}
