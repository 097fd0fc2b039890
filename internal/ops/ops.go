// Package ops implements Ops Telemetry & Alerts: it counts terminal
// Attempts into a UsageLedger, raises structured soft-cap alerts, and
// exports minute-level snapshots. Grounded on the teacher's
// internal/audit package (atomic deny counter, JSONL append sink) and on
// internal/bus's bounded-channel drop discipline for the fire-and-forget
// counter updates it consumes.
package ops

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Pavua/krab/internal/bus"
	"github.com/Pavua/krab/internal/shared"
)

// LedgerKey identifies one UsageLedger row.
type LedgerKey struct {
	Tier    string
	ModelID string
}

// LedgerRow is the per-(tier, model_id) counter set updated on each
// terminal Attempt.
type LedgerRow struct {
	Calls           int
	Failures        int
	EstimatedCostUSD float64
	TokensIn        int
	TokensOut       int
}

// Severity is an Alert's urgency.
type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityWarn Severity = "warn"
	SeverityHigh Severity = "high"
)

// Alert is a de-duplicated-by-code structured alert.
type Alert struct {
	Code     string
	Severity Severity
	Message  string
	Count    int
	FirstSeen time.Time
	LastSeen time.Time
	Acked    bool
}

// Config tunes soft-cap thresholds. Zero values fall back to spec
// defaults.
type Config struct {
	FreeCloudDailyCallCap int     // default 300
	PaidCloudMonthlyCapUSD float64 // default $N, caller-configured; 0 disables the paid cap
	AlertExpiry           time.Duration // default: alerts auto-expire after this long with no recurrence
	Logger                *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.FreeCloudDailyCallCap <= 0 {
		c.FreeCloudDailyCallCap = 300
	}
	if c.AlertExpiry <= 0 {
		c.AlertExpiry = 72 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Ops aggregates usage and alerts. Safe for concurrent use.
type Ops struct {
	cfg Config
	bus *bus.Bus

	mu          sync.Mutex
	ledger      map[LedgerKey]*LedgerRow
	dailyCalls  map[string]int // tier -> calls since dayStart
	dayStart    time.Time
	monthCost   map[string]float64 // tier -> cost since monthStart
	monthStart  time.Time
	alerts      map[string]*Alert
}

// New constructs an Ops aggregator subscribed to eventBus's attempt-
// completed topic. eventBus may be nil for offline use (tests, replay).
func New(cfg Config, eventBus *bus.Bus) *Ops {
	cfg.applyDefaults()
	now := time.Now()
	o := &Ops{
		cfg:        cfg,
		bus:        eventBus,
		ledger:     make(map[LedgerKey]*LedgerRow),
		dailyCalls: make(map[string]int),
		dayStart:   startOfDay(now),
		monthCost:  make(map[string]float64),
		monthStart: startOfMonth(now),
		alerts:     make(map[string]*Alert),
	}
	return o
}

// Run subscribes to the bus and processes attempt-completed events until
// ctx is cancelled.
func (o *Ops) Run(ctx context.Context) {
	if o.bus == nil {
		return
	}
	sub := o.bus.Subscribe(bus.TopicAttemptCompleted)
	defer o.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Ch():
			if !ok {
				return
			}
			if ac, ok := evt.Payload.(bus.AttemptCompletedEvent); ok {
				o.RecordAttempt(ac)
			}
		}
	}
}

// RecordAttempt folds one terminal Attempt into the ledger and evaluates
// soft caps. Safe to call directly (e.g. from tests, or a synchronous
// caller that doesn't want to go through the bus).
func (o *Ops) RecordAttempt(ac bus.AttemptCompletedEvent) {
	o.mu.Lock()
	o.rollWindowsLocked(time.Now())

	key := LedgerKey{Tier: ac.Tier, ModelID: ac.ModelID}
	row, ok := o.ledger[key]
	if !ok {
		row = &LedgerRow{}
		o.ledger[key] = row
	}
	row.Calls++
	if ac.Outcome != "ok" {
		row.Failures++
	}
	row.EstimatedCostUSD += ac.CostUSD
	row.TokensIn += ac.TokensIn
	row.TokensOut += ac.TokensOut

	o.dailyCalls[ac.Tier]++
	o.monthCost[ac.Tier] += ac.CostUSD

	dailyCalls := o.dailyCalls[ac.Tier]
	monthCost := o.monthCost[ac.Tier]
	o.mu.Unlock()

	o.checkSoftCaps(ac.Tier, dailyCalls, monthCost)
}

func (o *Ops) rollWindowsLocked(now time.Time) {
	if day := startOfDay(now); day.After(o.dayStart) {
		o.dayStart = day
		o.dailyCalls = make(map[string]int)
	}
	if month := startOfMonth(now); month.After(o.monthStart) {
		o.monthStart = month
		o.monthCost = make(map[string]float64)
	}
}

func (o *Ops) checkSoftCaps(tier string, dailyCalls int, monthCost float64) {
	if tier == "cloud_free" {
		cap := o.cfg.FreeCloudDailyCallCap
		ratio := float64(dailyCalls) / float64(cap)
		switch {
		case ratio >= 1.0:
			o.RaiseAlert("cloud_free_soft_cap", SeverityHigh, "cloud_free daily call cap reached")
		case ratio >= 0.8:
			o.RaiseAlert("cloud_free_soft_cap", SeverityWarn, "cloud_free daily call cap 80% reached")
		}
	}
	if tier == "cloud_paid" && o.cfg.PaidCloudMonthlyCapUSD > 0 {
		ratio := monthCost / o.cfg.PaidCloudMonthlyCapUSD
		switch {
		case ratio >= 1.0:
			o.RaiseAlert("cloud_paid_soft_cap", SeverityHigh, "cloud_paid monthly cost cap reached")
		case ratio >= 0.8:
			o.RaiseAlert("cloud_paid_soft_cap", SeverityWarn, "cloud_paid monthly cost cap 80% reached")
		}
	}
}

// RaiseAlert records an occurrence of code, de-duplicating by code: an
// already-unacked alert has its count/severity/last-seen updated rather
// than spamming a fresh alert per call. Soft-caps are advisory only —
// enforcement is a Policy-level concern, never a hard block here.
func (o *Ops) RaiseAlert(code string, severity Severity, message string) {
	message = shared.Redact(message)

	o.mu.Lock()
	a, ok := o.alerts[code]
	now := time.Now()
	isNew := !ok
	if !ok {
		a = &Alert{Code: code, FirstSeen: now}
		o.alerts[code] = a
	}
	a.Severity = severity
	a.Message = message
	a.Count++
	a.LastSeen = now
	a.Acked = false
	o.mu.Unlock()

	if isNew && o.bus != nil {
		o.bus.Publish(bus.TopicAlertRaised, bus.AlertEvent{Code: code, Severity: string(severity), Message: message})
	}
}

// AckAlert marks code acknowledged; it will not re-publish until it next
// recurs.
func (o *Ops) AckAlert(code string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.alerts[code]
	if !ok {
		return false
	}
	a.Acked = true
	if o.bus != nil {
		o.bus.Publish(bus.TopicAlertAcked, bus.AlertEvent{Code: code, Severity: string(a.Severity), Message: a.Message})
	}
	return true
}

// Alerts returns a snapshot of all alerts, pruning any acked alert whose
// LastSeen is older than AlertExpiry.
func (o *Ops) Alerts() []Alert {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	var out []Alert
	for code, a := range o.alerts {
		if a.Acked && now.Sub(a.LastSeen) > o.cfg.AlertExpiry {
			delete(o.alerts, code)
			continue
		}
		out = append(out, *a)
	}
	return out
}

// Snapshot is the minute-level export unit: a point-in-time copy of the
// full ledger.
type Snapshot struct {
	Computed time.Time
	Rows     []SnapshotRow
}

// SnapshotRow is one ledger row with its key flattened for JSON export.
type SnapshotRow struct {
	Tier             string
	ModelID          string
	Calls            int
	Failures         int
	EstimatedCostUSD float64
	TokensIn         int
	TokensOut        int
}

// Snapshot returns the current ledger as an exportable Snapshot.
func (o *Ops) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{Computed: time.Now()}
	for k, v := range o.ledger {
		snap.Rows = append(snap.Rows, SnapshotRow{
			Tier: k.Tier, ModelID: k.ModelID,
			Calls: v.Calls, Failures: v.Failures,
			EstimatedCostUSD: v.EstimatedCostUSD,
			TokensIn:         v.TokensIn,
			TokensOut:        v.TokensOut,
		})
	}
	return snap
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}
