package router

import (
	"encoding/json"
	"sync"
	"time"
)

// KVStore is the narrow persistence hook CloudTierState and CircuitBreaker
// state use to survive a restart — the same shape as the teacher's
// KVSet/KVGet interface, backed in this repo by internal/persistence.
type KVStore interface {
	KVSet(key string, value []byte) error
	KVGet(key string) ([]byte, bool, error)
}

const cloudTierStateKey = "router.cloud_tier_state"

// CloudTierState is the process-wide singleton tracking which cloud tier is
// active. It auto-switches free→paid on a quota/billing-class failure and
// is sticky on paid until an explicit reset, guarded by a cooldown between
// switches.
type CloudTierState struct {
	mu          sync.Mutex
	active      ChatTierValue
	stickyPaid  bool
	switchCount int
	lastSwitch  time.Time
	cooldown    time.Duration
	store       KVStore
}

// ChatTierValue is either cloud_free or cloud_paid (CloudTierState never
// tracks local — that's a Policy force_mode, not a cloud-autoswitch state).
type ChatTierValue string

const (
	CloudTierFree ChatTierValue = "cloud_free"
	CloudTierPaid ChatTierValue = "cloud_paid"
)

type cloudTierPersisted struct {
	Active      ChatTierValue `json:"active"`
	StickyPaid  bool          `json:"sticky_paid"`
	SwitchCount int           `json:"switch_count"`
	LastSwitch  time.Time     `json:"last_switch"`
}

// NewCloudTierState builds a CloudTierState, starting on cloud_free unless a
// persisted state is found in store.
func NewCloudTierState(cooldown time.Duration, store KVStore) *CloudTierState {
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	s := &CloudTierState{active: CloudTierFree, cooldown: cooldown, store: store}
	s.restore()
	return s
}

// Active returns the currently active cloud tier.
func (s *CloudTierState) Active() ChatTierValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// StickyPaid reports whether the state is latched on paid.
func (s *CloudTierState) StickyPaid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stickyPaid
}

// SwitchCount is the number of free→paid autoswitches observed.
func (s *CloudTierState) SwitchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switchCount
}

// NoteQuotaExhausted is called by the Router when a quota_exhausted
// ErrorClass is seen on cloud_free. It switches to cloud_paid if not already
// there and the cooldown since the last switch has elapsed.
func (s *CloudTierState) NoteQuotaExhausted() (switched bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == CloudTierPaid {
		return false
	}
	if !s.lastSwitch.IsZero() && time.Since(s.lastSwitch) < s.cooldown {
		return false
	}
	s.active = CloudTierPaid
	s.stickyPaid = true
	s.switchCount++
	s.lastSwitch = time.Now()
	s.persist()
	return true
}

// Reset returns the state to cloud_free and clears stickiness, the
// `reset_tier` operation referenced by spec.md's autoswitch scenario.
func (s *CloudTierState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = CloudTierFree
	s.stickyPaid = false
	s.lastSwitch = time.Now()
	s.persist()
}

// persist must be called with s.mu held.
func (s *CloudTierState) persist() {
	if s.store == nil {
		return
	}
	p := cloudTierPersisted{Active: s.active, StickyPaid: s.stickyPaid, SwitchCount: s.switchCount, LastSwitch: s.lastSwitch}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = s.store.KVSet(cloudTierStateKey, b)
}

func (s *CloudTierState) restore() {
	if s.store == nil {
		return
	}
	b, ok, err := s.store.KVGet(cloudTierStateKey)
	if err != nil || !ok {
		return
	}
	var p cloudTierPersisted
	if err := json.Unmarshal(b, &p); err != nil {
		return
	}
	s.mu.Lock()
	s.active = p.Active
	s.stickyPaid = p.StickyPaid
	s.switchCount = p.SwitchCount
	s.lastSwitch = p.LastSwitch
	s.mu.Unlock()
}
