// Package policy implements the Policy & Context Store: per-ChatId policy
// and persona, a frozen PolicySnapshot for each Request, and the Context
// Builder that resolves an Event into an immutable Context.
package policy

import (
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Pavua/krab/internal/corekit"
)

// KVStore is the narrow persistence hook Store uses to survive a restart,
// the same shape as router.KVStore — duplicated rather than imported so
// this package stays a one-way dependency of internal/persistence only.
type KVStore interface {
	KVSet(key string, value []byte) error
	KVGet(key string) ([]byte, bool, error)
}

// Policy is the mutable per-ChatId policy and persona data. Field meanings
// mirror corekit.PolicySnapshot minus the frozen ChatID/Version.
type Policy struct {
	ForceMode                 corekit.ForceMode
	Persona                   string
	ReplyEnabled              bool
	GroupReplyMode            corekit.GroupReplyMode
	RateLimitPerMinute        int
	ConfirmExpensive          bool
	MaxOutputChars            int
	AllowOwnerCommandsInGroup bool
}

// Default returns the global defaults loaded from static configuration at
// boot; a per-chat entry reverts to this once its TTL elapses.
func Default() Policy {
	return Policy{
		ForceMode:                 corekit.ForceModeAuto,
		ReplyEnabled:              true,
		GroupReplyMode:            corekit.GroupReplyMentionOnly,
		RateLimitPerMinute:        20,
		ConfirmExpensive:          true,
		MaxOutputChars:            4000,
		AllowOwnerCommandsInGroup: false,
	}
}

type entry struct {
	policy    Policy
	mutatedAt time.Time
}

// Store holds per-ChatId Policy with TTL-based reversion to defaults.
// Mutations apply only to new Requests; in-flight Requests keep the
// snapshot they were built with. Grounded on the teacher's LivePolicy
// (RWMutex-guarded data, PolicyVersion via hash/fnv, explicit
// Reload/Snapshot), generalized from one process-wide Policy to one Policy
// per ChatId with a mutation TTL.
type Store struct {
	mu       sync.RWMutex
	entries  map[corekit.ChatId]*entry
	defaults Policy
	ttl      time.Duration
	ownerID  string
	kv       KVStore
}

// Config constructs a Store.
type Config struct {
	Defaults Policy        // zero value falls back to Default()
	TTL      time.Duration // default 24h
	OwnerID  string        // transport-provided principal id of the bot's owner
	KV       KVStore       // optional; nil disables persistence
}

// New constructs a Store and restores any persisted per-chat entries from
// kv, if provided.
func New(cfg Config) *Store {
	defaults := cfg.Defaults
	if defaults == (Policy{}) {
		defaults = Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		entries:  make(map[corekit.ChatId]*entry),
		defaults: defaults,
		ttl:      ttl,
		ownerID:  cfg.OwnerID,
		kv:       cfg.KV,
	}
}

// get returns the live Policy for chatID, applying TTL reversion to
// defaults. Caller must hold at least a read lock; get promotes to a write
// lock only when an entry has actually expired.
func (s *Store) get(chatID corekit.ChatId) Policy {
	s.mu.RLock()
	e, ok := s.entries[chatID]
	s.mu.RUnlock()

	if !ok && s.kv != nil {
		if e = s.restore(chatID); e == nil {
			return s.defaults
		}
	} else if !ok {
		return s.defaults
	}

	if time.Since(e.mutatedAt) > s.ttl {
		s.mu.Lock()
		delete(s.entries, chatID)
		s.mu.Unlock()
		return s.defaults
	}
	return e.policy
}

// restore lazily loads a persisted per-chat entry on first access since
// the last process restart, caching it in memory afterward.
func (s *Store) restore(chatID corekit.ChatId) *entry {
	raw, found, err := s.kv.KVGet(kvKey(chatID))
	if err != nil || !found {
		return nil
	}
	p, err := decodePolicy(raw)
	if err != nil {
		return nil
	}
	e := &entry{policy: p, mutatedAt: time.Now()}
	s.mu.Lock()
	s.entries[chatID] = e
	s.mu.Unlock()
	return e
}

// Snapshot returns the frozen PolicySnapshot for chatID, versioned by a
// content hash so a Request can detect whether its Policy is stale.
func (s *Store) Snapshot(chatID corekit.ChatId) corekit.PolicySnapshot {
	p := s.get(chatID)
	return corekit.PolicySnapshot{
		ChatID:                    chatID,
		ForceMode:                 p.ForceMode,
		Persona:                   p.Persona,
		ReplyEnabled:              p.ReplyEnabled,
		GroupReplyMode:            p.GroupReplyMode,
		RateLimitPerMinute:        p.RateLimitPerMinute,
		ConfirmExpensive:          p.ConfirmExpensive,
		MaxOutputChars:            p.MaxOutputChars,
		AllowOwnerCommandsInGroup: p.AllowOwnerCommandsInGroup,
		Version:                   versionFor(p),
	}
}

// Mutate applies fn to chatID's current Policy (starting from defaults if
// unset) and persists the result. Mutations affect only Requests created
// after this call returns.
func (s *Store) Mutate(chatID corekit.ChatId, fn func(*Policy)) error {
	s.mu.Lock()
	e, ok := s.entries[chatID]
	if !ok {
		e = &entry{policy: s.defaults}
		s.entries[chatID] = e
	}
	fn(&e.policy)
	e.mutatedAt = time.Now()
	snapshot := e.policy
	s.mu.Unlock()

	if s.kv == nil {
		return nil
	}
	return s.kv.KVSet(kvKey(chatID), encodePolicy(snapshot))
}

// CanMutate reports whether authorID may issue a Policy mutation for
// chatID right now. Only the configured owner may ever mutate Policy; in
// group chats this is further gated by the chat's own
// AllowOwnerCommandsInGroup flag, which defaults off (an owner must
// explicitly enable owner commands in a given group, typically via a
// direct message first).
func (s *Store) CanMutate(chatID corekit.ChatId, authorID string, isGroupChat bool) bool {
	if s.ownerID == "" || authorID != s.ownerID {
		return false
	}
	if !isGroupChat {
		return true
	}
	return s.get(chatID).AllowOwnerCommandsInGroup
}

func versionFor(p Policy) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join([]string{
		string(p.ForceMode), p.Persona,
		strconv.FormatBool(p.ReplyEnabled), string(p.GroupReplyMode),
		strconv.Itoa(p.RateLimitPerMinute), strconv.FormatBool(p.ConfirmExpensive),
		strconv.Itoa(p.MaxOutputChars), strconv.FormatBool(p.AllowOwnerCommandsInGroup),
	}, "|")))
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
