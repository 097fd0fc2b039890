// Package corekit holds the in-memory data model shared by the request
// lifecycle engine: Event, Context, Request, Plan and Attempt. None of these
// are persisted — they live for the duration of a Request inside the
// ChatWorker that owns it (see internal/queue).
package corekit

import (
	"context"
	"time"
)

// ChatId is the stable partition key for all per-chat state.
type ChatId string

// EventKind enumerates the shapes of inbound chat events.
type EventKind string

const (
	EventKindText     EventKind = "text"
	EventKindVoice    EventKind = "voice"
	EventKindPhoto    EventKind = "photo"
	EventKindCommand  EventKind = "command"
	EventKindReaction EventKind = "reaction"
)

// Event is the immutable unit of work arriving from a chat transport. The
// ReplyTo/ForwardFrom/IsGroupChat fields are transport-provided, never
// inferred from message text, per the Context Builder's provenance rule.
type Event struct {
	ChatID               ChatId
	MessageID            string
	AuthorID             string
	Kind                 EventKind
	Payload              string
	ReceivedAt           time.Time
	ReplyToAuthorID      string
	ReplyToMessageID     string
	ForwardFromAuthorID  string
	ForwardFromMessageID string
	IsGroupChat          bool
}

// ReplyRef resolves quoted or forwarded provenance for an Event.
type ReplyRef struct {
	AuthorID  string
	MessageID string
}

// Mood is an advisory tone classification; it may only influence persona,
// never routing.
type Mood string

const (
	MoodNeutral  Mood = "neutral"
	MoodPositive Mood = "positive"
	MoodTense    Mood = "tense"
	MoodHostile  Mood = "hostile"
)

// MoodSnapshot is the value the Context Builder attaches to a Context.
type MoodSnapshot struct {
	Tone       Mood
	LastUpdate time.Time
}

// ForceMode is the Policy knob overriding tier selection.
type ForceMode string

const (
	ForceModeAuto   ForceMode = "auto"
	ForceModeLocal  ForceMode = "local"
	ForceModeCloud  ForceMode = "cloud"
)

// GroupReplyMode controls whether the bot replies unprompted in group chats.
type GroupReplyMode string

const (
	GroupReplyMentionOnly GroupReplyMode = "mention_only"
	GroupReplyAlways      GroupReplyMode = "always"
	GroupReplyOff         GroupReplyMode = "off"
)

// PolicySnapshot is a frozen, per-Request copy of a ChatId's Policy. Requests
// keep the snapshot taken at creation even if the live Policy mutates later.
type PolicySnapshot struct {
	ChatID                     ChatId
	ForceMode                  ForceMode
	Persona                    string
	ReplyEnabled               bool
	GroupReplyMode             GroupReplyMode
	RateLimitPerMinute         int
	ConfirmExpensive           bool
	MaxOutputChars             int
	AllowOwnerCommandsInGroup  bool
	Version                    string
}

// Context is built once per Event and is immutable for the Request's life.
type Context struct {
	Author         string
	ReplyTo        *ReplyRef
	ForwardFrom    *ReplyRef
	Mood           MoodSnapshot
	Policy         PolicySnapshot
	Persona        string
	ConfirmExpensive bool
	IsOwner        bool
	IsGroupChat    bool
}

// Tier is one of the three execution tiers a Plan may target.
type Tier string

const (
	TierLocal     Tier = "local"
	TierCloudFree Tier = "cloud_free"
	TierCloudPaid Tier = "cloud_paid"
)

// Plan is an immutable routing decision for one Attempt.
type Plan struct {
	Tier             Tier
	ModelID          string
	MaxTokens        int
	StopTokens       []string
	ReasoningCap     int
	CostEstimateUSD  float64
	ConfirmRequired  bool
	Reasons          []string
	Warnings         []string
}

// Outcome classifies how an Attempt ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTransient Outcome = "transient"
	OutcomeFatal     Outcome = "fatal"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeLoop      Outcome = "loop"
	OutcomeCancelled Outcome = "cancelled"
)

// Attempt records one execution of a Plan against a backend.
type Attempt struct {
	Plan       Plan
	StartedAt  time.Time
	EndedAt    time.Time
	Outcome    Outcome
	BytesIn    int
	BytesOut   int
	ErrorCode  string
	RouteReason string
}

// RequestState is the per-Request state machine position.
type RequestState string

const (
	RequestPlanned         RequestState = "PLANNED"
	RequestRunning         RequestState = "RUNNING"
	RequestFallbackPlanned RequestState = "FALLBACK_PLANNED"
	RequestOK              RequestState = "OK"
	RequestFatal           RequestState = "FATAL"
	RequestLoopAborted     RequestState = "LOOP_ABORTED"
	RequestSLAAborted      RequestState = "SLA_ABORTED"
)

// Request is the work item derived from one reply-worthy Event. It is owned
// exclusively by the ChatWorker that created it for its entire life.
type Request struct {
	ID        string
	ChatID    ChatId
	Event     Event
	Context   Context
	Deadline  time.Time
	CreatedAt time.Time
	Attempts  []Attempt
	State     RequestState
}

// LastAttempt returns the most recent Attempt, or nil if none yet ran.
func (r *Request) LastAttempt() *Attempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

// CloudAttemptCount returns how many Attempts targeted a cloud tier.
func (r *Request) CloudAttemptCount() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Plan.Tier == TierCloudFree || a.Plan.Tier == TierCloudPaid {
			n++
		}
	}
	return n
}

// HadLocalToCloudTransition reports whether this Request already fell back
// from local to a cloud tier once.
func (r *Request) HadLocalToCloudTransition() bool {
	sawLocal := false
	for _, a := range r.Attempts {
		if a.Plan.Tier == TierLocal {
			sawLocal = true
		} else if sawLocal {
			return true
		}
	}
	return false
}

type requestInfoKey struct{}

// requestInfo carries the ChatId/RequestID pair that identifies the
// in-flight Request through to the Streaming Client, so its token-by-token
// bus events can be correlated back to the chat that should receive them
// without widening the router.StreamRunner interface itself.
type requestInfo struct {
	ChatID    ChatId
	RequestID string
}

// WithRequestInfo attaches a Request's correlation identifiers to ctx.
func WithRequestInfo(ctx context.Context, chatID ChatId, requestID string) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, requestInfo{ChatID: chatID, RequestID: requestID})
}

// RequestInfoFromContext retrieves the correlation identifiers attached by
// WithRequestInfo, or zero values if none were attached.
func RequestInfoFromContext(ctx context.Context) (chatID ChatId, requestID string) {
	info, _ := ctx.Value(requestInfoKey{}).(requestInfo)
	return info.ChatID, info.RequestID
}
