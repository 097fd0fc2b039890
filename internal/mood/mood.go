// Package mood implements the Reaction & Mood Engine: it turns lightweight
// user signals (emoji reactions, local lexical sentiment hints) into a
// per-chat advisory MoodProfile and a weak per-(task_profile, model_id)
// feedback score the Router consults as a tie-breaker. Neither output may
// influence routing policy itself, only persona tone and candidate
// ordering among otherwise-equal candidates.
package mood

import (
	"math"
	"sync"
	"time"

	"github.com/Pavua/krab/internal/corekit"
)

// ReactionEntry is one append-only record of a user reacting to a prior
// bot message.
type ReactionEntry struct {
	ChatID    corekit.ChatId
	MessageID string
	Emoji     string
	FromOwner bool
	At        time.Time
}

const (
	decayHalfLife   = 24 * time.Hour
	maxScoreMagnitude = 5.0
)

// feedbackKey is the (task_profile, model_id) pair the Router tie-breaks on.
type feedbackKey struct {
	taskProfile string
	modelID     string
}

type moodState struct {
	tone       corekit.Mood
	lastUpdate time.Time
	// window holds a short rolling history of signed signals; its sum
	// (clamped) determines tone, mirroring the teacher's token-bucket
	// style bounded counters rather than an unbounded log.
	window []float64
}

const moodWindowSize = 20

// Engine aggregates ReactionEntries and lexical hints into MoodProfiles and
// feedback scores. Safe for concurrent use; grounded on the teacher's
// TokenBucket (per-key mutex-guarded counters, lazily created, evicted by
// last access) for both the per-chat mood window and the per-key feedback
// score, and on Bus's exponential drop-threshold logging discipline for
// keeping the bookkeeping bounded instead of growing without limit.
type Engine struct {
	mu        sync.Mutex
	moods     map[corekit.ChatId]*moodState
	scores    map[feedbackKey]*decayingScore
	autoLimit autoReactionLimiter
}

// New constructs an empty Engine. autoReactionEvery is the minimum number
// of messages between system-emitted auto-reactions in a given chat
// (spec default: 1 per N messages); 0 disables auto-reactions entirely.
func New(autoReactionEvery int) *Engine {
	return &Engine{
		moods:  make(map[corekit.ChatId]*moodState),
		scores: make(map[feedbackKey]*decayingScore),
		autoLimit: autoReactionLimiter{
			every:    autoReactionEvery,
			lastSent: make(map[corekit.ChatId]int),
			counts:   make(map[corekit.ChatId]int),
		},
	}
}

// RecordReaction folds one ReactionEntry into its chat's MoodProfile and,
// when the reaction lands on a message tagged with a (task_profile,
// model_id) pair, into that pair's feedback score.
func (e *Engine) RecordReaction(entry ReactionEntry, taskProfile, modelID string) {
	signal := lexicalSignalForEmoji(entry.Emoji)
	e.applySignal(entry.ChatID, signal)
	if taskProfile != "" && modelID != "" {
		e.applyFeedback(taskProfile, modelID, signal)
	}
}

// RecordMessageSentiment folds a locally-extracted lexical sentiment hint
// (no LLM call) from a chat's inbound message into its MoodProfile.
func (e *Engine) RecordMessageSentiment(chatID corekit.ChatId, text string) {
	e.applySignal(chatID, lexicalSignalForText(text))
}

func (e *Engine) applySignal(chatID corekit.ChatId, signal float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.moods[chatID]
	if !ok {
		st = &moodState{tone: corekit.MoodNeutral}
		e.moods[chatID] = st
	}
	st.window = append(st.window, signal)
	if len(st.window) > moodWindowSize {
		st.window = st.window[len(st.window)-moodWindowSize:]
	}
	st.tone = toneFromWindow(st.window)
	st.lastUpdate = time.Now()
}

// Snapshot returns the advisory MoodProfile for chatID. Unknown chats get
// a neutral snapshot.
func (e *Engine) Snapshot(chatID corekit.ChatId) corekit.MoodSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.moods[chatID]
	if !ok {
		return corekit.MoodSnapshot{Tone: corekit.MoodNeutral}
	}
	return corekit.MoodSnapshot{Tone: st.tone, LastUpdate: st.lastUpdate}
}

// decayingScore is a bounded, exponentially-decayed accumulator: every read
// first decays toward zero based on elapsed time, so a single emotional
// burst loses influence over time instead of permanently skewing routing.
type decayingScore struct {
	value      float64
	lastUpdate time.Time
}

func (e *Engine) applyFeedback(taskProfile, modelID string, signal float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := feedbackKey{taskProfile: taskProfile, modelID: modelID}
	sc, ok := e.scores[key]
	if !ok {
		sc = &decayingScore{lastUpdate: time.Now()}
		e.scores[key] = sc
	}
	sc.value = decay(sc.value, sc.lastUpdate) + signal
	if sc.value > maxScoreMagnitude {
		sc.value = maxScoreMagnitude
	}
	if sc.value < -maxScoreMagnitude {
		sc.value = -maxScoreMagnitude
	}
	sc.lastUpdate = time.Now()
}

// Score implements router.FeedbackSource: a weak per-(task_profile,
// model_id) tie-breaker, decayed to the moment of the read so idle pairs
// don't retain a stale advantage.
func (e *Engine) Score(taskProfile, modelID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := feedbackKey{taskProfile: taskProfile, modelID: modelID}
	sc, ok := e.scores[key]
	if !ok {
		return 0
	}
	return decay(sc.value, sc.lastUpdate)
}

func decay(value float64, since time.Time) float64 {
	elapsed := time.Since(since)
	if elapsed <= 0 {
		return value
	}
	halfLives := elapsed.Seconds() / decayHalfLife.Seconds()
	return value * math.Pow(2, -halfLives)
}

// autoReactionLimiter enforces the spec's auto-reaction rate limit
// (≤ 1 per N messages per chat), grounded on the teacher's TokenBucket
// shape but simplified to a message-count gate since auto-reactions are
// not time-rate-limited, they're count-rate-limited.
type autoReactionLimiter struct {
	mu       sync.Mutex
	every    int
	lastSent map[corekit.ChatId]int
	counts   map[corekit.ChatId]int
}

// AllowAutoReaction reports whether the system may emit an auto-reaction
// for chatID right now, and records the attempt's message count either
// way. Returns false unconditionally when autoReactionEvery was 0 (kill
// switch) or enabled is false (Policy's kill switch).
func (e *Engine) AllowAutoReaction(chatID corekit.ChatId, enabled bool) bool {
	l := &e.autoLimit
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts[chatID]++
	if !enabled || l.every <= 0 {
		return false
	}
	if l.counts[chatID]-l.lastSent[chatID] < l.every {
		return false
	}
	l.lastSent[chatID] = l.counts[chatID]
	return true
}
