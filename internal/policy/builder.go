package policy

import (
	"context"
	"strings"

	"github.com/Pavua/krab/internal/corekit"
)

// MoodSource is the narrow read interface the Context Builder needs from
// the Reaction & Mood Engine.
type MoodSource interface {
	Snapshot(chatID corekit.ChatId) corekit.MoodSnapshot
}

// confirmPrefix is the channel-layer convention for relaying an explicit
// user confirmation of an expensive operation (set when the user taps the
// "confirm" inline action); stripped before the payload reaches the Router.
const confirmPrefix = "\x00CONFIRM\x00"

// Builder implements queue.ContextBuilder: it resolves an Event into an
// immutable Context by attaching author/reply/forward provenance plus
// Policy and Mood snapshots. Grounded on the teacher's
// internal/channels/telegram.go principal resolution (the transport's own
// sender ID is the only trusted identity source, never text heuristics).
type Builder struct {
	policy *Store
	mood   MoodSource
}

// NewBuilder constructs a Builder.
func NewBuilder(store *Store, mood MoodSource) *Builder {
	return &Builder{policy: store, mood: mood}
}

// Build resolves event into a Context. It never returns an error in the
// current implementation; the signature matches queue.ContextBuilder so a
// future resolution step (e.g. fetching a quoted message from the
// transport) can fail without an interface change.
func (b *Builder) Build(ctx context.Context, event corekit.Event) (corekit.Context, error) {
	policySnap := b.policy.Snapshot(event.ChatID)

	var moodSnap corekit.MoodSnapshot
	if b.mood != nil {
		moodSnap = b.mood.Snapshot(event.ChatID)
	}

	var replyTo, forwardFrom *corekit.ReplyRef
	if event.ReplyToMessageID != "" {
		replyTo = &corekit.ReplyRef{AuthorID: event.ReplyToAuthorID, MessageID: event.ReplyToMessageID}
	}
	if event.ForwardFromMessageID != "" {
		forwardFrom = &corekit.ReplyRef{AuthorID: event.ForwardFromAuthorID, MessageID: event.ForwardFromMessageID}
	}

	isOwner := event.AuthorID != "" && event.AuthorID == b.policy.ownerID

	return corekit.Context{
		Author:           event.AuthorID,
		ReplyTo:          replyTo,
		ForwardFrom:      forwardFrom,
		Mood:             moodSnap,
		Policy:           policySnap,
		Persona:          policySnap.Persona,
		ConfirmExpensive: strings.HasPrefix(event.Payload, confirmPrefix),
		IsOwner:          isOwner,
		IsGroupChat:      event.IsGroupChat,
	}, nil
}

// StripConfirmPrefix removes the confirmation marker from a payload so
// downstream components see the user's actual message text.
func StripConfirmPrefix(payload string) string {
	return strings.TrimPrefix(payload, confirmPrefix)
}
