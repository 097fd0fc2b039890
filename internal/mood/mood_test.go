package mood_test

import (
	"testing"

	"github.com/Pavua/krab/internal/corekit"
	"github.com/Pavua/krab/internal/mood"
)

func TestSnapshot_UnknownChatIsNeutral(t *testing.T) {
	e := mood.New(3)
	snap := e.Snapshot("unknown")
	if snap.Tone != corekit.MoodNeutral {
		t.Fatalf("expected neutral, got %s", snap.Tone)
	}
}

func TestRecordReaction_SustainedNegativeTurnsHostile(t *testing.T) {
	e := mood.New(3)
	for i := 0; i < 5; i++ {
		e.RecordReaction(mood.ReactionEntry{ChatID: "c1", Emoji: "👎"}, "", "")
	}
	snap := e.Snapshot("c1")
	if snap.Tone != corekit.MoodHostile {
		t.Fatalf("expected hostile after sustained negative run, got %s", snap.Tone)
	}
}

func TestRecordReaction_FeedsRouterScore(t *testing.T) {
	e := mood.New(3)
	e.RecordReaction(mood.ReactionEntry{ChatID: "c1", Emoji: "👍"}, "chat", "model-a")
	score := e.Score("chat", "model-a")
	if score <= 0 {
		t.Fatalf("expected positive score after thumbs-up, got %f", score)
	}
	if other := e.Score("chat", "model-b"); other != 0 {
		t.Fatalf("expected untouched model to stay at 0, got %f", other)
	}
}

func TestAllowAutoReaction_RespectsRateAndKillSwitch(t *testing.T) {
	e := mood.New(3)
	if e.AllowAutoReaction("c1", false) {
		t.Fatalf("kill switch disabled should never allow")
	}
	allowedOnce := false
	for i := 0; i < 3; i++ {
		if e.AllowAutoReaction("c1", true) {
			allowedOnce = true
		}
	}
	if !allowedOnce {
		t.Fatalf("expected at least one allowed auto-reaction within 3 messages at every=3")
	}
}

func TestAllowAutoReaction_ZeroEveryDisables(t *testing.T) {
	e := mood.New(0)
	for i := 0; i < 10; i++ {
		if e.AllowAutoReaction("c1", true) {
			t.Fatalf("every=0 must disable auto-reactions entirely")
		}
	}
}
