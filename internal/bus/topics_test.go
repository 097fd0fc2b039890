package bus

import "testing"

func TestTopicsNonEmpty(t *testing.T) {
	topics := []string{
		TopicRequestQueued, TopicRequestStarted, TopicRequestCompleted,
		TopicRequestSLATimeout, TopicRequestCancelled,
		TopicAttemptStarted, TopicAttemptCompleted,
		TopicStreamToken, TopicStreamDone,
		TopicReactionRecorded, TopicMoodUpdated,
		TopicAlertRaised, TopicAlertAcked, TopicHealthChanged,
	}
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("topic constant is empty")
		}
	}
}

func TestAttemptCompletedEventRoundTrip(t *testing.T) {
	b := New()
	sub := b.Subscribe("attempt.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicAttemptCompleted, AttemptCompletedEvent{
		ChatID:  "42",
		Tier:    "local",
		Outcome: "ok",
	})

	select {
	case ev := <-sub.Ch():
		got, ok := ev.Payload.(AttemptCompletedEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if got.ChatID != "42" || got.Outcome != "ok" {
			t.Fatalf("unexpected payload: %+v", got)
		}
	default:
		t.Fatal("expected event on subscription channel")
	}
}
