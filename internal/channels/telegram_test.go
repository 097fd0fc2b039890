package channels

import "testing"

func TestTelegramChannel_SendReply_RejectsNonNumericChatID(t *testing.T) {
	ch := NewTelegramChannel("fake-token", nil, nil, nil, nil)
	if err := ch.SendReply("not-a-number", "req-1", "hello"); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
}

func TestTelegramChannel_SendReply_EmptyTextIsNoop(t *testing.T) {
	ch := NewTelegramChannel("fake-token", nil, nil, nil, nil)
	if err := ch.SendReply("123", "req-1", ""); err != nil {
		t.Fatalf("expected nil error for empty text, got %v", err)
	}
}
