package chatsync

import (
	"testing"
	"time"
)

func TestTopicHelpers(t *testing.T) {
	if got := TopicConversation(42); got != "/topic/conversation/42" {
		t.Errorf("TopicConversation = %q", got)
	}
	if got := TopicTyping(42); got != "/topic/conversation/42/typing" {
		t.Errorf("TopicTyping = %q", got)
	}
	if got := DestChat(42); got != "/app/chat/42" {
		t.Errorf("DestChat = %q", got)
	}
	if got := DestChatTyping(42); got != "/app/chat/42/typing" {
		t.Errorf("DestChatTyping = %q", got)
	}
}

func TestDecodeEventByDestination(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	ev, err := decodeEvent(TopicPresence, marshalPayload(PresenceEvent{
		UserID: 3, Username: "ana", Status: StatusOnline, LastSeen: now,
	}))
	if err != nil {
		t.Fatalf("presence decode: %v", err)
	}
	if p := ev.(PresenceEvent); p.UserID != 3 || p.Status != StatusOnline {
		t.Fatalf("presence = %+v", p)
	}

	ev, err = decodeEvent(TopicTyping(7), marshalPayload(TypingEvent{
		ConversationID: 7, UserID: 2, Username: "bo", IsTyping: true,
	}))
	if err != nil {
		t.Fatalf("typing decode: %v", err)
	}
	if ty := ev.(TypingEvent); !ty.IsTyping || ty.ConversationID != 7 {
		t.Fatalf("typing = %+v", ty)
	}

	ev, err = decodeEvent(TopicConversation(7), marshalPayload(Message{
		ID: 9, ConversationID: 7, SenderID: 2, Content: "hello", CreatedAt: now,
	}))
	if err != nil {
		t.Fatalf("message decode: %v", err)
	}
	if m := ev.(Message); m.ID != 9 || m.Content != "hello" {
		t.Fatalf("message = %+v", m)
	}
}

func TestDecodeEventRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name    string
		dest    string
		payload string
	}{
		{"unknown destination", "/topic/weather", `{}`},
		{"presence without user", TopicPresence, `{"status":"ONLINE"}`},
		{"presence bad status", TopicPresence, `{"userId":1,"status":"AWAY"}`},
		{"typing without ids", TopicTyping(1), `{"isTyping":true}`},
		{"message without id", TopicConversation(1), `{"content":"x"}`},
		{"not json", TopicConversation(1), `nope`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := decodeEvent(tc.dest, []byte(tc.payload)); err == nil {
				t.Fatal("expected a decode error")
			}
		})
	}
}
