package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trailtalk/chatsync"
)

type fakeHistory struct {
	mu     sync.Mutex
	saved  []string
	member bool
}

func (f *fakeHistory) SaveMessage(ctx context.Context, conversationID, senderID int64, content, clientMessageID string) (*chatsync.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, content)
	return &chatsync.Message{ID: int64(len(f.saved)), ConversationID: conversationID, SenderID: senderID, Content: content}, false, nil
}

func (f *fakeHistory) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	return f.member, nil
}

// newHubForTest runs a hub against an unreachable redis; publishes fail fast
// and get logged, nothing comes back over pub/sub. Broadcasts are fed
// straight into h.broadcast, where the redis loop would deliver them.
func newHubForTest(t *testing.T) *Hub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { rdb.Close() })
	h := NewHub(rdb, &fakeHistory{member: true}, logger)
	go h.Run()
	return h
}

func newHubClient(h *Hub, id int64, name string, buf int) *Client {
	return &Client{
		hub:      h,
		send:     make(chan []byte, buf),
		userID:   id,
		username: name,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func messageFrame(conversationID int64) chatsync.Frame {
	return chatsync.Frame{
		Type:        chatsync.FrameMessage,
		Destination: chatsync.TopicConversation(conversationID),
		Payload:     json.RawMessage(`{"id":1}`),
	}
}

func TestInboundFrameAfterDropIsIgnored(t *testing.T) {
	h := newHubForTest(t)

	dropped := newHubClient(h, 1, "amelie", 8)
	h.register <- dropped
	h.unregister <- dropped

	// Queued by readPump just before the connection died; the send channel
	// is already closed when the hub gets to it.
	h.inbound <- inboundFrame{client: dropped, frame: chatsync.Frame{
		Type:        chatsync.FrameSend,
		Destination: "/app/chat/oops",
	}}

	// The run loop must still be alive and routing.
	live := newHubClient(h, 2, "bruno", 8)
	h.register <- live
	h.subscribe <- subRequest{client: live, topic: chatsync.TopicConversation(7), on: true}
	h.broadcast <- messageFrame(7)

	select {
	case <-live.send:
	case <-time.After(2 * time.Second):
		t.Fatal("hub stopped routing after a frame from a dropped client")
	}
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	h := newHubForTest(t)

	sub := newHubClient(h, 1, "amelie", 8)
	other := newHubClient(h, 2, "bruno", 8)
	h.register <- sub
	h.register <- other
	h.subscribe <- subRequest{client: sub, topic: chatsync.TopicConversation(3), on: true}

	h.broadcast <- messageFrame(3)

	var got chatsync.Frame
	select {
	case data := <-sub.send:
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("delivered frame is not json: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the broadcast")
	}
	if got.Destination != chatsync.TopicConversation(3) {
		t.Fatalf("destination = %q", got.Destination)
	}
	select {
	case <-other.send:
		t.Fatal("unsubscribed client received the frame")
	default:
	}
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h := newHubForTest(t)

	slow := newHubClient(h, 1, "amelie", 1)
	h.register <- slow
	h.subscribe <- subRequest{client: slow, topic: chatsync.TopicConversation(3), on: true}

	h.broadcast <- messageFrame(3) // fills the send buffer
	h.broadcast <- messageFrame(3) // overflows it, hub drops the client

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-slow.send:
			if !ok {
				return // send closed, client fully dropped
			}
		case <-deadline:
			t.Fatal("slow consumer never dropped")
		}
	}
}

func TestParseChatDest(t *testing.T) {
	cases := []struct {
		dest   string
		wantID int64
		ok     bool
	}{
		{"/app/chat/7", 7, true},
		{"/app/chat/123456789012", 123456789012, true},
		{"/app/chat/0", 0, false},
		{"/app/chat/-3", 0, false},
		{"/app/chat/abc", 0, false},
		{"/topic/conversation/7", 0, false},
		{"/app/chat/", 0, false},
	}
	for _, tc := range cases {
		id, ok := parseChatDest(tc.dest)
		if id != tc.wantID || ok != tc.ok {
			t.Errorf("parseChatDest(%q) = (%d, %v), want (%d, %v)", tc.dest, id, ok, tc.wantID, tc.ok)
		}
	}
}
