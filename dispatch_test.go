package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T, ft *fakeTransport) (*ConnManager, *SubscriptionRegistry) {
	t.Helper()
	cfg := testConfig(ft).withDefaults()
	m := newConnManager(cfg, ft)
	r := newSubscriptionRegistry(m, cfg.Logger)
	d := newMessageDispatcher(r, cfg.Logger)
	d.bind(m)
	t.Cleanup(m.Disconnect)
	return m, r
}

func TestDispatchPreservesConversationOrder(t *testing.T) {
	ft := &fakeTransport{}
	m, r := newTestDispatcher(t, ft)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var mu sync.Mutex
	var got []string
	r.Subscribe(TopicConversation(5), func(event any) {
		msg := event.(Message)
		mu.Lock()
		got = append(got, msg.Content)
		mu.Unlock()
	})

	c := ft.conn(t, 0)
	now := time.Now().UTC()
	c.deliver(t, Frame{
		Type:        FrameMessage,
		Destination: TopicConversation(5),
		Payload:     marshalPayload(Message{ID: 1, ConversationID: 5, SenderID: 1, Content: "hi", CreatedAt: now}),
	})
	c.deliver(t, Frame{
		Type:        FrameMessage,
		Destination: TopicConversation(5),
		Payload:     marshalPayload(Message{ID: 2, ConversationID: 5, SenderID: 2, Content: "yo", CreatedAt: now}),
	})

	waitFor(t, "both messages", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "hi" || got[1] != "yo" {
		t.Fatalf("order = %v, want [hi yo]", got)
	}
}

func TestMalformedFrameIsDroppedNotFatal(t *testing.T) {
	ft := &fakeTransport{}
	m, r := newTestDispatcher(t, ft)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var mu sync.Mutex
	delivered := 0
	r.Subscribe(TopicConversation(3), func(any) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	c := ft.conn(t, 0)
	c.deliverRaw(t, []byte("{not json"))
	c.deliver(t, Frame{
		Type:        FrameMessage,
		Destination: TopicConversation(3),
		Payload:     []byte(`{"id":0}`), // decode rejects the missing ids
	})
	c.deliver(t, Frame{
		Type:        FrameMessage,
		Destination: TopicConversation(3),
		Payload:     marshalPayload(Message{ID: 7, ConversationID: 3, SenderID: 1, Content: "still here", CreatedAt: time.Now()}),
	})

	waitFor(t, "valid frame after garbage", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	})
	if !m.Connected() {
		t.Fatal("malformed frames must not drop the connection")
	}
}

func TestErrorAndUnknownFramesIgnored(t *testing.T) {
	ft := &fakeTransport{}
	m, _ := newTestDispatcher(t, ft)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c := ft.conn(t, 0)
	c.deliver(t, Frame{Type: FrameError, Destination: TopicConversation(1), Payload: []byte(`{"reason":"nope"}`)})
	c.deliver(t, Frame{Type: "ack", Destination: ""})

	time.Sleep(20 * time.Millisecond)
	if !m.Connected() {
		t.Fatal("connection dropped on benign frames")
	}
}
