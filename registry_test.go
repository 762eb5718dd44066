package chatsync

import (
	"context"
	"sync"
	"testing"
)

func countFrames(fs []Frame, typ, dest string) int {
	n := 0
	for _, f := range fs {
		if f.Type == typ && f.Destination == dest {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T, ft *fakeTransport) (*ConnManager, *SubscriptionRegistry) {
	t.Helper()
	cfg := testConfig(ft).withDefaults()
	m := newConnManager(cfg, ft)
	r := newSubscriptionRegistry(m, cfg.Logger)
	t.Cleanup(m.Disconnect)
	return m, r
}

func TestDoubleSubscribeSingleTransportSubscription(t *testing.T) {
	ft := &fakeTransport{}
	m, r := newTestRegistry(t, ft)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	topic := TopicConversation(9)
	var mu sync.Mutex
	calls := 0
	handler := func(any) {
		mu.Lock()
		calls++
		mu.Unlock()
	}
	r.Subscribe(topic, handler)
	r.Subscribe(topic, handler)

	if got := countFrames(ft.conn(t, 0).frames(t), FrameSubscribe, topic); got != 1 {
		t.Fatalf("subscribe frames = %d, want 1", got)
	}

	r.dispatch(topic, Message{ID: 1, ConversationID: 9})
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("handler invocations = %d, want 2", calls)
	}
}

func TestUnsubscribeReleasesTransportOnLastHandler(t *testing.T) {
	ft := &fakeTransport{}
	m, r := newTestRegistry(t, ft)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	topic := TopicConversation(4)
	s1 := r.Subscribe(topic, func(any) {})
	s2 := r.Subscribe(topic, func(any) {})

	s1.Unsubscribe()
	s1.Unsubscribe() // second call is a no-op
	if got := countFrames(ft.conn(t, 0).frames(t), FrameUnsubscribe, topic); got != 0 {
		t.Fatalf("unsubscribe frames after first handler removal = %d, want 0", got)
	}

	s2.Unsubscribe()
	if got := countFrames(ft.conn(t, 0).frames(t), FrameUnsubscribe, topic); got != 1 {
		t.Fatalf("unsubscribe frames after last handler removal = %d, want 1", got)
	}
	if r.dispatch(topic, Message{ID: 1}) {
		t.Fatal("dispatch found handlers after full unsubscribe")
	}
}

func TestSubscribeWhileDisconnectedIsQueued(t *testing.T) {
	ft := &fakeTransport{}
	m, r := newTestRegistry(t, ft)

	topic := TopicPresence
	r.Subscribe(topic, func(any) {})

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "queued subscribe flush", func() bool {
		return countFrames(ft.conn(t, 0).frames(t), FrameSubscribe, topic) == 1
	})
}

func TestReplayRestoresExactSubscriptionSet(t *testing.T) {
	ft := &fakeTransport{}
	m, r := newTestRegistry(t, ft)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	first := TopicConversation(1)
	second := TopicTyping(1)
	r.Subscribe(first, func(any) {})
	r.Subscribe(second, func(any) {})
	gone := TopicConversation(2)
	r.Subscribe(gone, func(any) {}).Unsubscribe()

	// Three refused dials, then the fourth succeeds.
	ft.mu.Lock()
	ft.failNext = 3
	ft.mu.Unlock()
	ft.conn(t, 0).drop()

	waitFor(t, "reconnect after 3 failures", func() bool {
		return ft.dialCount() == 5 && m.Connected()
	})

	waitFor(t, "replayed subscriptions", func() bool {
		fs := ft.conn(t, 1).frames(t)
		return countFrames(fs, FrameSubscribe, first) == 1 &&
			countFrames(fs, FrameSubscribe, second) == 1
	})
	fs := ft.conn(t, 1).frames(t)
	if got := countFrames(fs, FrameSubscribe, gone); got != 0 {
		t.Fatalf("cancelled topic replayed %d times", got)
	}

	// Creation order is preserved on replay.
	var replayed []string
	for _, f := range fs {
		if f.Type == FrameSubscribe {
			replayed = append(replayed, f.Destination)
		}
	}
	if len(replayed) != 2 || replayed[0] != first || replayed[1] != second {
		t.Fatalf("replay order = %v, want [%s %s]", replayed, first, second)
	}

	m.mu.Lock()
	attempts := m.attempts
	m.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("attempt counter = %d after reconnect, want 0", attempts)
	}
}
