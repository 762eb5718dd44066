package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

func newTestPresence(t *testing.T, ft *fakeTransport) (*ConnManager, *PresenceTracker) {
	t.Helper()
	cfg := testConfig(ft).withDefaults()
	m := newConnManager(cfg, ft)
	r := newSubscriptionRegistry(m, cfg.Logger)
	d := newMessageDispatcher(r, cfg.Logger)
	d.bind(m)
	p := newPresenceTracker(m, r, cfg.Logger)
	p.setIdentity(1, "me")
	t.Cleanup(m.Disconnect)
	return m, p
}

func presenceFrame(userID int64, status string) Frame {
	return Frame{
		Type:        FrameMessage,
		Destination: TopicPresence,
		Payload:     marshalPayload(PresenceEvent{UserID: userID, Username: "peer", Status: status}),
	}
}

func TestPresenceSetSemantics(t *testing.T) {
	ft := &fakeTransport{}
	m, p := newTestPresence(t, ft)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p.start()

	c := ft.conn(t, 0)
	c.deliver(t, presenceFrame(5, StatusOnline))
	c.deliver(t, presenceFrame(5, StatusOnline)) // duplicate is idempotent
	c.deliver(t, presenceFrame(6, StatusOnline))

	waitFor(t, "two online users", func() bool { return len(p.Online()) == 2 })
	if !p.IsOnline(5) || !p.IsOnline(6) {
		t.Fatalf("online set = %v", p.Online())
	}

	c.deliver(t, presenceFrame(5, StatusOffline))
	waitFor(t, "user 5 offline", func() bool { return !p.IsOnline(5) })
	if !p.IsOnline(6) {
		t.Fatal("user 6 dropped by someone else's offline event")
	}

	// Offline for an unknown user is a no-op.
	c.deliver(t, presenceFrame(99, StatusOffline))
	waitFor(t, "steady state", func() bool { return len(p.Online()) == 1 })
}

func TestUpdateStatusIsNotOptimistic(t *testing.T) {
	ft := &fakeTransport{}
	m, p := newTestPresence(t, ft)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p.start()

	if err := p.UpdateStatus(StatusOnline); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if p.IsOnline(1) {
		t.Fatal("own status applied before the broadcast came back")
	}

	c := ft.conn(t, 0)
	fs := c.frames(t)
	var published *PresenceEvent
	for _, f := range fs {
		if f.Type == FrameSend && f.Destination == DestStatus {
			var ev PresenceEvent
			if err := json.Unmarshal(f.Payload, &ev); err != nil {
				t.Fatalf("status payload: %v", err)
			}
			published = &ev
		}
	}
	if published == nil {
		t.Fatal("no status frame published")
	}
	if published.UserID != 1 || published.Username != "me" || published.Status != StatusOnline {
		t.Fatalf("published = %+v", published)
	}
	if published.LastSeen.IsZero() {
		t.Fatal("lastSeen not set")
	}

	// The server's echo is what flips the local set.
	c.deliver(t, Frame{
		Type:        FrameMessage,
		Destination: TopicPresence,
		Payload:     marshalPayload(PresenceEvent{UserID: 1, Username: "me", Status: StatusOnline}),
	})
	waitFor(t, "own echo applied", func() bool { return p.IsOnline(1) })
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	ft := &fakeTransport{}
	m, p := newTestPresence(t, ft)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := p.UpdateStatus("AWAY"); err == nil {
		t.Fatal("expected rejection of unsupported status")
	}
}

func TestPresenceStopForgetsEveryone(t *testing.T) {
	ft := &fakeTransport{}
	m, p := newTestPresence(t, ft)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p.start()

	ft.conn(t, 0).deliver(t, presenceFrame(5, StatusOnline))
	waitFor(t, "user online", func() bool { return p.IsOnline(5) })

	p.stop()
	if len(p.Online()) != 0 {
		t.Fatalf("online set after stop = %v", p.Online())
	}
}

func TestPresenceStartStopConcurrent(t *testing.T) {
	ft := &fakeTransport{}
	m, p := newTestPresence(t, ft)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Connect and the disconnect teardown run on different goroutines.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); p.start() }()
		go func() { defer wg.Done(); p.stop() }()
	}
	wg.Wait()

	p.stop()
	p.start()
	fs := ft.conn(t, 0).frames(t)
	subs := countFrames(fs, FrameSubscribe, TopicPresence)
	unsubs := countFrames(fs, FrameUnsubscribe, TopicPresence)
	if subs != unsubs+1 {
		t.Fatalf("subscribe/unsubscribe frames = %d/%d, want exactly one live subscription", subs, unsubs)
	}
}
