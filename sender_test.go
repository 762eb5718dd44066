package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type fakeRest struct {
	mu sync.Mutex

	conversations []Conversation
	messages      map[int64][]Message

	convCalls     int
	msgCalls      map[int64]int
	markReadCalls int
	postCalls     int
	lastPost      struct {
		conversationID int64
		content        string
		clientID       string
	}

	convErr     error
	msgErr      error
	markReadErr error
	postErr     error
}

func newFakeRest() *fakeRest {
	return &fakeRest{
		messages: make(map[int64][]Message),
		msgCalls: make(map[int64]int),
	}
}

func (f *fakeRest) Conversations(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convCalls++
	if f.convErr != nil {
		return nil, f.convErr
	}
	return append([]Conversation(nil), f.conversations...), nil
}

func (f *fakeRest) Messages(ctx context.Context, id int64) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgCalls[id]++
	if f.msgErr != nil {
		return nil, f.msgErr
	}
	return append([]Message(nil), f.messages[id]...), nil
}

func (f *fakeRest) MarkRead(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls++
	return f.markReadErr
}

func (f *fakeRest) PostMessage(ctx context.Context, id int64, content, clientID string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCalls++
	f.lastPost.conversationID = id
	f.lastPost.content = content
	f.lastPost.clientID = clientID
	if f.postErr != nil {
		return nil, f.postErr
	}
	return &Message{ID: 1000, ConversationID: id, Content: content}, nil
}

func (f *fakeRest) posted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.postCalls
}

func TestSendLiveSkipsRest(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestConn(t, ft)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rest := newFakeRest()
	s := newOutboundSender(m, rest, testConfig(ft).withDefaults().Logger)
	s.newID = func() string { return "cid-1" }
	refreshes := 0
	s.refresh = func(context.Context, int64) error { refreshes++; return nil }

	live, err := s.Send(context.Background(), 7, "see you at the trailhead")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !live {
		t.Fatal("send over a live connection must report true")
	}
	if rest.posted() != 0 {
		t.Fatal("live path must not touch rest")
	}
	if refreshes != 0 {
		t.Fatal("live path must not refresh history")
	}

	fs := ft.conn(t, 0).frames(t)
	if len(fs) != 1 || fs[0].Type != FrameSend || fs[0].Destination != DestChat(7) {
		t.Fatalf("frames = %+v", fs)
	}
	var p ChatPayload
	if err := json.Unmarshal(fs[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Content != "see you at the trailhead" || p.Type != "TEXT" || p.ClientMessageID != "cid-1" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestSendFallbackPostsOnceAndRefreshesOnce(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestConn(t, ft) // never connected
	rest := newFakeRest()
	s := newOutboundSender(m, rest, testConfig(ft).withDefaults().Logger)
	s.newID = func() string { return "cid-2" }
	refreshes := 0
	var refreshedID int64
	s.refresh = func(_ context.Context, id int64) error {
		refreshes++
		refreshedID = id
		return nil
	}

	live, err := s.Send(context.Background(), 12, "rain check?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if live {
		t.Fatal("offline send must report the fallback path")
	}
	if rest.posted() != 1 {
		t.Fatalf("rest posts = %d, want 1", rest.posted())
	}
	rest.mu.Lock()
	if rest.lastPost.conversationID != 12 || rest.lastPost.content != "rain check?" || rest.lastPost.clientID != "cid-2" {
		t.Fatalf("post = %+v", rest.lastPost)
	}
	rest.mu.Unlock()
	if refreshes != 1 || refreshedID != 12 {
		t.Fatalf("refreshes = %d for conversation %d, want exactly one for 12", refreshes, refreshedID)
	}
}

func TestSendFallbackFailureSurfaced(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestConn(t, ft)
	rest := newFakeRest()
	rest.postErr = errors.New("503 from upstream")
	s := newOutboundSender(m, rest, testConfig(ft).withDefaults().Logger)
	refreshes := 0
	s.refresh = func(context.Context, int64) error { refreshes++; return nil }

	if _, err := s.Send(context.Background(), 3, "anyone?"); err == nil {
		t.Fatal("expected the rest failure to surface")
	}
	if refreshes != 0 {
		t.Fatal("failed fallback must not refresh history")
	}
}

func TestSendStopsTypingBurst(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestConn(t, ft)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rest := newFakeRest()
	s := newOutboundSender(m, rest, testConfig(ft).withDefaults().Logger)
	var stopped []int64
	s.onSent = func(id int64) { stopped = append(stopped, id) }

	if _, err := s.Send(context.Background(), 5, "omw"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(stopped) != 1 || stopped[0] != 5 {
		t.Fatalf("onSent calls = %v, want [5]", stopped)
	}
}
