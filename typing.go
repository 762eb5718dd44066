package chatsync

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TypingCoordinator debounces our own typing signals and aggregates everyone
// else's. One start event per burst of keystrokes; the stop event comes from
// the inactivity timer, from sending the message, or from teardown,
// whichever is first. Remote entries expire locally after a quiet period so
// a peer whose stop signal was lost does not look like they type forever.
type TypingCoordinator struct {
	conn     *ConnManager
	registry *SubscriptionRegistry
	logger   *slog.Logger

	timeout      time.Duration
	remoteExpiry time.Duration

	mu       sync.Mutex
	selfID   int64
	selfName string
	local    map[int64]*time.Timer
	watches  map[int64]*typingWatch
	nextCB   int
}

type typingWatch struct {
	sub       *Subscription
	users     map[int64]*remoteTyper
	callbacks map[int]func([]string)
}

type remoteTyper struct {
	username string
	expire   *time.Timer
}

func newTypingCoordinator(conn *ConnManager, registry *SubscriptionRegistry, cfg Config) *TypingCoordinator {
	return &TypingCoordinator{
		conn:         conn,
		registry:     registry,
		logger:       cfg.Logger,
		timeout:      cfg.TypingTimeout,
		remoteExpiry: cfg.TypingRemoteExpiry,
		local:        make(map[int64]*time.Timer),
		watches:      make(map[int64]*typingWatch),
	}
}

func (t *TypingCoordinator) setIdentity(userID int64, username string) {
	t.mu.Lock()
	t.selfID = userID
	t.selfName = username
	t.mu.Unlock()
}

// NotifyTyping records a keystroke in a conversation. The first keystroke of
// a burst publishes a start event; the rest only push the inactivity timer
// out.
func (t *TypingCoordinator) NotifyTyping(conversationID int64) error {
	t.mu.Lock()
	if timer, ok := t.local[conversationID]; ok {
		timer.Reset(t.timeout)
		t.mu.Unlock()
		return nil
	}
	timer := time.AfterFunc(t.timeout, func() { t.autoStop(conversationID) })
	t.local[conversationID] = timer
	t.mu.Unlock()

	if err := t.publish(conversationID, true); err != nil {
		t.mu.Lock()
		timer.Stop()
		delete(t.local, conversationID)
		t.mu.Unlock()
		return err
	}
	return nil
}

// StopTyping ends the burst immediately. Called when the message is sent or
// the composer is abandoned. No-op when no burst is active.
func (t *TypingCoordinator) StopTyping(conversationID int64) {
	t.mu.Lock()
	timer, ok := t.local[conversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	timer.Stop()
	delete(t.local, conversationID)
	t.mu.Unlock()

	if err := t.publish(conversationID, false); err != nil {
		t.logger.Debug("typing stop not delivered", "conversation", conversationID, "error", err)
	}
}

func (t *TypingCoordinator) autoStop(conversationID int64) {
	t.mu.Lock()
	if _, ok := t.local[conversationID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.local, conversationID)
	t.mu.Unlock()

	if err := t.publish(conversationID, false); err != nil {
		t.logger.Debug("typing stop not delivered", "conversation", conversationID, "error", err)
	}
}

func (t *TypingCoordinator) publish(conversationID int64, isTyping bool) error {
	t.mu.Lock()
	id, name := t.selfID, t.selfName
	t.mu.Unlock()
	return t.conn.Publish(Frame{
		Type:        FrameSend,
		Destination: DestChatTyping(conversationID),
		Payload: marshalPayload(TypingEvent{
			ConversationID: conversationID,
			UserID:         id,
			Username:       name,
			IsTyping:       isTyping,
		}),
	})
}

// Watch subscribes to a conversation's typing topic. The callback receives
// the sorted usernames currently typing, re-invoked on every change. Our own
// events are filtered out.
func (t *TypingCoordinator) Watch(conversationID int64, fn func(usernames []string)) *Subscription {
	t.mu.Lock()
	w, ok := t.watches[conversationID]
	if !ok {
		w = &typingWatch{
			users:     make(map[int64]*remoteTyper),
			callbacks: make(map[int]func([]string)),
		}
		t.watches[conversationID] = w
		w.sub = t.registry.Subscribe(TopicTyping(conversationID), func(event any) {
			ev, ok := event.(TypingEvent)
			if !ok {
				return
			}
			t.handleRemote(conversationID, ev)
		})
	}
	t.nextCB++
	id := t.nextCB
	w.callbacks[id] = fn
	t.mu.Unlock()

	return &Subscription{cancel: func() { t.unwatch(conversationID, id) }}
}

func (t *TypingCoordinator) unwatch(conversationID int64, cbID int) {
	t.mu.Lock()
	w, ok := t.watches[conversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(w.callbacks, cbID)
	if len(w.callbacks) > 0 {
		t.mu.Unlock()
		return
	}
	for _, rt := range w.users {
		if rt.expire != nil {
			rt.expire.Stop()
		}
	}
	sub := w.sub
	delete(t.watches, conversationID)
	t.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// TypingUsers returns the sorted usernames currently typing in a watched
// conversation.
func (t *TypingCoordinator) TypingUsers(conversationID int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.watches[conversationID]
	if !ok {
		return nil
	}
	return typingNamesLocked(w)
}

func (t *TypingCoordinator) handleRemote(conversationID int64, ev TypingEvent) {
	t.mu.Lock()
	w, ok := t.watches[conversationID]
	if !ok || ev.UserID == t.selfID {
		t.mu.Unlock()
		return
	}

	changed := false
	if ev.IsTyping {
		rt, exists := w.users[ev.UserID]
		if !exists {
			rt = &remoteTyper{username: ev.Username}
			w.users[ev.UserID] = rt
			changed = true
		}
		if t.remoteExpiry > 0 {
			if rt.expire != nil {
				rt.expire.Reset(t.remoteExpiry)
			} else {
				userID := ev.UserID
				rt.expire = time.AfterFunc(t.remoteExpiry, func() {
					t.expireRemote(conversationID, userID)
				})
			}
		}
	} else {
		if rt, exists := w.users[ev.UserID]; exists {
			if rt.expire != nil {
				rt.expire.Stop()
			}
			delete(w.users, ev.UserID)
			changed = true
		}
	}

	if !changed {
		t.mu.Unlock()
		return
	}
	names := typingNamesLocked(w)
	cbs := callbacksLocked(w)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(names)
	}
}

// expireRemote clears a typer whose stop signal never arrived.
func (t *TypingCoordinator) expireRemote(conversationID, userID int64) {
	t.mu.Lock()
	w, ok := t.watches[conversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, exists := w.users[userID]; !exists {
		t.mu.Unlock()
		return
	}
	delete(w.users, userID)
	names := typingNamesLocked(w)
	cbs := callbacksLocked(w)
	t.mu.Unlock()

	t.logger.Debug("expiring stale typing indicator", "conversation", conversationID, "user", userID)
	for _, cb := range cbs {
		cb(names)
	}
}

// stopAll ends every local burst and clears all remote state. Run on
// disconnect.
func (t *TypingCoordinator) stopAll() {
	t.mu.Lock()
	active := make([]int64, 0, len(t.local))
	for id, timer := range t.local {
		timer.Stop()
		active = append(active, id)
	}
	t.local = make(map[int64]*time.Timer)
	type notif struct {
		cbs []func([]string)
	}
	var notifs []notif
	for _, w := range t.watches {
		for _, rt := range w.users {
			if rt.expire != nil {
				rt.expire.Stop()
			}
		}
		if len(w.users) > 0 {
			w.users = make(map[int64]*remoteTyper)
			notifs = append(notifs, notif{cbs: callbacksLocked(w)})
		}
	}
	t.mu.Unlock()

	for _, id := range active {
		if err := t.publish(id, false); err != nil {
			t.logger.Debug("typing stop not delivered", "conversation", id, "error", err)
		}
	}
	for _, n := range notifs {
		for _, cb := range n.cbs {
			cb(nil)
		}
	}
}

func typingNamesLocked(w *typingWatch) []string {
	names := make([]string, 0, len(w.users))
	for _, rt := range w.users {
		names = append(names, rt.username)
	}
	sort.Strings(names)
	return names
}

func callbacksLocked(w *typingWatch) []func([]string) {
	cbs := make([]func([]string), 0, len(w.callbacks))
	for _, cb := range w.callbacks {
		cbs = append(cbs, cb)
	}
	return cbs
}
