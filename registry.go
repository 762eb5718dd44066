package chatsync

import (
	"log/slog"
	"sync"
)

// Handler receives decoded events for a topic.
type Handler func(event any)

// Subscription is the cancel handle returned by Subscribe.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Unsubscribe removes this handler. The transport subscription is released
// only when the last handler for the topic is gone. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

type topicSub struct {
	handlers map[int]Handler
	order    []int
	active   bool // subscribe frame delivered on the current connection
}

// SubscriptionRegistry multiplexes local handlers over at most one transport
// subscription per topic. Subscriptions taken while disconnected are queued
// and flushed when the connection comes up; on reconnect every topic is
// replayed in creation order.
type SubscriptionRegistry struct {
	conn   *ConnManager
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*topicSub
	order  []string // topic creation order, drives replay
	nextID int
}

func newSubscriptionRegistry(conn *ConnManager, logger *slog.Logger) *SubscriptionRegistry {
	r := &SubscriptionRegistry{
		conn:   conn,
		logger: logger,
		topics: make(map[string]*topicSub),
	}
	conn.OnStateChange(r.onStateChange)
	conn.onTeardown(r.clear)
	return r
}

// Subscribe attaches a handler to a topic. The first handler for a topic
// sends one subscribe frame; later handlers piggyback on it.
func (r *SubscriptionRegistry) Subscribe(topic string, h Handler) *Subscription {
	r.mu.Lock()
	ts, ok := r.topics[topic]
	if !ok {
		ts = &topicSub{handlers: make(map[int]Handler)}
		r.topics[topic] = ts
		r.order = append(r.order, topic)
	}
	r.nextID++
	id := r.nextID
	ts.handlers[id] = h
	ts.order = append(ts.order, id)
	needFrame := !ts.active
	if needFrame {
		ts.active = true
	}
	r.mu.Unlock()

	if needFrame {
		if err := r.conn.Publish(Frame{Type: FrameSubscribe, Destination: topic}); err != nil {
			// Queued: replay on the next transition to connected.
			r.mu.Lock()
			ts.active = false
			r.mu.Unlock()
		}
	}

	return &Subscription{cancel: func() { r.remove(topic, id) }}
}

func (r *SubscriptionRegistry) remove(topic string, id int) {
	r.mu.Lock()
	ts, ok := r.topics[topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(ts.handlers, id)
	for i, hid := range ts.order {
		if hid == id {
			ts.order = append(ts.order[:i], ts.order[i+1:]...)
			break
		}
	}
	last := len(ts.handlers) == 0
	wasActive := ts.active
	if last {
		delete(r.topics, topic)
		for i, t := range r.order {
			if t == topic {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if last && wasActive {
		if err := r.conn.Publish(Frame{Type: FrameUnsubscribe, Destination: topic}); err != nil {
			r.logger.Debug("unsubscribe skipped", "topic", topic, "error", err)
		}
	}
}

// dispatch fans one decoded event out to every handler on the topic, in
// registration order. Returns false when nobody is listening.
func (r *SubscriptionRegistry) dispatch(topic string, event any) bool {
	r.mu.Lock()
	ts, ok := r.topics[topic]
	if !ok {
		r.mu.Unlock()
		return false
	}
	handlers := make([]Handler, 0, len(ts.order))
	for _, id := range ts.order {
		if h, ok := ts.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
	return true
}

func (r *SubscriptionRegistry) onStateChange(s ConnState) {
	switch s {
	case StateConnected:
		r.replay()
	case StateReconnecting:
		r.markInactive()
	}
}

// replay re-sends a subscribe frame for every registered topic in creation
// order. The set after replay is exactly the set before the drop.
func (r *SubscriptionRegistry) replay() {
	r.mu.Lock()
	topics := make([]string, 0, len(r.order))
	for _, t := range r.order {
		if ts, ok := r.topics[t]; ok && !ts.active {
			ts.active = true
			topics = append(topics, t)
		}
	}
	r.mu.Unlock()

	for _, t := range topics {
		if err := r.conn.Publish(Frame{Type: FrameSubscribe, Destination: t}); err != nil {
			r.logger.Warn("subscription replay failed", "topic", t, "error", err)
			r.mu.Lock()
			if ts, ok := r.topics[t]; ok {
				ts.active = false
			}
			r.mu.Unlock()
		}
	}
}

func (r *SubscriptionRegistry) markInactive() {
	r.mu.Lock()
	for _, ts := range r.topics {
		ts.active = false
	}
	r.mu.Unlock()
}

// clear destroys every subscription record. Run on explicit disconnect; the
// server side is released by the transport close.
func (r *SubscriptionRegistry) clear() {
	r.mu.Lock()
	r.topics = make(map[string]*topicSub)
	r.order = nil
	r.mu.Unlock()
}
