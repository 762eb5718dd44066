package chatsync

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PresenceTracker mirrors the server's view of who is online. The set is fed
// exclusively by broadcast events; publishing our own status never mutates
// it locally, the server's echo does.
type PresenceTracker struct {
	conn     *ConnManager
	registry *SubscriptionRegistry
	logger   *slog.Logger

	mu       sync.RWMutex
	online   map[int64]struct{}
	selfID   int64
	selfName string

	sub *Subscription
}

func newPresenceTracker(conn *ConnManager, registry *SubscriptionRegistry, logger *slog.Logger) *PresenceTracker {
	return &PresenceTracker{
		conn:     conn,
		registry: registry,
		logger:   logger,
		online:   make(map[int64]struct{}),
	}
}

func (p *PresenceTracker) setIdentity(userID int64, username string) {
	p.mu.Lock()
	p.selfID = userID
	p.selfName = username
	p.mu.Unlock()
}

// start subscribes to the global presence topic.
func (p *PresenceTracker) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub != nil {
		return
	}
	p.sub = p.registry.Subscribe(TopicPresence, func(event any) {
		ev, ok := event.(PresenceEvent)
		if !ok {
			return
		}
		p.handle(ev)
	})
}

// stop drops the subscription and forgets everyone.
func (p *PresenceTracker) stop() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.online = make(map[int64]struct{})
	p.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (p *PresenceTracker) handle(ev PresenceEvent) {
	p.mu.Lock()
	switch ev.Status {
	case StatusOnline:
		p.online[ev.UserID] = struct{}{}
	case StatusOffline:
		delete(p.online, ev.UserID)
	}
	p.mu.Unlock()
}

// IsOnline reports whether a user is currently in the online set.
func (p *PresenceTracker) IsOnline(userID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// Online returns a snapshot of all online user ids.
func (p *PresenceTracker) Online() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int64, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	return ids
}

// UpdateStatus announces our own status on the bus. The local set changes
// only when the broadcast comes back.
func (p *PresenceTracker) UpdateStatus(status string) error {
	if status != StatusOnline && status != StatusOffline {
		return fmt.Errorf("unknown presence status %q", status)
	}
	p.mu.RLock()
	id, name := p.selfID, p.selfName
	p.mu.RUnlock()
	return p.conn.Publish(Frame{
		Type:        FrameSend,
		Destination: DestStatus,
		Payload: marshalPayload(PresenceEvent{
			UserID:   id,
			Username: name,
			Status:   status,
			LastSeen: time.Now().UTC(),
		}),
	})
}
