package chatsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ConversationStore is the authoritative client-side cache: the conversation
// list, per-conversation histories, unread counters. REST loads seed it, the
// dispatcher keeps it live. Nothing here is trusted over the server; a
// reload always wins.
type ConversationStore struct {
	rest     restAPI
	registry *SubscriptionRegistry
	logger   *slog.Logger

	mu            sync.Mutex
	active        bool
	selected      int64 // 0 when nothing is selected
	conversations map[int64]*Conversation
	messages      map[int64][]Message
	loaded        map[int64]bool
	msgSubs       map[int64]*Subscription
	refreshing    bool
	listeners     []func()
}

func newConversationStore(rest restAPI, registry *SubscriptionRegistry, logger *slog.Logger) *ConversationStore {
	return &ConversationStore{
		rest:          rest,
		registry:      registry,
		logger:        logger,
		conversations: make(map[int64]*Conversation),
		messages:      make(map[int64][]Message),
		loaded:        make(map[int64]bool),
		msgSubs:       make(map[int64]*Subscription),
	}
}

// OnChange registers a listener invoked after any cache mutation. Listeners
// must not call back into the store.
func (s *ConversationStore) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Activate turns live updates on. Conversation topics are subscribed as the
// list is learned; nothing happens until the first LoadConversations.
func (s *ConversationStore) Activate() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	ids := make([]int64, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.mu.Unlock()

	for _, id := range ids {
		s.subscribeConversation(id)
	}
	s.notifyChanged()
}

// Deactivate tears down the topic subscriptions and clears the selection.
// The cache itself survives so a later Activate starts warm.
func (s *ConversationStore) Deactivate() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.selected = 0
	subs := make([]*Subscription, 0, len(s.msgSubs))
	for _, sub := range s.msgSubs {
		subs = append(subs, sub)
	}
	s.msgSubs = make(map[int64]*Subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.notifyChanged()
}

// LoadConversations replaces the cached list with the server's. Counters
// come from the server; no local state survives the merge except loaded
// histories.
func (s *ConversationStore) LoadConversations(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrInactive
	}
	s.mu.Unlock()

	convs, err := s.rest.Conversations(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	fresh := make(map[int64]*Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		fresh[c.ID] = &c
	}
	s.conversations = fresh
	var toSub []int64
	if s.active {
		for id := range fresh {
			if _, ok := s.msgSubs[id]; !ok {
				toSub = append(toSub, id)
			}
		}
	}
	sort.Slice(toSub, func(i, j int) bool { return toSub[i] < toSub[j] })
	s.mu.Unlock()

	for _, id := range toSub {
		s.subscribeConversation(id)
	}
	s.notifyChanged()
	return nil
}

// LoadMessages replaces a conversation's history with the server's.
func (s *ConversationStore) LoadMessages(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrInactive
	}
	s.mu.Unlock()

	msgs, err := s.rest.Messages(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.messages[conversationID] = msgs
	s.loaded[conversationID] = true
	s.mu.Unlock()
	s.notifyChanged()
	return nil
}

// SelectConversation focuses a conversation: history is fetched on first
// selection only, then the unread counter is cleared.
func (s *ConversationStore) SelectConversation(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrInactive
	}
	s.selected = conversationID
	needLoad := !s.loaded[conversationID]
	s.mu.Unlock()

	if needLoad {
		if err := s.LoadMessages(ctx, conversationID); err != nil {
			return err
		}
	}
	return s.MarkAsRead(ctx, conversationID)
}

// Deselect drops the focus without deactivating.
func (s *ConversationStore) Deselect() {
	s.mu.Lock()
	s.selected = 0
	s.mu.Unlock()
}

// MarkAsRead zeroes the unread counter optimistically and confirms with the
// server. On failure the counter is restored, so a dead network cannot make
// unread messages vanish.
func (s *ConversationStore) MarkAsRead(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	c, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	prev := c.UnreadCount
	c.UnreadCount = 0
	s.mu.Unlock()
	if prev > 0 {
		s.notifyChanged()
	}

	if err := s.rest.MarkRead(ctx, conversationID); err != nil {
		s.mu.Lock()
		if c, ok := s.conversations[conversationID]; ok {
			c.UnreadCount += prev
		}
		s.mu.Unlock()
		s.notifyChanged()
		return err
	}
	return nil
}

// Conversations returns the cached list, most recent activity first.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Messages returns a snapshot of a conversation's cached history.
func (s *ConversationStore) Messages(conversationID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[conversationID]...)
}

// TotalUnread is the sum of all per-conversation unread counters.
func (s *ConversationStore) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}

// Selected returns the focused conversation id, 0 when none.
func (s *ConversationStore) Selected() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *ConversationStore) subscribeConversation(conversationID int64) {
	sub := s.registry.Subscribe(TopicConversation(conversationID), func(event any) {
		msg, ok := event.(Message)
		if !ok {
			return
		}
		s.handleMessage(msg)
	})
	s.mu.Lock()
	if old, ok := s.msgSubs[conversationID]; ok {
		s.mu.Unlock()
		old.Unsubscribe()
		s.mu.Lock()
	}
	s.msgSubs[conversationID] = sub
	s.mu.Unlock()
}

// handleMessage merges one live message into the cache. A message for an
// unknown conversation creates a placeholder row and kicks off a list
// refresh in the background; the placeholder keeps the badge honest until
// the server answers.
func (s *ConversationStore) handleMessage(msg Message) {
	s.mu.Lock()
	c, known := s.conversations[msg.ConversationID]
	if !known {
		c = &Conversation{
			ID:            msg.ConversationID,
			Type:          ConversationDirect,
			LastMessageAt: msg.CreatedAt,
		}
		s.conversations[msg.ConversationID] = c
	}

	if s.loaded[msg.ConversationID] && !s.containsLocked(msg.ConversationID, msg.ID) {
		s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	}

	c.LastMessage = msg.Content
	c.LastMessageAt = msg.CreatedAt
	if !(s.active && s.selected == msg.ConversationID) {
		c.UnreadCount++
	}

	startRefresh := !known && !s.refreshing
	if startRefresh {
		s.refreshing = true
	}
	s.mu.Unlock()

	if startRefresh {
		go s.refreshList()
	}
	s.notifyChanged()
}

func (s *ConversationStore) refreshList() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.LoadConversations(ctx)

	s.mu.Lock()
	s.refreshing = false
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("conversation list refresh failed", "error", err)
	}
}

// containsLocked reports whether the tail of a history already holds the
// message id. Caller holds mu.
func (s *ConversationStore) containsLocked(conversationID, messageID int64) bool {
	msgs := s.messages[conversationID]
	for i := len(msgs) - 1; i >= 0 && i >= len(msgs)-8; i-- {
		if msgs[i].ID == messageID {
			return true
		}
	}
	return false
}

func (s *ConversationStore) notifyChanged() {
	s.mu.Lock()
	fns := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
