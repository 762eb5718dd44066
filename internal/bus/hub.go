// Package bus is the realtime fan-out engine: one hub per process, clients
// attach over websocket, frames travel between processes through redis
// pub/sub so every instance sees every publish.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trailtalk/chatsync"
)

const redisChannel = "trailtalk:bus"

// persister is what the hub needs from the history store.
type persister interface {
	SaveMessage(ctx context.Context, conversationID, senderID int64, content, clientMessageID string) (*chatsync.Message, bool, error)
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
}

type subRequest struct {
	client *Client
	topic  string
	on     bool
}

type inboundFrame struct {
	client *Client
	frame  chatsync.Frame
}

// Hub routes frames. A single goroutine owns all its maps; every interaction
// goes through the channels.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	subscribe  chan subRequest
	inbound    chan inboundFrame
	broadcast  chan chatsync.Frame

	clients   map[*Client]bool
	topics    map[string]map[*Client]bool
	userConns map[int64]int

	redis  *redis.Client
	store  persister
	logger *slog.Logger
}

func NewHub(redisClient *redis.Client, store persister, logger *slog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subRequest),
		inbound:    make(chan inboundFrame, 64),
		broadcast:  make(chan chatsync.Frame, 64),
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
		userConns:  make(map[int64]int),
		redis:      redisClient,
		store:      store,
		logger:     logger,
	}
}

// Run owns the hub state. It never returns.
func (h *Hub) Run() {
	go h.subscribeToRedis()
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.userConns[client.userID]++
			if h.userConns[client.userID] == 1 {
				h.publishPresence(client.userID, client.username, chatsync.StatusOnline)
			}

		case client := <-h.unregister:
			h.dropClient(client)

		case req := <-h.subscribe:
			if !h.clients[req.client] {
				continue
			}
			if req.on {
				if h.topics[req.topic] == nil {
					h.topics[req.topic] = make(map[*Client]bool)
				}
				h.topics[req.topic][req.client] = true
			} else if subs := h.topics[req.topic]; subs != nil {
				delete(subs, req.client)
				if len(subs) == 0 {
					delete(h.topics, req.topic)
				}
			}

		case in := <-h.inbound:
			// inbound is buffered; a frame can arrive after its client was
			// dropped and the send channel closed.
			if !h.clients[in.client] {
				continue
			}
			h.handleSend(in.client, in.frame)

		case frame := <-h.broadcast:
			subs := h.topics[frame.Destination]
			if len(subs) == 0 {
				continue
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			for client := range subs {
				select {
				case client.send <- data:
				default:
					// Slow consumer; drop it, the reconnect path recovers.
					h.dropClient(client)
				}
			}
		}
	}
}

// dropClient removes a client from every map and announces the user offline
// when the last of their connections is gone. Run-loop goroutine only.
func (h *Hub) dropClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for topic, subs := range h.topics {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	close(client.send)
	h.userConns[client.userID]--
	if h.userConns[client.userID] <= 0 {
		delete(h.userConns, client.userID)
		h.publishPresence(client.userID, client.username, chatsync.StatusOffline)
	}
}

// handleSend dispatches one client publish by destination.
func (h *Hub) handleSend(c *Client, f chatsync.Frame) {
	switch {
	case f.Destination == chatsync.DestStatus:
		var ev chatsync.PresenceEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			c.sendError(f.Destination, "bad status payload")
			return
		}
		if ev.Status != chatsync.StatusOnline && ev.Status != chatsync.StatusOffline {
			c.sendError(f.Destination, "unknown status")
			return
		}
		// Identity always comes from the session, never the payload.
		h.publishPresence(c.userID, c.username, ev.Status)

	case strings.HasSuffix(f.Destination, "/typing"):
		conversationID, ok := parseChatDest(strings.TrimSuffix(f.Destination, "/typing"))
		if !ok {
			c.sendError(f.Destination, "bad destination")
			return
		}
		var ev chatsync.TypingEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			c.sendError(f.Destination, "bad typing payload")
			return
		}
		ev.ConversationID = conversationID
		ev.UserID = c.userID
		ev.Username = c.username
		h.publishFrame(chatsync.TopicTyping(conversationID), mustMarshal(ev))

	default:
		conversationID, ok := parseChatDest(f.Destination)
		if !ok {
			c.sendError(f.Destination, "bad destination")
			return
		}
		var p chatsync.ChatPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.Content == "" {
			c.sendError(f.Destination, "bad chat payload")
			return
		}
		h.persistAndBroadcast(c, conversationID, p)
	}
}

func (h *Hub) persistAndBroadcast(c *Client, conversationID int64, p chatsync.ChatPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	member, err := h.store.IsParticipant(ctx, conversationID, c.userID)
	if err != nil {
		h.logger.Error("participant check failed", "conversation", conversationID, "error", err)
		return
	}
	if !member {
		c.sendError(chatsync.DestChat(conversationID), "not a participant")
		return
	}

	msg, duplicate, err := h.store.SaveMessage(ctx, conversationID, c.userID, p.Content, p.ClientMessageID)
	if err != nil {
		h.logger.Error("message persist failed", "conversation", conversationID, "error", err)
		c.sendError(chatsync.DestChat(conversationID), "message not stored")
		return
	}
	if duplicate {
		h.logger.Debug("dropping duplicate send", "clientMessageId", p.ClientMessageID)
		return
	}
	h.publishFrame(chatsync.TopicConversation(conversationID), mustMarshal(msg))
}

// BroadcastMessage fans an already persisted message out to the live topic.
// The REST fallback path uses it.
func (h *Hub) BroadcastMessage(ctx context.Context, msg chatsync.Message) {
	h.publishFrame(chatsync.TopicConversation(msg.ConversationID), mustMarshal(msg))
}

func (h *Hub) publishPresence(userID int64, username, status string) {
	h.publishFrame(chatsync.TopicPresence, mustMarshal(chatsync.PresenceEvent{
		UserID:   userID,
		Username: username,
		Status:   status,
		LastSeen: time.Now().UTC(),
	}))
}

// publishFrame pushes a message frame through redis so every hub instance,
// this one included, fans it out.
func (h *Hub) publishFrame(topic string, payload json.RawMessage) {
	data, err := json.Marshal(chatsync.Frame{
		Type:        chatsync.FrameMessage,
		Destination: topic,
		Payload:     payload,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.redis.Publish(ctx, redisChannel, data).Err(); err != nil {
		h.logger.Error("redis publish failed", "topic", topic, "error", err)
	}
}

func (h *Hub) subscribeToRedis() {
	pubsub := h.redis.Subscribe(context.Background(), redisChannel)
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		var f chatsync.Frame
		if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
			h.logger.Warn("dropping malformed redis frame", "error", err)
			continue
		}
		h.broadcast <- f
	}
}

func parseChatDest(dest string) (int64, bool) {
	const prefix = "/app/chat/"
	if !strings.HasPrefix(dest, prefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(dest, prefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
