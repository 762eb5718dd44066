package chatsync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frame types exchanged with the bus. Client to bus: subscribe, unsubscribe,
// send. Bus to client: message, error.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
	FrameMessage     = "message"
	FrameError       = "error"
)

// Frame is the JSON envelope for every frame on the wire.
type Frame struct {
	Type        string          `json:"type"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// TopicPresence is the global broadcast topic for online/offline events.
const TopicPresence = "/topic/user.status"

// DestStatus is the publish destination for the caller's own status.
const DestStatus = "/app/user.status"

const (
	topicConversationPrefix = "/topic/conversation/"
	typingSuffix            = "/typing"
)

// TopicConversation returns the subscribe topic for a conversation's messages.
func TopicConversation(id int64) string {
	return topicConversationPrefix + strconv.FormatInt(id, 10)
}

// TopicTyping returns the subscribe topic for a conversation's typing events.
func TopicTyping(id int64) string {
	return TopicConversation(id) + typingSuffix
}

// DestChat returns the publish destination for a conversation's messages.
func DestChat(id int64) string {
	return "/app/chat/" + strconv.FormatInt(id, 10)
}

// DestChatTyping returns the publish destination for typing notifications.
func DestChatTyping(id int64) string {
	return DestChat(id) + typingSuffix
}

// ChatPayload is the body published to /app/chat/{id}. The client message id
// is the send-deduplication key; the bus drops repeats.
type ChatPayload struct {
	Content         string `json:"content"`
	Type            string `json:"type"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// TypingEvent is the body on /topic/conversation/{id}/typing and
// /app/chat/{id}/typing.
type TypingEvent struct {
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"isTyping"`
}

// Presence statuses carried on the user.status topic.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
)

// PresenceEvent is the body on /topic/user.status and /app/user.status.
type PresenceEvent struct {
	UserID   int64     `json:"userId"`
	Username string    `json:"username"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// decodeEvent turns an inbound message payload into its tagged variant based
// on the destination topic. Anything that does not match a known shape is
// rejected so the dispatch loop can drop it.
func decodeEvent(destination string, payload json.RawMessage) (any, error) {
	switch {
	case destination == TopicPresence:
		var ev PresenceEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		if ev.UserID == 0 {
			return nil, fmt.Errorf("presence event missing userId")
		}
		if ev.Status != StatusOnline && ev.Status != StatusOffline {
			return nil, fmt.Errorf("unknown presence status %q", ev.Status)
		}
		return ev, nil

	case strings.HasPrefix(destination, topicConversationPrefix) && strings.HasSuffix(destination, typingSuffix):
		var ev TypingEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationID == 0 || ev.UserID == 0 {
			return nil, fmt.Errorf("typing event missing conversationId or userId")
		}
		return ev, nil

	case strings.HasPrefix(destination, topicConversationPrefix):
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, err
		}
		if msg.ID == 0 || msg.ConversationID == 0 {
			return nil, fmt.Errorf("message missing id or conversationId")
		}
		return msg, nil
	}
	return nil, fmt.Errorf("unknown destination %q", destination)
}

func marshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
