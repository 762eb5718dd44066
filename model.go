package chatsync

import "time"

// ConversationType distinguishes one-on-one chats from group chats.
type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

// Conversation is the client-side view of one chat. The REST API is the
// authoritative source; live events mutate lastMessage and unreadCount
// between reloads.
type Conversation struct {
	ID            int64            `json:"id"`
	Type          ConversationType `json:"type"`
	Title         string           `json:"title"`
	OtherUserID   int64            `json:"otherUserId,omitempty"` // DIRECT only
	LastMessage   string           `json:"lastMessage"`
	LastMessageAt time.Time        `json:"lastMessageAt"`
	UnreadCount   int              `json:"unreadCount"`
}

// Message is one chat message. Immutable once created except the isRead flip.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	IsRead         bool      `json:"isRead"`
}
