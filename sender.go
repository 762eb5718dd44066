package chatsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// OutboundSender publishes messages over the live connection when it is up
// and falls back to a single REST post when it is not. Every message carries
// a client-generated id so the server can drop duplicates.
type OutboundSender struct {
	conn   *ConnManager
	rest   restAPI
	logger *slog.Logger

	// onSent fires after a successful live publish, before Send returns.
	onSent func(conversationID int64)
	// refresh reloads a conversation's history after a fallback delivery.
	refresh func(ctx context.Context, conversationID int64) error

	newID func() string
}

func newOutboundSender(conn *ConnManager, rest restAPI, logger *slog.Logger) *OutboundSender {
	return &OutboundSender{
		conn:   conn,
		rest:   rest,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// Send delivers one message to a conversation. The bool reports the path
// taken: true for the live channel, false for the REST fallback. A fallback
// delivery is followed by exactly one history refresh, since the poster does
// not receive its own message back over the bus while offline.
func (s *OutboundSender) Send(ctx context.Context, conversationID int64, content string) (bool, error) {
	clientID := s.newID()

	if s.conn.Connected() {
		frame := Frame{
			Type:        FrameSend,
			Destination: DestChat(conversationID),
			Payload: marshalPayload(ChatPayload{
				Content:         content,
				Type:            "TEXT",
				ClientMessageID: clientID,
			}),
		}
		err := s.conn.Publish(frame)
		if err == nil {
			if s.onSent != nil {
				s.onSent(conversationID)
			}
			return true, nil
		}
		s.logger.Warn("live publish failed, falling back to rest", "conversation", conversationID, "error", err)
	}

	if _, err := s.rest.PostMessage(ctx, conversationID, content, clientID); err != nil {
		return false, fmt.Errorf("send to conversation %d: %w", conversationID, err)
	}
	if s.onSent != nil {
		s.onSent(conversationID)
	}
	if s.refresh != nil {
		if err := s.refresh(ctx, conversationID); err != nil {
			s.logger.Warn("history refresh after fallback send failed", "conversation", conversationID, "error", err)
		}
	}
	return false, nil
}
