package chatsync

import (
	"encoding/json"
	"errors"
	"log/slog"
)

// MessageDispatcher turns raw inbound frames into typed events and routes
// them to the registry. It runs synchronously on the connection's read loop,
// so events for one topic arrive at handlers in wire order.
type MessageDispatcher struct {
	registry *SubscriptionRegistry
	logger   *slog.Logger
}

func newMessageDispatcher(registry *SubscriptionRegistry, logger *slog.Logger) *MessageDispatcher {
	return &MessageDispatcher{registry: registry, logger: logger}
}

// HandleFrame processes one raw frame from the wire. A frame that cannot be
// decoded is logged and dropped; it never takes the connection down or
// stalls later frames.
func (d *MessageDispatcher) HandleFrame(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		d.logger.Warn("dropping malformed frame", "error", &DecodeError{Err: err})
		return
	}

	switch f.Type {
	case FrameMessage:
		event, err := decodeEvent(f.Destination, f.Payload)
		if err != nil {
			var derr *DecodeError
			if !errors.As(err, &derr) {
				err = &DecodeError{Destination: f.Destination, Err: err}
			}
			d.logger.Warn("dropping undecodable frame", "destination", f.Destination, "error", err)
			return
		}
		if !d.registry.dispatch(f.Destination, event) {
			d.logger.Debug("no subscribers for frame", "destination", f.Destination)
		}
	case FrameError:
		d.logger.Warn("bus error frame", "destination", f.Destination, "payload", string(f.Payload))
	default:
		d.logger.Debug("ignoring frame", "type", f.Type)
	}
}

// bind attaches the dispatcher as the connection's frame sink.
func (d *MessageDispatcher) bind(conn *ConnManager) {
	conn.OnFrame(d.HandleFrame)
}
