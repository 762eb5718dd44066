package bus

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/trailtalk/chatsync/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict origins once the web client's deploy host is fixed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// ServeWs upgrades an authenticated request and attaches the client to the
// hub.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := auth.Identity(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:      h.hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		userID:   userID,
		username: username,
		logger:   h.logger,
	}
	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}
