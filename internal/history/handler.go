package history

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/trailtalk/chatsync"
	"github.com/trailtalk/chatsync/internal/auth"
)

// Broadcaster fans a stored message out to live subscribers. The fallback
// POST path uses it so offline sends still reach everyone who is connected.
type Broadcaster interface {
	BroadcastMessage(ctx context.Context, msg chatsync.Message)
}

type Handler struct {
	store *Store
	bus   Broadcaster
}

func NewHandler(store *Store, bus Broadcaster) *Handler {
	return &Handler{store: store, bus: bus}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/conversations", h.ListConversations)
	r.Post("/conversations", h.StartConversation)
	r.Get("/conversations/{id}/messages", h.ListMessages)
	r.Put("/conversations/{id}/messages/read", h.MarkRead)
	r.Post("/conversations/messages", h.PostMessage)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := auth.Identity(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	convs, err := h.store.ListConversations(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []chatsync.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := auth.Identity(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		TargetID int64 `json:"targetId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == 0 {
		http.Error(w, "targetId is required", http.StatusBadRequest)
		return
	}

	id, err := h.store.EnsureDirectConversation(r.Context(), userID, req.TargetID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"conversationId": id})
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	_, conversationID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []chatsync.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, conversationID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	if err := h.store.MarkRead(r.Context(), conversationID, userID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := auth.Identity(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		ConversationID  int64  `json:"conversationId"`
		Content         string `json:"content"`
		ClientMessageID string `json:"clientMessageId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == 0 || req.Content == "" {
		http.Error(w, "conversationId and content are required", http.StatusBadRequest)
		return
	}

	member, err := h.store.IsParticipant(r.Context(), req.ConversationID, userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "not a participant", http.StatusForbidden)
		return
	}

	msg, duplicate, err := h.store.SaveMessage(r.Context(), req.ConversationID, userID, req.Content, req.ClientMessageID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !duplicate && h.bus != nil {
		h.bus.BroadcastMessage(r.Context(), *msg)
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (userID, conversationID int64, ok bool) {
	userID, _, authed := auth.Identity(r.Context())
	if !authed {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return 0, 0, false
	}

	conversationID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad conversation id", http.StatusBadRequest)
		return 0, 0, false
	}

	member, err := h.store.IsParticipant(r.Context(), conversationID, userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return 0, 0, false
	}
	if !member {
		http.Error(w, "not a participant", http.StatusForbidden)
		return 0, 0, false
	}
	return userID, conversationID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
