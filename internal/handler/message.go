package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sousei-dev/sousei-system-backend/internal/middleware"
	"github.com/sousei-dev/sousei-system-backend/internal/model"
	"github.com/sousei-dev/sousei-system-backend/internal/storage"
	"github.com/sousei-dev/sousei-system-backend/internal/ws"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// MessageHandler serves the message REST surface. Writes run through
// the gateway's authorize -> persist -> broadcast path, so a message
// posted over REST reaches live WebSocket clients exactly like one sent
// over the socket.
type MessageHandler struct {
	store storage.ChatStore
	gw    *ws.Gateway
}

func NewMessageHandler(store storage.ChatStore, gw *ws.Gateway) *MessageHandler {
	return &MessageHandler{store: store, gw: gw}
}

type SendMessageRequest struct {
	Body        string             `json:"body"`
	ParentID    string             `json:"parent_id"`
	Attachments []model.Attachment `json:"attachments"`
}

type EditMessageRequest struct {
	Body string `json:"body"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// List handles GET /api/conversations/{id}/messages?before_seq=&limit=.
// Pages newest-first by the ordering key; before_seq=0 starts at the top.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	ok, err := h.store.IsMember(r.Context(), convID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	beforeSeq := queryInt64(r, "before_seq", 0)

	msgs, err := h.store.ListMessages(r.Context(), convID, beforeSeq, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Send handles POST /api/conversations/{id}/messages.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var parentID *string
	if req.ParentID != "" {
		parentID = &req.ParentID
	}
	m, err := h.gw.SendMessage(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.Body, parentID, req.Attachments)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// Get handles GET /api/messages/{id}, reactions included.
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	msgID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	m, err := h.store.GetMessage(r.Context(), msgID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	ok, err := h.store.IsMember(r.Context(), m.ConversationID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	reactions, err := h.store.MessageReactions(r.Context(), msgID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	m.Reactions = reactions
	writeJSON(w, http.StatusOK, m)
}

// Edit handles PATCH /api/messages/{id}.
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	m, err := h.gw.EditMessage(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.Body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Delete handles DELETE /api/messages/{id}.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.gw.DeleteMessage(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead handles POST /api/messages/{id}/read. Replies with the
// stored marker; a stale marker is a 200 no-op.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	seq, advanced, err := h.gw.MarkRead(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"seq": seq, "advanced": advanced})
}

// AddReaction handles POST /api/messages/{id}/reactions.
func (h *MessageHandler) AddReaction(w http.ResponseWriter, r *http.Request) {
	var req ReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	added, err := h.gw.AddReaction(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.Emoji)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]bool{"added": added})
}

// Reactions handles GET /api/messages/{id}/reactions.
func (h *MessageHandler) Reactions(w http.ResponseWriter, r *http.Request) {
	msgID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	m, err := h.store.GetMessage(r.Context(), msgID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	ok, err := h.store.IsMember(r.Context(), m.ConversationID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	reactions, err := h.store.MessageReactions(r.Context(), msgID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reactions)
}

// RemoveReaction handles DELETE /api/messages/{id}/reactions/{emoji}.
func (h *MessageHandler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	err := h.gw.RemoveReaction(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "emoji"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
