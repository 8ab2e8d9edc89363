package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sousei-dev/sousei-system-backend/internal/logger"
	"github.com/sousei-dev/sousei-system-backend/internal/middleware"
	"github.com/sousei-dev/sousei-system-backend/internal/model"
	"github.com/sousei-dev/sousei-system-backend/internal/storage"
	"github.com/sousei-dev/sousei-system-backend/internal/ws"
)

// ConversationHandler serves the conversation REST surface. All writes
// go through the gateway so REST mutations produce the same events as
// WebSocket frames.
type ConversationHandler struct {
	store storage.ChatStore
	gw    *ws.Gateway
}

func NewConversationHandler(store storage.ChatStore, gw *ws.Gateway) *ConversationHandler {
	return &ConversationHandler{store: store, gw: gw}
}

type CreateConversationRequest struct {
	Kind      model.ConversationKind `json:"kind"`
	Title     string                 `json:"title"`
	MemberIDs []string               `json:"member_ids"`
}

type UpdateTitleRequest struct {
	Title string `json:"title"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
}

// Create handles POST /api/conversations. Creating a direct
// conversation that already exists returns the existing one with 200.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	userID := middleware.GetUserID(r.Context())
	conv, created, err := h.gw.CreateConversation(r.Context(), userID, req.Kind, req.Title, req.MemberIDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

// List handles GET /api/conversations: the caller's conversations with
// last message and unread count, most recently active first.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convs, err := h.store.UserConversations(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]model.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary, err := h.summarize(r.Context(), conv, userID)
		if err != nil {
			logger.Errorf("summarize conversation %s: %v", conv.ID, err)
			continue
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /api/conversations/{id}. Members only.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
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

	conv, err := h.store.GetConversation(r.Context(), convID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	summary, err := h.summarize(r.Context(), *conv, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// UpdateTitle handles PATCH /api/conversations/{id}.
func (h *ConversationHandler) UpdateTitle(w http.ResponseWriter, r *http.Request) {
	var req UpdateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	conv, err := h.gw.UpdateConversationTitle(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.Title)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Archive handles POST /api/conversations/{id}/archive.
func (h *ConversationHandler) Archive(w http.ResponseWriter, r *http.Request) {
	conv, err := h.gw.ArchiveConversation(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// AddMember handles POST /api/conversations/{id}/members.
func (h *ConversationHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	convID := chi.URLParam(r, "id")
	if err := h.gw.AddMember(r.Context(), middleware.GetUserID(r.Context()), convID, req.UserID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"conversation_id": convID, "user_id": req.UserID})
}

// RemoveMember handles DELETE /api/conversations/{id}/members/{userID}.
func (h *ConversationHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	target := chi.URLParam(r, "userID")
	if err := h.gw.RemoveMember(r.Context(), middleware.GetUserID(r.Context()), convID, target); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) summarize(ctx context.Context, conv model.Conversation, userID string) (model.ConversationSummary, error) {
	members, err := h.store.Members(ctx, conv.ID)
	if err != nil {
		return model.ConversationSummary{}, err
	}
	last, err := h.store.LastMessage(ctx, conv.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return model.ConversationSummary{}, err
	}
	unread, err := h.store.UnreadCount(ctx, conv.ID, userID)
	if err != nil {
		return model.ConversationSummary{}, err
	}
	return model.ConversationSummary{
		Conversation: conv,
		Members:      members,
		LastMessage:  last,
		UnreadCount:  unread,
	}, nil
}
