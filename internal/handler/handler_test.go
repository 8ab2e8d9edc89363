package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sousei-dev/sousei-system-backend/internal/auth"
	"github.com/sousei-dev/sousei-system-backend/internal/middleware"
	"github.com/sousei-dev/sousei-system-backend/internal/model"
	"github.com/sousei-dev/sousei-system-backend/internal/storage/memory"
	"github.com/sousei-dev/sousei-system-backend/internal/ws"
)

const testSecret = "handler-test-secret"

type testAPI struct {
	router chi.Router
	store  *memory.ChatStore
	gw     *ws.Gateway
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.NewChatStore()
	gw := ws.NewGateway(store, ws.Config{TypingTTL: time.Minute})
	resolver := auth.NewJWTResolver(testSecret, nil)

	convH := NewConversationHandler(store, gw)
	msgH := NewMessageHandler(store, gw)
	statusH := NewStatusHandler(gw)

	r := chi.NewRouter()
	r.Get("/healthz", Health)
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(resolver))
		r.Get("/api/conversations", convH.List)
		r.Post("/api/conversations", convH.Create)
		r.Get("/api/conversations/{id}", convH.Get)
		r.Patch("/api/conversations/{id}", convH.UpdateTitle)
		r.Post("/api/conversations/{id}/archive", convH.Archive)
		r.Post("/api/conversations/{id}/members", convH.AddMember)
		r.Delete("/api/conversations/{id}/members/{userID}", convH.RemoveMember)
		r.Get("/api/conversations/{id}/messages", msgH.List)
		r.Post("/api/conversations/{id}/messages", msgH.Send)
		r.Get("/api/conversations/{id}/presence", statusH.Presence)
		r.Get("/api/messages/{id}", msgH.Get)
		r.Patch("/api/messages/{id}", msgH.Edit)
		r.Delete("/api/messages/{id}", msgH.Delete)
		r.Post("/api/messages/{id}/read", msgH.MarkRead)
		r.Get("/api/messages/{id}/reactions", msgH.Reactions)
		r.Post("/api/messages/{id}/reactions", msgH.AddReaction)
		r.Delete("/api/messages/{id}/reactions/{emoji}", msgH.RemoveReaction)
		r.Get("/api/status", statusH.Gateway)
		r.Get("/api/status/users/{id}", statusH.User)
	})
	return &testAPI{router: r, store: store, gw: gw}
}

func (a *testAPI) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		token, err := auth.IssueToken(testSecret, userID, "jti-"+userID, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

func TestHealthAndAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "", http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, "", http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing token is rejected")
}

func TestConversationLifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "alice", http.MethodPost, "/api/conversations", CreateConversationRequest{
		Kind: model.ConversationGroup, Title: "team", MemberIDs: []string{"bob"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conv := decode[model.Conversation](t, rec)
	assert.Equal(t, "team", conv.Title)

	t.Run("rename by owner", func(t *testing.T) {
		rec := api.do(t, "alice", http.MethodPatch, "/api/conversations/"+conv.ID, UpdateTitleRequest{Title: "renamed"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "renamed", decode[model.Conversation](t, rec).Title)
	})

	t.Run("rename by member is forbidden", func(t *testing.T) {
		rec := api.do(t, "bob", http.MethodPatch, "/api/conversations/"+conv.ID, UpdateTitleRequest{Title: "nope"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("outsider cannot read", func(t *testing.T) {
		rec := api.do(t, "mallory", http.MethodGet, "/api/conversations/"+conv.ID, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("archive stops sends", func(t *testing.T) {
		rec := api.do(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/archive", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = api.do(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", SendMessageRequest{Body: "late"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestDirectConversationIdempotentCreate(t *testing.T) {
	api := newTestAPI(t)

	first := api.do(t, "alice", http.MethodPost, "/api/conversations", CreateConversationRequest{
		Kind: model.ConversationDirect, MemberIDs: []string{"bob"},
	})
	require.Equal(t, http.StatusCreated, first.Code)
	created := decode[model.Conversation](t, first)

	second := api.do(t, "bob", http.MethodPost, "/api/conversations", CreateConversationRequest{
		Kind: model.ConversationDirect, MemberIDs: []string{"alice"},
	})
	require.Equal(t, http.StatusOK, second.Code, "repeat create is not an error")
	assert.Equal(t, created.ID, decode[model.Conversation](t, second).ID)
}

func TestMessagesOverREST(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "alice", http.MethodPost, "/api/conversations", CreateConversationRequest{
		Kind: model.ConversationGroup, Title: "room", MemberIDs: []string{"bob"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decode[model.Conversation](t, rec)

	// A live WebSocket-style connection: REST sends must reach it through
	// the same fan-out as socket frames.
	live := ws.NewRecordingHandle("c1", "bob", conv.ID)
	require.NoError(t, api.gw.Registry().Register(live))

	rec = api.do(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", SendMessageRequest{Body: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sent := decode[model.Message](t, rec)
	assert.Equal(t, int64(1), sent.Seq)
	assert.Len(t, live.Events(ws.EventMessageCreated), 1, "REST write is broadcast to live connections")

	t.Run("list newest first", func(t *testing.T) {
		rec := api.do(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", SendMessageRequest{Body: "second"})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = api.do(t, "bob", http.MethodGet, "/api/conversations/"+conv.ID+"/messages", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		msgs := decode[[]model.Message](t, rec)
		require.Len(t, msgs, 2)
		assert.Equal(t, "second", msgs[0].Body)
	})

	t.Run("non-member cannot list", func(t *testing.T) {
		rec := api.do(t, "mallory", http.MethodGet, "/api/conversations/"+conv.ID+"/messages", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("mark read advances then sticks", func(t *testing.T) {
		rec := api.do(t, "bob", http.MethodPost, "/api/messages/"+sent.ID+"/read", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		first := decode[map[string]any](t, rec)
		assert.Equal(t, true, first["advanced"])

		rec = api.do(t, "bob", http.MethodPost, "/api/messages/"+sent.ID+"/read", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		repeat := decode[map[string]any](t, rec)
		assert.Equal(t, false, repeat["advanced"], "repeat of the same marker is a no-op")
	})

	t.Run("edit and delete", func(t *testing.T) {
		rec := api.do(t, "alice", http.MethodPatch, "/api/messages/"+sent.ID, EditMessageRequest{Body: "hello, edited"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "hello, edited", decode[model.Message](t, rec).Body)

		rec = api.do(t, "bob", http.MethodPatch, "/api/messages/"+sent.ID, EditMessageRequest{Body: "hijack"})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = api.do(t, "alice", http.MethodDelete, "/api/messages/"+sent.ID, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestReactionsOverREST(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "alice", http.MethodPost, "/api/conversations", CreateConversationRequest{
		Kind: model.ConversationGroup, Title: "room", MemberIDs: []string{"bob"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decode[model.Conversation](t, rec)

	rec = api.do(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", SendMessageRequest{Body: "react"})
	require.Equal(t, http.StatusCreated, rec.Code)
	msg := decode[model.Message](t, rec)

	path := fmt.Sprintf("/api/messages/%s/reactions", msg.ID)
	rec = api.do(t, "bob", http.MethodPost, path, ReactionRequest{Emoji: "tada"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, "bob", http.MethodPost, path, ReactionRequest{Emoji: "tada"})
	assert.Equal(t, http.StatusOK, rec.Code, "duplicate reaction is 200, not an error")
	assert.Equal(t, false, decode[map[string]bool](t, rec)["added"])

	rec = api.do(t, "bob", http.MethodGet, "/api/messages/"+msg.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[model.Message](t, rec).Reactions, 1)

	rec = api.do(t, "bob", http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reactions := decode[[]model.Reaction](t, rec)
	require.Len(t, reactions, 1)
	assert.Equal(t, "tada", reactions[0].Emoji)

	rec = api.do(t, "bob", http.MethodDelete, path+"/tada", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPresenceAndStatusEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "alice", http.MethodPost, "/api/conversations", CreateConversationRequest{
		Kind: model.ConversationGroup, Title: "room", MemberIDs: []string{"bob"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decode[model.Conversation](t, rec)

	require.NoError(t, api.gw.Registry().Register(ws.NewRecordingHandle("c1", "alice", conv.ID)))
	api.gw.Presence().SetTyping(conv.ID, "alice", true)

	rec = api.do(t, "bob", http.MethodGet, "/api/conversations/"+conv.ID+"/presence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[[]ws.MemberPresence](t, rec)
	assert.ElementsMatch(t, []ws.MemberPresence{
		{UserID: "alice", Online: true, Typing: true},
		{UserID: "bob", Online: false, Typing: false},
	}, snap)

	rec = api.do(t, "alice", http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[ws.Stats](t, rec)
	assert.Equal(t, 1, stats.Connections)

	rec = api.do(t, "bob", http.MethodGet, "/api/status/users/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode[map[string]any](t, rec)
	assert.Equal(t, true, user["online"])
	assert.Equal(t, float64(1), user["connections"])
}

func TestConversationListSummaries(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "alice", http.MethodPost, "/api/conversations", CreateConversationRequest{
		Kind: model.ConversationGroup, Title: "room", MemberIDs: []string{"bob"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decode[model.Conversation](t, rec)

	rec = api.do(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", SendMessageRequest{Body: "unread for bob"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, "bob", http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summaries := decode[[]model.ConversationSummary](t, rec)
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].UnreadCount)
	require.NotNil(t, summaries[0].LastMessage)
	assert.Equal(t, "unread for bob", summaries[0].LastMessage.Body)
	assert.Len(t, summaries[0].Members, 2)
}
