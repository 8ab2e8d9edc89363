package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sousei-dev/sousei-system-backend/internal/model"
	"github.com/sousei-dev/sousei-system-backend/internal/storage/memory"
)

func seedConversation(t *testing.T, store *memory.ChatStore, id string, kind model.ConversationKind, userIDs ...string) {
	t.Helper()
	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:             id,
		Kind:           kind,
		CreatedBy:      userIDs[0],
		CreatedAt:      now,
		LastActivityAt: now,
	}
	members := make([]model.ConversationMember, 0, len(userIDs))
	for i, uid := range userIDs {
		role := model.RoleMember
		if i == 0 {
			role = model.RoleOwner
		}
		members = append(members, model.ConversationMember{
			ConversationID: id,
			UserID:         uid,
			Role:           role,
			JoinedAt:       now,
		})
	}
	require.NoError(t, store.CreateConversation(context.Background(), conv, members))
}

func TestRouterBroadcastSubscribedOnly(t *testing.T) {
	store := memory.NewChatStore()
	seedConversation(t, store, "conv1", model.ConversationGroup, "alice", "bob")

	reg := NewRegistry(10, 0)
	router := NewRouter(store, reg)

	subscribed := NewRecordingHandle("c1", "alice", "conv1")
	unsubscribed := NewRecordingHandle("c2", "bob")
	outsider := NewRecordingHandle("c3", "carol", "conv1")
	require.NoError(t, reg.Register(subscribed))
	require.NoError(t, reg.Register(unsubscribed))
	require.NoError(t, reg.Register(outsider))

	ev := Event{Type: EventMessageCreated}
	require.NoError(t, router.Broadcast(context.Background(), "conv1", ev))

	assert.Len(t, subscribed.Events(), 1)
	assert.Empty(t, unsubscribed.Events(), "member without subscription receives nothing")
	assert.Empty(t, outsider.Events(), "non-member receives nothing even when subscribed")
}

func TestRouterBroadcastDropsSlowConnection(t *testing.T) {
	store := memory.NewChatStore()
	seedConversation(t, store, "conv1", model.ConversationGroup, "alice", "bob")

	reg := NewRegistry(10, 0)
	router := NewRouter(store, reg)

	healthy := NewRecordingHandle("c1", "alice", "conv1")
	slow := NewRecordingHandle("c2", "bob", "conv1")
	slow.SetFull(true)
	require.NoError(t, reg.Register(healthy))
	require.NoError(t, reg.Register(slow))

	require.NoError(t, router.Broadcast(context.Background(), "conv1", Event{Type: EventMessageCreated}))

	assert.Len(t, healthy.Events(), 1, "fan-out continues past the failed connection")
	assert.True(t, slow.Closed(), "undeliverable connection is closed")
	assert.False(t, reg.IsOnline("bob"), "and unregistered")
}

func TestRouterBroadcastExcept(t *testing.T) {
	store := memory.NewChatStore()
	seedConversation(t, store, "conv1", model.ConversationGroup, "alice", "bob")

	reg := NewRegistry(10, 0)
	router := NewRouter(store, reg)

	sender := NewRecordingHandle("c1", "alice", "conv1")
	other := NewRecordingHandle("c2", "bob", "conv1")
	require.NoError(t, reg.Register(sender))
	require.NoError(t, reg.Register(other))

	require.NoError(t, router.BroadcastExcept(context.Background(), "conv1", "alice", Event{Type: EventTyping}))

	assert.Empty(t, sender.Events())
	assert.Len(t, other.Events(), 1)
}

func TestRouterMemberCacheInvalidation(t *testing.T) {
	store := memory.NewChatStore()
	seedConversation(t, store, "conv1", model.ConversationGroup, "alice", "bob")

	reg := NewRegistry(10, 0)
	router := NewRouter(store, reg)

	ids, err := router.MembersOf(context.Background(), "conv1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, ids)

	require.NoError(t, store.AddMember(context.Background(), &model.ConversationMember{
		ConversationID: "conv1", UserID: "carol", Role: model.RoleMember, JoinedAt: time.Now().UTC(),
	}))

	ids, err = router.MembersOf(context.Background(), "conv1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, ids, "stale until invalidated")

	router.Invalidate("conv1")
	ids, err = router.MembersOf(context.Background(), "conv1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, ids)
}

func TestRouterBroadcastPresenceDedupes(t *testing.T) {
	store := memory.NewChatStore()
	// bob shares two conversations with alice: one presence event only.
	seedConversation(t, store, "conv1", model.ConversationGroup, "alice", "bob")
	seedConversation(t, store, "conv2", model.ConversationGroup, "alice", "bob")

	reg := NewRegistry(10, 0)
	router := NewRouter(store, reg)

	self := NewRecordingHandle("c1", "alice")
	peer := NewRecordingHandle("c2", "bob")
	require.NoError(t, reg.Register(self))
	require.NoError(t, reg.Register(peer))

	ev := Event{Type: EventPresence, Payload: PresencePayload{UserID: "alice", Online: true}}
	require.NoError(t, router.BroadcastPresence(context.Background(), "alice", ev))

	assert.Empty(t, self.Events(), "user does not receive their own presence")
	assert.Len(t, peer.Events(), 1)
}
