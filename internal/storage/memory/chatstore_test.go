package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sousei-dev/sousei-system-backend/internal/model"
	"github.com/sousei-dev/sousei-system-backend/internal/storage"
)

func seed(t *testing.T, s *ChatStore, convID string, kind model.ConversationKind, users ...string) {
	t.Helper()
	now := time.Now().UTC()
	conv := &model.Conversation{ID: convID, Kind: kind, CreatedBy: users[0], CreatedAt: now, LastActivityAt: now}
	members := make([]model.ConversationMember, 0, len(users))
	for i, u := range users {
		role := model.RoleMember
		if i == 0 {
			role = model.RoleOwner
		}
		members = append(members, model.ConversationMember{ConversationID: convID, UserID: u, Role: role, JoinedAt: now})
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv, members))
}

func addMessage(t *testing.T, s *ChatStore, convID, id, sender, body string, at time.Time) *model.Message {
	t.Helper()
	m := &model.Message{ID: id, ConversationID: convID, SenderID: sender, Body: body, CreatedAt: at}
	require.NoError(t, s.CreateMessage(context.Background(), m), "create message %s", id)
	return m
}

func TestCreateMessageAssignsMonotonicSeq(t *testing.T) {
	s := NewChatStore()
	seed(t, s, "conv1", model.ConversationGroup, "alice", "bob")

	now := time.Now().UTC()
	m1 := addMessage(t, s, "conv1", "m1", "alice", "one", now)
	m2 := addMessage(t, s, "conv1", "m2", "bob", "two", now)
	assert.Less(t, m1.Seq, m2.Seq)

	_, err := s.GetMessage(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateMessageConcurrentSeqs(t *testing.T) {
	s := NewChatStore()
	seed(t, s, "conv1", model.ConversationGroup, "alice", "bob")

	const total = 64
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	seen := make(map[int64]string, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := &model.Message{
				ID:             fmt.Sprintf("m%d", i),
				ConversationID: "conv1",
				SenderID:       "alice",
				Body:           "racing",
				CreatedAt:      time.Now().UTC(),
			}
			require.NoError(t, s.CreateMessage(context.Background(), m))
			mu.Lock()
			seen[m.Seq] = m.ID
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, seen, total, "every message got a distinct seq")
	for seq := int64(1); seq <= total; seq++ {
		assert.Contains(t, seen, seq, "seqs form a contiguous range")
	}
}

func TestListMessagesOrderAndPaging(t *testing.T) {
	s := NewChatStore()
	seed(t, s, "conv1", model.ConversationGroup, "alice", "bob")

	// Same timestamp on purpose: seq must break the tie.
	at := time.Now().UTC()
	addMessage(t, s, "conv1", "m1", "alice", "one", at)
	addMessage(t, s, "conv1", "m2", "bob", "two", at)
	addMessage(t, s, "conv1", "m3", "alice", "three", at.Add(time.Second))

	msgs, err := s.ListMessages(context.Background(), "conv1", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m3", "m2", "m1"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID}, "newest first, seq breaks timestamp ties")

	page, err := s.ListMessages(context.Background(), "conv1", msgs[1].Seq, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m1", page[0].ID, "before_seq pages strictly older messages")

	limited, err := s.ListMessages(context.Background(), "conv1", 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestUpsertReadMarkerMonotonic(t *testing.T) {
	s := NewChatStore()
	seed(t, s, "conv1", model.ConversationGroup, "alice", "bob")

	now := time.Now().UTC()
	m1 := addMessage(t, s, "conv1", "m1", "alice", "one", now)
	m2 := addMessage(t, s, "conv1", "m2", "alice", "two", now)

	stored, advanced, err := s.UpsertReadMarker(context.Background(), "conv1", "bob", m2.Seq)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, m2.Seq, stored)

	stored, advanced, err = s.UpsertReadMarker(context.Background(), "conv1", "bob", m1.Seq)
	require.NoError(t, err)
	assert.False(t, advanced, "stale update does not regress the marker")
	assert.Equal(t, m2.Seq, stored)

	_, _, err = s.UpsertReadMarker(context.Background(), "conv1", "mallory", m1.Seq)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUnreadCountSkipsOwnAndDeleted(t *testing.T) {
	s := NewChatStore()
	seed(t, s, "conv1", model.ConversationGroup, "alice", "bob")

	now := time.Now().UTC()
	addMessage(t, s, "conv1", "m1", "alice", "one", now)
	m2 := addMessage(t, s, "conv1", "m2", "alice", "two", now)
	addMessage(t, s, "conv1", "m3", "bob", "mine", now)

	require.NoError(t, s.SoftDeleteMessage(context.Background(), m2.ID, now))

	unread, err := s.UnreadCount(context.Background(), "conv1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, unread, "own and deleted messages never count as unread")
}

func TestReactionIdempotency(t *testing.T) {
	s := NewChatStore()
	seed(t, s, "conv1", model.ConversationGroup, "alice", "bob")
	m := addMessage(t, s, "conv1", "m1", "alice", "hi", time.Now().UTC())

	r := &model.Reaction{MessageID: m.ID, UserID: "bob", Emoji: "wave", CreatedAt: time.Now().UTC()}
	added, err := s.AddReaction(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.AddReaction(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, added, "duplicate reaction row is not created")

	reactions, err := s.MessageReactions(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Len(t, reactions, 1)

	require.NoError(t, s.RemoveReaction(context.Background(), m.ID, "bob", "wave"))
	assert.ErrorIs(t, s.RemoveReaction(context.Background(), m.ID, "bob", "wave"), storage.ErrNotFound)
}

func TestDirectConversationMembershipFixed(t *testing.T) {
	s := NewChatStore()
	seed(t, s, "dm", model.ConversationDirect, "alice", "bob")

	err := s.AddMember(context.Background(), &model.ConversationMember{ConversationID: "dm", UserID: "carol"})
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.ErrorIs(t, s.RemoveMember(context.Background(), "dm", "bob"), storage.ErrConflict)

	found, err := s.FindDirectConversation(context.Background(), "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "dm", found.ID, "pair lookup works in either order")

	_, err = s.FindDirectConversation(context.Background(), "alice", "carol")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSoftDeleteAndEdit(t *testing.T) {
	s := NewChatStore()
	seed(t, s, "conv1", model.ConversationGroup, "alice", "bob")
	m := addMessage(t, s, "conv1", "m1", "alice", "original", time.Now().UTC())

	require.NoError(t, s.EditMessage(context.Background(), m.ID, "edited", time.Now().UTC()))
	got, err := s.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Body)
	assert.NotNil(t, got.EditedAt)

	require.NoError(t, s.SoftDeleteMessage(context.Background(), m.ID, time.Now().UTC()))
	got, err = s.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted())
	assert.Empty(t, got.Body)

	assert.ErrorIs(t, s.EditMessage(context.Background(), m.ID, "too late", time.Now().UTC()), storage.ErrNotFound)
}

func TestUserConversationsOrderedByActivity(t *testing.T) {
	s := NewChatStore()
	seed(t, s, "conv1", model.ConversationGroup, "alice", "bob")
	seed(t, s, "conv2", model.ConversationGroup, "alice", "carol")

	addMessage(t, s, "conv1", "m1", "alice", "bump", time.Now().UTC().Add(time.Minute))

	convs, err := s.UserConversations(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "conv1", convs[0].ID, "most recently active first")

	convs, err = s.UserConversations(context.Background(), "carol")
	require.NoError(t, err)
	require.Len(t, convs, 1)
}
