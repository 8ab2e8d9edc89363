// Package memory holds in-process implementations of the storage
// interfaces, used by -dev mode and by package tests. Semantics match the
// Postgres implementation: monotonic seq assignment, monotonic read
// markers, idempotent reactions, fixed direct membership.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sousei-dev/sousei-system-backend/internal/model"
	"github.com/sousei-dev/sousei-system-backend/internal/storage"
)

type ChatStore struct {
	mu            sync.RWMutex
	seq           int64
	conversations map[string]*model.Conversation
	members       map[string]map[string]*model.ConversationMember // convID -> userID -> member
	messages      map[string]*model.Message                       // messageID -> message
	byConv        map[string][]string                             // convID -> messageIDs in insert order
	reactions     map[string]map[string]map[string]model.Reaction // messageID -> userID -> emoji -> reaction
}

var _ storage.ChatStore = (*ChatStore)(nil)

func NewChatStore() *ChatStore {
	return &ChatStore{
		conversations: make(map[string]*model.Conversation),
		members:       make(map[string]map[string]*model.ConversationMember),
		messages:      make(map[string]*model.Message),
		byConv:        make(map[string][]string),
		reactions:     make(map[string]map[string]map[string]model.Reaction),
	}
}

func (s *ChatStore) CreateConversation(_ context.Context, c *model.Conversation, members []model.ConversationMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return storage.ErrConflict
	}
	cp := *c
	s.conversations[c.ID] = &cp
	s.members[c.ID] = make(map[string]*model.ConversationMember, len(members))
	for i := range members {
		m := members[i]
		s.members[c.ID][m.UserID] = &m
	}
	return nil
}

func (s *ChatStore) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *ChatStore) UpdateConversationTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.Title = title
	return nil
}

func (s *ChatStore) ArchiveConversation(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return storage.ErrNotFound
	}
	if c.ArchivedAt == nil {
		c.ArchivedAt = &at
	}
	return nil
}

func (s *ChatStore) FindDirectConversation(_ context.Context, userA, userB string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.conversations {
		if c.Kind != model.ConversationDirect {
			continue
		}
		mm := s.members[id]
		if len(mm) != 2 {
			continue
		}
		if _, okA := mm[userA]; !okA {
			continue
		}
		if _, okB := mm[userB]; okB {
			cp := *c
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *ChatStore) UserConversations(_ context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Conversation, 0, 8)
	for id, mm := range s.members {
		if _, ok := mm[userID]; ok {
			out = append(out, *s.conversations[id])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (s *ChatStore) TouchConversation(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return storage.ErrNotFound
	}
	if at.After(c.LastActivityAt) {
		c.LastActivityAt = at
	}
	return nil
}

func (s *ChatStore) AddMember(_ context.Context, m *model.ConversationMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return storage.ErrNotFound
	}
	if c.Kind == model.ConversationDirect {
		return storage.ErrConflict
	}
	mm := s.members[m.ConversationID]
	if _, exists := mm[m.UserID]; exists {
		return nil // idempotent, as ON CONFLICT DO NOTHING
	}
	cp := *m
	mm[m.UserID] = &cp
	return nil
}

func (s *ChatStore) RemoveMember(_ context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return storage.ErrNotFound
	}
	if c.Kind == model.ConversationDirect {
		return storage.ErrConflict
	}
	delete(s.members[conversationID], userID)
	return nil
}

func (s *ChatStore) Members(_ context.Context, conversationID string) ([]model.ConversationMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mm, ok := s.members[conversationID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]model.ConversationMember, 0, len(mm))
	for _, m := range mm {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *ChatStore) MemberIDs(_ context.Context, conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mm, ok := s.members[conversationID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	ids := make([]string, 0, len(mm))
	for id := range mm {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *ChatStore) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mm, ok := s.members[conversationID]
	if !ok {
		return false, nil
	}
	_, ok = mm[userID]
	return ok, nil
}

func (s *ChatStore) MemberRole(_ context.Context, conversationID, userID string) (model.MemberRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[conversationID][userID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return m.Role, nil
}

func (s *ChatStore) CreateMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return storage.ErrNotFound
	}
	if _, dup := s.messages[m.ID]; dup {
		return storage.ErrConflict
	}
	s.seq++
	m.Seq = s.seq
	cp := *m
	s.messages[m.ID] = &cp
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	if m.CreatedAt.After(c.LastActivityAt) {
		c.LastActivityAt = m.CreatedAt
	}
	return nil
}

func (s *ChatStore) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *ChatStore) ListMessages(_ context.Context, conversationID string, beforeSeq int64, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, storage.ErrNotFound
	}
	msgs := make([]*model.Message, 0, len(s.byConv[conversationID]))
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if beforeSeq > 0 && m.Seq >= beforeSeq {
			continue
		}
		msgs = append(msgs, m)
	}
	// Newest first by the ordering key (created_at, seq).
	sort.Slice(msgs, func(i, j int) bool { return msgs[j].OrderedBefore(msgs[i]) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out, nil
}

func (s *ChatStore) EditMessage(_ context.Context, id, body string, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Deleted() {
		return storage.ErrNotFound
	}
	m.Body = body
	m.EditedAt = &editedAt
	return nil
}

func (s *ChatStore) SoftDeleteMessage(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	if m.DeletedAt == nil {
		m.DeletedAt = &at
		m.Body = ""
	}
	return nil
}

func (s *ChatStore) LastMessage(_ context.Context, conversationID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *model.Message
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if m.Deleted() {
			continue
		}
		if last == nil || last.OrderedBefore(m) {
			last = m
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (s *ChatStore) UnreadCount(_ context.Context, conversationID, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	member, ok := s.members[conversationID][userID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	count := 0
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if !m.Deleted() && m.SenderID != userID && m.Seq > member.LastReadSeq {
			count++
		}
	}
	return count, nil
}

func (s *ChatStore) UpsertReadMarker(_ context.Context, conversationID, userID string, seq int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	member, ok := s.members[conversationID][userID]
	if !ok {
		return 0, false, storage.ErrNotFound
	}
	if seq <= member.LastReadSeq {
		return member.LastReadSeq, false, nil
	}
	member.LastReadSeq = seq
	return seq, true, nil
}

func (s *ChatStore) AddReaction(_ context.Context, r *model.Reaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[r.MessageID]; !ok {
		return false, storage.ErrNotFound
	}
	byUser, ok := s.reactions[r.MessageID]
	if !ok {
		byUser = make(map[string]map[string]model.Reaction)
		s.reactions[r.MessageID] = byUser
	}
	byEmoji, ok := byUser[r.UserID]
	if !ok {
		byEmoji = make(map[string]model.Reaction)
		byUser[r.UserID] = byEmoji
	}
	if _, exists := byEmoji[r.Emoji]; exists {
		return false, nil
	}
	byEmoji[r.Emoji] = *r
	return true, nil
}

func (s *ChatStore) RemoveReaction(_ context.Context, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byEmoji, ok := s.reactions[messageID][userID]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := byEmoji[emoji]; !ok {
		return storage.ErrNotFound
	}
	delete(byEmoji, emoji)
	return nil
}

func (s *ChatStore) MessageReactions(_ context.Context, messageID string) ([]model.Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Reaction, 0, 4)
	for _, byEmoji := range s.reactions[messageID] {
		for _, r := range byEmoji {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UserID+out[i].Emoji < out[j].UserID+out[j].Emoji
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
