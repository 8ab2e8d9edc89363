// Package storage defines the durable interfaces the chat core consumes.
// Implementations: internal/repository (Postgres via pgx) and
// storage/memory (dev mode and tests); storage/redis backs sessions.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sousei-dev/sousei-system-backend/internal/model"
)

var (
	// ErrNotFound: the referenced conversation/message/member does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: the write lost to existing state (stale read marker,
	// duplicate member, fixed direct membership).
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized: the acting user may not perform the operation.
	ErrUnauthorized = errors.New("unauthorized")
)

// ChatStore is the durable side of the chat subsystem. Every mutating
// operation is transactional on its own (single message, single reaction,
// single marker); no cross-conversation transactions exist.
type ChatStore interface {
	// Conversations. CreateConversation persists the conversation and its
	// initial member set in one transaction.
	CreateConversation(ctx context.Context, c *model.Conversation, members []model.ConversationMember) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	ArchiveConversation(ctx context.Context, id string, at time.Time) error
	// FindDirectConversation returns the existing direct conversation
	// between the two users, or ErrNotFound.
	FindDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, error)
	UserConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// Membership. AddMember returns ErrConflict for direct conversations
	// (their member pair is permanently fixed).
	AddMember(ctx context.Context, m *model.ConversationMember) error
	RemoveMember(ctx context.Context, conversationID, userID string) error
	Members(ctx context.Context, conversationID string) ([]model.ConversationMember, error)
	MemberIDs(ctx context.Context, conversationID string) ([]string, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	MemberRole(ctx context.Context, conversationID, userID string) (model.MemberRole, error)

	// Messages. CreateMessage assigns Seq, persists the message and its
	// attachment metadata in one transaction, and bumps the conversation's
	// last activity. ListMessages pages by the ordering key, newest first;
	// beforeSeq == 0 means "from the top".
	CreateMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]model.Message, error)
	EditMessage(ctx context.Context, id, body string, editedAt time.Time) error
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) error
	LastMessage(ctx context.Context, conversationID string) (*model.Message, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)

	// UpsertReadMarker advances the member's read marker to seq and returns
	// the stored marker. A stale seq (<= stored) is a no-op: the stored
	// marker is returned unchanged and advanced reports false.
	UpsertReadMarker(ctx context.Context, conversationID, userID string, seq int64) (stored int64, advanced bool, err error)

	// Reactions. AddReaction is idempotent; added reports whether a new
	// row was created.
	AddReaction(ctx context.Context, r *model.Reaction) (added bool, err error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
	MessageReactions(ctx context.Context, messageID string) ([]model.Reaction, error)
}

// SessionStore tracks revoked credentials so a resolved token can be
// rejected after logout. Implementations: redis.Client, memory.SessionClient.
type SessionStore interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Close() error
}
