package model

import "time"

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleMember MemberRole = "member"
)

// Conversation is never hard-deleted; ArchivedAt marks it archived.
type Conversation struct {
	ID             string           `json:"id"`
	Kind           ConversationKind `json:"kind"`
	Title          string           `json:"title"`
	CreatedBy      string           `json:"created_by"`
	CreatedAt      time.Time        `json:"created_at"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	ArchivedAt     *time.Time       `json:"archived_at,omitempty"`
}

func (c *Conversation) Archived() bool { return c.ArchivedAt != nil }

// ConversationMember ties a user to a conversation. LastReadSeq is the
// monotonic read marker: the seq of the highest-ordered message the user
// has read in this conversation.
type ConversationMember struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Role           MemberRole `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadSeq    int64      `json:"last_read_seq"`
}

// ConversationSummary is the list-endpoint shape: the conversation plus
// its last message and the caller's unread count.
type ConversationSummary struct {
	Conversation Conversation         `json:"conversation"`
	Members      []ConversationMember `json:"members"`
	LastMessage  *Message             `json:"last_message,omitempty"`
	UnreadCount  int                  `json:"unread_count"`
}
