package model

import "time"

// Message is immutable once delivered except for edit and soft delete,
// both of which are re-broadcast to live connections.
//
// Seq is assigned by the store on insert and increases monotonically;
// (CreatedAt, Seq) is the ordering key, Seq breaking timestamp ties.
type Message struct {
	ID             string       `json:"id"`
	Seq            int64        `json:"seq"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Body           string       `json:"body"`
	ParentID       *string      `json:"parent_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
	DeletedAt      *time.Time   `json:"deleted_at,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Reactions      []Reaction   `json:"reactions,omitempty"`
}

func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// OrderedBefore reports whether m precedes other in the conversation's
// total order (created_at first, seq as tie-break).
func (m *Message) OrderedBefore(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.Seq < other.Seq
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// Attachment holds metadata only; the binary lives in external storage.
type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Bucket    string `json:"bucket"`
	Path      string `json:"path"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// Reaction is a set-membership record: at most one row per
// (message, user, emoji).
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}
