package ws

import (
	"time"

	"github.com/sousei-dev/sousei-system-backend/internal/model"
)

// FrameKind is the closed set of inbound frame kinds. Anything else is
// rejected at the validation boundary with an error reply.
type FrameKind string

const (
	FrameMessageSend    FrameKind = "message.send"
	FrameMessageEdit    FrameKind = "message.edit"
	FrameMessageDelete  FrameKind = "message.delete"
	FrameTyping         FrameKind = "typing"
	FrameRead           FrameKind = "read"
	FrameReactionAdd    FrameKind = "reaction.add"
	FrameReactionRemove FrameKind = "reaction.remove"
	FrameSubscribe      FrameKind = "subscribe"
	FrameUnsubscribe    FrameKind = "unsubscribe"
)

// InboundFrame is what a client sends over the socket. One flat shape
// tagged by Kind; per-kind validation happens in the gateway before any
// handler logic runs.
type InboundFrame struct {
	Kind           FrameKind `json:"kind"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	Body           string    `json:"body,omitempty"`
	ParentID       string    `json:"parent_id,omitempty"`
	Emoji          string    `json:"emoji,omitempty"`
	Typing         bool      `json:"typing,omitempty"`

	Attachments []model.Attachment `json:"attachments,omitempty"`
}

type EventType string

const (
	EventConnected       EventType = "connected"
	EventMessageCreated  EventType = "message.created"
	EventMessageUpdated  EventType = "message.updated"
	EventMessageDeleted  EventType = "message.deleted"
	EventTyping          EventType = "typing"
	EventReadUpdated     EventType = "read.updated"
	EventReactionAdded   EventType = "reaction.added"
	EventReactionRemoved EventType = "reaction.removed"
	EventPresence        EventType = "presence"
	EventSubscribed      EventType = "subscribed"
	EventUnsubscribed    EventType = "unsubscribed"
	EventConvCreated     EventType = "conversation.created"
	EventConvUpdated     EventType = "conversation.updated"
	EventMemberAdded     EventType = "member.added"
	EventMemberRemoved   EventType = "member.removed"
	EventAck             EventType = "ack"
	EventError           EventType = "error"
)

// Event is what the server sends to a client. Payloads are typed structs,
// not map[string]any.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Error codes carried in ErrorPayload, mirroring the error taxonomy.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeInternal     = "internal"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectedPayload acknowledges a successful handshake and carries the
// conversations this connection was auto-subscribed to.
type ConnectedPayload struct {
	UserID        string   `json:"user_id"`
	ConnectionID  string   `json:"connection_id"`
	Subscriptions []string `json:"subscriptions"`
}

type MessageDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

// ReadPayload is broadcast when a member's read marker advances.
type ReadPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Seq            int64  `json:"seq"`
}

type ReactionPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
	Emoji          string `json:"emoji"`
}

// PresencePayload is broadcast on online/offline transitions.
type PresencePayload struct {
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

type SubscriptionPayload struct {
	ConversationID string `json:"conversation_id"`
}

// AckPayload confirms a frame that was accepted but changed nothing
// (stale read marker, repeated reaction). Sent to the originating
// connection only; no-ops are never fanned out.
type AckPayload struct {
	Kind      FrameKind `json:"kind"`
	MessageID string    `json:"message_id"`
	Seq       int64     `json:"seq,omitempty"`
}

type MemberPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	ActorID        string `json:"actor_id,omitempty"`
}
