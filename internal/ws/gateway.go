package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sousei-dev/sousei-system-backend/internal/logger"
	"github.com/sousei-dev/sousei-system-backend/internal/model"
	"github.com/sousei-dev/sousei-system-backend/internal/storage"
)

// ErrValidation marks a request rejected at the validation boundary.
var ErrValidation = errors.New("validation failed")

const opTimeout = 5 * time.Second

// Config holds the gateway tunables.
type Config struct {
	MaxConns       int
	SendBufSize    int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	TypingTTL      time.Duration
	OfflineGrace   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConns:       10000,
		SendBufSize:    256,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 4096,
		TypingTTL:      5 * time.Second,
		OfflineGrace:   3 * time.Second,
	}
}

func (c Config) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConns <= 0 {
		c.MaxConns = d.MaxConns
	}
	if c.SendBufSize <= 0 {
		c.SendBufSize = d.SendBufSize
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = d.TypingTTL
	}
	if c.OfflineGrace < 0 {
		c.OfflineGrace = d.OfflineGrace
	}
	return c
}

// Gateway owns the realtime side of the chat subsystem: the connection
// registry, presence tracking and conversation fan-out. Its exported
// operations run authorize -> persist -> broadcast and are shared by the
// WebSocket frame handlers and the REST handlers, so both surfaces
// produce identical events.
type Gateway struct {
	store    storage.ChatStore
	cfg      Config
	registry *Registry
	presence *Tracker
	router   *Router
}

func NewGateway(store storage.ChatStore, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		store:    store,
		cfg:      cfg,
		registry: NewRegistry(cfg.MaxConns, cfg.OfflineGrace),
	}
	g.router = NewRouter(store, g.registry)
	g.presence = NewTracker(cfg.TypingTTL)
	g.registry.SetOnlineSink(g.onPresence)
	g.presence.SetNotify(g.onTyping)
	return g
}

func (g *Gateway) Registry() *Registry { return g.registry }
func (g *Gateway) Presence() *Tracker  { return g.presence }
func (g *Gateway) Router() *Router     { return g.router }

// Shutdown closes every connection and stops the presence timers.
func (g *Gateway) Shutdown() {
	g.registry.Shutdown()
	g.presence.Stop()
}

// onPresence is the registry's transition sink. Offline also clears any
// typing indicators the user still held.
func (g *Gateway) onPresence(userID string, online bool) {
	if !online {
		g.presence.ClearUser(userID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	ev := Event{Type: EventPresence, Payload: PresencePayload{
		UserID: userID,
		Online: online,
		At:     time.Now().UTC(),
	}}
	if err := g.router.BroadcastPresence(ctx, userID, ev); err != nil {
		logger.Errorf("ws presence broadcast user=%s: %v", userID, err)
	}
}

// onTyping is the tracker's transition callback. The sender is excluded,
// they already know they are typing.
func (g *Gateway) onTyping(conversationID, userID string, typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	ev := Event{Type: EventTyping, Payload: TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         typing,
	}}
	if err := g.router.BroadcastExcept(ctx, conversationID, userID, ev); err != nil {
		logger.Errorf("ws typing broadcast conv=%s: %v", conversationID, err)
	}
}

// HandleConn runs one authenticated connection to completion: seed
// subscriptions from the user's conversations, register, pump frames,
// unregister. Blocks until the connection is closed.
func (g *Gateway) HandleConn(ctx context.Context, conn *websocket.Conn, userID string) error {
	c := newClient(g, conn, uuid.New().String(), userID)
	c.setState(StateAuthenticated)

	seedCtx, cancel := context.WithTimeout(ctx, opTimeout)
	convs, err := g.store.UserConversations(seedCtx, userID)
	cancel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("gateway.HandleConn: seed subscriptions: %w", err)
	}
	for _, conv := range convs {
		c.Subscribe(conv.ID)
	}

	if err := g.registry.Register(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit"),
			time.Now().Add(time.Second))
		conn.Close()
		return err
	}

	pumpCtx, pumpCancel := context.WithCancel(ctx)
	c.Start(pumpCtx, pumpCancel)
	c.Deliver(Event{Type: EventConnected, Payload: ConnectedPayload{
		UserID:        userID,
		ConnectionID:  c.ID(),
		Subscriptions: c.subscriptions(),
	}})
	c.Wait()
	return nil
}

// disconnect is called exactly once, from the readPump exit path.
func (g *Gateway) disconnect(c *Client) {
	g.registry.Unregister(c)
	c.Close()
}

// HandleFrame dispatches one inbound frame. Frames of a single
// connection are handled in arrival order; errors go back to the sender
// only, never into the fan-out.
func (g *Gateway) HandleFrame(ctx context.Context, c *Client, f InboundFrame) {
	switch f.Kind {
	case FrameMessageSend:
		g.frameSend(ctx, c, f)
	case FrameMessageEdit:
		g.frameEdit(ctx, c, f)
	case FrameMessageDelete:
		g.frameDelete(ctx, c, f)
	case FrameTyping:
		g.frameTyping(ctx, c, f)
	case FrameRead:
		g.frameRead(ctx, c, f)
	case FrameReactionAdd:
		g.frameReaction(ctx, c, f, true)
	case FrameReactionRemove:
		g.frameReaction(ctx, c, f, false)
	case FrameSubscribe:
		g.frameSubscribe(ctx, c, f)
	case FrameUnsubscribe:
		g.frameUnsubscribe(c, f)
	default:
		g.replyError(c, fmt.Errorf("%w: unknown frame kind %q", ErrValidation, f.Kind))
	}
}

func (g *Gateway) replyError(c *Client, err error) {
	c.Deliver(Event{Type: EventError, Payload: ErrorPayload{
		Code:    errorCode(err),
		Message: err.Error(),
	}})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, storage.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, storage.ErrUnauthorized):
		return CodeForbidden
	case errors.Is(err, storage.ErrConflict):
		return CodeConflict
	default:
		return CodeInternal
	}
}

func (g *Gateway) frameSend(ctx context.Context, c *Client, f InboundFrame) {
	defer logger.DeferLogDuration("ws.frameSend", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var parentID *string
	if f.ParentID != "" {
		parentID = &f.ParentID
	}
	if _, err := g.SendMessage(ctx, c.userID, f.ConversationID, f.Body, parentID, f.Attachments); err != nil {
		logger.Errorf("ws send conv=%s user=%s: %v", f.ConversationID, c.userID, err)
		g.replyError(c, err)
	}
}

func (g *Gateway) frameEdit(ctx context.Context, c *Client, f InboundFrame) {
	defer logger.DeferLogDuration("ws.frameEdit", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := g.EditMessage(ctx, c.userID, f.MessageID, f.Body); err != nil {
		logger.Errorf("ws edit msg=%s user=%s: %v", f.MessageID, c.userID, err)
		g.replyError(c, err)
	}
}

func (g *Gateway) frameDelete(ctx context.Context, c *Client, f InboundFrame) {
	defer logger.DeferLogDuration("ws.frameDelete", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := g.DeleteMessage(ctx, c.userID, f.MessageID); err != nil {
		logger.Errorf("ws delete msg=%s user=%s: %v", f.MessageID, c.userID, err)
		g.replyError(c, err)
	}
}

func (g *Gateway) frameTyping(ctx context.Context, c *Client, f InboundFrame) {
	if f.ConversationID == "" {
		g.replyError(c, fmt.Errorf("%w: conversation_id required", ErrValidation))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := g.store.IsMember(ctx, f.ConversationID, c.userID)
	if err != nil {
		g.replyError(c, err)
		return
	}
	if !ok {
		g.replyError(c, storage.ErrUnauthorized)
		return
	}
	g.presence.SetTyping(f.ConversationID, c.userID, f.Typing)
}

func (g *Gateway) frameRead(ctx context.Context, c *Client, f InboundFrame) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	stored, advanced, err := g.MarkRead(ctx, c.userID, f.MessageID)
	if err != nil {
		logger.Errorf("ws read msg=%s user=%s: %v", f.MessageID, c.userID, err)
		g.replyError(c, err)
		return
	}
	if !advanced {
		// Stale marker: nothing to fan out, but the sender still gets
		// an answer carrying the stored seq.
		c.Deliver(Event{Type: EventAck, Payload: AckPayload{
			Kind: FrameRead, MessageID: f.MessageID, Seq: stored,
		}})
	}
}

func (g *Gateway) frameReaction(ctx context.Context, c *Client, f InboundFrame, add bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if add {
		added, err := g.AddReaction(ctx, c.userID, f.MessageID, f.Emoji)
		if err != nil {
			logger.Errorf("ws reaction msg=%s user=%s: %v", f.MessageID, c.userID, err)
			g.replyError(c, err)
			return
		}
		if !added {
			// Repeated reaction: idempotent, acknowledged to the sender only.
			c.Deliver(Event{Type: EventAck, Payload: AckPayload{
				Kind: FrameReactionAdd, MessageID: f.MessageID,
			}})
		}
		return
	}
	if err := g.RemoveReaction(ctx, c.userID, f.MessageID, f.Emoji); err != nil {
		logger.Errorf("ws reaction msg=%s user=%s: %v", f.MessageID, c.userID, err)
		g.replyError(c, err)
	}
}

func (g *Gateway) frameSubscribe(ctx context.Context, c *Client, f InboundFrame) {
	if f.ConversationID == "" {
		g.replyError(c, fmt.Errorf("%w: conversation_id required", ErrValidation))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := g.store.IsMember(ctx, f.ConversationID, c.userID)
	if err != nil {
		g.replyError(c, err)
		return
	}
	if !ok {
		g.replyError(c, storage.ErrUnauthorized)
		return
	}
	c.Subscribe(f.ConversationID)
	c.Deliver(Event{Type: EventSubscribed, Payload: SubscriptionPayload{ConversationID: f.ConversationID}})
}

func (g *Gateway) frameUnsubscribe(c *Client, f InboundFrame) {
	if f.ConversationID == "" {
		g.replyError(c, fmt.Errorf("%w: conversation_id required", ErrValidation))
		return
	}
	c.Unsubscribe(f.ConversationID)
	c.Deliver(Event{Type: EventUnsubscribed, Payload: SubscriptionPayload{ConversationID: f.ConversationID}})
}

// SendMessage persists a new message and fans it out to the
// conversation. Shared by the WebSocket path and POST /messages.
func (g *Gateway) SendMessage(ctx context.Context, senderID, conversationID, body string, parentID *string, attachments []model.Attachment) (*model.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id required", ErrValidation)
	}
	if body == "" && len(attachments) == 0 {
		return nil, fmt.Errorf("%w: body or attachments required", ErrValidation)
	}

	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Archived() {
		return nil, fmt.Errorf("%w: conversation is archived", storage.ErrConflict)
	}
	if err := g.requireMember(ctx, conversationID, senderID); err != nil {
		return nil, err
	}
	if parentID != nil {
		parent, err := g.store.GetMessage(ctx, *parentID)
		if err != nil {
			return nil, fmt.Errorf("%w: parent message not found", ErrValidation)
		}
		if parent.ConversationID != conversationID {
			return nil, fmt.Errorf("%w: parent belongs to another conversation", ErrValidation)
		}
	}

	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		ParentID:       parentID,
		CreatedAt:      time.Now().UTC(),
		Attachments:    attachments,
	}
	if err := g.store.CreateMessage(ctx, m); err != nil {
		return nil, err
	}

	// The sender stops typing by sending.
	g.presence.SetTyping(conversationID, senderID, false)

	if err := g.router.Broadcast(ctx, conversationID, Event{Type: EventMessageCreated, Payload: m}); err != nil {
		logger.Errorf("ws broadcast created conv=%s: %v", conversationID, err)
	}
	return m, nil
}

// EditMessage replaces the body of the sender's own message and
// broadcasts the update.
func (g *Gateway) EditMessage(ctx context.Context, userID, messageID, body string) (*model.Message, error) {
	if messageID == "" || body == "" {
		return nil, fmt.Errorf("%w: message_id and body required", ErrValidation)
	}

	m, err := g.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.Deleted() {
		return nil, fmt.Errorf("%w: message is deleted", storage.ErrConflict)
	}
	if m.SenderID != userID {
		return nil, fmt.Errorf("%w: only the sender may edit", storage.ErrUnauthorized)
	}

	now := time.Now().UTC()
	if err := g.store.EditMessage(ctx, messageID, body, now); err != nil {
		return nil, err
	}
	m.Body = body
	m.EditedAt = &now

	if err := g.router.Broadcast(ctx, m.ConversationID, Event{Type: EventMessageUpdated, Payload: m}); err != nil {
		logger.Errorf("ws broadcast updated conv=%s: %v", m.ConversationID, err)
	}
	return m, nil
}

// DeleteMessage soft-deletes a message. Allowed for the sender and for
// conversation owners. Deleting an already-deleted message is a no-op.
func (g *Gateway) DeleteMessage(ctx context.Context, userID, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("%w: message_id required", ErrValidation)
	}

	m, err := g.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.Deleted() {
		return nil
	}
	if m.SenderID != userID {
		role, err := g.store.MemberRole(ctx, m.ConversationID, userID)
		if err != nil {
			return err
		}
		if role != model.RoleOwner {
			return fmt.Errorf("%w: only the sender or an owner may delete", storage.ErrUnauthorized)
		}
	}

	if err := g.store.SoftDeleteMessage(ctx, messageID, time.Now().UTC()); err != nil {
		return err
	}

	if err := g.router.Broadcast(ctx, m.ConversationID, Event{Type: EventMessageDeleted, Payload: MessageDeletedPayload{
		ConversationID: m.ConversationID,
		MessageID:      messageID,
	}}); err != nil {
		logger.Errorf("ws broadcast deleted conv=%s: %v", m.ConversationID, err)
	}
	return nil
}

// MarkRead advances the user's read marker to the referenced message.
// A stale marker (at or behind the stored one) is a silent no-op; only
// a real advance is broadcast.
func (g *Gateway) MarkRead(ctx context.Context, userID, messageID string) (int64, bool, error) {
	if messageID == "" {
		return 0, false, fmt.Errorf("%w: message_id required", ErrValidation)
	}

	m, err := g.store.GetMessage(ctx, messageID)
	if err != nil {
		return 0, false, err
	}
	if err := g.requireMember(ctx, m.ConversationID, userID); err != nil {
		return 0, false, err
	}

	stored, advanced, err := g.store.UpsertReadMarker(ctx, m.ConversationID, userID, m.Seq)
	if err != nil {
		return 0, false, err
	}
	if !advanced {
		return stored, false, nil
	}

	if err := g.router.Broadcast(ctx, m.ConversationID, Event{Type: EventReadUpdated, Payload: ReadPayload{
		ConversationID: m.ConversationID,
		UserID:         userID,
		Seq:            stored,
	}}); err != nil {
		logger.Errorf("ws broadcast read conv=%s: %v", m.ConversationID, err)
	}
	return stored, true, nil
}

// AddReaction records a reaction. Repeating the same reaction is
// idempotent and is not re-broadcast.
func (g *Gateway) AddReaction(ctx context.Context, userID, messageID, emoji string) (bool, error) {
	if messageID == "" || emoji == "" {
		return false, fmt.Errorf("%w: message_id and emoji required", ErrValidation)
	}

	m, err := g.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	if m.Deleted() {
		return false, fmt.Errorf("%w: message is deleted", storage.ErrConflict)
	}
	if err := g.requireMember(ctx, m.ConversationID, userID); err != nil {
		return false, err
	}

	added, err := g.store.AddReaction(ctx, &model.Reaction{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil || !added {
		return added, err
	}

	if err := g.router.Broadcast(ctx, m.ConversationID, Event{Type: EventReactionAdded, Payload: ReactionPayload{
		ConversationID: m.ConversationID,
		MessageID:      messageID,
		UserID:         userID,
		Emoji:          emoji,
	}}); err != nil {
		logger.Errorf("ws broadcast reaction conv=%s: %v", m.ConversationID, err)
	}
	return true, nil
}

// RemoveReaction removes the user's reaction. Removing a reaction that
// does not exist is a no-op.
func (g *Gateway) RemoveReaction(ctx context.Context, userID, messageID, emoji string) error {
	if messageID == "" || emoji == "" {
		return fmt.Errorf("%w: message_id and emoji required", ErrValidation)
	}

	m, err := g.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := g.requireMember(ctx, m.ConversationID, userID); err != nil {
		return err
	}

	if err := g.store.RemoveReaction(ctx, messageID, userID, emoji); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := g.router.Broadcast(ctx, m.ConversationID, Event{Type: EventReactionRemoved, Payload: ReactionPayload{
		ConversationID: m.ConversationID,
		MessageID:      messageID,
		UserID:         userID,
		Emoji:          emoji,
	}}); err != nil {
		logger.Errorf("ws broadcast reaction conv=%s: %v", m.ConversationID, err)
	}
	return nil
}

// CreateConversation creates a conversation and notifies its members.
// Direct creation is idempotent: an existing direct conversation between
// the pair is returned with created=false.
func (g *Gateway) CreateConversation(ctx context.Context, creatorID string, kind model.ConversationKind, title string, memberIDs []string) (*model.Conversation, bool, error) {
	members := dedupe(append([]string{creatorID}, memberIDs...))

	switch kind {
	case model.ConversationDirect:
		if len(members) != 2 {
			return nil, false, fmt.Errorf("%w: direct conversation needs exactly one other member", ErrValidation)
		}
		existing, err := g.store.FindDirectConversation(ctx, members[0], members[1])
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, err
		}
	case model.ConversationGroup:
		if len(members) < 2 {
			return nil, false, fmt.Errorf("%w: group conversation needs at least one other member", ErrValidation)
		}
	default:
		return nil, false, fmt.Errorf("%w: unknown conversation kind %q", ErrValidation, kind)
	}

	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:             uuid.New().String(),
		Kind:           kind,
		Title:          title,
		CreatedBy:      creatorID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	rows := make([]model.ConversationMember, 0, len(members))
	for _, id := range members {
		role := model.RoleMember
		if id == creatorID {
			role = model.RoleOwner
		}
		rows = append(rows, model.ConversationMember{
			ConversationID: conv.ID,
			UserID:         id,
			Role:           role,
			JoinedAt:       now,
		})
	}
	if err := g.store.CreateConversation(ctx, conv, rows); err != nil {
		return nil, false, err
	}

	ev := Event{Type: EventConvCreated, Payload: conv}
	for _, id := range members {
		g.subscribeLive(conv.ID, id)
		g.router.SendToUser(id, ev)
	}
	return conv, true, nil
}

// UpdateConversationTitle renames a group conversation. Owner only.
func (g *Gateway) UpdateConversationTitle(ctx context.Context, actorID, conversationID, title string) (*model.Conversation, error) {
	if title == "" {
		return nil, fmt.Errorf("%w: title required", ErrValidation)
	}
	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Kind != model.ConversationGroup {
		return nil, fmt.Errorf("%w: only group conversations have a title", ErrValidation)
	}
	if err := g.requireOwner(ctx, conversationID, actorID); err != nil {
		return nil, err
	}

	if err := g.store.UpdateConversationTitle(ctx, conversationID, title); err != nil {
		return nil, err
	}
	conv.Title = title

	if err := g.router.Broadcast(ctx, conversationID, Event{Type: EventConvUpdated, Payload: conv}); err != nil {
		logger.Errorf("ws broadcast conv updated conv=%s: %v", conversationID, err)
	}
	return conv, nil
}

// ArchiveConversation archives a conversation, rejecting further
// messages. Owner only; archiving twice is a no-op.
func (g *Gateway) ArchiveConversation(ctx context.Context, actorID, conversationID string) (*model.Conversation, error) {
	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := g.requireOwner(ctx, conversationID, actorID); err != nil {
		return nil, err
	}
	if conv.Archived() {
		return conv, nil
	}

	now := time.Now().UTC()
	if err := g.store.ArchiveConversation(ctx, conversationID, now); err != nil {
		return nil, err
	}
	conv.ArchivedAt = &now

	if err := g.router.Broadcast(ctx, conversationID, Event{Type: EventConvUpdated, Payload: conv}); err != nil {
		logger.Errorf("ws broadcast conv archived conv=%s: %v", conversationID, err)
	}
	return conv, nil
}

// AddMember adds a user to a group conversation. Owner only. The new
// member's live connections are subscribed immediately.
func (g *Gateway) AddMember(ctx context.Context, actorID, conversationID, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id required", ErrValidation)
	}
	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Archived() {
		return fmt.Errorf("%w: conversation is archived", storage.ErrConflict)
	}
	if err := g.requireOwner(ctx, conversationID, actorID); err != nil {
		return err
	}

	if err := g.store.AddMember(ctx, &model.ConversationMember{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           model.RoleMember,
		JoinedAt:       time.Now().UTC(),
	}); err != nil {
		return err
	}
	g.router.Invalidate(conversationID)
	g.subscribeLive(conversationID, userID)

	g.router.SendToUser(userID, Event{Type: EventConvCreated, Payload: conv})
	if err := g.router.Broadcast(ctx, conversationID, Event{Type: EventMemberAdded, Payload: MemberPayload{
		ConversationID: conversationID,
		UserID:         userID,
		ActorID:        actorID,
	}}); err != nil {
		logger.Errorf("ws broadcast member added conv=%s: %v", conversationID, err)
	}
	return nil
}

// RemoveMember removes a user from a group conversation. Owners may
// remove anyone; any member may remove themselves (leave). The removed
// member stops receiving conversation events immediately.
func (g *Gateway) RemoveMember(ctx context.Context, actorID, conversationID, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id required", ErrValidation)
	}
	if actorID != userID {
		if err := g.requireOwner(ctx, conversationID, actorID); err != nil {
			return err
		}
	}

	if err := g.store.RemoveMember(ctx, conversationID, userID); err != nil {
		return err
	}
	g.router.Invalidate(conversationID)
	for _, h := range g.registry.ConnectionsFor(userID) {
		h.Unsubscribe(conversationID)
	}

	ev := Event{Type: EventMemberRemoved, Payload: MemberPayload{
		ConversationID: conversationID,
		UserID:         userID,
		ActorID:        actorID,
	}}
	g.router.SendToUser(userID, ev)
	if err := g.router.Broadcast(ctx, conversationID, ev); err != nil {
		logger.Errorf("ws broadcast member removed conv=%s: %v", conversationID, err)
	}
	return nil
}

// PresenceSnapshot merges membership, online and typing state for the
// status endpoint. Requester must be a member.
func (g *Gateway) PresenceSnapshot(ctx context.Context, userID, conversationID string) ([]MemberPresence, error) {
	if err := g.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	ids, err := g.router.MembersOf(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return g.presence.Snapshot(g.registry, conversationID, ids), nil
}

func (g *Gateway) requireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := g.store.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not a member of %s", storage.ErrUnauthorized, conversationID)
	}
	return nil
}

func (g *Gateway) requireOwner(ctx context.Context, conversationID, userID string) error {
	role, err := g.store.MemberRole(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: not a member of %s", storage.ErrUnauthorized, conversationID)
		}
		return err
	}
	if role != model.RoleOwner {
		return fmt.Errorf("%w: owner role required", storage.ErrUnauthorized)
	}
	return nil
}

func (g *Gateway) subscribeLive(conversationID, userID string) {
	for _, h := range g.registry.ConnectionsFor(userID) {
		h.Subscribe(conversationID)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
