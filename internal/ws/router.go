package ws

import (
	"context"
	"sync"

	"github.com/sousei-dev/sousei-system-backend/internal/logger"
	"github.com/sousei-dev/sousei-system-backend/internal/storage"
)

// Router fans events out to conversation members. Member sets are cached
// per conversation and invalidated on membership changes; delivery is
// best-effort per connection, a connection that cannot accept the event
// is unregistered and closed.
type Router struct {
	store    storage.ChatStore
	registry *Registry

	mu      sync.RWMutex
	members map[string][]string
}

func NewRouter(store storage.ChatStore, registry *Registry) *Router {
	return &Router{
		store:    store,
		registry: registry,
		members:  make(map[string][]string),
	}
}

// MembersOf returns the member ids of a conversation, from cache when
// possible.
func (r *Router) MembersOf(ctx context.Context, conversationID string) ([]string, error) {
	r.mu.RLock()
	ids, ok := r.members[conversationID]
	r.mu.RUnlock()
	if ok {
		return ids, nil
	}

	ids, err := r.store.MemberIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.members[conversationID] = ids
	r.mu.Unlock()
	return ids, nil
}

// Invalidate drops the cached member set. Called after any membership
// mutation so removed members stop receiving events immediately.
func (r *Router) Invalidate(conversationID string) {
	r.mu.Lock()
	delete(r.members, conversationID)
	r.mu.Unlock()
}

// Broadcast delivers an event to every subscribed connection of every
// conversation member. Slow or dead connections are dropped; the rest
// of the fan-out is unaffected.
func (r *Router) Broadcast(ctx context.Context, conversationID string, ev Event) error {
	ids, err := r.MembersOf(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, userID := range ids {
		for _, h := range r.registry.ConnectionsFor(userID) {
			if !h.Subscribed(conversationID) {
				continue
			}
			r.deliver(h, ev)
		}
	}
	return nil
}

// BroadcastExcept is Broadcast minus one user, used for typing
// indicators which the sender already knows about.
func (r *Router) BroadcastExcept(ctx context.Context, conversationID, exceptUserID string, ev Event) error {
	ids, err := r.MembersOf(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, userID := range ids {
		if userID == exceptUserID {
			continue
		}
		for _, h := range r.registry.ConnectionsFor(userID) {
			if !h.Subscribed(conversationID) {
				continue
			}
			r.deliver(h, ev)
		}
	}
	return nil
}

// SendToUser delivers an event to every connection of one user,
// regardless of subscriptions.
func (r *Router) SendToUser(userID string, ev Event) {
	for _, h := range r.registry.ConnectionsFor(userID) {
		r.deliver(h, ev)
	}
}

// BroadcastPresence tells everyone who shares a conversation with the
// user that they went online or offline. Recipients are deduplicated
// across conversations; the user's own connections are skipped.
func (r *Router) BroadcastPresence(ctx context.Context, userID string, ev Event) error {
	convs, err := r.store.UserConversations(ctx, userID)
	if err != nil {
		return err
	}
	seen := map[string]struct{}{userID: {}}
	for _, c := range convs {
		ids, err := r.MembersOf(ctx, c.ID)
		if err != nil {
			logger.Errorf("router: members of %s: %v", c.ID, err)
			continue
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			r.SendToUser(id, ev)
		}
	}
	return nil
}

func (r *Router) deliver(h Handle, ev Event) {
	if h.Deliver(ev) {
		return
	}
	// Send buffer full: the client is not draining. Treat as a dead
	// connection rather than block the fan-out.
	logger.Errorf("router: dropping slow connection %s (user %s)", h.ID(), h.UserID())
	r.registry.Unregister(h)
	h.Close()
}
