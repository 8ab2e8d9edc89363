package ws

import (
	"sync"
	"time"
)

// TypingNotify receives typing transitions for broadcast to conversation
// members.
type TypingNotify func(conversationID, userID string, typing bool)

// Tracker keeps ephemeral typing state per (conversation, user). An
// indicator expires on its own after ttl so an abandoned tab never
// leaves a member typing forever.
type Tracker struct {
	mu     sync.Mutex
	typing map[string]map[string]*time.Timer
	ttl    time.Duration
	notify TypingNotify
}

func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		typing: make(map[string]map[string]*time.Timer),
		ttl:    ttl,
	}
}

// SetNotify installs the transition callback. Must be called before the
// first SetTyping.
func (t *Tracker) SetNotify(fn TypingNotify) {
	t.notify = fn
}

// SetTyping records a typing start or stop. A repeated start resets the
// expiry timer without re-broadcasting; only real transitions notify.
func (t *Tracker) SetTyping(conversationID, userID string, typing bool) {
	t.mu.Lock()
	users := t.typing[conversationID]
	if typing {
		if users == nil {
			users = make(map[string]*time.Timer)
			t.typing[conversationID] = users
		}
		if timer, ok := users[userID]; ok {
			timer.Reset(t.ttl)
			t.mu.Unlock()
			return
		}
		users[userID] = time.AfterFunc(t.ttl, func() {
			t.expire(conversationID, userID)
		})
		notify := t.notify
		t.mu.Unlock()
		if notify != nil {
			notify(conversationID, userID, true)
		}
		return
	}

	timer, ok := users[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, conversationID)
	}
	notify := t.notify
	t.mu.Unlock()
	if notify != nil {
		notify(conversationID, userID, false)
	}
}

func (t *Tracker) expire(conversationID, userID string) {
	t.mu.Lock()
	users := t.typing[conversationID]
	if _, ok := users[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, conversationID)
	}
	notify := t.notify
	t.mu.Unlock()
	if notify != nil {
		notify(conversationID, userID, false)
	}
}

// ClearUser drops every typing indicator held by the user, broadcasting
// stop transitions. Called when the user's last connection goes away.
func (t *Tracker) ClearUser(userID string) {
	t.mu.Lock()
	var cleared []string
	for convID, users := range t.typing {
		if timer, ok := users[userID]; ok {
			timer.Stop()
			delete(users, userID)
			if len(users) == 0 {
				delete(t.typing, convID)
			}
			cleared = append(cleared, convID)
		}
	}
	notify := t.notify
	t.mu.Unlock()
	if notify == nil {
		return
	}
	for _, convID := range cleared {
		notify(convID, userID, false)
	}
}

// TypingUsers returns ids of members currently typing in a conversation.
func (t *Tracker) TypingUsers(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.typing[conversationID]
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	return out
}

// MemberPresence is one row of a conversation presence snapshot.
type MemberPresence struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
	Typing bool   `json:"typing"`
}

// Snapshot merges online and typing state for the given members.
func (t *Tracker) Snapshot(registry *Registry, conversationID string, memberIDs []string) []MemberPresence {
	t.mu.Lock()
	users := t.typing[conversationID]
	typing := make(map[string]bool, len(users))
	for id := range users {
		typing[id] = true
	}
	t.mu.Unlock()

	out := make([]MemberPresence, 0, len(memberIDs))
	for _, id := range memberIDs {
		out = append(out, MemberPresence{
			UserID: id,
			Online: registry.IsOnline(id),
			Typing: typing[id],
		})
	}
	return out
}

// Stop cancels all expiry timers without notifying.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for convID, users := range t.typing {
		for userID, timer := range users {
			timer.Stop()
			delete(users, userID)
		}
		delete(t.typing, convID)
	}
}
