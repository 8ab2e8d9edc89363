package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/sousei-dev/sousei-system-backend/internal/logger"
)

// ErrTooManyConnections is returned by Register when the process-wide
// connection cap is reached.
var ErrTooManyConnections = errors.New("registry: connection limit reached")

// Handle is the registry's view of a live connection. *Client implements
// it; tests substitute lightweight fakes.
type Handle interface {
	ID() string
	UserID() string
	// Deliver enqueues an event without blocking. False means the
	// connection cannot keep up and must be treated as disconnected.
	Deliver(ev Event) bool
	Subscribed(conversationID string) bool
	Subscribe(conversationID string)
	Unsubscribe(conversationID string)
	Close()
}

// OnlineSink receives online/offline transitions for a user. Offline is
// reported only after the grace window elapses with no reconnection.
type OnlineSink func(userID string, online bool)

type userEntry struct {
	conns        map[string]Handle
	offlineTimer *time.Timer
}

// Registry tracks every live connection in the process, grouped by user.
// A user is online iff at least one connection is registered; the
// offline transition is debounced so a page reload does not flap
// presence.
type Registry struct {
	mu       sync.RWMutex
	users    map[string]*userEntry
	total    int
	maxConns int
	grace    time.Duration
	sink     OnlineSink

	// emitMu serializes sink emissions; lastEmitted holds the state last
	// reported per user so racing connect/disconnect paths cannot deliver
	// transitions out of order or twice.
	emitMu      sync.Mutex
	lastEmitted map[string]bool
}

func NewRegistry(maxConns int, grace time.Duration) *Registry {
	return &Registry{
		users:       make(map[string]*userEntry),
		maxConns:    maxConns,
		grace:       grace,
		lastEmitted: make(map[string]bool),
	}
}

// SetOnlineSink installs the transition callback. Must be called before
// the first Register.
func (r *Registry) SetOnlineSink(sink OnlineSink) {
	r.sink = sink
}

// Register adds a connection. The first connection of an offline user
// emits an online transition; reconnecting within the grace window
// cancels the pending offline and emits nothing.
func (r *Registry) Register(h Handle) error {
	userID := h.UserID()

	r.mu.Lock()
	if r.maxConns > 0 && r.total >= r.maxConns {
		r.mu.Unlock()
		return ErrTooManyConnections
	}
	entry := r.users[userID]
	if entry == nil {
		entry = &userEntry{conns: make(map[string]Handle)}
		r.users[userID] = entry
	} else if entry.offlineTimer != nil {
		// Reconnect inside the grace window: cancel the pending
		// offline, the user never appeared to leave.
		entry.offlineTimer.Stop()
		entry.offlineTimer = nil
	}
	entry.conns[h.ID()] = h
	r.total++
	r.mu.Unlock()

	logger.Infof("registry: connection %s registered for user %s", h.ID(), userID)
	r.syncPresence(userID)
	return nil
}

// Unregister removes a connection. When the user's last connection goes
// away a timer is armed; if it fires with the user still at zero
// connections the offline transition is emitted and the entry dropped.
func (r *Registry) Unregister(h Handle) {
	userID := h.UserID()

	r.mu.Lock()
	entry := r.users[userID]
	if entry == nil {
		r.mu.Unlock()
		return
	}
	if _, ok := entry.conns[h.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(entry.conns, h.ID())
	r.total--
	if len(entry.conns) == 0 && entry.offlineTimer == nil {
		if r.grace <= 0 {
			delete(r.users, userID)
			r.mu.Unlock()
			logger.Infof("registry: connection %s unregistered, user %s offline", h.ID(), userID)
			r.syncPresence(userID)
			return
		}
		entry.offlineTimer = time.AfterFunc(r.grace, func() {
			r.expireOffline(userID)
		})
	}
	r.mu.Unlock()
	logger.Infof("registry: connection %s unregistered for user %s", h.ID(), userID)
}

func (r *Registry) expireOffline(userID string) {
	r.mu.Lock()
	entry := r.users[userID]
	if entry == nil || len(entry.conns) > 0 {
		// A connection raced the timer in; nothing to report.
		if entry != nil {
			entry.offlineTimer = nil
		}
		r.mu.Unlock()
		return
	}
	delete(r.users, userID)
	r.mu.Unlock()

	logger.Infof("registry: user %s offline", userID)
	r.syncPresence(userID)
}

// syncPresence reports the user's current state to the sink. It reads
// the authoritative state at emission time and suppresses no-change
// emissions, so however register and unregister interleave, observers
// see an alternating transition sequence ending in the real state.
// Callers must not hold r.mu.
func (r *Registry) syncPresence(userID string) {
	if r.sink == nil {
		return
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	online := r.IsOnline(userID)
	if online == r.lastEmitted[userID] {
		return
	}
	if online {
		r.lastEmitted[userID] = true
	} else {
		delete(r.lastEmitted, userID)
	}
	r.sink(userID, online)
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry := r.users[userID]
	if entry == nil {
		return nil
	}
	out := make([]Handle, 0, len(entry.conns))
	for _, h := range entry.conns {
		out = append(out, h)
	}
	return out
}

// IsOnline reports whether the user has at least one live connection.
// The offline grace window delays the broadcast, not this answer.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry := r.users[userID]
	return entry != nil && len(entry.conns) > 0
}

// OnlineUsers returns ids of all users with at least one connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users))
	for id, entry := range r.users {
		if len(entry.conns) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// Stats describes the registry for the status endpoint.
type Stats struct {
	Connections int `json:"connections"`
	OnlineUsers int `json:"online_users"`
}

func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	online := 0
	for _, entry := range r.users {
		if len(entry.conns) > 0 {
			online++
		}
	}
	return Stats{Connections: r.total, OnlineUsers: online}
}

// Shutdown closes every registered connection and stops pending timers.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	var handles []Handle
	for _, entry := range r.users {
		if entry.offlineTimer != nil {
			entry.offlineTimer.Stop()
			entry.offlineTimer = nil
		}
		for _, h := range entry.conns {
			handles = append(handles, h)
		}
	}
	r.users = make(map[string]*userEntry)
	r.total = 0
	r.mu.Unlock()

	r.emitMu.Lock()
	r.lastEmitted = make(map[string]bool)
	r.emitMu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}
