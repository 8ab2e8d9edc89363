package ws

import "sync"

// RecordingHandle is an in-memory Handle that records delivered events.
// Used by tests in this package and by handler tests that need a live
// connection without a real socket.
type RecordingHandle struct {
	id     string
	userID string

	mu     sync.Mutex
	events []Event
	subs   map[string]struct{}
	full   bool
	closed bool
}

func NewRecordingHandle(id, userID string, convIDs ...string) *RecordingHandle {
	h := &RecordingHandle{id: id, userID: userID, subs: make(map[string]struct{})}
	for _, c := range convIDs {
		h.subs[c] = struct{}{}
	}
	return h
}

func (h *RecordingHandle) ID() string     { return h.id }
func (h *RecordingHandle) UserID() string { return h.userID }

// SetFull makes every subsequent Deliver fail, simulating a connection
// whose send buffer never drains.
func (h *RecordingHandle) SetFull(full bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.full = full
}

func (h *RecordingHandle) Deliver(ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full || h.closed {
		return false
	}
	h.events = append(h.events, ev)
	return true
}

func (h *RecordingHandle) Subscribed(conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[conversationID]
	return ok
}

func (h *RecordingHandle) Subscribe(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[conversationID] = struct{}{}
}

func (h *RecordingHandle) Unsubscribe(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, conversationID)
}

func (h *RecordingHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *RecordingHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Events returns the delivered events, optionally filtered by type.
func (h *RecordingHandle) Events(types ...EventType) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if len(types) == 0 {
			out = append(out, ev)
			continue
		}
		for _, t := range types {
			if ev.Type == t {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

var _ Handle = (*RecordingHandle)(nil)
