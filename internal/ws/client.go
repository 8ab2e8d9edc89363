package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sousei-dev/sousei-system-backend/internal/logger"
)

// State is the connection lifecycle. Transitions only move forward;
// any error path jumps to StateClosing and then StateClosed once both
// pumps have exited.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// maxMalformedFrames is how many consecutive undecodable frames a
// connection may send before it is closed as a protocol violation.
const maxMalformedFrames = 8

// bufPool pools bytes.Buffer for JSON encoding in the hot path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client represents a single WebSocket connection.
// Lifecycle: newClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	gw     *Gateway
	conn   *websocket.Conn
	send   chan Event
	id     string
	userID string
	state  atomic.Int32

	// subs is the set of conversations this connection receives events
	// for. Seeded at registration, mutated by subscribe/unsubscribe.
	subsMu sync.RWMutex
	subs   map[string]struct{}

	// malformed counts consecutive undecodable frames; any valid frame
	// resets it.
	malformed int

	// done is the non-blocking guard in Deliver.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func newClient(gw *Gateway, conn *websocket.Conn, id, userID string) *Client {
	c := &Client{
		gw:     gw,
		conn:   conn,
		send:   make(chan Event, gw.cfg.SendBufSize),
		id:     id,
		userID: userID,
		subs:   make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Deliver enqueues an event for the write pump without blocking. False
// means the connection is closing or its buffer is full.
func (c *Client) Deliver(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) Subscribed(conversationID string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subs[conversationID]
	return ok
}

func (c *Client) Subscribe(conversationID string) {
	c.subsMu.Lock()
	c.subs[conversationID] = struct{}{}
	c.subsMu.Unlock()
}

func (c *Client) Unsubscribe(conversationID string) {
	c.subsMu.Lock()
	delete(c.subs, conversationID)
	c.subsMu.Unlock()
}

func (c *Client) subscriptions() []string {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// Start launches readPump and writePump with a controlled lifecycle.
// ctx bounds pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.setState(StateActive)
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
	c.setState(StateClosed)
}

// Close signals the client to stop. Safe to call multiple times from
// any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		c.setState(StateClosing)
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage error out).
		c.conn.Close()
	})
}

// readPump reads frames from the connection and hands them to the
// gateway in arrival order. Exits on read error, idle timeout (missed
// pongs) or too many malformed frames.
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.gw.disconnect(c)
		c.conn.Close()
	}()

	pongWait := c.gw.cfg.PongWait
	c.conn.SetReadLimit(c.gw.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.malformed++
			logger.Errorf("ws malformed frame user=%s (%d consecutive): %v", c.userID, c.malformed, err)
			if c.malformed >= maxMalformedFrames {
				// The write pump stops draining once the pumps shut
				// down, so the reason goes out as a close control
				// frame, which may be written from here directly.
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many malformed frames"),
					time.Now().Add(c.gw.cfg.WriteWait))
				return
			}
			c.Deliver(Event{Type: EventError, Payload: ErrorPayload{
				Code: CodeValidation, Message: "malformed frame",
			}})
			continue
		}
		c.malformed = 0

		c.gw.HandleFrame(ctx, c, frame)
	}
}

// writePump serializes queued events onto the connection and keeps the
// ping cycle going. Exits on ctx cancellation or write error.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.gw.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := c.gw.cfg.WriteWait
	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("ws close message user=%s: %v", c.userID, err)
			}
			return
		case ev := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(ev); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", c.userID, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
