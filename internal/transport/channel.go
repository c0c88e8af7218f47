// Package transport implements the reconnecting WebSocket channel that
// carries chat turns between the client and the backend agent service.
// Inbound traffic is either a session assignment or an agent reply; the
// consumer runs replies through its own sanitization before display.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const msgTypeSendMessage = "send_message"

// sessionStartText is the greeting sent on every fresh connection. It carries
// the persisted session ID, when one exists, so the backend can resume the
// conversation or assign a new session.
const sessionStartText = "Starting new session"

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// TransportError wraps socket-level failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError reports a malformed inbound payload. Such frames are
// skipped, never fatal.
type ValidationError struct {
	Payload string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("transport: invalid payload %q: %v", e.Payload, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// outboundMessage is one user chat turn sent to the backend.
type outboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
}

// inboundMessage is what the backend pushes: a session assignment, an agent
// reply, or both.
type inboundMessage struct {
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// Channel is a reconnecting chat channel. Run drives the connection; Send
// may be called from any goroutine while Run is active.
type Channel struct {
	url     string
	userID  string
	store   SessionStore
	log     *slog.Logger
	initial time.Duration
	max     time.Duration

	onSession func(string)
	onReply   func(string)

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithSessionStore persists session assignments across restarts.
func WithSessionStore(s SessionStore) ChannelOption {
	return func(c *Channel) { c.store = s }
}

// WithSessionHandler registers a callback for session assignments.
func WithSessionHandler(fn func(sessionID string)) ChannelOption {
	return func(c *Channel) { c.onSession = fn }
}

// WithReplyHandler registers a callback for inbound agent replies. The raw
// content is passed through; callers sanitize it themselves.
func WithReplyHandler(fn func(content string)) ChannelOption {
	return func(c *Channel) { c.onReply = fn }
}

// WithChannelLogger sets the logger. Defaults to slog.Default.
func WithChannelLogger(l *slog.Logger) ChannelOption {
	return func(c *Channel) { c.log = l }
}

// WithReconnectBackoff tunes the reconnect delay bounds.
func WithReconnectBackoff(initial, max time.Duration) ChannelOption {
	return func(c *Channel) {
		c.initial = initial
		c.max = max
	}
}

// NewChannel builds a Channel for the given endpoint and user. A stored
// session ID, if any, is loaded immediately so the first Send resumes it.
func NewChannel(url, userID string, opts ...ChannelOption) (*Channel, error) {
	if url == "" {
		return nil, errors.New("transport: url must not be empty")
	}
	c := &Channel{
		url:     url,
		userID:  userID,
		log:     slog.Default(),
		initial: defaultInitialBackoff,
		max:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store != nil {
		id, err := c.store.Load()
		if err != nil {
			c.log.Warn("transport: loading stored session failed", "error", err)
		} else if id != "" {
			c.sessionID = id
		}
	}
	return c, nil
}

// SessionID returns the current session identifier, or "".
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Run connects and reads inbound messages until ctx is cancelled,
// reconnecting with exponential backoff after failures. A disconnect clears
// the in-memory session; the persisted ID survives and is offered again in
// the next session-start frame.
func (c *Channel) Run(ctx context.Context) error {
	backoff := c.initial
	for {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.clearSession()
		c.log.Warn("transport: connection lost, reconnecting", "error", err, "retry_in", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		backoff = min(backoff*2, c.max)
	}
}

// connectAndRead dials once and pumps inbound frames until the connection
// drops.
func (c *Channel) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "done")
	}()
	c.log.Info("transport: connected", "url", c.url)

	if err := c.sendSessionStart(ctx, conn); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return &TransportError{Op: "read", Err: err}
		}
		c.dispatch(data)
	}
}

// sendSessionStart announces the client on a fresh connection. The frame
// offers the persisted session ID when one exists; the backend answers with
// either the same ID or a new assignment.
func (c *Channel) sendSessionStart(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" && c.store != nil {
		id, err := c.store.Load()
		if err != nil {
			c.log.Warn("transport: loading stored session failed", "error", err)
		} else if id != "" {
			sessionID = id
			c.mu.Lock()
			c.sessionID = id
			c.mu.Unlock()
		}
	}

	out := outboundMessage{
		Type:      msgTypeSendMessage,
		SessionID: sessionID,
		UserID:    c.userID,
		Message:   sessionStartText,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return &TransportError{Op: "session start", Err: err}
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: "session start", Err: err}
	}
	return nil
}

// dispatch routes one inbound frame. Malformed frames are logged and
// dropped.
func (c *Channel) dispatch(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		verr := &ValidationError{Payload: string(data), Err: err}
		c.log.Warn("transport: dropping malformed frame", "error", verr)
		return
	}

	if msg.SessionID != "" {
		c.mu.Lock()
		c.sessionID = msg.SessionID
		c.mu.Unlock()
		if c.store != nil {
			if err := c.store.Save(msg.SessionID); err != nil {
				c.log.Warn("transport: persisting session failed", "error", err)
			}
		}
		if c.onSession != nil {
			c.onSession(msg.SessionID)
		}
	}
	if msg.Content != "" {
		if c.onReply != nil {
			c.onReply(msg.Content)
		}
	}
}

// Send transmits one user chat turn. It fails when no connection is active.
func (c *Channel) Send(ctx context.Context, message string) error {
	c.mu.Lock()
	conn := c.conn
	sessionID := c.sessionID
	c.mu.Unlock()
	if conn == nil {
		return &TransportError{Op: "send", Err: errors.New("not connected")}
	}

	out := outboundMessage{
		Type:      msgTypeSendMessage,
		SessionID: sessionID,
		UserID:    c.userID,
		Message:   message,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// clearSession drops the in-memory session after a disconnect. The persisted
// ID is kept so the next connection can offer it back to the backend.
func (c *Channel) clearSession() {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
}

// Close tears down the active connection, if any.
func (c *Channel) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}
