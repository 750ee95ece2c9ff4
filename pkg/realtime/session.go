// Package realtime implements the client side of the E4A voice bridge
// protocol: one persistent bidirectional websocket per voice-assistant
// activation, JSON-framed messages in both directions.
//
// Audio travels as base64-encoded PCM16 chunks inside "input_audio_buffer"
// messages; everything the remote side emits arrives as a typed [ServerEvent].
// The session performs no automatic reconnection — when the connection dies
// the owner must dial a fresh session explicitly.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// State is the lifecycle state of a transport session.
type State int

const (
	// Disconnected means no session exists yet.
	Disconnected State = iota

	// Connecting means the websocket handshake is in progress.
	Connecting

	// Connected means the session is live and accepting traffic.
	Connected

	// Closed means the session ended with the normal close code.
	Closed

	// Errored means the session ended abnormally; Err() is non-nil.
	Errored
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handler receives inbound traffic and the session's terminal signal.
// Both callbacks are invoked from the session's single receive goroutine, so
// events are delivered strictly in arrival order.
type Handler struct {
	// OnEvent is called once per parsed inbound event.
	OnEvent func(ev ServerEvent)

	// OnClose is called exactly once when the session terminates. err is nil
	// for a normal close and a *ConnectionError otherwise.
	OnClose func(err error)
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHTTPHeader adds extra headers to the websocket handshake request.
func WithHTTPHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// Client dials voice-bridge sessions. The per-user credential is embedded in
// the connection target path, mirroring the bridge's
// /api/voice/realtime/{token} route.
type Client struct {
	baseURL string
	token   string
	header  http.Header
}

// NewClient creates a Client for the bridge at baseURL (a ws:// or wss:// URL
// without the trailing token segment) authenticating as token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dial opens one session and starts its receive loop. The handshake is the
// only blocking step; the returned session is Connected and delivering events
// to h. Exactly one session should exist per voice-assistant activation.
func (c *Client) Dial(ctx context.Context, h Handler) (*Session, error) {
	wsURL := c.baseURL + "/" + c.token

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: c.header,
	})
	if err != nil {
		return nil, &ConnectionError{Reason: fmt.Sprintf("dial %s: %v", c.baseURL, err)}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:    conn,
		handler: h,
		state:   Connected,
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	go s.receiveLoop()

	return s, nil
}

// Session is one live bridge connection. All Send* methods are
// fire-and-forget from the caller's perspective: a returned error means the
// message could not be written, never that the remote side rejected it.
type Session struct {
	conn    *websocket.Conn
	handler Handler

	mu     sync.Mutex
	state  State
	errVal error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error for an Errored session, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// writeJSON marshals v and writes it as one text frame.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// AppendAudio sends one base64-encoded PCM16 chunk. One outbound message per
// capture frame; chunks are never batched.
func (s *Session) AppendAudio(b64 string) error {
	return s.writeJSON(appendAudioMessage{Type: "input_audio_buffer.append", Audio: b64})
}

// CommitAudio tells the remote side to flush any partially buffered input
// audio. Sent when the capture pipeline stops.
func (s *Session) CommitAudio() error {
	return s.writeJSON(commitAudioMessage{Type: "input_audio_buffer.commit"})
}

// CancelResponse aborts the in-flight assistant response (barge-in).
func (s *Session) CancelResponse() error {
	return s.writeJSON(cancelResponseMessage{Type: "response.cancel"})
}

// SendText submits a typed user message as a text fallback and requests a
// response, the same exchange the voice path produces implicitly.
func (s *Session) SendText(text string) error {
	err := s.writeJSON(createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
	if err != nil {
		return err
	}
	return s.writeJSON(createResponseMessage{Type: "response.create"})
}

// receiveLoop reads frames until the connection dies. Each frame is parsed
// independently: a malformed frame is logged and dropped without terminating
// the session.
func (s *Session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var ev ServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("realtime: dropping unparseable frame", "err", err, "bytes", len(data))
			continue
		}

		if s.handler.OnEvent != nil {
			s.handler.OnEvent(ev)
		}
	}
}

// finish records the terminal state and fires OnClose exactly once. A normal
// close code is silent (nil error); any other close populates a
// *ConnectionError carrying the close reason.
func (s *Session) finish(readErr error) {
	s.closeOnce.Do(func() {
		var closeErr error

		status := websocket.CloseStatus(readErr)
		switch {
		case s.ctx.Err() != nil || status == websocket.StatusNormalClosure:
			// Local Close() or clean remote shutdown.
		case status != -1:
			closeErr = &ConnectionError{Code: int(status), Reason: readErr.Error()}
		default:
			closeErr = &ConnectionError{Reason: readErr.Error()}
		}

		s.mu.Lock()
		if closeErr != nil {
			s.state = Errored
			s.errVal = closeErr
		} else {
			s.state = Closed
		}
		s.mu.Unlock()

		s.cancel()
		if s.handler.OnClose != nil {
			s.handler.OnClose(closeErr)
		}
	})
}

// Close terminates the session with the normal close code. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closed || s.state == Errored {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	s.mu.Unlock()

	s.cancel()
	err := s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.closeOnce.Do(func() {
		if s.handler.OnClose != nil {
			s.handler.OnClose(nil)
		}
	})
	if err != nil {
		return fmt.Errorf("realtime: close: %w", err)
	}
	return nil
}
