// Package router dispatches inbound bridge events to the playback scheduler
// and the dialogue controller, and maintains the append-only conversation
// log. Every inbound message passes through one serialized dispatch, so no
// session field is written from two call sites concurrently.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e4a-labs/voicekit/pkg/capture"
	"github.com/e4a-labs/voicekit/pkg/playback"
	"github.com/e4a-labs/voicekit/pkg/realtime"
)

// Role classifies a conversation-log entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

// ConversationMessage is one entry of the append-only conversation log.
// Insertion order is significant.
type ConversationMessage struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
}

// Playback is the scheduler surface the router drives.
type Playback interface {
	Schedule(b64 string) (playback.Segment, error)
	Interrupt()
	StreamDone()
}

// Dialogue is the context-controller surface the router drives.
type Dialogue interface {
	Apply(ctx context.Context, action string, payload map[string]any) error
	TurnComplete()
}

// Option is a functional option for configuring a [Router].
type Option func(*Router)

// WithClock overrides the timestamp source. Tests use a fixed clock.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithMessageFunc installs a sink invoked for every appended log entry, in
// insertion order. Used to persist completed messages.
func WithMessageFunc(fn func(ConversationMessage)) Option {
	return func(r *Router) { r.onMessage = fn }
}

// WithDisplayFunc installs the sink for display_update payloads.
func WithDisplayFunc(fn func(data map[string]any)) Option {
	return func(r *Router) { r.onDisplay = fn }
}

// WithBargeInFunc installs a hook fired once per barge-in interruption.
func WithBargeInFunc(fn func()) Option {
	return func(r *Router) { r.onBargeIn = fn }
}

// WithRateLimitFunc installs a hook fired when a rate limit is detected,
// with the parsed retry-after duration (zero when the message carried none).
func WithRateLimitFunc(fn func(retryAfter time.Duration)) Option {
	return func(r *Router) { r.onRateLimit = fn }
}

// Router routes inbound events. All dispatching is serialized through one
// mutex; a malformed or panicking handler never terminates the session.
type Router struct {
	playback Playback
	dialogue Dialogue

	now         func() time.Time
	onMessage   func(ConversationMessage)
	onDisplay   func(map[string]any)
	onBargeIn   func()
	onRateLimit func(time.Duration)

	dispatchMu sync.Mutex

	mu               sync.Mutex
	log              []ConversationMessage
	userPartial      string
	assistantPartial string
	rateLimitedUntil time.Time
	rateTimer        *time.Timer
}

// New creates a router over the given collaborators.
func New(pb Playback, dlg Dialogue, opts ...Option) *Router {
	r := &Router{
		playback: pb,
		dialogue: dlg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// retryAfterPattern matches the human-readable rate-limit text embedded in a
// failed response, e.g. "Rate limit reached ... Please try again in 26.5s."
// No structured field is guaranteed, so extraction is best-effort.
var retryAfterPattern = regexp.MustCompile(`(?i)try again in ([0-9]+(?:\.[0-9]+)?)\s*s`)

// Dispatch routes one inbound event. It never panics outward: a handler
// failure is logged and the session keeps running.
func (r *Router) Dispatch(ctx context.Context, ev realtime.ServerEvent) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("router: handler panicked", "type", ev.Type, "panic", rec)
		}
	}()

	switch ev.Type {
	case "session.created", "session.updated":
		slog.Debug("router: session event", "type", ev.Type)
		if ev.Message != "" {
			r.append(RoleSystem, ev.Message)
		}

	case "input_audio_buffer.speech_started":
		// Barge-in: the learner started talking over the assistant.
		r.playback.Interrupt()
		if r.onBargeIn != nil {
			r.onBargeIn()
		}

	case "input_audio_buffer.speech_stopped":
		slog.Debug("router: speech stopped")

	case "conversation.item.input_audio_transcription.delta":
		r.mu.Lock()
		r.userPartial += ev.Delta
		r.mu.Unlock()

	case "conversation.item.input_audio_transcription.completed":
		r.mu.Lock()
		text := ev.Transcript
		if text == "" {
			text = r.userPartial
		}
		r.userPartial = ""
		r.mu.Unlock()
		if text != "" {
			r.append(RoleUser, text)
		}

	case "conversation.item.input_audio_transcription.failed":
		// Never interrupts the session; the turn simply has no user text.
		msg := ""
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		slog.Warn("router: transcription failed", "err", msg)
		r.mu.Lock()
		r.userPartial = ""
		r.mu.Unlock()

	case "response.created":
		r.mu.Lock()
		r.assistantPartial = ""
		r.mu.Unlock()

	case "response.audio_transcript.delta":
		r.mu.Lock()
		r.assistantPartial += ev.Delta
		r.mu.Unlock()

	case "response.audio_transcript.done":
		r.mu.Lock()
		text := ev.Transcript
		if text == "" {
			text = r.assistantPartial
		}
		r.assistantPartial = ""
		r.mu.Unlock()
		if text != "" {
			r.append(RoleAssistant, text)
		}

	case "response.audio.delta":
		if _, err := r.playback.Schedule(ev.Delta); err != nil {
			slog.Warn("router: scheduling audio chunk", "err", err)
			r.append(RoleSystem, fmt.Sprintf("Audio playback problem: %v", err))
		}

	case "response.audio.done":
		r.playback.StreamDone()

	case "response.function_call_arguments.done":
		// Tool calls execute on the bridge; the client only observes them.
		slog.Debug("router: function call completed", "name", ev.Name, "call_id", ev.CallID)

	case "response.done":
		r.dialogue.TurnComplete()
		if failure := responseFailure(ev.Response); failure != "" {
			r.handleResponseFailure(failure)
		}

	case "context_update":
		action, payload, err := decodeContextUpdate(ev.Data)
		if err != nil {
			slog.Warn("router: malformed context update", "err", err)
			return
		}
		if err := r.dialogue.Apply(ctx, action, payload); err != nil {
			slog.Warn("router: applying context update", "action", action, "err", err)
		}

	case "display_update":
		if r.onDisplay == nil {
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			slog.Warn("router: malformed display update", "err", err)
			return
		}
		r.onDisplay(payload)

	case "error":
		// The bridge reports its own failures with a top-level message and
		// proxied upstream failures with a nested error object.
		msg := "unknown bridge error"
		switch {
		case ev.Error != nil && ev.Error.Message != "":
			msg = ev.Error.Message
		case ev.Message != "":
			msg = ev.Message
		}
		r.append(RoleError, msg)

	default:
		slog.Debug("router: ignoring unknown event", "type", ev.Type)
	}
}

// responseFailure extracts the failure text of a failed response, or "".
func responseFailure(status *realtime.ResponseStatus) string {
	if status == nil || status.Status != "failed" {
		return ""
	}
	if status.StatusDetails != nil && status.StatusDetails.Error != nil {
		return status.StatusDetails.Error.Message
	}
	return "response failed"
}

// handleResponseFailure distinguishes rate limits, which get a self-clearing
// countdown, from other terminal failures.
func (r *Router) handleResponseFailure(msg string) {
	m := retryAfterPattern.FindStringSubmatch(msg)
	if m == nil {
		r.append(RoleError, msg)
		return
	}

	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		secs = 0
	}
	retryAfter := time.Duration(secs * float64(time.Second))

	r.mu.Lock()
	r.rateLimitedUntil = r.now().Add(retryAfter)
	if r.rateTimer != nil {
		r.rateTimer.Stop()
	}
	if retryAfter > 0 {
		r.rateTimer = time.AfterFunc(retryAfter, func() {
			r.mu.Lock()
			r.rateLimitedUntil = time.Time{}
			r.mu.Unlock()
		})
	}
	r.mu.Unlock()

	if retryAfter > 0 {
		r.append(RoleSystem, fmt.Sprintf("Rate limited. Voice responses resume in about %.0f seconds.", secs))
	} else {
		r.append(RoleSystem, "Rate limited. Please wait a moment before speaking again.")
	}
	if r.onRateLimit != nil {
		r.onRateLimit(retryAfter)
	}
}

// decodeContextUpdate splits the raw payload into its action tag and the
// remaining fields.
func decodeContextUpdate(raw json.RawMessage) (string, map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", nil, err
	}
	action, _ := payload["action"].(string)
	if action == "" {
		return "", nil, errors.New("context update without action")
	}
	return action, payload, nil
}

// RateLimited reports whether a rate-limit countdown is active, and how long
// remains.
func (r *Router) RateLimited() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rateLimitedUntil.IsZero() {
		return 0, false
	}
	left := r.rateLimitedUntil.Sub(r.now())
	if left <= 0 {
		return 0, false
	}
	return left, true
}

// AppendSystemMessage adds a system entry to the conversation log. The
// dialogue controller uses this for handoff notices.
func (r *Router) AppendSystemMessage(text string) {
	r.append(RoleSystem, text)
}

// AppendUserMessage adds a user entry to the conversation log. Used by the
// text-fallback path, where no transcription event will arrive.
func (r *Router) AppendUserMessage(text string) {
	r.append(RoleUser, text)
}

// ReportFailure converts a component failure into a conversation-log entry.
// Nothing here is fatal: the session object stays usable for a manual retry.
func (r *Router) ReportFailure(err error) {
	if err == nil {
		return
	}

	var connErr *realtime.ConnectionError
	var playErr *playback.PlaybackError
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		r.append(RoleError, "Microphone access was denied. Allow microphone use and try again.")
	case errors.As(err, &connErr):
		r.append(RoleError, connErr.Error())
	case errors.As(err, &playErr):
		r.append(RoleSystem, fmt.Sprintf("Audio playback problem: %v", playErr))
	default:
		r.append(RoleError, err.Error())
	}
}

// Messages returns a copy of the conversation log in insertion order.
func (r *Router) Messages() []ConversationMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConversationMessage, len(r.log))
	copy(out, r.log)
	return out
}

// PartialTranscripts returns the in-progress transcript buffers, user side
// first.
func (r *Router) PartialTranscripts() (user, assistant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userPartial, r.assistantPartial
}

func (r *Router) append(role Role, content string) {
	msg := ConversationMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: r.now(),
	}

	r.mu.Lock()
	r.log = append(r.log, msg)
	r.mu.Unlock()

	if r.onMessage != nil {
		r.onMessage(msg)
	}
}
