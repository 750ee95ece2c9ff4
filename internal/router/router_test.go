package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/e4a-labs/voicekit/internal/router"
	"github.com/e4a-labs/voicekit/pkg/capture"
	"github.com/e4a-labs/voicekit/pkg/playback"
	"github.com/e4a-labs/voicekit/pkg/realtime"
)

type fakePlayback struct {
	mu          sync.Mutex
	scheduled   []string
	interrupts  int
	streamDones int
	scheduleErr error
}

func (p *fakePlayback) Schedule(b64 string) (playback.Segment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scheduleErr != nil {
		return playback.Segment{}, p.scheduleErr
	}
	p.scheduled = append(p.scheduled, b64)
	return playback.Segment{ID: int64(len(p.scheduled))}, nil
}

func (p *fakePlayback) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupts++
}

func (p *fakePlayback) StreamDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamDones++
}

type fakeDialogue struct {
	mu            sync.Mutex
	actions       []string
	payloads      []map[string]any
	turnCompletes int
	applyErr      error
	panicOnApply  bool
}

func (d *fakeDialogue) Apply(_ context.Context, action string, payload map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panicOnApply {
		panic("controller exploded")
	}
	d.actions = append(d.actions, action)
	d.payloads = append(d.payloads, payload)
	return d.applyErr
}

func (d *fakeDialogue) TurnComplete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.turnCompletes++
}

func dispatch(r *router.Router, ev realtime.ServerEvent) {
	r.Dispatch(context.Background(), ev)
}

func roles(msgs []router.ConversationMessage) []router.Role {
	out := make([]router.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestBargeIn_InterruptsPlayback(t *testing.T) {
	t.Parallel()

	pb := &fakePlayback{}
	bargeIns := 0
	r := router.New(pb, &fakeDialogue{}, router.WithBargeInFunc(func() { bargeIns++ }))

	dispatch(r, realtime.ServerEvent{Type: "input_audio_buffer.speech_started"})
	dispatch(r, realtime.ServerEvent{Type: "input_audio_buffer.speech_started"})

	if pb.interrupts != 2 {
		t.Errorf("interrupts = %d; want 2", pb.interrupts)
	}
	if bargeIns != 2 {
		t.Errorf("barge-in hook fired %d times; want 2", bargeIns)
	}
}

func TestAudioDeltas_ScheduledInOrder(t *testing.T) {
	t.Parallel()

	pb := &fakePlayback{}
	r := router.New(pb, &fakeDialogue{})

	dispatch(r, realtime.ServerEvent{Type: "response.audio.delta", Delta: "AAAA"})
	dispatch(r, realtime.ServerEvent{Type: "response.audio.delta", Delta: "BBBB"})
	dispatch(r, realtime.ServerEvent{Type: "response.audio.done"})

	if len(pb.scheduled) != 2 || pb.scheduled[0] != "AAAA" || pb.scheduled[1] != "BBBB" {
		t.Errorf("scheduled = %v; want [AAAA BBBB]", pb.scheduled)
	}
	if pb.streamDones != 1 {
		t.Errorf("stream-done signals = %d; want 1", pb.streamDones)
	}
}

func TestScheduleFailure_LoggedAsSystemMessage(t *testing.T) {
	t.Parallel()

	pb := &fakePlayback{scheduleErr: &playback.PlaybackError{Op: "decode chunk", Err: errors.New("bad base64")}}
	r := router.New(pb, &fakeDialogue{})

	dispatch(r, realtime.ServerEvent{Type: "response.audio.delta", Delta: "!!!"})

	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].Role != router.RoleSystem {
		t.Fatalf("log = %v; want one system entry", roles(msgs))
	}
}

func TestTranscripts_BufferedAndFlushedPerSide(t *testing.T) {
	t.Parallel()

	r := router.New(&fakePlayback{}, &fakeDialogue{})

	dispatch(r, realtime.ServerEvent{Type: "response.created"})
	dispatch(r, realtime.ServerEvent{Type: "response.audio_transcript.delta", Delta: "Let's look "})
	dispatch(r, realtime.ServerEvent{Type: "response.audio_transcript.delta", Delta: "at pointers."})

	if _, assistant := r.PartialTranscripts(); assistant != "Let's look at pointers." {
		t.Errorf("assistant partial = %q", assistant)
	}
	if len(r.Messages()) != 0 {
		t.Error("partial transcript leaked into the log before the turn completed")
	}

	dispatch(r, realtime.ServerEvent{Type: "response.audio_transcript.done"})
	dispatch(r, realtime.ServerEvent{
		Type:       "conversation.item.input_audio_transcription.completed",
		Transcript: "what is a pointer",
	})

	msgs := r.Messages()
	if len(msgs) != 2 {
		t.Fatalf("log has %d entries; want 2", len(msgs))
	}
	if msgs[0].Role != router.RoleAssistant || msgs[0].Content != "Let's look at pointers." {
		t.Errorf("entry 0 = %+v", msgs[0])
	}
	if msgs[1].Role != router.RoleUser || msgs[1].Content != "what is a pointer" {
		t.Errorf("entry 1 = %+v", msgs[1])
	}
	if msgs[0].ID == "" || msgs[0].ID == msgs[1].ID {
		t.Error("log entries need distinct non-empty ids")
	}

	if user, assistant := r.PartialTranscripts(); user != "" || assistant != "" {
		t.Errorf("buffers not cleared after flush: %q / %q", user, assistant)
	}
}

func TestTranscriptionFailure_DropsBufferSilently(t *testing.T) {
	t.Parallel()

	r := router.New(&fakePlayback{}, &fakeDialogue{})

	dispatch(r, realtime.ServerEvent{Type: "conversation.item.input_audio_transcription.delta", Delta: "garbled"})
	dispatch(r, realtime.ServerEvent{
		Type:  "conversation.item.input_audio_transcription.failed",
		Error: &realtime.ErrorDetail{Type: "transcription_error", Message: "audio too short"},
	})

	if len(r.Messages()) != 0 {
		t.Errorf("log = %v; transcription failure must not add entries", roles(r.Messages()))
	}
	if user, _ := r.PartialTranscripts(); user != "" {
		t.Errorf("user partial = %q; want cleared", user)
	}
}

func TestResponseDone_SignalsTurnComplete(t *testing.T) {
	t.Parallel()

	dlg := &fakeDialogue{}
	r := router.New(&fakePlayback{}, dlg)

	dispatch(r, realtime.ServerEvent{Type: "response.done", Response: &realtime.ResponseStatus{Status: "completed"}})
	dispatch(r, realtime.ServerEvent{Type: "response.done"})

	if dlg.turnCompletes != 2 {
		t.Errorf("turn completes = %d; want 2", dlg.turnCompletes)
	}
	if len(r.Messages()) != 0 {
		t.Errorf("successful turns added log entries: %v", roles(r.Messages()))
	}
}

func rateLimitedResponse(msg string) *realtime.ResponseStatus {
	status := &realtime.ResponseStatus{Status: "failed"}
	raw := fmt.Sprintf(`{"status":"failed","status_details":{"type":"failed","error":{"type":"rate_limit_exceeded","message":%q}}}`, msg)
	json.Unmarshal([]byte(raw), status)
	return status
}

func TestRateLimit_ParsedFromFreeText(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var hookDelay time.Duration
	r := router.New(&fakePlayback{}, &fakeDialogue{},
		router.WithClock(func() time.Time { return base }),
		router.WithRateLimitFunc(func(d time.Duration) { hookDelay = d }),
	)

	dispatch(r, realtime.ServerEvent{
		Type:     "response.done",
		Response: rateLimitedResponse("Rate limit reached for this session. Please try again in 26.5s."),
	})

	left, limited := r.RateLimited()
	if !limited {
		t.Fatal("rate limit not active after failed response")
	}
	if want := 26500 * time.Millisecond; left != want {
		t.Errorf("remaining = %v; want %v", left, want)
	}
	if hookDelay != 26500*time.Millisecond {
		t.Errorf("hook delay = %v", hookDelay)
	}
	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].Role != router.RoleSystem {
		t.Fatalf("log = %v; want one system countdown entry", roles(msgs))
	}
}

func TestRateLimit_SelfClears(t *testing.T) {
	t.Parallel()

	r := router.New(&fakePlayback{}, &fakeDialogue{})
	dispatch(r, realtime.ServerEvent{
		Type:     "response.done",
		Response: rateLimitedResponse("please try again in 0.05s"),
	})

	if _, limited := r.RateLimited(); !limited {
		t.Fatal("rate limit not active immediately after detection")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, limited := r.RateLimited(); !limited {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("rate limit never cleared itself")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResponseFailure_WithoutRetryHintIsAnError(t *testing.T) {
	t.Parallel()

	r := router.New(&fakePlayback{}, &fakeDialogue{})
	dispatch(r, realtime.ServerEvent{
		Type:     "response.done",
		Response: rateLimitedResponse("model overloaded, no retry hint here"),
	})

	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].Role != router.RoleError {
		t.Fatalf("log = %v; want one error entry", roles(msgs))
	}
	if _, limited := r.RateLimited(); limited {
		t.Error("rate limit armed without a retry hint")
	}
}

func TestContextUpdate_RoutedToDialogue(t *testing.T) {
	t.Parallel()

	dlg := &fakeDialogue{}
	r := router.New(&fakePlayback{}, dlg)

	dispatch(r, realtime.ServerEvent{
		Type: "context_update",
		Data: json.RawMessage(`{"action":"show_question","questionIndex":2}`),
	})

	if len(dlg.actions) != 1 || dlg.actions[0] != "show_question" {
		t.Fatalf("actions = %v; want [show_question]", dlg.actions)
	}
	if got := dlg.payloads[0]["questionIndex"]; got != float64(2) {
		t.Errorf("payload questionIndex = %v; want 2", got)
	}
}

func TestContextUpdate_MalformedPayloadIgnored(t *testing.T) {
	t.Parallel()

	dlg := &fakeDialogue{}
	r := router.New(&fakePlayback{}, dlg)

	dispatch(r, realtime.ServerEvent{Type: "context_update", Data: json.RawMessage(`{not json`)})
	dispatch(r, realtime.ServerEvent{Type: "context_update", Data: json.RawMessage(`{"no":"action"}`)})

	if len(dlg.actions) != 0 {
		t.Errorf("actions = %v; malformed updates must not reach the controller", dlg.actions)
	}
}

func TestDisplayUpdate_Forwarded(t *testing.T) {
	t.Parallel()

	var got map[string]any
	r := router.New(&fakePlayback{}, &fakeDialogue{},
		router.WithDisplayFunc(func(data map[string]any) { got = data }))

	dispatch(r, realtime.ServerEvent{Type: "display_update", Data: json.RawMessage(`{"view":"transcript"}`)})

	if got == nil || got["view"] != "transcript" {
		t.Errorf("display payload = %v", got)
	}
}

func TestUnknownEventType_Ignored(t *testing.T) {
	t.Parallel()

	pb := &fakePlayback{}
	dlg := &fakeDialogue{}
	r := router.New(pb, dlg)

	dispatch(r, realtime.ServerEvent{Type: "response.experimental_extension", Delta: "x"})

	if len(r.Messages()) != 0 || len(pb.scheduled) != 0 || len(dlg.actions) != 0 {
		t.Error("unknown event type mutated state")
	}
}

func TestHandlerPanic_IsContained(t *testing.T) {
	t.Parallel()

	dlg := &fakeDialogue{panicOnApply: true}
	r := router.New(&fakePlayback{}, dlg)

	dispatch(r, realtime.ServerEvent{
		Type: "context_update",
		Data: json.RawMessage(`{"action":"start_quiz"}`),
	})

	// The router must remain usable afterwards.
	dispatch(r, realtime.ServerEvent{Type: "error", Error: &realtime.ErrorDetail{Message: "still alive"}})
	if msgs := r.Messages(); len(msgs) != 1 || msgs[0].Content != "still alive" {
		t.Errorf("router unusable after contained panic: %v", msgs)
	}
}

func TestErrorEvent_Logged(t *testing.T) {
	t.Parallel()

	r := router.New(&fakePlayback{}, &fakeDialogue{})
	dispatch(r, realtime.ServerEvent{Type: "error", Error: &realtime.ErrorDetail{Type: "server_error", Message: "boom"}})
	dispatch(r, realtime.ServerEvent{Type: "error"})

	msgs := r.Messages()
	if len(msgs) != 2 || msgs[0].Content != "boom" {
		t.Fatalf("log = %v", msgs)
	}
	if msgs[1].Content == "" {
		t.Error("error event without detail produced an empty log entry")
	}
}

func TestErrorEvent_TopLevelMessageSurfaced(t *testing.T) {
	t.Parallel()

	r := router.New(&fakePlayback{}, &fakeDialogue{})

	// Bridge-originated failures carry a top-level message with no nested
	// error object.
	dispatch(r, realtime.ServerEvent{Type: "error", Message: "Invalid token"})
	dispatch(r, realtime.ServerEvent{Type: "error", Message: "Connection error: upstream reset"})

	msgs := r.Messages()
	if len(msgs) != 2 {
		t.Fatalf("log has %d entries; want 2", len(msgs))
	}
	if msgs[0].Role != router.RoleError || msgs[0].Content != "Invalid token" {
		t.Errorf("entry 0 = %+v; want the bridge's own message verbatim", msgs[0])
	}
	if msgs[1].Content != "Connection error: upstream reset" {
		t.Errorf("entry 1 content = %q", msgs[1].Content)
	}

	// A nested error object still wins when both shapes are present.
	dispatch(r, realtime.ServerEvent{
		Type:    "error",
		Message: "outer",
		Error:   &realtime.ErrorDetail{Type: "server_error", Message: "inner detail"},
	})
	if msgs := r.Messages(); msgs[2].Content != "inner detail" {
		t.Errorf("entry 2 content = %q; want the nested detail", msgs[2].Content)
	}
}

func TestReportFailure_Classification(t *testing.T) {
	t.Parallel()

	r := router.New(&fakePlayback{}, &fakeDialogue{})

	r.ReportFailure(fmt.Errorf("starting: %w", capture.ErrPermissionDenied))
	r.ReportFailure(&realtime.ConnectionError{Code: 1011, Reason: "bridge restarting"})
	r.ReportFailure(&playback.PlaybackError{Op: "narration output", Err: errors.New("device gone")})
	r.ReportFailure(nil)

	got := roles(r.Messages())
	want := []router.Role{router.RoleError, router.RoleError, router.RoleSystem}
	if len(got) != len(want) {
		t.Fatalf("log roles = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d role = %v; want %v", i, got[i], want[i])
		}
	}
}

func TestMessageSink_SeesEntriesInOrder(t *testing.T) {
	t.Parallel()

	var seen []router.Role
	r := router.New(&fakePlayback{}, &fakeDialogue{},
		router.WithMessageFunc(func(m router.ConversationMessage) { seen = append(seen, m.Role) }))

	r.AppendSystemMessage("welcome")
	dispatch(r, realtime.ServerEvent{Type: "error", Error: &realtime.ErrorDetail{Message: "x"}})

	if len(seen) != 2 || seen[0] != router.RoleSystem || seen[1] != router.RoleError {
		t.Errorf("sink saw %v", seen)
	}
}
