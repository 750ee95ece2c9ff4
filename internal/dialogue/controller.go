// Package dialogue owns the application-level conversational state of a
// voice session: the learner's current activity, quiz progress with explicit
// answer confirmation, and the handoff between live speech and pre-rendered
// lesson narration.
//
// All semantic interpretation happens upstream in the remote service. The
// controller only reacts to tagged context-update actions; it never infers
// state from transcripts.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Mode is the learner's current high-level activity.
type Mode int

const (
	ModeIdle Mode = iota
	ModeBrowsing
	ModeQuiz
	ModeLesson
	ModeAssignment
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeBrowsing:
		return "browsing"
	case ModeQuiz:
		return "quiz"
	case ModeLesson:
		return "lesson"
	case ModeAssignment:
		return "assignment"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Confirmation is an action awaiting an explicit yes/no from the learner.
// At most one confirmation is pending at any time.
type Confirmation struct {
	Kind          string // "quiz_answer" or a submission kind
	QuestionIndex int
	Answer        any
	Payload       map[string]any
}

// Handoff tracks the transition between live speech and a pre-rendered
// narration track. PendingURL is set when a lesson with narration starts;
// ReadyToPlay flips true only at the next natural turn boundary.
type Handoff struct {
	PendingURL  string
	ReadyToPlay bool
	Paused      bool
}

// Context is the single mutable dialogue record. It is owned by the
// Controller and only ever written through Apply and the handoff callbacks.
type Context struct {
	Mode          Mode
	ActiveCourse  map[string]any
	ActiveLesson  map[string]any
	ActiveQuiz    map[string]any
	QuizQuestions []any
	QuestionIndex int
	Answers       map[int]any
	Pending       *Confirmation
	Handoff       Handoff
}

// AudioGate switches the session between live microphone capture and
// narration playback. The controller is the sole enforcer of their mutual
// exclusion; implementations need no cross-checks of their own.
type AudioGate interface {
	StartCapture(ctx context.Context) error
	StopCapture() error
	CaptureActive() bool
	PlayNarration(ctx context.Context, url string) error
	StopNarration()
	NarrationActive() bool
}

// Navigator handles navigate actions. The controller never fetches or
// renders on its own.
type Navigator interface {
	Navigate(url string)
	Back()
}

// Display renders view payloads already carried by context updates.
type Display interface {
	Show(view string, data map[string]any)
	Clear()
}

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithSystemMessageFunc installs the sink for system messages the controller
// emits, such as the invitation to resume voice after narration ends.
func WithSystemMessageFunc(fn func(text string)) Option {
	return func(c *Controller) { c.systemMsg = fn }
}

// WithTransitionFunc installs a hook invoked once per applied action,
// typically a metrics counter.
func WithTransitionFunc(fn func(action string)) Option {
	return func(c *Controller) { c.onTransition = fn }
}

// Controller applies context-update actions to the dialogue record, strictly
// in arrival order. All methods are safe for concurrent use, though the
// router serialises calls in practice.
type Controller struct {
	audio   AudioGate
	nav     Navigator
	display Display

	systemMsg    func(text string)
	onTransition func(action string)

	mu  sync.Mutex
	ctx Context
}

// New creates a controller in the idle state.
func New(audio AudioGate, nav Navigator, display Display, opts ...Option) *Controller {
	c := &Controller{
		audio:   audio,
		nav:     nav,
		display: display,
		ctx:     Context{Answers: map[int]any{}},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Apply executes one context-update action. Unknown actions return an error
// and leave all state unchanged; the caller logs and moves on.
func (c *Controller) Apply(ctx context.Context, action string, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch action {
	case "start_quiz":
		c.ctx.Mode = ModeQuiz
		c.ctx.ActiveQuiz = mapField(payload, "quiz")
		c.ctx.QuizQuestions, _ = payload["questions"].([]any)
		c.ctx.QuestionIndex = intField(payload, "currentIndex")
		c.ctx.Answers = map[int]any{}
		c.ctx.Pending = nil
		c.display.Show("quiz", payload)

	case "show_question":
		c.ctx.QuestionIndex = intField(payload, "questionIndex")
		c.display.Show("quiz", payload)

	case "pending_answer":
		c.ctx.Pending = &Confirmation{
			Kind:          "quiz_answer",
			QuestionIndex: intField(payload, "questionIndex"),
			Answer:        payload["answer"],
			Payload:       payload,
		}
		c.display.Show("quiz", payload)

	case "answer_confirmed":
		// Answers are keyed by valid question indices only; a confirm for a
		// question that does not exist is dropped, not recorded.
		if idx := intField(payload, "questionIndex"); idx >= 0 && idx < len(c.ctx.QuizQuestions) {
			c.ctx.Answers[idx] = payload["answer"]
		} else {
			slog.Warn("dialogue: confirmed answer for unknown question", "index", idx, "questions", len(c.ctx.QuizQuestions))
		}
		c.ctx.Pending = nil
		c.display.Show("quiz", payload)

	case "answer_cancelled":
		c.ctx.Pending = nil
		c.display.Show("quiz", payload)

	case "quiz_completed":
		c.ctx.Mode = ModeIdle
		c.ctx.Pending = nil
		c.ctx.ActiveQuiz = nil
		c.ctx.QuizQuestions = nil
		c.ctx.QuestionIndex = 0
		c.display.Show("quiz_result", payload)

	case "start_lesson":
		c.ctx.Mode = ModeLesson
		c.ctx.ActiveLesson = mapField(payload, "lesson")
		c.display.Show("lesson", payload)
		if url := stringField(c.ctx.ActiveLesson, "audio_url"); url != "" {
			// Narration is present: force live capture off and park the
			// track until the assistant finishes its current turn.
			if err := c.audio.StopCapture(); err != nil {
				slog.Warn("dialogue: stopping capture for lesson narration", "err", err)
			}
			c.ctx.Handoff = Handoff{PendingURL: url}
		}

	case "start_assignment", "show_assignment":
		c.ctx.Mode = ModeAssignment
		c.display.Show("assignment", payload)

	case "confirm_submission":
		c.ctx.Pending = &Confirmation{
			Kind:    stringField(payload, "kind"),
			Payload: payload,
		}

	case "submission_complete", "assignment_submitted":
		c.ctx.Mode = ModeIdle
		c.ctx.Pending = nil
		c.display.Show("submission_result", payload)

	case "show_courses":
		c.ctx.Mode = ModeBrowsing
		c.display.Show("courses", payload)

	case "show_quizzes":
		c.ctx.Mode = ModeBrowsing
		c.display.Show("quizzes", payload)

	case "show_assignments":
		c.ctx.Mode = ModeBrowsing
		c.display.Show("assignments", payload)

	case "show_progress":
		c.display.Show("progress", payload)

	case "enrollment_complete":
		c.ctx.ActiveCourse = mapField(payload, "course")
		c.display.Show("enrollment", payload)

	case "navigate":
		if back, _ := payload["back"].(bool); back {
			c.nav.Back()
		} else if url := stringField(payload, "url"); url != "" {
			c.nav.Navigate(url)
		}
		c.ctx.Mode = ModeIdle

	case "clear_display":
		c.ctx = Context{Answers: map[int]any{}}
		c.display.Clear()

	default:
		return fmt.Errorf("dialogue: unknown context action %q", action)
	}

	if c.onTransition != nil {
		c.onTransition(action)
	}
	return nil
}

// TurnComplete marks the end of one assistant utterance. A parked narration
// track becomes playable only here, so the assistant is never cut off
// mid-sentence introducing the lesson.
func (c *Controller) TurnComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Handoff.PendingURL == "" || c.ctx.Handoff.ReadyToPlay {
		return
	}
	if c.audio.NarrationActive() {
		return
	}
	c.ctx.Handoff.ReadyToPlay = true
	c.ctx.Handoff.Paused = true
}

// ToggleAudio is the single user toggle of the handoff: when a track is
// ready it begins narration playback; otherwise it resumes live listening.
// Either branch first forces the opposite audio path off.
func (c *Controller) ToggleAudio(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx.Handoff.ReadyToPlay && c.ctx.Handoff.PendingURL != "" {
		url := c.ctx.Handoff.PendingURL
		c.ctx.Handoff.ReadyToPlay = false
		c.ctx.Handoff.Paused = false
		c.mu.Unlock()

		if err := c.audio.StopCapture(); err != nil {
			slog.Warn("dialogue: stopping capture before narration", "err", err)
		}
		if err := c.audio.PlayNarration(ctx, url); err != nil {
			c.NarrationFailed(err)
			return err
		}
		return nil
	}
	c.mu.Unlock()

	c.audio.StopNarration()
	return c.audio.StartCapture(ctx)
}

// NarrationEnded clears the handoff after a track finishes naturally and
// invites the learner back to voice interaction.
func (c *Controller) NarrationEnded() {
	c.clearHandoff("Lesson audio finished. Tap the microphone to continue talking.")
}

// NarrationFailed clears the handoff after a playback failure.
func (c *Controller) NarrationFailed(err error) {
	slog.Warn("dialogue: narration playback failed", "err", err)
	c.clearHandoff("Lesson audio could not be played. Tap the microphone to continue talking.")
}

func (c *Controller) clearHandoff(msg string) {
	c.mu.Lock()
	c.ctx.Handoff = Handoff{}
	c.mu.Unlock()

	if c.systemMsg != nil {
		c.systemMsg(msg)
	}
}

// Snapshot returns a copy of the dialogue record for inspection. The answers
// map and pending confirmation are copied; payload maps are shared.
func (c *Controller) Snapshot() Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.ctx
	out.Answers = make(map[int]any, len(c.ctx.Answers))
	for k, v := range c.ctx.Answers {
		out.Answers[k] = v
	}
	if c.ctx.Pending != nil {
		p := *c.ctx.Pending
		out.Pending = &p
	}
	return out
}

func mapField(payload map[string]any, key string) map[string]any {
	m, _ := payload[key].(map[string]any)
	return m
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// intField reads a numeric payload field. JSON numbers arrive as float64.
func intField(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
