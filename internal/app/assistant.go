// Package app wires the voice pipeline together: one bridge session per
// activation, the capture pipeline, the playback scheduler, the narration
// player, the dialogue controller, and the event router.
//
// The Assistant is the single entry point the frontend (or CLI) talks to.
// Recovery from a dead session is always manual: Retry opens a fresh
// connection, nothing reconnects on its own.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/e4a-labs/voicekit/internal/config"
	"github.com/e4a-labs/voicekit/internal/dialogue"
	"github.com/e4a-labs/voicekit/internal/observe"
	"github.com/e4a-labs/voicekit/internal/router"
	"github.com/e4a-labs/voicekit/internal/voicelog"
	"github.com/e4a-labs/voicekit/pkg/capture"
	"github.com/e4a-labs/voicekit/pkg/narration"
	"github.com/e4a-labs/voicekit/pkg/playback"
	"github.com/e4a-labs/voicekit/pkg/realtime"
)

// ErrNotConnected is returned by operations that need a live bridge session.
var ErrNotConnected = errors.New("no active voice session")

// ErrAlreadyConnected is returned by Connect while a session is live.
// Exactly one session exists per activation.
var ErrAlreadyConnected = errors.New("voice session already active")

// persistTimeout bounds each transcript-store write.
const persistTimeout = 5 * time.Second

// BridgeSession is the slice of [realtime.Session] the assistant drives.
type BridgeSession interface {
	AppendAudio(b64 string) error
	CommitAudio() error
	CancelResponse() error
	SendText(text string) error
	State() realtime.State
	Close() error
}

// DialFunc opens one bridge session. The default wraps [realtime.Client].
type DialFunc func(ctx context.Context, h realtime.Handler) (BridgeSession, error)

// Option is a functional option for configuring an [Assistant].
type Option func(*Assistant)

// WithDialFunc overrides how bridge sessions are opened. Tests use this to
// substitute a fake session.
func WithDialFunc(dial DialFunc) Option {
	return func(a *Assistant) { a.dial = dial }
}

// WithSink overrides the playback output for streamed assistant audio.
func WithSink(sink playback.Sink) Option {
	return func(a *Assistant) { a.sink = sink }
}

// WithNarrationOutput overrides the narration output device.
func WithNarrationOutput(out narration.Output) Option {
	return func(a *Assistant) { a.narrationOut = out }
}

// WithDeviceOpener overrides microphone acquisition.
func WithDeviceOpener(open capture.DeviceOpener) Option {
	return func(a *Assistant) { a.opener = open }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assistant) { a.metrics = m }
}

// WithStore enables conversation persistence.
func WithStore(store *voicelog.Store) Option {
	return func(a *Assistant) { a.store = store }
}

// WithNavigator installs the collaborator handling navigate actions.
func WithNavigator(nav dialogue.Navigator) Option {
	return func(a *Assistant) { a.nav = nav }
}

// WithDisplay installs the collaborator rendering context payloads.
func WithDisplay(d dialogue.Display) Option {
	return func(a *Assistant) { a.display = d }
}

// Assistant owns one voice activation end to end. All methods are safe for
// concurrent use.
type Assistant struct {
	cfg     *config.Config
	metrics *observe.Metrics
	store   *voicelog.Store
	nav     dialogue.Navigator
	display dialogue.Display

	dial         DialFunc
	sink         playback.Sink
	narrationOut narration.Output
	opener       capture.DeviceOpener
	ownedSink    *playback.DeviceSink

	scheduler *playback.Scheduler
	pipeline  *capture.Pipeline
	player    *narration.Player
	dialogue  *dialogue.Controller
	router    *router.Router

	sessions *sessionSlot
}

// New builds a fully wired assistant. When no sink or narration output is
// supplied it opens the default output device, so portaudio must already be
// initialised in that case.
func New(cfg *config.Config, opts ...Option) (*Assistant, error) {
	a := &Assistant{
		cfg:      cfg,
		metrics:  observe.DefaultMetrics(),
		nav:      nopNavigator{},
		display:  nopDisplay{},
		sessions: &sessionSlot{},
	}
	for _, o := range opts {
		o(a)
	}

	rate := cfg.Audio.TransportRate
	if a.sink == nil || a.narrationOut == nil {
		dev, err := playback.OpenDeviceSink(rate)
		if err != nil {
			return nil, err
		}
		a.ownedSink = dev
		if a.sink == nil {
			a.sink = dev
		}
		if a.narrationOut == nil {
			a.narrationOut = dev
		}
	}
	if a.opener == nil {
		captureRate := cfg.Audio.CaptureRate
		a.opener = func() (capture.Device, error) { return capture.OpenMicrophone(captureRate) }
	}
	if a.dial == nil {
		client := realtime.NewClient(cfg.Bridge.URL, cfg.Bridge.Token)
		a.dial = func(ctx context.Context, h realtime.Handler) (BridgeSession, error) {
			sess, err := client.Dial(ctx, h)
			if err != nil {
				return nil, err
			}
			return sess, nil
		}
	}

	a.scheduler = playback.NewScheduler(a.sink, rate,
		playback.WithCancelFunc(a.cancelResponse))

	a.pipeline = capture.New(a.opener, senderFunc{a}, rate,
		capture.WithReadyFunc(a.readyToSend),
		capture.WithFrameStats(
			func() { a.metrics.FramesSent.Add(context.Background(), 1) },
			func() { a.metrics.FramesDropped.Add(context.Background(), 1) },
		),
	)

	a.dialogue = dialogue.New(audioGate{a}, a.nav, a.display,
		dialogue.WithSystemMessageFunc(func(text string) { a.router.AppendSystemMessage(text) }),
		dialogue.WithTransitionFunc(func(action string) {
			a.metrics.RecordTransition(context.Background(), action)
		}),
	)

	a.player = narration.NewPlayer(a.narrationOut, rate,
		func() {
			a.metrics.RecordNarration(context.Background(), "completed")
			a.dialogue.NarrationEnded()
		},
		func(err error) {
			a.metrics.RecordNarration(context.Background(), "failed")
			a.dialogue.NarrationFailed(err)
		},
		narration.WithPlaybackRate(cfg.Audio.PlaybackRate),
	)

	a.router = router.New(meteredPlayback{a}, a.dialogue,
		router.WithDisplayFunc(func(data map[string]any) { a.display.Show("display", data) }),
		router.WithBargeInFunc(func() { a.metrics.BargeIns.Add(context.Background(), 1) }),
		router.WithRateLimitFunc(func(time.Duration) { a.metrics.RateLimits.Add(context.Background(), 1) }),
		router.WithMessageFunc(a.persistMessage),
	)

	return a, nil
}

// Connect opens the bridge session for this activation. A second Connect
// while one is live returns [ErrAlreadyConnected].
func (a *Assistant) Connect(ctx context.Context) error {
	if !a.sessions.reserve() {
		return ErrAlreadyConnected
	}

	id := uuid.NewString()
	sess, err := a.dial(ctx, realtime.Handler{
		OnEvent: func(ev realtime.ServerEvent) { a.router.Dispatch(context.Background(), ev) },
		OnClose: func(err error) { a.onSessionClosed(err) },
	})
	if err != nil {
		a.sessions.clear()
		a.metrics.RecordSessionError(ctx, "connect")
		a.router.ReportFailure(err)
		return err
	}

	a.sessions.set(sess, id)
	a.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("voice session opened", "session_id", id)
	return nil
}

// Disconnect tears the activation down: capture released, narration and
// playback stopped, session closed. Safe to call when idle.
func (a *Assistant) Disconnect() {
	sess, _ := a.sessions.take()

	if err := a.pipeline.Stop(); err != nil {
		slog.Warn("assistant: stopping capture on disconnect", "err", err)
	}
	a.player.Stop()
	a.scheduler.Interrupt()

	if sess != nil {
		if err := sess.Close(); err != nil {
			slog.Warn("assistant: closing session", "err", err)
		}
		a.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Retry is the manual recovery path for a dead session: full teardown, then
// a fresh connection.
func (a *Assistant) Retry(ctx context.Context) error {
	a.Disconnect()
	return a.Connect(ctx)
}

// Toggle is the single audio toggle the user sees. Listening stops if live;
// otherwise the dialogue controller decides between starting the parked
// narration track and resuming listening.
func (a *Assistant) Toggle(ctx context.Context) error {
	if a.pipeline.Active() {
		return a.pipeline.Stop()
	}
	if _, ok := a.sessions.get(); !ok {
		return ErrNotConnected
	}
	return a.dialogue.ToggleAudio(ctx)
}

// SendText is the typed fallback for learners who cannot or prefer not to
// speak. The message is logged locally and a response is requested.
func (a *Assistant) SendText(text string) error {
	sess, ok := a.sessions.get()
	if !ok {
		return ErrNotConnected
	}
	if err := sess.SendText(text); err != nil {
		return err
	}
	a.router.AppendUserMessage(text)
	return nil
}

// Listening reports whether the microphone pipeline is live.
func (a *Assistant) Listening() bool { return a.pipeline.Active() }

// Connected reports whether a bridge session is open.
func (a *Assistant) Connected() bool {
	sess, ok := a.sessions.get()
	return ok && sess.State() == realtime.Connected
}

// Messages returns the conversation log so far.
func (a *Assistant) Messages() []router.ConversationMessage { return a.router.Messages() }

// PartialTranscripts exposes the live transcript buffers for display.
func (a *Assistant) PartialTranscripts() (user, assistant string) {
	return a.router.PartialTranscripts()
}

// RateLimited reports an active rate-limit countdown, if any.
func (a *Assistant) RateLimited() (time.Duration, bool) { return a.router.RateLimited() }

// Dialogue returns a snapshot of the dialogue record for display.
func (a *Assistant) Dialogue() dialogue.Context { return a.dialogue.Snapshot() }

// SessionCheck is a readiness probe for the health endpoint.
func (a *Assistant) SessionCheck(context.Context) error {
	if !a.Connected() {
		return ErrNotConnected
	}
	return nil
}

// Close releases owned devices. Call after Disconnect on shutdown.
func (a *Assistant) Close() error {
	a.Disconnect()
	if a.ownedSink != nil {
		return a.ownedSink.Close()
	}
	return nil
}

// onSessionClosed runs when the transport reports the session gone, normally
// or otherwise. State is reconciled here; recovery stays manual.
func (a *Assistant) onSessionClosed(err error) {
	sess, _ := a.sessions.take()
	if sess == nil {
		return // Disconnect already reconciled
	}
	a.metrics.ActiveSessions.Add(context.Background(), -1)

	if stopErr := a.pipeline.Stop(); stopErr != nil {
		slog.Warn("assistant: stopping capture after session close", "err", stopErr)
	}
	a.scheduler.Interrupt()

	if err != nil {
		a.metrics.RecordSessionError(context.Background(), "closed")
		a.router.ReportFailure(err)
	}
	slog.Info("voice session closed", "err", err)
}

// readyToSend is the capture backpressure gate: frames go out only on a
// connected session with no active rate limit and no narration playing.
func (a *Assistant) readyToSend() bool {
	sess, ok := a.sessions.get()
	if !ok || sess.State() != realtime.Connected {
		return false
	}
	if _, limited := a.router.RateLimited(); limited {
		return false
	}
	return !a.player.Playing()
}

// cancelResponse tells the bridge to abandon the in-flight response. Fired
// by the scheduler on barge-in.
func (a *Assistant) cancelResponse() {
	sess, ok := a.sessions.get()
	if !ok {
		return
	}
	if err := sess.CancelResponse(); err != nil {
		slog.Warn("assistant: cancelling response", "err", err)
	}
}

// persistMessage mirrors completed log entries into the transcript store.
// A write failure never disturbs the live session.
func (a *Assistant) persistMessage(msg router.ConversationMessage) {
	if a.store == nil {
		return
	}
	_, id := a.sessions.current()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := a.store.Append(ctx, id, msg); err != nil {
			slog.Warn("assistant: persisting transcript entry", "err", err)
		}
	}()
}

var (
	_ BridgeSession      = (*realtime.Session)(nil)
	_ capture.Sender     = senderFunc{}
	_ dialogue.AudioGate = audioGate{}
	_ router.Playback    = meteredPlayback{}
)

// senderFunc adapts the assistant to the capture pipeline's Sender.
type senderFunc struct{ a *Assistant }

func (s senderFunc) AppendAudio(b64 string) error {
	sess, ok := s.a.sessions.get()
	if !ok {
		return ErrNotConnected
	}
	return sess.AppendAudio(b64)
}

func (s senderFunc) CommitAudio() error {
	sess, ok := s.a.sessions.get()
	if !ok {
		return ErrNotConnected
	}
	return sess.CommitAudio()
}

// audioGate adapts the assistant to the dialogue controller's AudioGate.
type audioGate struct{ a *Assistant }

func (g audioGate) StartCapture(ctx context.Context) error {
	err := g.a.pipeline.Start(ctx)
	if errors.Is(err, capture.ErrAlreadyCapturing) {
		return nil
	}
	if errors.Is(err, capture.ErrPermissionDenied) {
		g.a.metrics.RecordSessionError(ctx, "permission")
		g.a.router.ReportFailure(err)
	}
	return err
}

func (g audioGate) StopCapture() error    { return g.a.pipeline.Stop() }
func (g audioGate) CaptureActive() bool   { return g.a.pipeline.Active() }
func (g audioGate) NarrationActive() bool { return g.a.player.Playing() }
func (g audioGate) StopNarration()        { g.a.player.Stop() }

func (g audioGate) PlayNarration(ctx context.Context, url string) error {
	return g.a.player.Play(ctx, url)
}

// meteredPlayback wraps the scheduler with the chunk counter.
type meteredPlayback struct{ a *Assistant }

func (p meteredPlayback) Schedule(b64 string) (playback.Segment, error) {
	seg, err := p.a.scheduler.Schedule(b64)
	if err == nil {
		p.a.metrics.ChunksScheduled.Add(context.Background(), 1)
	}
	return seg, err
}

func (p meteredPlayback) Interrupt()  { p.a.scheduler.Interrupt() }
func (p meteredPlayback) StreamDone() { p.a.scheduler.StreamDone() }

type nopNavigator struct{}

func (nopNavigator) Navigate(url string) { slog.Info("navigate requested", "url", url) }
func (nopNavigator) Back()               { slog.Info("back navigation requested") }

type nopDisplay struct{}

func (nopDisplay) Show(view string, _ map[string]any) { slog.Debug("display update", "view", view) }
func (nopDisplay) Clear()                             { slog.Debug("display cleared") }
