// Package playback turns the stream of inbound audio deltas into gapless,
// low-latency output and supports immediate interruption (barge-in).
//
// The scheduler keeps a single monotonic cursor: each decoded chunk is
// scheduled to start at max(now, cursor) and the cursor advances by the
// chunk's duration. Arrival jitter therefore never produces silence gaps or
// overlap as long as chunks keep pace with real time.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/e4a-labs/voicekit/pkg/audio"
)

// Sink receives decoded segments at their scheduled start instants. Play is
// called from a timer goroutine exactly at the segment's start; Stop is
// called during interruption for every segment that has begun playing and
// must take effect immediately, not after the segment drains.
type Sink interface {
	Play(id int64, samples []float64)
	Stop(id int64)
}

// PlaybackError reports a decode or device failure for one chunk. It is
// never fatal: the failed chunk is skipped and the session stays usable.
type PlaybackError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *PlaybackError) Unwrap() error { return e.Err }

// Segment is one decoded chunk with its committed start instant. Segments
// are owned by the scheduler from decode until completion or forced stop.
type Segment struct {
	ID      int64
	Samples []float64
	Start   time.Time
}

// Duration returns the segment's play time at the scheduler's sample rate.
func (s Segment) duration(rate int) time.Duration {
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(rate)
}

// Option is a functional option for configuring a [Scheduler].
type Option func(*Scheduler)

// WithClock overrides the time source for the cursor math. Tests use a fixed
// clock to make scheduled start instants deterministic.
//
// Only the timeline computation uses this clock; the start and completion
// timers still count real time. Tests asserting cursor arithmetic should pin
// the clock far enough in the future that no timer fires, and tests
// asserting delivery should use the real clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithCancelFunc registers the upstream cancel action invoked on every
// interruption (typically Session.CancelResponse).
func WithCancelFunc(fn func()) Option {
	return func(s *Scheduler) { s.cancel = fn }
}

// scheduled tracks one in-flight segment: its pending start timer, the
// completion timer armed once it begins, and whether Play has fired.
type scheduled struct {
	startTimer *time.Timer
	doneTimer  *time.Timer
	started    bool
}

// Scheduler schedules decoded audio chunks for gapless output on a [Sink].
// All methods are safe for concurrent use.
type Scheduler struct {
	sink   Sink
	rate   int
	now    func() time.Time
	cancel func()

	mu       sync.Mutex
	nextFree time.Time
	nextID   int64
	active   map[int64]*scheduled
}

// NewScheduler creates a scheduler emitting to sink at sampleRate Hz.
func NewScheduler(sink Sink, sampleRate int, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		rate:   sampleRate,
		now:    time.Now,
		active: make(map[int64]*scheduled),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule decodes one base64 PCM16 chunk and commits it to the timeline.
// The returned segment's Start is never earlier than the previous segment's
// Start plus its duration. A decode failure returns a *PlaybackError and
// leaves the cursor untouched.
func (s *Scheduler) Schedule(b64 string) (Segment, error) {
	pcm, err := audio.DecodePCM16(b64)
	if err != nil {
		return Segment{}, &PlaybackError{Op: "decode chunk", Err: err}
	}
	samples := audio.PCM16ToFloat(pcm)
	if len(samples) == 0 {
		return Segment{}, &PlaybackError{Op: "decode chunk", Err: fmt.Errorf("empty payload")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	start := now
	if s.nextFree.After(now) {
		start = s.nextFree
	}

	s.nextID++
	seg := Segment{ID: s.nextID, Samples: samples, Start: start}
	dur := seg.duration(s.rate)
	s.nextFree = start.Add(dur)

	entry := &scheduled{}
	entry.startTimer = time.AfterFunc(start.Sub(now), func() {
		s.begin(seg.ID, samples, dur)
	})
	s.active[seg.ID] = entry

	return seg, nil
}

// begin fires when a segment's start instant arrives. It hands the samples
// to the sink and arms the natural-completion timer.
func (s *Scheduler) begin(id int64, samples []float64, dur time.Duration) {
	s.mu.Lock()
	entry, ok := s.active[id]
	if !ok {
		// Interrupted between timer fire and lock acquisition.
		s.mu.Unlock()
		return
	}
	entry.started = true
	entry.doneTimer = time.AfterFunc(dur, func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	})
	s.mu.Unlock()

	s.sink.Play(id, samples)
}

// Interrupt force-stops every active segment, including any already playing,
// clears unplayed chunks, resets the cursor to zero, and fires the upstream
// cancel action. Safe to call with nothing in flight.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	stopped := make([]int64, 0, len(s.active))
	for id, entry := range s.active {
		entry.startTimer.Stop()
		if entry.doneTimer != nil {
			entry.doneTimer.Stop()
		}
		if entry.started {
			stopped = append(stopped, id)
		}
		delete(s.active, id)
	}
	s.nextFree = time.Time{}
	cancel := s.cancel
	s.mu.Unlock()

	for _, id := range stopped {
		s.sink.Stop(id)
	}
	if cancel != nil {
		cancel()
	}
}

// StreamDone marks the end of one assistant turn: the cursor resets so the
// next turn schedules against real time, but segments already committed keep
// playing to completion.
func (s *Scheduler) StreamDone() {
	s.mu.Lock()
	s.nextFree = time.Time{}
	s.mu.Unlock()
}

// Pending returns the number of segments scheduled but not yet finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
