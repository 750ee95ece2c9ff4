// Package capture owns the microphone side of the voice pipeline: it
// acquires the input device, pulls fixed-size frames at the device's native
// rate, resamples them to the transport rate, encodes 16-bit PCM, and sends
// each frame as one outbound message.
//
// Frames are dropped, never queued, when the caller is not ready to send.
// This trades completeness for bounded latency: a stalled transport must not
// build up a backlog of stale microphone audio.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/e4a-labs/voicekit/pkg/audio"
)

// ErrPermissionDenied is returned by Start when the microphone cannot be
// acquired. The listening state stays false.
var ErrPermissionDenied = errors.New("microphone access denied")

// ErrAlreadyCapturing is returned by Start while a capture graph is live.
// The device is a singleton handle; a second acquisition never duplicates it.
var ErrAlreadyCapturing = errors.New("capture already in progress")

// Device is an acquired microphone delivering fixed-size frames of
// normalised float samples at its native rate. Read blocks until a full
// frame is available.
type Device interface {
	Read() ([]float64, error)
	SampleRate() int
	Close() error
}

// DeviceOpener acquires the microphone. Implementations return an error
// wrapping [ErrPermissionDenied] when access is refused.
type DeviceOpener func() (Device, error)

// Sender is the outbound half of the transport session used by the pipeline.
type Sender interface {
	AppendAudio(b64 string) error
	CommitAudio() error
}

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithReadyFunc installs the gate consulted before each frame is sent.
// When it reports false the frame is dropped. The default gate always sends.
func WithReadyFunc(ready func() bool) Option {
	return func(p *Pipeline) { p.ready = ready }
}

// WithFrameStats installs counters invoked once per frame: sent frames and
// dropped frames respectively. Either may be nil.
func WithFrameStats(sent, dropped func()) Option {
	return func(p *Pipeline) {
		p.onSent = sent
		p.onDropped = dropped
	}
}

// Pipeline is the audio capture pipeline. All methods are safe for
// concurrent use; the frame loop runs on its own goroutine between Start and
// Stop.
type Pipeline struct {
	open       DeviceOpener
	sender     Sender
	targetRate int
	ready      func() bool
	onSent     func()
	onDropped  func()

	mu      sync.Mutex
	device  Device
	done    chan struct{}
	stopped sync.WaitGroup
}

// New creates a pipeline that acquires devices through open and sends
// encoded frames at targetRate Hz through sender.
func New(open DeviceOpener, sender Sender, targetRate int, opts ...Option) *Pipeline {
	p := &Pipeline{
		open:       open,
		sender:     sender,
		targetRate: targetRate,
		ready:      func() bool { return true },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start acquires the microphone and begins the frame loop. A refusal
// surfaces [ErrPermissionDenied]; a second Start while capturing returns
// [ErrAlreadyCapturing] without touching the live graph.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.device != nil {
		return ErrAlreadyCapturing
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dev, err := p.open()
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	p.device = dev
	p.done = make(chan struct{})
	p.stopped.Add(1)
	go p.frameLoop(dev, p.done)

	return nil
}

// frameLoop pulls frames until the device fails or Stop is called. A device
// read failure (unplugged mid-capture) halts delivery silently; the state is
// reconciled on the next explicit toggle.
func (p *Pipeline) frameLoop(dev Device, done chan struct{}) {
	defer p.stopped.Done()

	srcRate := dev.SampleRate()
	for {
		select {
		case <-done:
			return
		default:
		}

		samples, err := dev.Read()
		if err != nil {
			slog.Debug("capture: device read failed, halting frame delivery", "err", err)
			return
		}

		if !p.ready() {
			if p.onDropped != nil {
				p.onDropped()
			}
			continue
		}

		resampled := audio.ResampleNearest(samples, srcRate, p.targetRate)
		b64 := audio.EncodePCM16(audio.FloatTo16BitPCM(resampled))
		if err := p.sender.AppendAudio(b64); err != nil {
			slog.Warn("capture: sending frame", "err", err)
			continue
		}
		if p.onSent != nil {
			p.onSent()
		}
	}
}

// Stop tears down the capture graph, releases the device, and sends the
// commit message so the remote side flushes partially buffered audio.
// Stopping an idle pipeline is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	dev := p.device
	done := p.done
	p.device = nil
	p.done = nil
	p.mu.Unlock()

	if dev == nil {
		return nil
	}

	close(done)
	closeErr := dev.Close()
	p.stopped.Wait()

	if err := p.sender.CommitAudio(); err != nil {
		slog.Warn("capture: sending commit", "err", err)
	}
	if closeErr != nil {
		return fmt.Errorf("capture: releasing device: %w", closeErr)
	}
	return nil
}

// Active reports whether a capture graph is currently held.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device != nil
}
