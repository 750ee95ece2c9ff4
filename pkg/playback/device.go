package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/e4a-labs/voicekit/pkg/audio"
)

// defaultBufferSize is the portaudio output buffer length in samples.
// At 24 kHz this is ~85 ms per device write, small enough that a Stop lands
// within one write of the interrupt.
const defaultBufferSize = 2048

// DeviceSink plays segments on the default output device via portaudio.
// The device handle is a singleton per session: Open it once, Close it on
// every exit path. It implements [Sink].
type DeviceSink struct {
	stream *portaudio.Stream
	out    []int16
	rate   int

	mu      sync.Mutex
	started bool
	playing map[int64]struct{}
	halted  map[int64]struct{}
	closed  bool
}

var _ Sink = (*DeviceSink)(nil)

// OpenDeviceSink opens the default output device at sampleRate Hz.
// portaudio.Initialize must have been called by the process already.
func OpenDeviceSink(sampleRate int) (*DeviceSink, error) {
	out := make([]int16, defaultBufferSize)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(out), &out)
	if err != nil {
		return nil, &PlaybackError{Op: "open output device", Err: err}
	}
	return &DeviceSink{
		stream:  stream,
		out:     out,
		rate:    sampleRate,
		playing: make(map[int64]struct{}),
		halted:  make(map[int64]struct{}),
	}, nil
}

// Play writes the segment to the device in buffer-sized slices, checking the
// halt set between writes so an Interrupt cuts in mid-segment instead of
// draining. Called by the scheduler at the segment's start instant.
func (d *DeviceSink) Play(id int64, samples []float64) {
	pcm := audio.FloatTo16BitPCM(samples)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if !d.started {
		if err := d.stream.Start(); err != nil {
			d.mu.Unlock()
			slog.Error("playback: starting output stream", "err", err)
			return
		}
		d.started = true
	}
	d.playing[id] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.playing, id)
		delete(d.halted, id)
		d.mu.Unlock()
	}()

	for off := 0; off < len(pcm); off += len(d.out) * 2 {
		d.mu.Lock()
		if _, stop := d.halted[id]; stop || d.closed {
			d.mu.Unlock()
			return
		}

		end := off + len(d.out)*2
		if end > len(pcm) {
			end = len(pcm)
		}
		n := (end - off) / 2
		for i := range n {
			d.out[i] = int16(pcm[off+i*2]) | int16(pcm[off+i*2+1])<<8
		}
		// Pad a short tail with silence rather than replaying stale samples.
		for i := n; i < len(d.out); i++ {
			d.out[i] = 0
		}

		err := d.stream.Write()
		d.mu.Unlock()
		if err != nil {
			if errors.Is(err, portaudio.OutputUnderflowed) {
				slog.Debug("playback: output underflowed", "err", err)
				continue
			}
			slog.Error("playback: writing output stream", "err", err)
			return
		}
	}
}

// Write plays samples directly, bypassing the scheduler and the halt set.
// Narration tracks use this path; their pause and stop controls live in the
// caller, which slices the track into short blocks.
func (d *DeviceSink) Write(samples []float64) error {
	pcm := audio.FloatTo16BitPCM(samples)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return &PlaybackError{Op: "write output", Err: errors.New("device closed")}
	}
	if !d.started {
		if err := d.stream.Start(); err != nil {
			d.mu.Unlock()
			return &PlaybackError{Op: "start output stream", Err: err}
		}
		d.started = true
	}
	d.mu.Unlock()

	for off := 0; off < len(pcm); off += len(d.out) * 2 {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return &PlaybackError{Op: "write output", Err: errors.New("device closed")}
		}

		end := off + len(d.out)*2
		if end > len(pcm) {
			end = len(pcm)
		}
		n := (end - off) / 2
		for i := range n {
			d.out[i] = int16(pcm[off+i*2]) | int16(pcm[off+i*2+1])<<8
		}
		for i := n; i < len(d.out); i++ {
			d.out[i] = 0
		}

		err := d.stream.Write()
		d.mu.Unlock()
		if err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return &PlaybackError{Op: "write output stream", Err: err}
		}
	}
	return nil
}

// Stop marks the segment halted; an in-progress Play aborts at the next
// buffer boundary. A segment that is not currently playing is a no-op, so a
// late Stop never leaves a marker behind for a finished id.
func (d *DeviceSink) Stop(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, active := d.playing[id]; !active {
		return
	}
	d.halted[id] = struct{}{}
}

// Close stops and releases the device. Idempotent.
func (d *DeviceSink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if d.started {
		if err := d.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop output stream: %w", err))
		}
	}
	if err := d.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close output stream: %w", err))
	}
	return errors.Join(errs...)
}
