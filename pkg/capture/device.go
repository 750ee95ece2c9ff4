package capture

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// FrameSize is the fixed per-callback frame length in samples. At 48 kHz
// native rate one frame spans ~85 ms; at 24 kHz ~170 ms.
const FrameSize = 4096

// Microphone is the portaudio-backed [Device]. It owns the default input
// stream for its lifetime; portaudio.Initialize must have been called by the
// process already.
type Microphone struct {
	stream *portaudio.Stream
	buf    []int16
	rate   int

	mu     sync.Mutex
	closed bool
}

var _ Device = (*Microphone)(nil)

// OpenMicrophone acquires the default input device at sampleRate Hz and
// starts the stream. Acquisition failures (the OS-level analogue of a
// permission refusal) are reported as [ErrPermissionDenied].
func OpenMicrophone(sampleRate int) (Device, error) {
	buf := make([]int16, FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(buf), &buf)
	if err != nil {
		return nil, fmt.Errorf("%w: open input stream: %v", ErrPermissionDenied, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: start input stream: %v", ErrPermissionDenied, err)
	}
	return &Microphone{stream: stream, buf: buf, rate: sampleRate}, nil
}

// Read blocks until one full frame is captured and returns it as normalised
// float samples.
func (m *Microphone) Read() ([]float64, error) {
	if err := m.stream.Read(); err != nil {
		return nil, fmt.Errorf("read input stream: %w", err)
	}
	out := make([]float64, len(m.buf))
	for i, s := range m.buf {
		out[i] = float64(s) / 32768
	}
	return out, nil
}

// SampleRate returns the device's native capture rate in Hz.
func (m *Microphone) SampleRate() int { return m.rate }

// Close stops and releases the input stream. Idempotent.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	_ = m.stream.Stop()
	if err := m.stream.Close(); err != nil {
		return fmt.Errorf("close input stream: %w", err)
	}
	return nil
}
