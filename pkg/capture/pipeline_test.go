package capture_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/e4a-labs/voicekit/pkg/audio"
	"github.com/e4a-labs/voicekit/pkg/capture"
)

// fakeDevice serves frames from a queue, then blocks until closed.
type fakeDevice struct {
	rate   int
	mu     sync.Mutex
	frames [][]float64
	closed chan struct{}
	once   sync.Once
}

func newFakeDevice(rate int, frames ...[]float64) *fakeDevice {
	return &fakeDevice{rate: rate, frames: frames, closed: make(chan struct{})}
}

func (d *fakeDevice) Read() ([]float64, error) {
	d.mu.Lock()
	if len(d.frames) > 0 {
		f := d.frames[0]
		d.frames = d.frames[1:]
		d.mu.Unlock()
		return f, nil
	}
	d.mu.Unlock()

	<-d.closed
	return nil, io.EOF
}

func (d *fakeDevice) SampleRate() int { return d.rate }

func (d *fakeDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

// fakeSender records outbound messages.
type fakeSender struct {
	mu      sync.Mutex
	audio   []string
	commits int
}

func (s *fakeSender) AppendAudio(b64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, b64)
	return nil
}

func (s *fakeSender) CommitAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return nil
}

func (s *fakeSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

func (s *fakeSender) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func opener(d capture.Device, err error) capture.DeviceOpener {
	return func() (capture.Device, error) { return d, err }
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStart_PermissionDenied(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	p := capture.New(opener(nil, capture.ErrPermissionDenied), sender, 24000)

	err := p.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("err = %v; want ErrPermissionDenied", err)
	}
	if p.Active() {
		t.Error("pipeline must not be active after a refused acquisition")
	}
}

func TestStart_SecondAcquisitionRejected(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice(24000)
	p := capture.New(opener(dev, nil), &fakeSender{}, 24000)
	t.Cleanup(func() { p.Stop() })

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, capture.ErrAlreadyCapturing) {
		t.Fatalf("second Start err = %v; want ErrAlreadyCapturing", err)
	}
}

func TestFrames_ResampledEncodedAndSentIndividually(t *testing.T) {
	t.Parallel()

	// Two 4096-sample frames at 48 kHz → two messages of 2048 samples at 24 kHz.
	frame := make([]float64, 4096)
	for i := range frame {
		frame[i] = 0.25
	}
	dev := newFakeDevice(48000, frame, frame)
	sender := &fakeSender{}
	p := capture.New(opener(dev, nil), sender, 24000)
	t.Cleanup(func() { p.Stop() })

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return sender.sentCount() == 2 }, "frames never sent")

	sender.mu.Lock()
	defer sender.mu.Unlock()
	for i, b64 := range sender.audio {
		pcm, err := audio.DecodePCM16(b64)
		if err != nil {
			t.Fatalf("message %d not base64 PCM: %v", i, err)
		}
		if got := len(pcm) / 2; got != 2048 {
			t.Errorf("message %d carries %d samples; want 2048", i, got)
		}
	}
}

func TestFrames_DroppedWhenNotReady(t *testing.T) {
	t.Parallel()

	frame := make([]float64, 256)
	dev := newFakeDevice(24000, frame, frame, frame)
	sender := &fakeSender{}

	var mu sync.Mutex
	dropped := 0
	p := capture.New(opener(dev, nil), sender, 24000,
		capture.WithReadyFunc(func() bool { return false }),
		capture.WithFrameStats(nil, func() { mu.Lock(); dropped++; mu.Unlock() }),
	)
	t.Cleanup(func() { p.Stop() })

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return dropped == 3 }, "frames never dropped")

	if sender.sentCount() != 0 {
		t.Errorf("%d frames sent while not ready; dropped frames must not queue", sender.sentCount())
	}
}

func TestStop_ReleasesDeviceAndCommits(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice(24000)
	sender := &fakeSender{}
	p := capture.New(opener(dev, nil), sender, 24000)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Active() {
		t.Error("pipeline still active after Stop")
	}
	if sender.commitCount() != 1 {
		t.Errorf("commit sent %d times; want 1", sender.commitCount())
	}

	// Stop on an idle pipeline is a no-op and must not re-commit.
	if err := p.Stop(); err != nil {
		t.Fatalf("idle Stop: %v", err)
	}
	if sender.commitCount() != 1 {
		t.Errorf("idle Stop sent another commit")
	}
}

func TestDeviceLoss_HaltsSilently(t *testing.T) {
	t.Parallel()

	frame := make([]float64, 16)
	dev := newFakeDevice(24000, frame)
	sender := &fakeSender{}
	p := capture.New(opener(dev, nil), sender, 24000)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return sender.sentCount() == 1 }, "first frame never sent")

	// Device disappears mid-capture: the loop halts, but Active still
	// reports true until the next explicit toggle reconciles state.
	dev.Close()
	time.Sleep(20 * time.Millisecond)
	if !p.Active() {
		t.Error("state reconciled before an explicit toggle")
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop after device loss: %v", err)
	}
	if p.Active() {
		t.Error("pipeline still active after Stop")
	}
}
