// Package narration plays pre-rendered lesson narration tracks. A narration
// track is a WAV file produced by the platform's TTS pipeline and served
// over HTTP; it is distinct from the live bidirectional voice session, and
// the dialogue controller guarantees the two never play at the same time.
package narration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-audio/wav"

	"github.com/e4a-labs/voicekit/pkg/audio"
	"github.com/e4a-labs/voicekit/pkg/playback"
)

// blockSize is the number of samples handed to the output per write. Small
// enough that Pause and Stop land within tens of milliseconds.
const blockSize = 2048

// Output is the speaker-side device the player writes decoded narration to.
// Write blocks until the block has been accepted by the device.
type Output interface {
	Write(samples []float64) error
}

// Option is a functional option for configuring a [Player].
type Option func(*Player)

// WithHTTPClient overrides the HTTP client used to fetch tracks.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Player) { p.client = c }
}

// WithPlaybackRate applies the learner's persisted playback-rate preference
// (1.0 = natural speed). It is read once at initialisation and applied by
// resampling; values outside (0, 4] are ignored.
func WithPlaybackRate(rate float64) Option {
	return func(p *Player) {
		if rate > 0 && rate <= 4 {
			p.rate = rate
		}
	}
}

// Player streams one narration track at a time to an [Output].
// All methods are safe for concurrent use.
type Player struct {
	client  *http.Client
	out     Output
	outRate int
	rate    float64

	onEnd func()
	onErr func(error)

	mu      sync.Mutex
	playing bool
	paused  bool
	stopCh  chan struct{}
	resume  chan struct{}
}

// NewPlayer creates a player writing to out at outRate Hz. onEnd fires when
// a track finishes naturally; onErr fires on fetch, decode, or device
// failures. Either callback may be nil.
func NewPlayer(out Output, outRate int, onEnd func(), onErr func(error), opts ...Option) *Player {
	p := &Player{
		client:  http.DefaultClient,
		out:     out,
		outRate: outRate,
		rate:    1.0,
		onEnd:   onEnd,
		onErr:   onErr,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play fetches and decodes the track at url, then starts streaming it on a
// background goroutine. Playing while a track is already active is rejected.
// Fetch and decode failures are reported synchronously as *PlaybackError;
// failures during streaming go to the onErr callback.
func (p *Player) Play(ctx context.Context, url string) error {
	samples, err := p.fetch(ctx, url)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.playing {
		p.mu.Unlock()
		return &playback.PlaybackError{Op: "play narration", Err: fmt.Errorf("a track is already playing")}
	}
	p.playing = true
	p.paused = false
	p.stopCh = make(chan struct{})
	p.resume = make(chan struct{}, 1)
	stop := p.stopCh
	p.mu.Unlock()

	go p.stream(samples, stop)
	return nil
}

// fetch downloads and decodes one WAV track into output-rate float samples,
// with the playback-rate preference folded into the resample.
func (p *Player) fetch(ctx context.Context, url string) ([]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &playback.PlaybackError{Op: "fetch narration", Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &playback.PlaybackError{Op: "fetch narration", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &playback.PlaybackError{Op: "fetch narration", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &playback.PlaybackError{Op: "fetch narration", Err: err}
	}

	dec := wav.NewDecoder(bytes.NewReader(raw))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, &playback.PlaybackError{Op: "decode narration", Err: err}
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, &playback.PlaybackError{Op: "decode narration", Err: fmt.Errorf("empty track")}
	}

	// Downmix to mono and normalise against the source bit depth.
	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	scale := float64(int(1) << (buf.SourceBitDepth - 1))
	if buf.SourceBitDepth == 0 {
		scale = 32768
	}
	samples := make([]float64, 0, len(buf.Data)/channels)
	for i := 0; i+channels <= len(buf.Data); i += channels {
		sum := 0
		for c := range channels {
			sum += buf.Data[i+c]
		}
		samples = append(samples, float64(sum)/float64(channels)/scale)
	}

	// The playback-rate preference compresses or stretches the timeline by
	// pretending the source ran proportionally faster.
	srcRate := buf.Format.SampleRate
	if srcRate <= 0 {
		srcRate = p.outRate
	}
	effectiveSrc := int(float64(srcRate) * p.rate)
	if effectiveSrc <= 0 {
		effectiveSrc = srcRate
	}
	return audio.ResampleNearest(samples, effectiveSrc, p.outRate), nil
}

// stream writes the track block by block, honouring pause and stop between
// blocks, and fires onEnd on natural completion.
func (p *Player) stream(samples []float64, stop chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.playing = false
		p.paused = false
		p.mu.Unlock()
	}()

	for off := 0; off < len(samples); off += blockSize {
		select {
		case <-stop:
			return
		default:
		}

		p.mu.Lock()
		paused := p.paused
		resume := p.resume
		p.mu.Unlock()
		if paused {
			select {
			case <-resume:
			case <-stop:
				return
			}
		}

		end := off + blockSize
		if end > len(samples) {
			end = len(samples)
		}
		if err := p.out.Write(samples[off:end]); err != nil {
			if p.onErr != nil {
				p.onErr(&playback.PlaybackError{Op: "narration output", Err: err})
			}
			return
		}
	}

	if p.onEnd != nil {
		p.onEnd()
	}
}

// Pause suspends streaming at the next block boundary. No-op when idle.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		p.paused = true
	}
}

// Resume continues a paused track. No-op when idle or not paused.
func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing || !p.paused {
		return
	}
	p.paused = false
	select {
	case p.resume <- struct{}{}:
	default:
	}
}

// Stop abandons the current track without firing onEnd. Idempotent.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return
	}
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
}

// Playing reports whether a track is active (paused counts as active).
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Paused reports whether the active track is paused.
func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && p.paused
}
