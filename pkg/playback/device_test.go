package playback

import "testing"

func TestDeviceSinkStop_IgnoresFinishedSegments(t *testing.T) {
	t.Parallel()

	d := &DeviceSink{
		playing: make(map[int64]struct{}),
		halted:  make(map[int64]struct{}),
	}

	// A Stop landing after the segment drained (or before it ever reached
	// the device) must not leave a halt marker behind.
	d.Stop(7)
	if len(d.halted) != 0 {
		t.Fatalf("halted = %v; want empty after a late Stop", d.halted)
	}

	// A Stop for an actively playing segment marks it halted.
	d.playing[7] = struct{}{}
	d.Stop(7)
	if _, ok := d.halted[7]; !ok {
		t.Fatal("active segment not marked halted")
	}
}

func TestDeviceSinkPlay_ClosedDeviceRegistersNothing(t *testing.T) {
	t.Parallel()

	d := &DeviceSink{
		playing: make(map[int64]struct{}),
		halted:  make(map[int64]struct{}),
		closed:  true,
	}

	d.Play(1, make([]float64, 4))

	if len(d.playing) != 0 || len(d.halted) != 0 {
		t.Fatalf("playing = %v, halted = %v; want both empty on a closed device", d.playing, d.halted)
	}
}
