// Package audio provides the sample-level math for the VoiceKit pipeline:
// float ⇄ 16-bit PCM conversion, nearest-sample resampling, and the base64
// framing used by the realtime transport.
//
// All PCM byte slices are little-endian signed 16-bit mono. Float samples are
// normalised to [-1, 1]; values outside that range are clamped before
// quantisation.
package audio

import (
	"encoding/base64"
	"math"
	"time"
)

// Frame is a fixed-length block of float samples at a known sample rate.
// It is owned exclusively by the capture pipeline from device callback until
// it has been encoded for transport; frames are never queued or retained.
type Frame struct {
	// Samples holds normalised mono samples in [-1, 1].
	Samples []float64

	// SampleRate in Hz at which Samples were captured (the device native rate).
	SampleRate int
}

// Duration returns the wall-clock length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// FloatTo16BitPCM quantises normalised float samples to little-endian int16
// PCM. Samples are clamped to [-1, 1] first; negative values scale by 32768
// and positive by 32767 so both rails are reachable without overflow.
func FloatTo16BitPCM(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat decodes little-endian int16 PCM into normalised float samples
// (sample/32768). A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float64 {
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := range n {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float64(v) / 32768
	}
	return out
}

// ResampleNearest converts samples from srcRate to dstRate by nearest-sample
// selection: output index i maps to round(i · srcRate/dstRate). Equal rates
// return the input unchanged.
//
// No low-pass filter is applied before decimation, so downsampling aliases
// frequencies above the new Nyquist limit. This matches the transport's
// documented behaviour and keeps the per-frame cost trivial.
func ResampleNearest(samples []float64, srcRate, dstRate int) []float64 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float64, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		srcIdx := int(math.Round(float64(i) * ratio))
		if srcIdx >= len(samples) {
			srcIdx = len(samples) - 1
		}
		out[i] = samples[srcIdx]
	}
	return out
}

// EncodePCM16 base64-encodes a PCM16LE payload for a transport message.
func EncodePCM16(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodePCM16 decodes a base64 transport payload back to PCM16LE bytes.
func DecodePCM16(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
