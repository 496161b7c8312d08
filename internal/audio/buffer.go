// Package audio turns uploaded audio into mono float32 buffers at the rate the
// model expects. Decoding, channel downmix and resampling all happen here so
// the inference path can trust the buffers it receives.
package audio

import "time"

// DefaultSampleRate is the rate every supported model consumes.
const DefaultSampleRate = 16000

// Buffer is a mono PCM buffer normalized to [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the buffer length in seconds, or 0 when the rate is unknown.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Seconds is Duration expressed as a float.
func (b Buffer) Seconds() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// Empty reports whether the buffer holds no samples.
func (b Buffer) Empty() bool { return len(b.Samples) == 0 }
