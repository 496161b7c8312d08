// Package metrics derives the per-request performance record returned to
// clients.
package metrics

import (
	"math"
	"time"
)

// Record is the metadata object attached to every successful transcription.
type Record struct {
	AudioDurationSec  float64 `json:"audio_duration_sec"`
	ProcessingTimeSec float64 `json:"processing_time_sec"`
	InferenceTimeSec  float64 `json:"inference_time_sec"`
	RTF               float64 `json:"rtf"`
	Device            string  `json:"device"`
}

// Build rounds durations to two decimals and the real-time factor to three.
// RTF is computed from unrounded values and is 0 for zero-length audio.
func Build(audioDuration, processing, inference time.Duration, device string) Record {
	audioSec := audioDuration.Seconds()
	procSec := processing.Seconds()
	var rtf float64
	if audioSec > 0 {
		rtf = procSec / audioSec
	}
	return Record{
		AudioDurationSec:  Round(audioSec, 2),
		ProcessingTimeSec: Round(procSec, 2),
		InferenceTimeSec:  Round(inference.Seconds(), 2),
		RTF:               Round(rtf, 3),
		Device:            device,
	}
}

// Round rounds v half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
