// Package features computes the log-mel spectrogram consumed by Whisper-family
// speech models.
//
// Defaults follow the Whisper feature extractor:
//
//	SampleRate:   16000
//	WindowSize:   400 (25 ms, Hann)
//	HopSize:      160 (10 ms)
//	FFTSize:      512 (window zero-padded to a power of two)
//	NumMels:      80
//	ChunkSamples: 480000 (input padded or truncated to 30 s)
//
// Log power is clamped to 8 below its maximum and scaled to roughly [-1, 1].
package features

import "math"

// Config controls log-mel extraction.
type Config struct {
	SampleRate   int
	WindowSize   int
	HopSize      int
	FFTSize      int
	NumMels      int
	LowFreq      float64
	HighFreq     float64
	ChunkSamples int // 0 disables padding/truncation
}

// DefaultConfig returns the Whisper front-end settings.
func DefaultConfig() Config {
	return Config{
		SampleRate:   16000,
		WindowSize:   400,
		HopSize:      160,
		FFTSize:      512,
		NumMels:      80,
		LowFreq:      0,
		HighFreq:     8000,
		ChunkSamples: 30 * 16000,
	}
}

// Mel is a [Frames][NumMels] matrix stored row-major.
type Mel struct {
	Frames  int
	NumMels int
	Data    []float32
}

// Row returns the mel bins of frame t.
func (m Mel) Row(t int) []float32 {
	return m.Data[t*m.NumMels : (t+1)*m.NumMels]
}

// Extractor computes log-mel features. It is safe for concurrent use: all
// tables are read-only after New.
type Extractor struct {
	cfg     Config
	window  []float64
	melBank [][]float64
}

// New builds an Extractor, filling zero fields from DefaultConfig.
func New(cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.HopSize <= 0 {
		cfg.HopSize = def.HopSize
	}
	if cfg.FFTSize < cfg.WindowSize {
		cfg.FFTSize = nextPow2(cfg.WindowSize)
	}
	if cfg.NumMels <= 0 {
		cfg.NumMels = def.NumMels
	}
	if cfg.HighFreq <= 0 || cfg.HighFreq > float64(cfg.SampleRate)/2 {
		cfg.HighFreq = float64(cfg.SampleRate) / 2
	}
	return &Extractor{
		cfg:     cfg,
		window:  hannWindow(cfg.WindowSize),
		melBank: melFilterBank(cfg.NumMels, cfg.FFTSize, cfg.SampleRate, cfg.LowFreq, cfg.HighFreq),
	}
}

// Config returns the effective configuration.
func (e *Extractor) Config() Config { return e.cfg }

// Extract computes the normalized log-mel spectrogram of pcm.
func (e *Extractor) Extract(pcm []float32) Mel {
	cfg := e.cfg
	if cfg.ChunkSamples > 0 {
		pcm = fitLength(pcm, cfg.ChunkSamples)
	}
	if len(pcm) < cfg.WindowSize {
		pcm = fitLength(pcm, cfg.WindowSize)
	}

	numFrames := (len(pcm)-cfg.WindowSize)/cfg.HopSize + 1
	halfFFT := cfg.FFTSize/2 + 1
	out := Mel{Frames: numFrames, NumMels: cfg.NumMels, Data: make([]float32, numFrames*cfg.NumMels)}

	real := make([]float64, cfg.FFTSize)
	imag := make([]float64, cfg.FFTSize)
	power := make([]float64, halfFFT)
	logMax := math.Inf(-1)
	logs := make([]float64, numFrames*cfg.NumMels)

	for t := 0; t < numFrames; t++ {
		start := t * cfg.HopSize
		for i := 0; i < cfg.WindowSize; i++ {
			real[i] = float64(pcm[start+i]) * e.window[i]
		}
		for i := cfg.WindowSize; i < cfg.FFTSize; i++ {
			real[i] = 0
		}
		for i := range imag {
			imag[i] = 0
		}
		fft(real, imag)
		for i := 0; i < halfFFT; i++ {
			power[i] = real[i]*real[i] + imag[i]*imag[i]
		}

		for m := 0; m < cfg.NumMels; m++ {
			sum := 0.0
			for k, w := range e.melBank[m] {
				if w != 0 {
					sum += w * power[k]
				}
			}
			if sum < 1e-10 {
				sum = 1e-10
			}
			v := math.Log10(sum)
			logs[t*cfg.NumMels+m] = v
			if v > logMax {
				logMax = v
			}
		}
	}

	floor := logMax - 8
	for i, v := range logs {
		if v < floor {
			v = floor
		}
		out.Data[i] = float32((v + 4) / 4)
	}
	return out
}

// fitLength zero-pads or truncates pcm to n samples.
func fitLength(pcm []float32, n int) []float32 {
	if len(pcm) == n {
		return pcm
	}
	if len(pcm) > n {
		return pcm[:n]
	}
	out := make([]float32, n)
	copy(out, pcm)
	return out
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
