package model

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-asr/internal/features"
)

// Special tokens emitted around the generated content, Whisper style.
const (
	tokenStartOfTranscript = 50258 + iota
	tokenLanguage
	tokenTranscribe
	tokenNoTimestamps
	tokenEndOfText
)

const specialTokenBase = tokenStartOfTranscript

var mockVocabulary = []string{
	"akwaaba", "ɛte", "sɛn", "me", "ho", "yɛ", "medaase", "aane",
	"daabi", "adwuma", "fie", "nsuo", "ɛnnɛ", "ɔkyena", "nnipa", "asase",
}

// mockBackend runs the real log-mel front end and emits deterministic tokens
// derived from the features: one word per second of voiced audio.
type mockBackend struct {
	info      Info
	extractor *features.Extractor
	latency   time.Duration
}

func newMockBackend(info Info, latency time.Duration) *mockBackend {
	cfg := features.DefaultConfig()
	cfg.SampleRate = info.SampleRate
	cfg.NumMels = info.NumMels
	cfg.ChunkSamples = 30 * info.SampleRate
	return &mockBackend{info: info, extractor: features.New(cfg), latency: latency}
}

// NewMockBackend exposes the mock engine for tests and tooling.
func NewMockBackend(info Info, latency time.Duration) Backend {
	if info.SampleRate <= 0 {
		info.SampleRate = 16000
	}
	if info.NumMels <= 0 {
		info.NumMels = 80
	}
	return newMockBackend(info, latency)
}

func (m *mockBackend) Name() string    { return BackendMock }
func (m *mockBackend) Version() string { return "mock-1" }
func (m *mockBackend) Close() error    { return nil }

func (m *mockBackend) Preprocess(samples []float32, sampleRate int) (Features, error) {
	if sampleRate != m.info.SampleRate {
		return Features{}, fmt.Errorf("expected %d Hz audio, got %d Hz", m.info.SampleRate, sampleRate)
	}
	mel := m.extractor.Extract(samples)
	cfg := m.extractor.Config()
	valid := len(samples) / cfg.HopSize
	if valid > mel.Frames {
		valid = mel.Frames
	}
	return Features{Mel: mel, Samples: samples, SampleRate: sampleRate, ValidFrames: valid}, nil
}

func (m *mockBackend) Place(f Features, s Strategy) (Features, error) {
	if s.Precision == Float16 {
		f.Mel = f.Mel.ToHalf()
	}
	f.Device = s.Device
	f.Precision = s.Precision
	return f, nil
}

func (m *mockBackend) Generate(ctx context.Context, f Features) (Generation, error) {
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Generation{}, ctx.Err()
		case <-timer.C:
		}
	}

	tokens := []int{tokenStartOfTranscript, tokenLanguage, tokenTranscribe, tokenNoTimestamps}
	framesPerWord := m.extractor.Config().SampleRate / m.extractor.Config().HopSize
	floor := melFloor(f.Mel)
	for start := 0; start < f.ValidFrames; start += framesPerWord {
		end := start + framesPerWord
		if end > f.ValidFrames {
			end = f.ValidFrames
		}
		bin, peak := loudestBin(f.Mel, start, end)
		if peak <= floor {
			continue
		}
		tokens = append(tokens, (bin+start/framesPerWord)%len(mockVocabulary))
	}
	tokens = append(tokens, tokenEndOfText)
	return Generation{Tokens: tokens}, nil
}

func (m *mockBackend) Decode(g Generation) (string, error) {
	words := make([]string, 0, len(g.Tokens))
	for _, tok := range g.Tokens {
		if tok >= specialTokenBase {
			continue
		}
		if tok < 0 || tok >= len(mockVocabulary) {
			return "", fmt.Errorf("token %d outside vocabulary", tok)
		}
		words = append(words, mockVocabulary[tok])
	}
	return strings.Join(words, " "), nil
}

func melFloor(mel features.Mel) float32 {
	if len(mel.Data) == 0 {
		return 0
	}
	lowest := mel.Data[0]
	for _, v := range mel.Data {
		if v < lowest {
			lowest = v
		}
	}
	return lowest
}

func loudestBin(mel features.Mel, start, end int) (int, float32) {
	bin, peak := 0, float32(-1e9)
	for t := start; t < end; t++ {
		for i, v := range mel.Row(t) {
			if v > peak {
				bin, peak = i, v
			}
		}
	}
	return bin, peak
}
