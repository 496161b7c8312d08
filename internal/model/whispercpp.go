//go:build whisper_cpp

package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// whisperBackend runs whisper.cpp in process. Calls into the native context
// are serialized.
type whisperBackend struct {
	model    whisperpkg.Model
	info     Info
	threads  uint
	language string
	mu       sync.Mutex
}

func newWhisperCPPBackend(info Info, opts Options) (Backend, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("model.path is required for the whispercpp backend")
	}
	m, err := whisperpkg.New(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %s: %w", opts.Path, err)
	}
	threads := uint(runtime.NumCPU())
	if opts.Threads > 0 {
		threads = uint(opts.Threads)
	}
	lang := opts.Language
	if lang == "" {
		lang = "auto"
	}
	return &whisperBackend{model: m, info: info, threads: threads, language: lang}, nil
}

func (w *whisperBackend) Name() string    { return BackendWhisperCPP }
func (w *whisperBackend) Version() string { return "whisper.cpp" }

func (w *whisperBackend) Close() error {
	if w.model == nil {
		return nil
	}
	return w.model.Close()
}

func (w *whisperBackend) Preprocess(samples []float32, sampleRate int) (Features, error) {
	if sampleRate != whisperpkg.SampleRate {
		return Features{}, fmt.Errorf("expected %d Hz audio, got %d Hz", whisperpkg.SampleRate, sampleRate)
	}
	return Features{Samples: samples, SampleRate: sampleRate}, nil
}

func (w *whisperBackend) Place(f Features, s Strategy) (Features, error) {
	f.Device = s.Device
	f.Precision = s.Precision
	return f, nil
}

func (w *whisperBackend) Generate(ctx context.Context, f Features) (Generation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Generation{}, err
	}

	wctx, err := w.model.NewContext()
	if err != nil {
		return Generation{}, fmt.Errorf("create context: %w", err)
	}
	wctx.SetThreads(w.threads)
	if err := wctx.SetLanguage(w.language); err != nil {
		return Generation{}, fmt.Errorf("set language %s: %w", w.language, err)
	}
	wctx.SetTranslate(false)

	if err := wctx.Process(f.Samples, nil, nil, nil); err != nil {
		return Generation{}, fmt.Errorf("process audio: %w", err)
	}

	var (
		segments []string
		tokens   []int
	)
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Generation{}, fmt.Errorf("next segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			segments = append(segments, text)
		}
		for _, tok := range seg.Tokens {
			tokens = append(tokens, tok.Id)
		}
	}
	return Generation{Tokens: tokens, Text: strings.Join(segments, " ")}, nil
}

func (w *whisperBackend) Decode(g Generation) (string, error) {
	return g.Text, nil
}
