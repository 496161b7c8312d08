package model

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asrerr"
)

const (
	BackendMock       = "mock"
	BackendExec       = "exec"
	BackendWhisperCPP = "whispercpp"
)

// Options configures Initialize.
type Options struct {
	ID          string
	Backend     string
	Path        string
	Command     string
	Device      string
	SampleRate  int
	Language    string
	Threads     int
	MockLatency time.Duration
	Logger      *slog.Logger
}

// Handle is the loaded model shared by every request. It is read-only after
// Initialize.
type Handle struct {
	info       Info
	backend    Backend
	strategy   Strategy
	sampleRate int
}

// NewHandle wraps an already constructed backend.
func NewHandle(info Info, backend Backend, strategy Strategy) *Handle {
	rate := info.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return &Handle{info: info, backend: backend, strategy: strategy, sampleRate: rate}
}

// Initialize selects the execution strategy and loads the configured backend.
// Every failure is an *asrerr.Error of kind ModelLoadError.
func Initialize(ctx context.Context, opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "model"))

	if opts.ID == "" {
		opts.ID = DefaultModelID
	}
	if opts.Backend == "" {
		opts.Backend = BackendMock
	}

	device, err := ParseDevice(opts.Device)
	if err != nil {
		return nil, asrerr.New(asrerr.KindModelLoad, err)
	}
	strategy := SelectStrategy(CapabilitiesFor(ctx, device))

	info, ok := Lookup(opts.ID)
	if !ok {
		if opts.Backend == BackendMock {
			return nil, asrerr.Newf(asrerr.KindModelLoad, "model %q is not in the catalog", opts.ID)
		}
		info = Info{ID: opts.ID, SampleRate: opts.SampleRate, NumMels: 80}
	}
	if opts.SampleRate > 0 {
		info.SampleRate = opts.SampleRate
	}
	if info.SampleRate <= 0 {
		info.SampleRate = 16000
	}
	if opts.Language == "" {
		opts.Language = info.Language
	}

	var backend Backend
	switch opts.Backend {
	case BackendMock:
		backend = newMockBackend(info, opts.MockLatency)
	case BackendExec:
		backend, err = newExecBackend(info, opts)
	case BackendWhisperCPP:
		backend, err = newWhisperCPPBackend(info, opts)
	default:
		err = fmt.Errorf("unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, asrerr.Newf(asrerr.KindModelLoad, "load %s: %w", opts.ID, err)
	}

	logger.Info("model initialized",
		slog.String("model", info.ID),
		slog.String("backend", backend.Name()),
		slog.String("device", string(strategy.Device)),
		slog.String("precision", string(strategy.Precision)),
	)
	return NewHandle(info, backend, strategy), nil
}

func (h *Handle) ModelID() string     { return h.info.ID }
func (h *Handle) Info() Info          { return h.info }
func (h *Handle) Backend() Backend    { return h.backend }
func (h *Handle) Strategy() Strategy  { return h.strategy }
func (h *Handle) SampleRate() int     { return h.sampleRate }
func (h *Handle) BackendName() string { return h.backend.Name() }

// Close releases backend resources.
func (h *Handle) Close() error {
	if h == nil || h.backend == nil {
		return nil
	}
	return h.backend.Close()
}
