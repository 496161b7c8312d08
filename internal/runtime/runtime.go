package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-asr/internal/api"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/capability"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/health"
	"github.com/loqalabs/loqa-asr/internal/history"
	"github.com/loqalabs/loqa-asr/internal/inference"
	"github.com/loqalabs/loqa-asr/internal/model"
	"github.com/loqalabs/loqa-asr/internal/natsserver"
	"github.com/loqalabs/loqa-asr/internal/service"
	"github.com/loqalabs/loqa-asr/internal/worker"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	tracerClose   func(context.Context) error
	metricHandler http.Handler
	handle        *model.Handle
	history       *history.Store
	service       *service.Service
	embedded      *natsserver.EmbeddedServer
	bus           *bus.Client
	registry      *capability.Registry
	worker        *worker.Worker
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.init(ctx); err != nil {
		closeErr := r.close(context.Background())
		return errors.Join(err, closeErr)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneHistory(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("model", r.handle.ModelID()),
		slog.String("device", string(r.handle.Strategy().Device)),
		slog.String("precision", string(r.handle.Strategy().Precision)),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	r.ready.Store(false)
	cancel()

	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	r.wg.Wait()

	if err := r.close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// init brings up telemetry, the model, history and the optional bus side.
// A model load failure aborts startup.
func (r *Runtime) init(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricHandler = metricHandler

	handle, err := model.Initialize(ctx, model.Options{
		ID:          r.cfg.Model.ID,
		Backend:     r.cfg.Model.Backend,
		Path:        r.cfg.Model.Path,
		Command:     r.cfg.Model.Command,
		Device:      r.cfg.Model.Device,
		SampleRate:  r.cfg.Model.SampleRate,
		Language:    r.cfg.Model.Language,
		Threads:     r.cfg.Model.Threads,
		MockLatency: time.Duration(r.cfg.Model.MockLatencyMS) * time.Millisecond,
		Logger:      r.logger,
	})
	if err != nil {
		return err
	}
	r.handle = handle

	policy, err := inference.ParsePolicy(r.cfg.Inference.Admission)
	if err != nil {
		return err
	}
	executor := inference.New(handle, inference.Options{
		MaxConcurrency: r.cfg.Inference.MaxConcurrency,
		Policy:         policy,
		QueueTimeout:   time.Duration(r.cfg.Inference.QueueTimeoutMS) * time.Millisecond,
		Logger:         r.logger,
	})

	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	r.history = store

	if !r.cfg.Bus.Enabled {
		r.service = service.New(executor, store, nil, r.logger)
		return nil
	}

	if err := r.startBus(ctx); err != nil {
		return err
	}
	r.service = service.New(executor, store, r.bus, r.logger)

	registry, err := capability.Start(ctx, capability.Options{
		Node:         r.cfg.Node,
		Bus:          r.bus,
		Capabilities: []capability.Capability{capability.Transcription(handle, r.bus.Prefix())},
		Load:         func() (int, int) { return executor.InFlight(), executor.Capacity() },
		Logger:       r.logger,
	})
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry

	r.worker = worker.New(ctx, r.bus, r.service, r.requestTimeout(), r.logger)
	if err := r.worker.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.embedded = embedded
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) close(ctx context.Context) error {
	var errs []error
	if r.worker != nil {
		r.worker.Close()
	}
	drained := true
	if r.service != nil {
		if err := r.service.Executor().Wait(ctx); err != nil {
			drained = false
			r.logger.Error("inference did not drain", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	// A pipeline still inside the backend keeps the model open.
	if r.handle != nil && drained {
		if err := r.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close model: %w", err))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricHandler != nil {
		mux.Handle("/metrics", r.metricHandler)
	}

	opts := api.Options{
		Service:        r.service,
		Health:         health.New(r.handle, r.version),
		History:        r.history,
		MaxUploadBytes: int64(r.cfg.HTTP.MaxUploadMB) << 20,
		RequestTimeout: r.requestTimeout(),
		Logger:         r.logger,
	}
	if r.registry != nil {
		opts.Nodes = r.registry
	}
	api.New(opts).Register(mux)
	return mux
}

func (r *Runtime) requestTimeout() time.Duration {
	return time.Duration(r.cfg.HTTP.RequestTimeoutSec) * time.Second
}

func (r *Runtime) pruneHistory(ctx context.Context) {
	if r.history == nil || !r.history.Enabled() {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.history.Prune(ctx); err != nil {
				r.logger.Warn("history prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.worker != nil && !r.worker.Healthy() {
		return false
	}
	if r.registry != nil && !r.registry.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
