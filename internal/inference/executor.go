// Package inference runs transcription requests against the shared model
// handle under a concurrency ceiling.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asrerr"
	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Policy decides what happens when every slot is busy.
type Policy string

const (
	PolicyQueue  Policy = "queue"
	PolicyReject Policy = "reject"
)

const DefaultMaxConcurrency = 10

// Timestamps are the four instants of the measurement protocol. Processing
// time spans Start..End, inference time PreGenerate..PostGenerate.
type Timestamps struct {
	Start        time.Time
	PreGenerate  time.Time
	PostGenerate time.Time
	End          time.Time
}

func (t Timestamps) Processing() time.Duration { return between(t.Start, t.End) }
func (t Timestamps) Inference() time.Duration  { return between(t.PreGenerate, t.PostGenerate) }

func between(a, b time.Time) time.Duration {
	if a.IsZero() || b.IsZero() || b.Before(a) {
		return 0
	}
	return b.Sub(a)
}

// Timings carries the audio duration, known before any processing, and the
// protocol timestamps reached so far.
type Timings struct {
	AudioDuration time.Duration
	Timestamps    Timestamps
}

// Result of a transcription. On failure only Timings and the strategy fields
// are populated.
type Result struct {
	Transcript string
	Timings    Timings
	Model      string
	Device     string
	Precision  string
}

type Options struct {
	MaxConcurrency int
	Policy         Policy
	QueueTimeout   time.Duration
	Logger         *slog.Logger
}

// Executor owns the admission semaphore and drives the pipeline.
type Executor struct {
	handle  *model.Handle
	slots   chan struct{}
	policy  Policy
	timeout time.Duration
	log     *slog.Logger
	tracer  trace.Tracer
	running sync.WaitGroup

	requests   metric.Int64Counter
	inflight   metric.Int64UpDownCounter
	processing metric.Float64Histogram
	inference  metric.Float64Histogram
	rtf        metric.Float64Histogram
}

func New(handle *model.Handle, opts Options) *Executor {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Policy == "" {
		opts.Policy = PolicyQueue
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		handle:     handle,
		slots:      make(chan struct{}, opts.MaxConcurrency),
		policy:     opts.Policy,
		timeout:    opts.QueueTimeout,
		log:        logger.With(slog.String("component", "inference")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-asr/inference"),
		requests:   noop.Int64Counter{},
		inflight:   noop.Int64UpDownCounter{},
		processing: noop.Float64Histogram{},
		inference:  noop.Float64Histogram{},
		rtf:        noop.Float64Histogram{},
	}
	if err := e.initMetrics(); err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return e
}

func (e *Executor) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-asr/inference")
	requests, err := meter.Int64Counter("asr.requests", metric.WithDescription("Transcription requests by outcome"))
	if err != nil {
		return err
	}
	inflight, err := meter.Int64UpDownCounter("asr.inflight", metric.WithDescription("Pipelines currently holding a slot"))
	if err != nil {
		return err
	}
	processing, err := meter.Float64Histogram("asr.processing.duration", metric.WithUnit("s"))
	if err != nil {
		return err
	}
	inference, err := meter.Float64Histogram("asr.inference.duration", metric.WithUnit("s"))
	if err != nil {
		return err
	}
	rtf, err := meter.Float64Histogram("asr.rtf", metric.WithDescription("Processing time divided by audio duration"))
	if err != nil {
		return err
	}
	e.requests, e.inflight, e.processing, e.inference, e.rtf = requests, inflight, processing, inference, rtf
	return nil
}

func (e *Executor) Handle() *model.Handle { return e.handle }

// Capacity is the configured concurrency ceiling.
func (e *Executor) Capacity() int { return cap(e.slots) }

// InFlight reports how many pipelines currently hold a slot.
func (e *Executor) InFlight() int { return len(e.slots) }

// Transcribe runs one request. The returned error is always an *asrerr.Error.
func (e *Executor) Transcribe(ctx context.Context, buf audio.Buffer) (Result, error) {
	strategy := e.handle.Strategy()
	res := Result{
		Timings:   Timings{AudioDuration: buf.Duration()},
		Model:     e.handle.ModelID(),
		Device:    string(strategy.Device),
		Precision: string(strategy.Precision),
	}

	if buf.SampleRate != e.handle.SampleRate() {
		return res, e.fail(ctx, asrerr.Newf(asrerr.KindInvalidAudio, "sample rate %d Hz does not match model rate %d Hz", buf.SampleRate, e.handle.SampleRate()))
	}
	if buf.Empty() {
		return res, e.fail(ctx, asrerr.New(asrerr.KindInvalidAudio, audio.ErrEmpty))
	}

	if err := e.acquire(ctx); err != nil {
		return res, e.fail(ctx, err)
	}

	ctx, span := e.tracer.Start(ctx, "asr.transcribe", trace.WithAttributes(
		attribute.String("asr.model", res.Model),
		attribute.String("asr.device", res.Device),
		attribute.Float64("asr.audio_duration_sec", res.Timings.AudioDuration.Seconds()),
	))
	defer span.End()
	e.inflight.Add(ctx, 1)

	type outcome struct {
		ts   Timestamps
		text string
		err  error
	}
	done := make(chan outcome, 1)
	work := context.WithoutCancel(ctx)
	e.running.Add(1)
	go func() {
		defer func() {
			<-e.slots
			e.inflight.Add(work, -1)
			e.running.Done()
		}()
		ts, text, err := e.run(work, span, buf)
		done <- outcome{ts: ts, text: text, err: err}
	}()

	select {
	case out := <-done:
		res.Timings.Timestamps = out.ts
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
			return res, e.fail(ctx, out.err)
		}
		res.Transcript = out.text
		e.record(ctx, res)
		return res, nil
	case <-ctx.Done():
		err := asrerr.Newf(asrerr.KindInference, "request abandoned: %w", context.Cause(ctx))
		span.SetStatus(codes.Error, err.Error())
		return res, e.fail(ctx, err)
	}
}

// Wait blocks until every started pipeline, including abandoned ones, has
// finished, or ctx ends. The handle must not be closed before Wait returns nil.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d running pipelines: %w", e.InFlight(), context.Cause(ctx))
	}
}

func (e *Executor) acquire(ctx context.Context) error {
	select {
	case e.slots <- struct{}{}:
		return nil
	default:
	}
	if e.policy == PolicyReject {
		return asrerr.Newf(asrerr.KindAdmission, "all %d inference slots are busy", cap(e.slots))
	}

	var expired <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case e.slots <- struct{}{}:
		return nil
	case <-expired:
		return asrerr.Newf(asrerr.KindAdmission, "no inference slot freed within %s", e.timeout)
	case <-ctx.Done():
		return asrerr.Newf(asrerr.KindAdmission, "waiting for an inference slot: %w", context.Cause(ctx))
	}
}

// run executes preprocess, place, generate and decode, converting any error or
// panic into an InferenceFailure.
func (e *Executor) run(ctx context.Context, span trace.Span, buf audio.Buffer) (ts Timestamps, text string, err error) {
	backend := e.handle.Backend()
	ts.Start = time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = asrerr.Newf(asrerr.KindInference, "panic during inference: %v", r)
			e.log.Error("inference panicked", slog.Any("panic", r))
		}
		ts.End = time.Now()
	}()

	feats, err := backend.Preprocess(buf.Samples, buf.SampleRate)
	if err != nil {
		return ts, "", inferenceError("preprocess", err)
	}
	span.AddEvent("preprocessed")

	feats, err = backend.Place(feats, e.handle.Strategy())
	if err != nil {
		return ts, "", inferenceError("place features", err)
	}
	span.AddEvent("placed")

	ts.PreGenerate = time.Now()
	gen, err := backend.Generate(ctx, feats)
	ts.PostGenerate = time.Now()
	if err != nil {
		return ts, "", inferenceError("generate", err)
	}
	span.AddEvent("generated", trace.WithAttributes(attribute.Int("asr.tokens", len(gen.Tokens))))

	text, err = backend.Decode(gen)
	if err != nil {
		return ts, "", inferenceError("decode", err)
	}
	return ts, strings.TrimSpace(text), nil
}

// inferenceError classifies a backend fault as InferenceFailure whatever kind
// the backend attached to it.
func inferenceError(step string, err error) error {
	return asrerr.Newf(asrerr.KindInference, "%s: %w", step, err)
}

func (e *Executor) record(ctx context.Context, res Result) {
	processing := res.Timings.Timestamps.Processing().Seconds()
	e.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	e.processing.Record(ctx, processing)
	e.inference.Record(ctx, res.Timings.Timestamps.Inference().Seconds())
	if audioSec := res.Timings.AudioDuration.Seconds(); audioSec > 0 {
		e.rtf.Record(ctx, processing/audioSec)
	}
}

func (e *Executor) fail(ctx context.Context, err error) error {
	typed := asrerr.As(err)
	e.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(typed.Kind))))
	e.log.Warn("transcription failed", slog.String("kind", string(typed.Kind)), slog.String("error", typed.Error()))
	return typed
}

// String is used in logs.
func (p Policy) String() string { return string(p) }

// ParsePolicy validates an admission policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyQueue:
		return PolicyQueue, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown admission policy %q", s)
	}
}
