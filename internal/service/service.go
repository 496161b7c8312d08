// Package service ties decoding, inference, metrics, history and outcome
// events into the single request path shared by the HTTP and NATS transports.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-asr/internal/asrerr"
	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/history"
	"github.com/loqalabs/loqa-asr/internal/inference"
	"github.com/loqalabs/loqa-asr/internal/metrics"
	"github.com/loqalabs/loqa-asr/internal/protocol"
)

const (
	SourceHTTP = "http"
	SourceBus  = "nats"
)

// Publisher broadcasts transcription outcomes.
type Publisher interface {
	PublishOutcome(ctx context.Context, evt protocol.TranscriptEvent) error
}

// Request is one transcription job.
type Request struct {
	ID          string
	Source      string
	Data        []byte
	ContentType string
}

type Service struct {
	decoder   *audio.Decoder
	executor  *inference.Executor
	history   *history.Store
	publisher Publisher
	log       *slog.Logger
}

// New builds the service. history and publisher may be nil.
func New(executor *inference.Executor, store *history.Store, publisher Publisher, log *slog.Logger) *Service {
	return &Service{
		decoder:   audio.NewDecoder(executor.Handle().SampleRate()),
		executor:  executor,
		history:   store,
		publisher: publisher,
		log:       log.With(slog.String("component", "service")),
	}
}

func (s *Service) Executor() *inference.Executor { return s.executor }
func (s *Service) History() *history.Store       { return s.history }

// Transcribe decodes and transcribes req. The reply is always populated; the
// error, when non-nil, is an *asrerr.Error matching reply.Error.
func (s *Service) Transcribe(ctx context.Context, req Request) (protocol.TranscribeReply, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	var (
		res inference.Result
		err error
	)
	buf, err := s.decoder.Decode(req.Data, req.ContentType)
	if err == nil {
		res, err = s.executor.Transcribe(ctx, buf)
	} else {
		strategy := s.executor.Handle().Strategy()
		res = inference.Result{Model: s.executor.Handle().ModelID(), Device: string(strategy.Device), Precision: string(strategy.Precision)}
	}

	rec := metrics.Build(res.Timings.AudioDuration, res.Timings.Timestamps.Processing(), res.Timings.Timestamps.Inference(), res.Device)
	meta := protocol.Metadata(rec)

	reply := protocol.TranscribeReply{RequestID: req.ID}
	evt := protocol.TranscriptEvent{
		RequestID: req.ID,
		Source:    req.Source,
		Model:     res.Model,
		Device:    res.Device,
		Timestamp: time.Now().UTC(),
	}
	entry := history.Record{
		ID:                req.ID,
		Source:            req.Source,
		Model:             res.Model,
		Device:            res.Device,
		Precision:         res.Precision,
		AudioDurationSec:  rec.AudioDurationSec,
		ProcessingTimeSec: rec.ProcessingTimeSec,
		InferenceTimeSec:  rec.InferenceTimeSec,
		RTF:               rec.RTF,
	}

	if err != nil {
		report := asrerr.ReportOf(err)
		reply.Error, reply.Message = report.Error, report.Message
		evt.Error, evt.Message = report.Error, report.Message
		entry.Outcome, entry.Message = report.Error, report.Message
		err = asrerr.As(err)
	} else {
		transcript := res.Transcript
		reply.Transcript = &transcript
		reply.Metadata = &meta
		evt.Transcript = transcript
		evt.Metadata = &meta
		entry.Outcome = history.OutcomeOK
		entry.Transcript = transcript
		s.log.Info("transcription completed",
			slog.String("request_id", req.ID),
			slog.String("source", req.Source),
			slog.Float64("audio_duration_sec", rec.AudioDurationSec),
			slog.Float64("processing_time_sec", rec.ProcessingTimeSec),
			slog.Float64("rtf", rec.RTF),
		)
	}

	s.persist(ctx, entry)
	s.publish(ctx, evt)
	return reply, err
}

func (s *Service) persist(ctx context.Context, entry history.Record) {
	if s.history == nil {
		return
	}
	if err := s.history.Append(context.WithoutCancel(ctx), entry); err != nil {
		s.log.Warn("failed to record history", slog.String("request_id", entry.ID), slog.String("error", err.Error()))
	}
}

func (s *Service) publish(ctx context.Context, evt protocol.TranscriptEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishOutcome(ctx, evt); err != nil {
		s.log.Warn("failed to publish outcome", slog.String("request_id", evt.RequestID), slog.String("error", err.Error()))
	}
}
