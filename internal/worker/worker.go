// Package worker serves transcription requests arriving over NATS.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asrerr"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/loqalabs/loqa-asr/internal/service"
	"github.com/nats-io/nats.go"
)

type Worker struct {
	bus     *bus.Client
	svc     *service.Service
	timeout time.Duration
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	ready  atomic.Bool
}

func New(parent context.Context, busClient *bus.Client, svc *service.Service, timeout time.Duration, log *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		bus:     busClient,
		svc:     svc,
		timeout: timeout,
		log:     log.With(slog.String("component", "worker")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start joins the worker queue group on <prefix>.transcribe.
func (w *Worker) Start() error {
	subject := w.bus.Subject(protocol.SubjectTranscribe)
	sub, err := w.bus.Conn().QueueSubscribe(subject, protocol.QueueGroup(w.bus.Prefix()), w.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	w.sub = sub
	w.ready.Store(true)
	w.log.Info("worker listening", slog.String("subject", subject))
	return nil
}

// Close stops accepting requests and waits for in-flight replies.
func (w *Worker) Close() {
	w.ready.Store(false)
	if w.sub != nil {
		_ = w.sub.Drain()
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.wg.Wait()
	w.cancel()
}

func (w *Worker) Healthy() bool {
	return w.ready.Load() && w.bus.Healthy()
}

func (w *Worker) handleRequest(msg *nats.Msg) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	go func() {
		defer w.wg.Done()
		reply := w.transcribe(msg.Data)
		data, err := json.Marshal(reply)
		if err != nil {
			w.log.Warn("failed to marshal reply", slog.String("error", err.Error()))
			return
		}
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(data); err != nil {
			w.log.Warn("failed to send reply", slog.String("request_id", reply.RequestID), slog.String("error", err.Error()))
		}
	}()
}

func (w *Worker) transcribe(payload []byte) protocol.TranscribeReply {
	var req protocol.TranscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		report := asrerr.ReportOf(asrerr.Newf(asrerr.KindInvalidAudio, "decode request: %w", err))
		return protocol.TranscribeReply{Error: report.Error, Message: report.Message}
	}

	ctx := w.ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	reply, _ := w.svc.Transcribe(ctx, service.Request{
		ID:          req.RequestID,
		Source:      service.SourceBus,
		Data:        req.Audio,
		ContentType: req.ContentType,
	})
	return reply
}
