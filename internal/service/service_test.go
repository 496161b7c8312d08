package service

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-asr/internal/asrerr"
	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/history"
	"github.com/loqalabs/loqa-asr/internal/inference"
	"github.com/loqalabs/loqa-asr/internal/model"
	"github.com/loqalabs/loqa-asr/internal/protocol"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []protocol.TranscriptEvent
}

func (p *recordingPublisher) PublishOutcome(_ context.Context, evt protocol.TranscriptEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func newService(t *testing.T) (*Service, *history.Store, *recordingPublisher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := model.Initialize(context.Background(), model.Options{Backend: model.BackendMock, Device: "cpu", Logger: logger})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	store, err := history.Open(context.Background(), config.HistoryConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "persistent",
	}, logger)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	pub := &recordingPublisher{}
	exec := inference.New(h, inference.Options{MaxConcurrency: 2, Logger: logger})
	return New(exec, store, pub, logger), store, pub
}

func sineWAV(t *testing.T, seconds float64) []byte {
	t.Helper()
	n := int(seconds * 16000)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*300*float64(i)/16000))
	}
	data, err := audio.EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return data
}

func TestTranscribeSuccessRecordsAndPublishes(t *testing.T) {
	svc, store, pub := newService(t)
	reply, err := svc.Transcribe(context.Background(), Request{ID: "req-1", Source: SourceHTTP, Data: sineWAV(t, 2), ContentType: "audio/wav"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !reply.Succeeded() || reply.Metadata == nil || reply.Error != "" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Metadata.AudioDurationSec != 2 || reply.Metadata.Device != "cpu" {
		t.Fatalf("unexpected metadata %+v", reply.Metadata)
	}

	records, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 || records[0].ID != "req-1" || records[0].Outcome != history.OutcomeOK {
		t.Fatalf("unexpected history %+v", records)
	}
	if len(pub.events) != 1 || pub.events[0].Error != "" || pub.events[0].Transcript != *reply.Transcript {
		t.Fatalf("unexpected events %+v", pub.events)
	}
}

func TestTranscribeFailureHasNoTranscript(t *testing.T) {
	svc, store, pub := newService(t)
	reply, err := svc.Transcribe(context.Background(), Request{Source: SourceBus, Data: []byte("not audio at all")})
	if asrerr.KindOf(err) != asrerr.KindInvalidAudio {
		t.Fatalf("expected InvalidAudioError, got %v", err)
	}
	if reply.Succeeded() || reply.Metadata != nil {
		t.Fatalf("failure reply must not carry a transcript: %+v", reply)
	}
	if reply.Error != string(asrerr.KindInvalidAudio) || reply.Message == "" || reply.RequestID == "" {
		t.Fatalf("unexpected failure reply %+v", reply)
	}
	records, _ := store.Recent(context.Background(), 10)
	if len(records) != 1 || records[0].Outcome != string(asrerr.KindInvalidAudio) {
		t.Fatalf("failure not recorded: %+v", records)
	}
	if len(pub.events) != 1 || pub.events[0].Error == "" {
		t.Fatalf("failure not published: %+v", pub.events)
	}
}
