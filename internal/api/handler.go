// Package api serves the transcription endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-asr/internal/asrerr"
	"github.com/loqalabs/loqa-asr/internal/capability"
	"github.com/loqalabs/loqa-asr/internal/health"
	"github.com/loqalabs/loqa-asr/internal/history"
	"github.com/loqalabs/loqa-asr/internal/service"
)

// FormField is the multipart field carrying the upload.
const FormField = "audio_file"

// NodeDirectory lists the transcription nodes known on the bus.
type NodeDirectory interface {
	Nodes(name, modelID string) []capability.NodeInfo
}

type Options struct {
	Service        *service.Service
	Health         *health.Reporter
	History        *history.Store
	Nodes          NodeDirectory
	MaxUploadBytes int64
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type Handler struct {
	svc       *service.Service
	health    *health.Reporter
	history   *history.Store
	nodes     NodeDirectory
	maxUpload int64
	timeout   time.Duration
	log       *slog.Logger
}

func New(opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 25 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:       opts.Service,
		health:    opts.Health,
		history:   opts.History,
		nodes:     opts.Nodes,
		maxUpload: opts.MaxUploadBytes,
		timeout:   opts.RequestTimeout,
		log:       logger.With(slog.String("component", "api")),
	}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /transcribe", h.handleTranscribe)
	mux.HandleFunc("POST /transcribe_audio", h.handleTranscribe)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /health", h.handleHealth)
	mux.HandleFunc("GET /history", h.handleHistory)
	mux.HandleFunc("GET /nodes", h.handleNodes)
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	data, contentType, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	reply, err := h.svc.Transcribe(ctx, service.Request{
		ID:          requestID,
		Source:      service.SourceHTTP,
		Data:        data,
		ContentType: contentType,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	reply.RequestID = ""
	writeJSON(w, http.StatusOK, reply)
}

// readUpload accepts a multipart form with an audio_file field or a raw audio body.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch {
	case mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, "", uploadError(err)
		}
		file, header, err := r.FormFile(FormField)
		if err != nil {
			return nil, "", asrerr.Newf(asrerr.KindInvalidAudio, "missing %s field: %w", FormField, err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", uploadError(err)
		}
		return data, header.Header.Get("Content-Type"), nil
	case strings.HasPrefix(mediaType, "audio/"), mediaType == "application/octet-stream":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", uploadError(err)
		}
		return data, r.Header.Get("Content-Type"), nil
	default:
		return nil, "", asrerr.Newf(asrerr.KindInvalidAudio, "unsupported content type %q: send multipart/form-data with an %s field or an audio/* body", mediaType, FormField)
	}
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return asrerr.Newf(asrerr.KindInvalidAudio, "upload exceeds %d bytes", tooLarge.Limit)
	}
	return asrerr.Newf(asrerr.KindInvalidAudio, "read upload: %w", err)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Report())
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	records := []history.Record{}
	if h.history != nil {
		recent, err := h.history.Recent(r.Context(), limit)
		if err != nil {
			h.log.Error("history query failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("history query failed: %v", err)})
			return
		}
		if recent != nil {
			records = recent
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handleNodes lists known nodes, filtered by the capability and model query
// parameters. Without a bus the list is empty.
func (h *Handler) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes := []capability.NodeInfo{}
	if h.nodes != nil {
		q := r.URL.Query()
		if found := h.nodes.Nodes(q.Get("capability"), q.Get("model")); found != nil {
			nodes = found
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// StatusFor maps a failure kind onto an HTTP status.
func StatusFor(kind asrerr.Kind) int {
	switch kind {
	case asrerr.KindInvalidAudio:
		return http.StatusBadRequest
	case asrerr.KindAdmission:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	report := asrerr.ReportOf(err)
	writeJSON(w, StatusFor(asrerr.Kind(report.Error)), report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
