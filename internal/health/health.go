// Package health reports the static facts of a running node.
package health

import (
	goruntime "runtime"

	"github.com/loqalabs/loqa-asr/internal/model"
)

// Status is the body of the /health endpoint.
type Status struct {
	Status         string `json:"status"`
	Model          string `json:"model"`
	Device         string `json:"device"`
	Precision      string `json:"precision"`
	Backend        string `json:"backend"`
	BackendVersion string `json:"backend_version"`
	RuntimeVersion string `json:"runtime_version"`
	Version        string `json:"version,omitempty"`
}

// Reporter computes the status once at construction.
type Reporter struct {
	status Status
}

// New snapshots the handle. version is the service build version and may be empty.
func New(h *model.Handle, version string) *Reporter {
	s := h.Strategy()
	return &Reporter{status: Status{
		Status:         "healthy",
		Model:          h.ModelID(),
		Device:         string(s.Device),
		Precision:      string(s.Precision),
		Backend:        h.Backend().Name(),
		BackendVersion: h.Backend().Version(),
		RuntimeVersion: goruntime.Version(),
		Version:        version,
	}}
}

func (r *Reporter) Report() Status { return r.status }
