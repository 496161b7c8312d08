// Package capability publishes this node's presence on the bus and keeps a
// directory of the transcription nodes it hears from.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/model"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RoleWorker is the role advertised by transcription nodes.
const RoleWorker = "asr-worker"

// Peers silent for this many heartbeat timeouts are dropped from the directory.
const forgetAfter = 3

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeInfo is one directory entry. LastSeen is the local receive time.
type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	InFlight     int          `json:"in_flight"`
	Capacity     int          `json:"capacity"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// Serves reports whether the node advertises name, optionally for modelID.
func (n NodeInfo) Serves(name, modelID string) bool {
	for _, c := range n.Capabilities {
		if c.Name == name && (modelID == "" || c.Attributes["model"] == modelID) {
			return true
		}
	}
	return false
}

func (n NodeInfo) utilization() float64 {
	if n.Capacity <= 0 {
		return 1
	}
	return float64(n.InFlight) / float64(n.Capacity)
}

// presence is sent on announce, every heartbeat and on leave. Heartbeats
// repeat the capabilities so late joiners learn them without an announce.
type presence struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	InFlight     int          `json:"in_flight"`
	Capacity     int          `json:"capacity"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Transcription describes what a node running handle can serve.
func Transcription(h *model.Handle, subjectPrefix string) Capability {
	s := h.Strategy()
	return Capability{
		Name: protocol.CapabilityTranscribe,
		Attributes: map[string]string{
			"model":       h.ModelID(),
			"backend":     h.BackendName(),
			"device":      string(s.Device),
			"precision":   string(s.Precision),
			"sample_rate": fmt.Sprint(h.SampleRate()),
			"subject":     protocol.Subject(subjectPrefix, protocol.SubjectTranscribe),
		},
	}
}

// LoadFunc reports the local executor occupancy.
type LoadFunc func() (inFlight, capacity int)

type Options struct {
	Node         config.NodeConfig
	Bus          *bus.Client
	Capabilities []Capability
	Load         LoadFunc
	Logger       *slog.Logger
}

type Registry struct {
	node  config.NodeConfig
	bus   *bus.Client
	local []Capability
	load  LoadFunc
	log   *slog.Logger
	clock func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	sub    *nats.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// Start subscribes to node traffic, announces this node and begins sending
// heartbeats every Node.HeartbeatInterval milliseconds.
func Start(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Node.HeartbeatInterval <= 0 || opts.Node.HeartbeatTimeout <= 0 {
		return nil, fmt.Errorf("heartbeat interval and timeout must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		node:  opts.Node,
		bus:   opts.Bus,
		local: opts.Capabilities,
		load:  opts.Load,
		log:   logger.With(slog.String("component", "capability-registry"), slog.String("node_id", opts.Node.ID)),
		clock: time.Now,
		nodes: make(map[string]*NodeInfo),
		done:  make(chan struct{}),
	}
	r.registerGauge()

	sub, err := r.bus.Conn().Subscribe(protocol.SubjectNodeAll, r.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectNodeAll, err)
	}
	r.sub = sub

	if err := r.publish(protocol.SubjectNodeAnnounce); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
	return r, nil
}

// Close stops heartbeats and tells peers this node is leaving.
func (r *Registry) Close() {
	r.cancel()
	<-r.done
	if err := r.publish(protocol.SubjectNodeLeave); err != nil {
		r.log.Warn("failed to publish leave", slog.String("error", err.Error()))
	}
	if r.sub != nil {
		_ = r.sub.Drain()
	}
}

func (r *Registry) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(time.Duration(r.node.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	subject := protocol.SubjectNodeHeartbeatPrefix + "." + r.node.ID
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publish(subject); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.sweep(r.clock())
		}
	}
}

func (r *Registry) self() presence {
	p := presence{
		NodeID:       r.node.ID,
		Role:         RoleWorker,
		Capabilities: r.local,
		Timestamp:    r.clock().UTC(),
	}
	if r.load != nil {
		p.InFlight, p.Capacity = r.load()
	}
	return p
}

// publish sends this node's presence and records it locally, so the node
// sees itself even if the subscription lags.
func (r *Registry) publish(subject string) error {
	p := r.self()
	if err := r.bus.PublishJSON(subject, p); err != nil {
		return err
	}
	if subject == protocol.SubjectNodeLeave {
		r.forget(p.NodeID)
	} else {
		r.observe(p)
	}
	return nil
}

func (r *Registry) receive(msg *nats.Msg) {
	var p presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		r.log.Warn("invalid node message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	switch {
	case msg.Subject == protocol.SubjectNodeLeave:
		r.forget(p.NodeID)
	case msg.Subject == protocol.SubjectNodeAnnounce,
		strings.HasPrefix(msg.Subject, protocol.SubjectNodeHeartbeatPrefix+"."):
		r.observe(p)
	}
}

func (r *Registry) observe(p presence) {
	if p.NodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[p.NodeID]
	if !ok {
		n = &NodeInfo{ID: p.NodeID}
		r.nodes[p.NodeID] = n
		r.log.Info("node joined", slog.String("peer", p.NodeID))
	}
	if p.Role != "" {
		n.Role = p.Role
	}
	if len(p.Capabilities) > 0 {
		n.Capabilities = p.Capabilities
	}
	n.InFlight, n.Capacity = p.InFlight, p.Capacity
	n.LastSeen = r.clock()
	n.Healthy = true
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; ok {
		delete(r.nodes, id)
		r.log.Info("node left", slog.String("peer", id))
	}
}

// sweep marks silent peers unhealthy and drops long-silent ones. The local
// node is never dropped.
func (r *Registry) sweep(now time.Time) {
	timeout := time.Duration(r.node.HeartbeatTimeout) * time.Millisecond
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, n := range r.nodes {
		silent := now.Sub(n.LastSeen)
		switch {
		case id != r.node.ID && silent > forgetAfter*timeout:
			delete(r.nodes, id)
			r.log.Info("node expired", slog.String("peer", id))
		case silent > timeout:
			n.Healthy = false
		}
	}
}

// Healthy reports whether this node's own heartbeat is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[r.node.ID]
	if !ok {
		return false
	}
	return r.clock().Sub(n.LastSeen) <= time.Duration(r.node.HeartbeatTimeout)*time.Millisecond
}

// Nodes lists known nodes serving name (all nodes when name is empty),
// optionally restricted to modelID. Healthy nodes come first, least loaded
// first among them.
func (r *Registry) Nodes(name, modelID string) []NodeInfo {
	r.mu.RLock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		if name == "" || n.Serves(name, modelID) {
			out = append(out, *n)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Healthy != b.Healthy {
			return a.Healthy
		}
		if ua, ub := a.utilization(), b.utilization(); ua != ub {
			return ua < ub
		}
		return a.ID < b.ID
	})
	return out
}

func (r *Registry) registerGauge() {
	meter := otel.Meter("github.com/loqalabs/loqa-asr/capability")
	gauge, err := meter.Int64ObservableGauge("asr.nodes.healthy", metric.WithDescription("Transcription nodes with a current heartbeat"))
	if err == nil {
		_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
			var healthy int64
			for _, n := range r.Nodes(protocol.CapabilityTranscribe, "") {
				if n.Healthy {
					healthy++
				}
			}
			obs.ObserveInt64(gauge, healthy)
			return nil
		}, gauge)
	}
	if err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
}
