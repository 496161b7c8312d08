package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/model"
	"github.com/loqalabs/loqa-asr/internal/natsserver"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/nats-io/nats.go"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryDirectoryAcrossNodes(t *testing.T) {
	logger := discard()
	busCfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000, SubjectPrefix: "asr"}
	srv, err := natsserver.Start(busCfg, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	busCfg.Servers = []string{srv.ClientURL()}

	connect := func() *bus.Client {
		c, err := bus.Connect(context.Background(), busCfg, logger)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(c.Close)
		return c
	}

	h, err := model.Initialize(context.Background(), model.Options{Backend: model.BackendMock, Device: "cpu", Logger: logger})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	local := Transcription(h, "asr")
	if local.Attributes["subject"] != "asr.transcribe" || local.Attributes["device"] != "cpu" {
		t.Fatalf("unexpected capability %+v", local)
	}

	a, err := Start(context.Background(), Options{
		Node:         config.NodeConfig{ID: "node-a", HeartbeatInterval: 50, HeartbeatTimeout: 500},
		Bus:          connect(),
		Capabilities: []Capability{local},
		Load:         func() (int, int) { return 3, 4 },
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Close()
	if !a.Healthy() {
		t.Fatal("node should be healthy right after announcing")
	}

	other := Capability{Name: protocol.CapabilityTranscribe, Attributes: map[string]string{"model": "openai/whisper-base"}}
	b, err := Start(context.Background(), Options{
		Node:         config.NodeConfig{ID: "node-b", HeartbeatInterval: 50, HeartbeatTimeout: 500},
		Bus:          connect(),
		Capabilities: []Capability{other},
		Load:         func() (int, int) { return 0, 4 },
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("start b: %v", err)
	}

	waitFor(t, "node-a to learn node-b", func() bool { return len(a.Nodes(protocol.CapabilityTranscribe, "")) == 2 })
	nodes := a.Nodes(protocol.CapabilityTranscribe, "")
	if nodes[0].ID != "node-b" || nodes[1].ID != "node-a" {
		t.Fatalf("expected least loaded node first, got %s then %s", nodes[0].ID, nodes[1].ID)
	}
	if nodes[1].InFlight != 3 || nodes[1].Capacity != 4 || nodes[1].Role != RoleWorker {
		t.Fatalf("unexpected local entry %+v", nodes[1])
	}
	if got := a.Nodes(protocol.CapabilityTranscribe, model.DefaultModelID); len(got) != 1 || got[0].ID != "node-a" {
		t.Fatalf("model filter: %+v", got)
	}
	if got := a.Nodes("asr.translate", ""); len(got) != 0 {
		t.Fatalf("unknown capability matched %+v", got)
	}

	b.Close()
	waitFor(t, "node-b to leave", func() bool { return len(a.Nodes("", "")) == 1 })
}

func newDetachedRegistry(now *time.Time) *Registry {
	return &Registry{
		node:  config.NodeConfig{ID: "self", HeartbeatInterval: 250, HeartbeatTimeout: 1000},
		log:   discard(),
		clock: func() time.Time { return *now },
		nodes: make(map[string]*NodeInfo),
	}
}

func TestSweepMarksAndExpiresPeers(t *testing.T) {
	base := time.Now()
	now := base.Add(-5 * time.Second)
	r := newDetachedRegistry(&now)
	r.observe(presence{NodeID: "gone", Role: RoleWorker})
	now = base.Add(-2 * time.Second)
	r.observe(presence{NodeID: "stale", Role: RoleWorker})
	now = base
	r.observe(presence{NodeID: "self", Role: RoleWorker})

	r.sweep(now)
	byID := map[string]NodeInfo{}
	for _, n := range r.Nodes("", "") {
		byID[n.ID] = n
	}
	if _, ok := byID["gone"]; ok {
		t.Fatal("peer silent past the expiry window must be dropped")
	}
	if n, ok := byID["stale"]; !ok || n.Healthy {
		t.Fatalf("stale peer should be listed unhealthy, got %+v (present %v)", n, ok)
	}
	if !byID["self"].Healthy || !r.Healthy() {
		t.Fatal("self should be healthy")
	}

	now = base.Add(10 * time.Second)
	if r.Healthy() {
		t.Fatal("self must turn unhealthy once its heartbeat is older than the timeout")
	}
	r.sweep(now)
	if got := r.Nodes("", ""); len(got) != 1 || got[0].ID != "self" {
		t.Fatalf("local node must never expire, got %+v", got)
	}
}

func TestReceiveDispatch(t *testing.T) {
	now := time.Now()
	r := newDetachedRegistry(&now)
	msg := func(subject string, p presence) *nats.Msg {
		data, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return &nats.Msg{Subject: subject, Data: data}
	}

	caps := []Capability{{Name: protocol.CapabilityTranscribe}}
	r.receive(msg(protocol.SubjectNodeHeartbeatPrefix+".peer", presence{NodeID: "peer", Role: RoleWorker, Capabilities: caps, Capacity: 2}))
	got := r.Nodes(protocol.CapabilityTranscribe, "")
	if len(got) != 1 || got[0].ID != "peer" || got[0].Capacity != 2 {
		t.Fatalf("heartbeat with capabilities not recorded: %+v", got)
	}

	r.receive(&nats.Msg{Subject: protocol.SubjectNodeAnnounce, Data: []byte("{broken")})
	if len(r.Nodes("", "")) != 1 {
		t.Fatal("malformed message must be ignored")
	}

	r.receive(msg(protocol.SubjectNodeLeave, presence{NodeID: "peer"}))
	if len(r.Nodes("", "")) != 0 {
		t.Fatal("leave must remove the node")
	}
}
