package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/engine"
)

func TestNewServer(t *testing.T) {
	server, err := NewServer(&Config{
		Name:        "test-server",
		Version:     "v1.0.0",
		ControlAddr: "127.0.0.1:8000",
		AuditDir:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer server.Close()

	if server.server == nil {
		t.Error("Server.server is nil")
	}
	if server.query == nil {
		t.Error("Server.query should default to control.Query")
	}
	if server.timeout != DefaultQueryTimeout {
		t.Errorf("timeout = %v, want %v", server.timeout, DefaultQueryTimeout)
	}
	if server.audit == nil {
		t.Error("expected an audit logger")
	}
	for _, tool := range []string{"engine_status", "engine_control", "engine_deploy", "partition_map"} {
		if _, ok := server.toolLimiters[tool]; !ok {
			t.Errorf("no rate limiter for %s", tool)
		}
	}
}

func TestNewServer_RequiresControlAddr(t *testing.T) {
	if _, err := NewServer(&Config{Name: "test-server"}); err == nil {
		t.Error("expected error without a control address")
	}
}

// liveEngine starts an engine with only its control service bound.
func liveEngine(t *testing.T) *engine.Engine {
	t.Helper()
	init, err := engine.NewInitializer("static", engine.InitializerOptions{
		Populations: []engine.Population{{Engine: "e1", Neurons: 100}, {Engine: "e2", Neurons: 50}},
	})
	if err != nil {
		t.Fatalf("NewInitializer: %v", err)
	}
	e, err := engine.New(engine.Config{
		Name:            "e1",
		Initializer:     init,
		InitializerName: "static",
		ControlAddr:     "127.0.0.1:0",
		PollWait:        time.Millisecond,
		WorkerWait:      time.Millisecond,
		PushInterval:    time.Hour,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		e.Close(closeCtx)
		cancel()
	})
	return e
}

func TestTools_AgainstLiveEngine(t *testing.T) {
	e := liveEngine(t)
	addr := e.ServiceAddr("control").String()

	s, err := NewServer(&Config{Name: "test", Version: "v0", ControlAddr: addr, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	_, deployed, err := s.handleEngineDeploy(ctx, nil, EngineDeployInput{Model: "retina", Deployment: "two-box"})
	if err != nil {
		t.Fatalf("engine_deploy: %v", err)
	}
	if deployed.Status["neurons"] != float64(150) {
		t.Errorf("neurons = %v, want 150", deployed.Status["neurons"])
	}
	if d, ok := e.Deployed(); !ok || d.Model != "retina" || d.Engine != "e1" {
		t.Errorf("engine deployment = %+v, %v", d, ok)
	}

	run := true
	if _, _, err := s.handleEngineControl(ctx, nil, EngineControlInput{Run: &run}); err != nil {
		t.Fatalf("engine_control: %v", err)
	}
	if !e.Context().Running() {
		t.Error("engine should be running")
	}

	_, status, err := s.handleEngineStatus(ctx, nil, EngineStatusInput{Detail: "dynamic"})
	if err != nil {
		t.Fatalf("engine_status: %v", err)
	}
	if status.Status["run"] != true {
		t.Errorf("dynamic status run = %v, want true", status.Status["run"])
	}

	idx := uint64(120)
	_, pmap, err := s.handlePartitionMap(ctx, nil, PartitionMapInput{Index: &idx})
	if err != nil {
		t.Fatalf("partition_map: %v", err)
	}
	if len(pmap.Entries) != 2 || pmap.TotalNeurons != 150 {
		t.Errorf("partition map = %+v", pmap)
	}
	if pmap.Located == nil || pmap.Located.Engine != "e2" || pmap.Located.Offset != 100 {
		t.Errorf("located = %+v, want e2 at 100", pmap.Located)
	}
}

func TestTools_EngineUnreachable(t *testing.T) {
	s, err := NewServer(&Config{Name: "test", ControlAddr: "127.0.0.1:1", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	if _, _, err := s.handleEngineStatus(context.Background(), nil, EngineStatusInput{}); err == nil {
		t.Error("expected error from an unreachable engine")
	}
}
