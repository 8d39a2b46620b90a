package topology

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/mux"
	"github.com/embeddedpenguins/spikefabric/internal/partition"
	"github.com/embeddedpenguins/spikefabric/internal/store"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

func retina() *store.Model {
	return &store.Model{
		Name: "retina",
		Expansions: []store.Expansion{
			{Name: "photoreceptors", Neurons: 100, Connections: []store.Connection{
				{Pre: 0, Post: 1, Strength: 21},
				{Pre: 2, Post: 3, Strength: -21, Type: "inhibitory"},
			}},
			{Name: "ganglion", Neurons: 50, Connections: []store.Connection{
				{Pre: 4, Post: 5, Strength: 7, Type: "attention"},
			}},
		},
		Deployments: []store.Deployment{
			{Name: "two-box", Engines: []string{"e1", "e2"}},
		},
		Interconnects: []store.Interconnect{
			{From: 0, FromOffset: 10, FromCount: 20, To: 1, ToOffset: 5, ToCount: 20},
			{From: 1, FromOffset: 0, FromCount: 10, To: 0, ToOffset: 0, ToCount: 10},
		},
	}
}

// serve runs a topology service over s on a loopback port.
func serve(t *testing.T, s store.ModelStore) string {
	t.Helper()
	svc := mux.New(mux.Config{Name: "topology", Addr: "127.0.0.1:0", Factory: NewServer(s, nil).Factory()})
	if err := svc.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if err := svc.Process(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		svc.Close()
	})
	return svc.Addr().String()
}

func newStore(t *testing.T) store.ModelStore {
	t.Helper()
	s := store.NewMemoryStore()
	if err := s.PutModel(context.Background(), retina()); err != nil {
		t.Fatalf("PutModel: %v", err)
	}
	return s
}

func TestClientServer_Requests(t *testing.T) {
	s := newStore(t)
	c := NewClient(ClientConfig{Addr: serve(t, s)})
	defer c.Close()
	ctx := context.Background()

	desc, err := c.Descriptor(ctx, "retina")
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	if desc.NeuronCount != 150 || desc.ExpansionCount != 2 {
		t.Errorf("descriptor = %+v", desc)
	}

	exp, err := c.Expansion(ctx, "retina", 1)
	if err != nil {
		t.Fatalf("Expansion: %v", err)
	}
	want := []wire.Connection{{PreSynapticNeuron: 104, PostSynapticNeuron: 105, SynapticStrength: 7, Type: wire.Attention}}
	if exp.StartingNeuronOffset != 100 || exp.NeuronCount != 50 || !reflect.DeepEqual(exp.Connections, want) {
		t.Errorf("expansion = %+v", exp)
	}

	dep, err := c.Deployment(ctx, "retina", "two-box", "e2")
	if err != nil {
		t.Fatalf("Deployment: %v", err)
	}
	if dep.NeuronCount != 50 || len(dep.Deployments) != 1 || dep.Deployments[0].EngineName != "e2" {
		t.Errorf("deployment = %+v", dep)
	}

	full, err := c.FullDeployment(ctx, "retina", "two-box", true)
	if err != nil {
		t.Fatalf("FullDeployment: %v", err)
	}
	wantFull := []wire.FullDeployment{
		{EngineName: "e1", NeuronOffset: 0, NeuronCount: 100},
		{EngineName: "e2", NeuronOffset: 100, NeuronCount: 50},
	}
	if !reflect.DeepEqual(full.Deployments, wantFull) {
		t.Errorf("full deployment = %+v", full.Deployments)
	}
	recs, _ := s.DeploymentRecords(ctx, "retina")
	if len(recs) != 1 {
		t.Errorf("records = %+v, want one", recs)
	}

	ics, err := c.Interconnects(ctx, "retina", "two-box", "e1")
	if err != nil {
		t.Fatalf("Interconnects: %v", err)
	}
	if len(ics.Interconnects) != 2 || ics.Interconnects[0].FromLayerOffset != 10 {
		t.Errorf("interconnects = %+v", ics.Interconnects)
	}
}

func TestServer_UnknownModelIsEmpty(t *testing.T) {
	c := NewClient(ClientConfig{Addr: serve(t, newStore(t))})
	defer c.Close()
	ctx := context.Background()

	desc, err := c.Descriptor(ctx, "cortex")
	if err != nil || desc.NeuronCount != 0 || desc.ExpansionCount != 0 {
		t.Errorf("Descriptor(cortex) = %+v, %v", desc, err)
	}
	full, err := c.FullDeployment(ctx, "retina", "nowhere", false)
	if err != nil || len(full.Deployments) != 0 {
		t.Errorf("FullDeployment(nowhere) = %+v, %v", full, err)
	}
	exp, err := c.Expansion(ctx, "retina", 9)
	if err != nil || exp.NeuronCount != 0 {
		t.Errorf("Expansion(9) = %+v, %v", exp, err)
	}
}

func TestClient_EnvelopeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Never answer.
		time.Sleep(time.Second)
	}()

	c := NewClient(ClientConfig{Addr: ln.Addr().String(), EnvelopeWait: 50 * time.Millisecond})
	defer c.Close()
	if _, err := c.Descriptor(context.Background(), "retina"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestClient_StalledBody(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := wire.ReadRequest(conn); err != nil {
			return
		}
		// Promise 100 bytes, deliver 10.
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], 100)
		conn.Write(hdr[:])
		conn.Write(make([]byte, 10))
		time.Sleep(time.Second)
	}()

	c := NewClient(ClientConfig{Addr: ln.Addr().String(), BodyWait: 20 * time.Millisecond})
	defer c.Close()
	if _, err := c.Descriptor(context.Background(), "retina"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestClient_CountMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := wire.ReadRequest(conn); err != nil {
			return
		}
		// Two full deployments declared, one delivered.
		body := make([]byte, 4+wire.NameWidth+8)
		binary.LittleEndian.PutUint32(body, 2)
		conn.Write(wire.Envelope(body))
		time.Sleep(100 * time.Millisecond)
	}()

	c := NewClient(ClientConfig{Addr: ln.Addr().String()})
	defer c.Close()
	if _, err := c.FullDeployment(context.Background(), "retina", "two-box", false); !errors.Is(err, wire.ErrCountMismatch) {
		t.Errorf("err = %v, want ErrCountMismatch", err)
	}
}

func TestClient_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(ClientConfig{Addr: addr, DialTimeout: 100 * time.Millisecond})
	if _, err := c.Descriptor(context.Background(), "retina"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestLoader_Load(t *testing.T) {
	c := NewClient(ClientConfig{Addr: serve(t, newStore(t))})
	defer c.Close()

	m := partition.New()
	pkg, err := NewLoader(c, nil).Load(context.Background(), LoadRequest{
		Model:      "retina",
		Deployment: "two-box",
		Engine:     "e1",
		Hosts:      partition.Hosts{"e1": "box1:8001", "e2": "box2:8001"},
	}, m)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if m.Len() != 2 || m.TotalNeurons() != 150 {
		t.Errorf("map = %+v", m.Entries())
	}
	if _, ok := pkg.Expansions[0]; !ok || len(pkg.Expansions) != 1 {
		t.Errorf("local expansions = %v", pkg.Expansions)
	}
	if pkg.LocalNeurons() != 100 {
		t.Errorf("LocalNeurons = %d", pkg.LocalNeurons())
	}

	want := []partition.Route{{
		FromPartitionIndex: 0,
		FromOffset:         10,
		FromCount:          20,
		ToEngine:           "e2",
		ToHost:             "box2:8001",
		ToPartitionIndex:   1,
		ToLayerOffset:      5,
	}}
	if !reflect.DeepEqual(pkg.Routes, want) {
		t.Errorf("routes = %+v\nwant %+v", pkg.Routes, want)
	}
}

func TestLoader_UnknownModel(t *testing.T) {
	c := NewClient(ClientConfig{Addr: serve(t, newStore(t))})
	defer c.Close()

	_, err := NewLoader(c, nil).Load(context.Background(), LoadRequest{Model: "cortex", Deployment: "x", Engine: "e1"}, nil)
	if err == nil {
		t.Error("loading an unknown model should fail")
	}
}
