package topology

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/embeddedpenguins/spikefabric/internal/logging"
	"github.com/embeddedpenguins/spikefabric/internal/partition"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

// Fetcher is the request side of the topology protocol. *Client implements it.
type Fetcher interface {
	Descriptor(ctx context.Context, model string) (*wire.ModelDescriptorResponse, error)
	Expansion(ctx context.Context, model string, sequence uint32) (*wire.ModelExpansionResponse, error)
	FullDeployment(ctx context.Context, model, deployment string, record bool) (*wire.ModelFullDeploymentResponse, error)
	Interconnects(ctx context.Context, model, deployment, engine string) (*wire.ModelInterconnectResponse, error)
}

// LoadRequest names what to load and for which engine.
type LoadRequest struct {
	Model      string
	Deployment string
	Engine     string
	Record     bool
	Hosts      partition.HostResolver
}

// Package is the part of a model an engine needs to run its partitions.
type Package struct {
	NeuronCount uint32
	Map         *partition.Map
	// Expansions holds the synapses of locally owned expansions, keyed by
	// expansion index. Connection indices are global.
	Expansions map[int]*wire.ModelExpansionResponse
	Routes     []partition.Route
	Skipped    []error
}

// LocalNeurons is the number of neurons the engine owns.
func (p *Package) LocalNeurons() uint64 {
	var n uint64
	for _, e := range p.Expansions {
		n += uint64(e.NeuronCount)
	}
	return n
}

// Loader pulls a model package from a topology service.
type Loader struct {
	fetch  Fetcher
	logger *slog.Logger
}

func NewLoader(f Fetcher, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Loader{fetch: f, logger: logger}
}

// Load runs descriptor, full deployment, each local expansion, then
// interconnects. The partition map is rebuilt into m before the later
// transactions, so a caller that must keep its map on failure passes a
// fresh one and swaps it in afterwards.
func (l *Loader) Load(ctx context.Context, req LoadRequest, m *partition.Map) (*Package, error) {
	desc, err := l.fetch.Descriptor(ctx, req.Model)
	if err != nil {
		return nil, fmt.Errorf("model descriptor: %w", err)
	}
	if desc.ExpansionCount == 0 {
		return nil, fmt.Errorf("model %q has no expansions", req.Model)
	}

	full, err := l.fetch.FullDeployment(ctx, req.Model, req.Deployment, req.Record)
	if err != nil {
		return nil, fmt.Errorf("full deployment: %w", err)
	}
	if len(full.Deployments) != int(desc.ExpansionCount) {
		return nil, fmt.Errorf("deployment %q covers %d of %d expansions",
			req.Deployment, len(full.Deployments), desc.ExpansionCount)
	}
	if m == nil {
		m = partition.New()
	}
	m.Build(full)

	pkg := &Package{
		NeuronCount: desc.NeuronCount,
		Map:         m,
		Expansions:  make(map[int]*wire.ModelExpansionResponse),
	}
	for _, i := range m.EngineExpansions(req.Engine) {
		exp, err := l.fetch.Expansion(ctx, req.Model, uint32(i))
		if err != nil {
			return nil, fmt.Errorf("expansion %d: %w", i, err)
		}
		pkg.Expansions[i] = exp
		l.logger.Debug("expansion loaded", "model", req.Model, "expansion", i,
			"neurons", exp.NeuronCount, "connections", len(exp.Connections))
	}

	ics, err := l.fetch.Interconnects(ctx, req.Model, req.Deployment, req.Engine)
	if err != nil {
		return nil, fmt.Errorf("interconnects: %w", err)
	}
	hosts := req.Hosts
	if hosts == nil {
		hosts = partition.Hosts{}
	}
	pkg.Routes, pkg.Skipped = m.FilterInterconnects(ics.Interconnects, req.Engine, hosts)
	for _, err := range pkg.Skipped {
		l.logger.Warn("interconnect skipped", "model", req.Model, "error", err)
	}

	l.logger.Info("model package loaded",
		"model", req.Model,
		"deployment", req.Deployment,
		"engine", req.Engine,
		"local_expansions", len(pkg.Expansions),
		"routes", len(pkg.Routes))
	return pkg, nil
}
