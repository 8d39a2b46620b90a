package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/embeddedpenguins/spikefabric/internal/control"
	"github.com/embeddedpenguins/spikefabric/internal/partition"
	"github.com/embeddedpenguins/spikefabric/internal/topology"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

// Initializer produces the model package for a deployment and lays it out
// in m.
type Initializer interface {
	Initialize(ctx context.Context, d control.Deployment, m *partition.Map) (*topology.Package, error)
}

// InitializerFactory builds an initializer from engine options.
type InitializerFactory func(opts InitializerOptions) (Initializer, error)

// InitializerOptions carries what the built-in initializers need. Custom
// initializers may ignore it.
type InitializerOptions struct {
	Fetcher     topology.Fetcher
	Hosts       partition.HostResolver
	Record      bool
	Populations []Population
	Loader      *topology.Loader
}

// Population is one statically configured expansion.
type Population struct {
	Engine  string `yaml:"engine" json:"engine"`
	Neurons uint64 `yaml:"neurons" json:"neurons"`
}

var (
	registryMu   sync.RWMutex
	initializers = map[string]InitializerFactory{
		"package": newPackageInitializer,
		"static":  newStaticInitializer,
	}
)

// RegisterInitializer makes an initializer available by name. Registering
// a name twice replaces the earlier factory.
func RegisterInitializer(name string, f InitializerFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	initializers[name] = f
}

// Initializers lists registered names.
func Initializers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(initializers))
	for name := range initializers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewInitializer looks up and builds the named initializer.
func NewInitializer(name string, opts InitializerOptions) (Initializer, error) {
	registryMu.RLock()
	f, ok := initializers[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown initializer %q (have %v)", name, Initializers())
	}
	return f(opts)
}

// packageInitializer pulls the model from the topology service.
type packageInitializer struct {
	loader *topology.Loader
	hosts  partition.HostResolver
	record bool
}

func newPackageInitializer(opts InitializerOptions) (Initializer, error) {
	loader := opts.Loader
	if loader == nil {
		if opts.Fetcher == nil {
			return nil, fmt.Errorf("package initializer needs a topology service")
		}
		loader = topology.NewLoader(opts.Fetcher, nil)
	}
	return &packageInitializer{loader: loader, hosts: opts.Hosts, record: opts.Record}, nil
}

func (p *packageInitializer) Initialize(ctx context.Context, d control.Deployment, m *partition.Map) (*topology.Package, error) {
	return p.loader.Load(ctx, topology.LoadRequest{
		Model:      d.Model,
		Deployment: d.Deployment,
		Engine:     d.Engine,
		Record:     p.record,
		Hosts:      p.hosts,
	}, m)
}

// staticInitializer lays out configured populations without synapses or
// interconnects. It suits engines fed purely by sensor input.
type staticInitializer struct {
	populations []Population
}

func newStaticInitializer(opts InitializerOptions) (Initializer, error) {
	if len(opts.Populations) == 0 {
		return nil, fmt.Errorf("static initializer needs at least one population")
	}
	return &staticInitializer{populations: opts.Populations}, nil
}

func (s *staticInitializer) Initialize(ctx context.Context, d control.Deployment, m *partition.Map) (*topology.Package, error) {
	m.Reset()
	pkg := &topology.Package{Map: m, Expansions: make(map[int]*wire.ModelExpansionResponse)}
	for _, p := range s.populations {
		offset := m.TotalNeurons()
		i := m.AddExpansion(p.Engine, p.Neurons)
		pkg.NeuronCount += uint32(p.Neurons)
		if p.Engine == d.Engine {
			pkg.Expansions[i] = &wire.ModelExpansionResponse{
				StartingNeuronOffset: uint32(offset),
				NeuronCount:          uint32(p.Neurons),
			}
		}
	}
	return pkg, nil
}
