package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

// LoadModelFile reads a model package from a YAML file and validates it.
func LoadModelFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model package: %w", err)
	}
	return ParseModel(data)
}

// ParseModel decodes a YAML model package and validates it.
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that names fit the wire format and that every index
// stays inside its expansion.
func (m *Model) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: model name is required", ErrInvalidModel)
	}
	if len(m.Name) > wire.NameWidth {
		return fmt.Errorf("%w: model name longer than %d bytes", ErrInvalidModel, wire.NameWidth)
	}
	if len(m.Expansions) == 0 {
		return fmt.Errorf("%w: model %s has no expansions", ErrInvalidModel, m.Name)
	}

	for i, e := range m.Expansions {
		for j, c := range e.Connections {
			if c.Pre >= e.Neurons || c.Post >= e.Neurons {
				return fmt.Errorf("%w: expansion %d connection %d outside %d neurons", ErrInvalidModel, i, j, e.Neurons)
			}
			if _, err := ParseConnectionType(c.Type); err != nil {
				return fmt.Errorf("%w: expansion %d connection %d: %v", ErrInvalidModel, i, j, err)
			}
		}
	}

	seen := make(map[string]bool, len(m.Deployments))
	for _, d := range m.Deployments {
		if d.Name == "" || len(d.Name) > wire.NameWidth {
			return fmt.Errorf("%w: deployment name %q", ErrInvalidModel, d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: duplicate deployment %s", ErrInvalidModel, d.Name)
		}
		seen[d.Name] = true
		if len(d.Engines) != len(m.Expansions) {
			return fmt.Errorf("%w: deployment %s assigns %d of %d expansions", ErrInvalidModel, d.Name, len(d.Engines), len(m.Expansions))
		}
		for _, engine := range d.Engines {
			if engine == "" || len(engine) > wire.NameWidth {
				return fmt.Errorf("%w: deployment %s engine name %q", ErrInvalidModel, d.Name, engine)
			}
		}
	}

	for i, ic := range m.Interconnects {
		if int(ic.From) >= len(m.Expansions) || int(ic.To) >= len(m.Expansions) {
			return fmt.Errorf("%w: interconnect %d names a missing expansion", ErrInvalidModel, i)
		}
		if uint64(ic.FromOffset)+uint64(ic.FromCount) > uint64(m.Expansions[ic.From].Neurons) {
			return fmt.Errorf("%w: interconnect %d source layer outside expansion %d", ErrInvalidModel, i, ic.From)
		}
		if uint64(ic.ToOffset)+uint64(ic.ToCount) > uint64(m.Expansions[ic.To].Neurons) {
			return fmt.Errorf("%w: interconnect %d destination layer outside expansion %d", ErrInvalidModel, i, ic.To)
		}
	}
	return nil
}

// TotalNeurons sums every expansion.
func (m *Model) TotalNeurons() uint64 {
	var n uint64
	for _, e := range m.Expansions {
		n += uint64(e.Neurons)
	}
	return n
}

// Offsets returns the global offset of every expansion, in order.
func (m *Model) Offsets() []uint64 {
	out := make([]uint64, len(m.Expansions))
	var next uint64
	for i, e := range m.Expansions {
		out[i] = next
		next += uint64(e.Neurons)
	}
	return out
}

// Deployment finds a deployment by name.
func (m *Model) Deployment(name string) (*Deployment, error) {
	for i := range m.Deployments {
		if m.Deployments[i].Name == name {
			return &m.Deployments[i], nil
		}
	}
	return nil, fmt.Errorf("deployment %s of model %s: %w", name, m.Name, ErrNotFound)
}

// ParseConnectionType maps a YAML type name to the wire value. The empty
// string means excitatory.
func ParseConnectionType(s string) (wire.ConnectionType, error) {
	switch s {
	case "", "excitatory":
		return wire.Excitatory, nil
	case "inhibitory":
		return wire.Inhibitory, nil
	case "attention":
		return wire.Attention, nil
	default:
		return 0, fmt.Errorf("unknown connection type %q", s)
	}
}

// ConnectionTypeName is the inverse of ParseConnectionType.
func ConnectionTypeName(t wire.ConnectionType) string {
	switch t {
	case wire.Inhibitory:
		return "inhibitory"
	case wire.Attention:
		return "attention"
	default:
		return "excitatory"
	}
}
