// Package topology serves and consumes model packages over the binary
// topology protocol: descriptors, per-expansion synapses, deployments and
// interconnects.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/embeddedpenguins/spikefabric/internal/logging"
	"github.com/embeddedpenguins/spikefabric/internal/mux"
	"github.com/embeddedpenguins/spikefabric/internal/store"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

// Server answers topology requests from a model store.
type Server struct {
	store  store.ModelStore
	logger *slog.Logger
}

// NewServer returns a Server backed by s.
func NewServer(s store.ModelStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{store: s, logger: logger}
}

// Factory builds connection handlers for a mux.Service.
func (s *Server) Factory() mux.HandlerFactory {
	return func(*mux.Conn) mux.Handler { return s }
}

// HandleInput reads one request and writes its response. Unknown commands
// leave the byte stream in an unknown state, so they close the connection.
func (s *Server) HandleInput(ctx context.Context, c *mux.Conn) error {
	req, err := wire.ReadRequest(c)
	if err != nil {
		return err
	}
	s.logger.Log(ctx, logging.LevelTrace, "topology request", "peer", c.Peer(), "command", req.Command().String())

	body, err := s.Respond(ctx, req)
	if err != nil {
		return err
	}
	_, err = c.Write(wire.Envelope(body))
	return err
}

// Respond builds the encoded response body for req. A model or deployment
// that does not exist yields an empty response rather than an error, so the
// client sees zero counts.
func (s *Server) Respond(ctx context.Context, req wire.Request) ([]byte, error) {
	var resp interface{ MarshalBinary() ([]byte, error) }
	var err error

	switch q := req.(type) {
	case *wire.ModelDescriptorRequest:
		resp, err = s.descriptor(ctx, q)
	case *wire.ModelExpansionRequest:
		resp, err = s.expansion(ctx, q)
	case *wire.ModelDeploymentRequest:
		resp, err = s.deployment(ctx, q)
	case *wire.ModelFullDeploymentRequest:
		resp, err = s.fullDeployment(ctx, q)
	case *wire.ModelInterconnectRequest:
		resp, err = s.interconnects(ctx, q)
	default:
		return nil, fmt.Errorf("%w: %T", wire.ErrUnknownCommand, req)
	}
	if err != nil {
		return nil, err
	}
	return resp.MarshalBinary()
}

// model loads a model; a missing one is reported as nil without error.
func (s *Server) model(ctx context.Context, name string) (*store.Model, error) {
	m, err := s.store.GetModel(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("topology request for unknown model", "model", name)
		return nil, nil
	}
	return m, err
}

func (s *Server) deploymentOf(ctx context.Context, model, deployment string) (*store.Model, *store.Deployment, error) {
	m, err := s.model(ctx, model)
	if err != nil || m == nil {
		return nil, nil, err
	}
	d, err := m.Deployment(deployment)
	if err != nil {
		s.logger.Warn("topology request for unknown deployment", "model", model, "deployment", deployment)
		return m, nil, nil
	}
	return m, d, nil
}

func (s *Server) descriptor(ctx context.Context, q *wire.ModelDescriptorRequest) (*wire.ModelDescriptorResponse, error) {
	m, err := s.model(ctx, q.ModelName)
	if err != nil || m == nil {
		return &wire.ModelDescriptorResponse{}, err
	}
	return &wire.ModelDescriptorResponse{
		NeuronCount:    uint32(m.TotalNeurons()),
		ExpansionCount: uint32(len(m.Expansions)),
	}, nil
}

// expansion reports connections with global neuron indices.
func (s *Server) expansion(ctx context.Context, q *wire.ModelExpansionRequest) (*wire.ModelExpansionResponse, error) {
	m, err := s.model(ctx, q.ModelName)
	if err != nil || m == nil || int(q.Sequence) >= len(m.Expansions) {
		return &wire.ModelExpansionResponse{}, err
	}
	e := m.Expansions[q.Sequence]
	offset := uint32(m.Offsets()[q.Sequence])

	resp := &wire.ModelExpansionResponse{
		StartingNeuronOffset: offset,
		NeuronCount:          e.Neurons,
		Connections:          make([]wire.Connection, len(e.Connections)),
	}
	for i, c := range e.Connections {
		typ, _ := store.ParseConnectionType(c.Type)
		resp.Connections[i] = wire.Connection{
			PreSynapticNeuron:  offset + c.Pre,
			PostSynapticNeuron: offset + c.Post,
			SynapticStrength:   c.Strength,
			Type:               typ,
		}
	}
	return resp, nil
}

// deployment lists the expansions one engine owns.
func (s *Server) deployment(ctx context.Context, q *wire.ModelDeploymentRequest) (*wire.ModelDeploymentResponse, error) {
	m, d, err := s.deploymentOf(ctx, q.ModelName, q.DeploymentName)
	if err != nil || d == nil {
		return &wire.ModelDeploymentResponse{}, err
	}
	resp := &wire.ModelDeploymentResponse{}
	for i, engine := range d.Engines {
		if engine != q.EngineName {
			continue
		}
		resp.NeuronCount += m.Expansions[i].Neurons
		resp.Deployments = append(resp.Deployments, wire.Deployment{EngineName: engine, NeuronCount: m.Expansions[i].Neurons})
	}
	return resp, nil
}

func (s *Server) fullDeployment(ctx context.Context, q *wire.ModelFullDeploymentRequest) (*wire.ModelFullDeploymentResponse, error) {
	m, d, err := s.deploymentOf(ctx, q.ModelName, q.DeploymentName)
	if err != nil || d == nil {
		return &wire.ModelFullDeploymentResponse{}, err
	}
	if q.Record {
		if err := s.store.RecordDeployment(ctx, q.ModelName, q.DeploymentName); err != nil {
			s.logger.Warn("recording deployment failed", "model", q.ModelName, "error", err)
		} else {
			s.logger.Info("deployment recorded", "model", q.ModelName, "deployment", q.DeploymentName)
		}
	}

	offsets := m.Offsets()
	resp := &wire.ModelFullDeploymentResponse{Deployments: make([]wire.FullDeployment, len(d.Engines))}
	for i, engine := range d.Engines {
		resp.Deployments[i] = wire.FullDeployment{
			EngineName:   engine,
			NeuronOffset: uint32(offsets[i]),
			NeuronCount:  m.Expansions[i].Neurons,
		}
	}
	return resp, nil
}

// interconnects returns every route of the model; engines keep the ones
// whose source they own.
func (s *Server) interconnects(ctx context.Context, q *wire.ModelInterconnectRequest) (*wire.ModelInterconnectResponse, error) {
	m, d, err := s.deploymentOf(ctx, q.ModelName, q.DeploymentName)
	if err != nil || d == nil {
		return &wire.ModelInterconnectResponse{}, err
	}
	resp := &wire.ModelInterconnectResponse{Interconnects: make([]wire.Interconnect, len(m.Interconnects))}
	for i, ic := range m.Interconnects {
		resp.Interconnects[i] = wire.Interconnect{
			FromExpansionIndex: ic.From,
			FromLayerOffset:    ic.FromOffset,
			FromLayerCount:     ic.FromCount,
			ToExpansionIndex:   ic.To,
			ToLayerOffset:      ic.ToOffset,
			ToLayerCount:       ic.ToCount,
		}
	}
	return resp, nil
}
