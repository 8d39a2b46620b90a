// Package control answers JSON control queries: status reports, run/pause
// and journal switches, settings, and deploy requests.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/embeddedpenguins/spikefabric/internal/logging"
	"github.com/embeddedpenguins/spikefabric/internal/ratelimit"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

// Values of a "control" query. Absent keys leave the flag unchanged.
type Values struct {
	Run          *bool `json:"run,omitempty"`
	Pause        *bool `json:"pause,omitempty"`
	LogEnable    *bool `json:"logenable,omitempty"`
	RecordEnable *bool `json:"recordenable,omitempty"`
}

// Empty reports whether no key was given.
func (v Values) Empty() bool {
	return v.Run == nil && v.Pause == nil && v.LogEnable == nil && v.RecordEnable == nil
}

// Deployment names a model deployment on one engine.
type Deployment struct {
	Model      string `json:"model"`
	Deployment string `json:"deployment"`
	Engine     string `json:"engine"`
}

// Setting is one [key, value] pair of a "settings" query.
type Setting struct {
	Key   string
	Value any
}

// Backend is the engine side of the control protocol.
type Backend interface {
	FullStatus() map[string]any
	DynamicStatus() map[string]any
	RunMeasurements() map[string]any
	Configurations() map[string]any
	ApplySettings(settings []Setting) error
	Control(v Values) error
	Deploy(ctx context.Context, d Deployment) error
}

// ErrMissingDeployment is returned for deploy queries without names.
var ErrMissingDeployment = errors.New("deploy requires model, deployment and engine")

// Handler turns control frames into responses.
type Handler struct {
	backend Backend
	limiter *ratelimit.Limiter
	events  *logging.EventLog
	logger  *slog.Logger
}

// Options configures a Handler. Every field is optional.
type Options struct {
	// Limiter throttles queries per peer host.
	Limiter *ratelimit.Limiter
	Events  *logging.EventLog
	Logger  *slog.Logger
}

// NewHandler returns a Handler serving backend.
func NewHandler(backend Backend, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		backend: backend,
		limiter: opts.Limiter,
		events:  opts.Events,
		logger:  logger,
	}
}

// HandleQuery answers one frame from peer. Protocol problems become fail
// responses; the caller keeps the connection open either way.
func (h *Handler) HandleQuery(ctx context.Context, peer string, frame []byte) *wire.ControlResponse {
	req, err := wire.DecodeControlRequest(frame)
	if err != nil {
		h.logger.Debug("malformed control frame", "peer", peer, "error", err)
		return wire.Fail("", wire.ErrorFormat, err.Error())
	}

	if !h.limiter.Allow(peerHost(peer)) {
		return wire.Fail(req.Query, wire.ErrorRateLimited, "")
	}

	h.logger.Log(ctx, logging.LevelTrace, "control query", "peer", peer, "query", req.Query)

	switch req.Query {
	case wire.QueryFullStatus:
		return wire.OK(req.Query, map[string]any{"status": h.backend.FullStatus()})
	case wire.QueryDynamicStatus:
		return wire.OK(req.Query, map[string]any{"status": h.backend.DynamicStatus()})
	case wire.QueryRunMeasurements:
		return wire.OK(req.Query, map[string]any{"status": h.backend.RunMeasurements()})
	case wire.QueryConfigurations:
		return wire.OK(req.Query, map[string]any{"status": h.backend.Configurations()})
	case wire.QuerySettings:
		return h.settings(req)
	case wire.QueryControl:
		return h.control(req)
	case wire.QueryDeploy:
		return h.deploy(ctx, req)
	default:
		return wire.Fail(req.Query, wire.ErrorUnrecognized, req.Query)
	}
}

func (h *Handler) control(req *wire.ControlRequest) *wire.ControlResponse {
	if !req.HasValues() {
		return wire.Fail(req.Query, wire.ErrorMissingValues, "")
	}
	var v Values
	if err := json.Unmarshal(req.Values, &v); err != nil {
		return wire.Fail(req.Query, wire.ErrorFormat, err.Error())
	}
	if err := h.backend.Control(v); err != nil {
		return wire.Fail(req.Query, wire.ErrorFormat, err.Error())
	}
	h.events.Log(map[string]any{"event": "control", "values": v})
	return wire.OK(req.Query, map[string]any{"status": h.backend.FullStatus()})
}

func (h *Handler) settings(req *wire.ControlRequest) *wire.ControlResponse {
	if !req.HasValues() {
		return wire.Fail(req.Query, wire.ErrorMissingValues, "")
	}
	settings, err := ParseSettings(req.Values)
	if err != nil {
		return wire.Fail(req.Query, wire.ErrorFormat, err.Error())
	}
	if err := h.backend.ApplySettings(settings); err != nil {
		return wire.Fail(req.Query, wire.ErrorFormat, err.Error())
	}
	h.events.Log(map[string]any{"event": "settings", "count": len(settings)})
	return wire.OK(req.Query, map[string]any{"status": h.backend.Configurations()})
}

func (h *Handler) deploy(ctx context.Context, req *wire.ControlRequest) *wire.ControlResponse {
	d := Deployment{Model: req.Model, Deployment: req.Deployment, Engine: req.Engine}
	if req.HasValues() {
		if err := json.Unmarshal(req.Values, &d); err != nil {
			return wire.Fail(req.Query, wire.ErrorFormat, err.Error())
		}
	}
	if d.Model == "" || d.Deployment == "" || d.Engine == "" {
		return wire.Fail(req.Query, wire.ErrorMissingValues, ErrMissingDeployment.Error())
	}

	h.logger.Info("deploy requested", "model", d.Model, "deployment", d.Deployment, "engine", d.Engine)
	if err := h.backend.Deploy(ctx, d); err != nil {
		h.logger.Warn("deploy failed", "model", d.Model, "error", err)
		return wire.Fail(req.Query, wire.ErrorDeploy, err.Error())
	}
	h.events.Log(map[string]any{"event": "deploy", "model": d.Model, "deployment": d.Deployment, "engine": d.Engine})
	return wire.OK(req.Query, map[string]any{"status": h.backend.FullStatus()})
}

// ParseSettings decodes [[key, value], ...]. Keys must be strings; values
// keep their JSON type.
func ParseSettings(raw json.RawMessage) ([]Setting, error) {
	var pairs [][]json.RawMessage
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("settings must be [key, value] pairs: %w", err)
	}
	out := make([]Setting, 0, len(pairs))
	for i, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("setting %d has %d elements, want 2", i, len(p))
		}
		var s Setting
		if err := json.Unmarshal(p[0], &s.Key); err != nil {
			return nil, fmt.Errorf("setting %d key: %w", i, err)
		}
		if err := json.Unmarshal(p[1], &s.Value); err != nil {
			return nil, fmt.Errorf("setting %d value: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func peerHost(peer string) string {
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		return peer
	}
	return host
}
