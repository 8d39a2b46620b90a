// Package store defines the ModelStore interface for model packages: the
// populations, synapses, deployments and interconnects the topology service
// hands out to engines.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidModel = errors.New("invalid model package")
)

// Connection is one synapse inside an expansion. Pre and Post are indices
// relative to the start of the expansion.
type Connection struct {
	Pre      uint32 `json:"pre" yaml:"pre"`
	Post     uint32 `json:"post" yaml:"post"`
	Strength int16  `json:"strength" yaml:"strength"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"` // "excitatory", "inhibitory", "attention"
}

// Expansion is one population of the model.
type Expansion struct {
	Name        string       `json:"name" yaml:"name"`
	Neurons     uint32       `json:"neurons" yaml:"neurons"`
	Connections []Connection `json:"connections,omitempty" yaml:"connections,omitempty"`
}

// Deployment assigns every expansion to an engine. Engines[i] owns
// expansion i.
type Deployment struct {
	Name    string   `json:"name" yaml:"name"`
	Engines []string `json:"engines" yaml:"engines"`
}

// Interconnect routes spikes from a layer of one expansion into a layer of
// another. Offsets are relative to the expansion start.
type Interconnect struct {
	From       uint32 `json:"from" yaml:"from"`
	FromOffset uint32 `json:"from_offset" yaml:"from_offset"`
	FromCount  uint32 `json:"from_count" yaml:"from_count"`
	To         uint32 `json:"to" yaml:"to"`
	ToOffset   uint32 `json:"to_offset" yaml:"to_offset"`
	ToCount    uint32 `json:"to_count" yaml:"to_count"`
}

// Model is a complete model package.
type Model struct {
	Name          string         `json:"name" yaml:"name"`
	Expansions    []Expansion    `json:"expansions" yaml:"expansions"`
	Deployments   []Deployment   `json:"deployments" yaml:"deployments"`
	Interconnects []Interconnect `json:"interconnects,omitempty" yaml:"interconnects,omitempty"`
}

// DeploymentRecord notes that an engine asked for a full deployment with
// recording switched on.
type DeploymentRecord struct {
	Model      string    `json:"model"`
	Deployment string    `json:"deployment"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ModelStore persists model packages.
type ModelStore interface {
	PutModel(ctx context.Context, m *Model) error
	// GetModel returns ErrNotFound for unknown names.
	GetModel(ctx context.Context, name string) (*Model, error)
	ListModels(ctx context.Context) ([]string, error)
	DeleteModel(ctx context.Context, name string) error

	RecordDeployment(ctx context.Context, model, deployment string) error
	DeploymentRecords(ctx context.Context, model string) ([]DeploymentRecord, error)

	Close() error
}

// NewStore returns a ModelStore for the named backend.
func NewStore(kind, sqlitePath string) (ModelStore, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		s, err := NewSQLiteStore(sqlitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}
