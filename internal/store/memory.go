package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements ModelStore for tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	models  map[string]*Model
	records []DeploymentRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{models: make(map[string]*Model)}
}

// PutModel validates and stores a copy of m, replacing any model of the
// same name.
func (s *MemoryStore) PutModel(ctx context.Context, m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.Name] = cloneModel(m)
	return nil
}

// GetModel returns a copy of the named model.
func (s *MemoryStore) GetModel(ctx context.Context, name string) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[name]
	if !ok {
		return nil, fmt.Errorf("model %s: %w", name, ErrNotFound)
	}
	return cloneModel(m), nil
}

// ListModels returns model names in sorted order.
func (s *MemoryStore) ListModels(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.models))
	for name := range s.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteModel removes a model and its deployment records.
func (s *MemoryStore) DeleteModel(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[name]; !ok {
		return fmt.Errorf("model %s: %w", name, ErrNotFound)
	}
	delete(s.models, name)
	kept := s.records[:0]
	for _, r := range s.records {
		if r.Model != name {
			kept = append(kept, r)
		}
	}
	s.records = kept
	return nil
}

func (s *MemoryStore) RecordDeployment(ctx context.Context, model, deployment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, DeploymentRecord{Model: model, Deployment: deployment, RecordedAt: time.Now().UTC()})
	return nil
}

func (s *MemoryStore) DeploymentRecords(ctx context.Context, model string) ([]DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DeploymentRecord
	for _, r := range s.records {
		if r.Model == model {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneModel(m *Model) *Model {
	c := &Model{
		Name:          m.Name,
		Expansions:    make([]Expansion, len(m.Expansions)),
		Deployments:   make([]Deployment, len(m.Deployments)),
		Interconnects: append([]Interconnect(nil), m.Interconnects...),
	}
	for i, e := range m.Expansions {
		c.Expansions[i] = Expansion{Name: e.Name, Neurons: e.Neurons, Connections: append([]Connection(nil), e.Connections...)}
	}
	for i, d := range m.Deployments {
		c.Deployments[i] = Deployment{Name: d.Name, Engines: append([]string(nil), d.Engines...)}
	}
	return c
}
