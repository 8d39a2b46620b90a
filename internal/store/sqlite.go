package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements ModelStore on a SQLite database file.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite works best with single writer

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// PutModel validates m and replaces any stored model of the same name in
// one transaction.
func (s *SQLiteStore) PutModel(ctx context.Context, m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM models WHERE name = ?`, m.Name); err != nil {
		return fmt.Errorf("failed to replace model %s: %w", m.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO models (name, updated_at) VALUES (?, ?)`,
		m.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to insert model %s: %w", m.Name, err)
	}

	expStmt, err := tx.PrepareContext(ctx, `INSERT INTO expansions (model, seq, name, neurons) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare expansion insert: %w", err)
	}
	defer expStmt.Close()
	connStmt, err := tx.PrepareContext(ctx, `INSERT INTO connections (model, expansion, ord, pre, post, strength, type) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare connection insert: %w", err)
	}
	defer connStmt.Close()

	for i, e := range m.Expansions {
		if _, err := expStmt.ExecContext(ctx, m.Name, i, e.Name, e.Neurons); err != nil {
			return fmt.Errorf("failed to insert expansion %d: %w", i, err)
		}
		for j, c := range e.Connections {
			typ := c.Type
			if typ == "" {
				typ = "excitatory"
			}
			if _, err := connStmt.ExecContext(ctx, m.Name, i, j, c.Pre, c.Post, c.Strength, typ); err != nil {
				return fmt.Errorf("failed to insert connection %d of expansion %d: %w", j, i, err)
			}
		}
	}

	for i, d := range m.Deployments {
		engines, err := json.Marshal(d.Engines)
		if err != nil {
			return fmt.Errorf("marshal engines of %s: %w", d.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO deployments (model, name, ord, engines) VALUES (?, ?, ?, ?)`,
			m.Name, d.Name, i, string(engines)); err != nil {
			return fmt.Errorf("failed to insert deployment %s: %w", d.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM interconnects WHERE model = ?`, m.Name); err != nil {
		return fmt.Errorf("failed to clear interconnects: %w", err)
	}
	for i, ic := range m.Interconnects {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO interconnects (model, ord, from_expansion, from_offset, from_count, to_expansion, to_offset, to_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.Name, i, ic.From, ic.FromOffset, ic.FromCount, ic.To, ic.ToOffset, ic.ToCount); err != nil {
			return fmt.Errorf("failed to insert interconnect %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// GetModel loads the named model.
func (s *SQLiteStore) GetModel(ctx context.Context, name string) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM models WHERE name = ?`, name).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to look up model %s: %w", name, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("model %s: %w", name, ErrNotFound)
	}

	m := &Model{Name: name}
	if err := s.loadExpansions(ctx, m); err != nil {
		return nil, err
	}
	if err := s.loadDeployments(ctx, m); err != nil {
		return nil, err
	}
	if err := s.loadInterconnects(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) loadExpansions(ctx context.Context, m *Model) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, neurons FROM expansions WHERE model = ? ORDER BY seq`, m.Name)
	if err != nil {
		return fmt.Errorf("failed to query expansions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Expansion
		if err := rows.Scan(&e.Name, &e.Neurons); err != nil {
			return fmt.Errorf("failed to scan expansion: %w", err)
		}
		m.Expansions = append(m.Expansions, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	crows, err := s.db.QueryContext(ctx, `
		SELECT expansion, pre, post, strength, type FROM connections
		WHERE model = ? ORDER BY expansion, ord`, m.Name)
	if err != nil {
		return fmt.Errorf("failed to query connections: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var idx int
		var c Connection
		if err := crows.Scan(&idx, &c.Pre, &c.Post, &c.Strength, &c.Type); err != nil {
			return fmt.Errorf("failed to scan connection: %w", err)
		}
		if idx < 0 || idx >= len(m.Expansions) {
			return fmt.Errorf("connection references expansion %d of %d", idx, len(m.Expansions))
		}
		m.Expansions[idx].Connections = append(m.Expansions[idx].Connections, c)
	}
	return crows.Err()
}

func (s *SQLiteStore) loadDeployments(ctx context.Context, m *Model) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, engines FROM deployments WHERE model = ? ORDER BY ord`, m.Name)
	if err != nil {
		return fmt.Errorf("failed to query deployments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d Deployment
		var engines string
		if err := rows.Scan(&d.Name, &engines); err != nil {
			return fmt.Errorf("failed to scan deployment: %w", err)
		}
		if err := json.Unmarshal([]byte(engines), &d.Engines); err != nil {
			return fmt.Errorf("unmarshal engines of %s: %w", d.Name, err)
		}
		m.Deployments = append(m.Deployments, d)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadInterconnects(ctx context.Context, m *Model) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_expansion, from_offset, from_count, to_expansion, to_offset, to_count
		FROM interconnects WHERE model = ? ORDER BY ord`, m.Name)
	if err != nil {
		return fmt.Errorf("failed to query interconnects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ic Interconnect
		if err := rows.Scan(&ic.From, &ic.FromOffset, &ic.FromCount, &ic.To, &ic.ToOffset, &ic.ToCount); err != nil {
			return fmt.Errorf("failed to scan interconnect: %w", err)
		}
		m.Interconnects = append(m.Interconnects, ic)
	}
	return rows.Err()
}

// ListModels returns model names in sorted order.
func (s *SQLiteStore) ListModels(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan model name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteModel removes a model; dependent rows cascade.
func (s *SQLiteStore) DeleteModel(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete model %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("model %s: %w", name, ErrNotFound)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM interconnects WHERE model = ?`, name); err != nil {
		return fmt.Errorf("failed to delete interconnects of %s: %w", name, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deployment_records WHERE model = ?`, name); err != nil {
		return fmt.Errorf("failed to delete records of %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) RecordDeployment(ctx context.Context, model, deployment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO deployment_records (model, deployment, recorded_at) VALUES (?, ?, ?)`,
		model, deployment, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeploymentRecords(ctx context.Context, model string) ([]DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT model, deployment, recorded_at FROM deployment_records
		WHERE model = ? ORDER BY id`, model)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment records: %w", err)
	}
	defer rows.Close()

	var out []DeploymentRecord
	for rows.Next() {
		var r DeploymentRecord
		var at string
		if err := rows.Scan(&r.Model, &r.Deployment, &at); err != nil {
			return nil, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		r.RecordedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
