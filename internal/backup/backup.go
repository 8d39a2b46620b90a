// Package backup snapshots a model store into a checksummed archive and
// restores it, so a topology service can move between hosts or backends
// without re-importing every package file.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/store"
)

const filePrefix = "spikefabric-backup-"

// DefaultDir returns ~/.spikefabric/backups.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".spikefabric", "backups"), nil
}

// GeneratePath returns a timestamped archive name inside dir.
func GeneratePath(dir string) string {
	return filepath.Join(dir, filePrefix+time.Now().UTC().Format("20060102-150405.000")+".gz")
}

// CheckPath rejects paths that are empty, contain a NUL byte, or resolve
// (after following symlinks on the deepest existing ancestor) outside
// every allowed directory.
func CheckPath(path string, allowed []string) error {
	if path == "" || strings.ContainsRune(path, 0) {
		return fmt.Errorf("invalid backup path %q", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	resolved, err := resolve(abs)
	if err != nil {
		return err
	}
	for _, dir := range allowed {
		base, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if base, err = resolve(base); err != nil {
			continue
		}
		if resolved == base || strings.HasPrefix(resolved, base+string(os.PathSeparator)) {
			return nil
		}
	}
	return fmt.Errorf("backup path %s is outside the allowed directories", filepath.Base(path))
}

func resolve(p string) (string, error) {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r, nil
	}
	parent := filepath.Dir(p)
	if parent == p {
		return "", fmt.Errorf("cannot resolve %s", p)
	}
	r, err := resolve(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(r, filepath.Base(p)), nil
}

// Backup writes every model in s, with its deployment records, to path.
func Backup(ctx context.Context, s store.ModelStore, path, backend string) (*Header, error) {
	names, err := s.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}

	a := &Archive{Version: ArchiveVersion, CreatedAt: time.Now().UTC()}
	for _, name := range names {
		m, err := s.GetModel(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("reading model %s: %w", name, err)
		}
		records, err := s.DeploymentRecords(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("reading records for %s: %w", name, err)
		}
		a.Models = append(a.Models, m)
		a.Records = append(a.Records, records...)
	}
	return WriteArchive(path, a, backend)
}

// RestoreMode controls how a restore treats models already in the store.
type RestoreMode string

const (
	// RestoreMerge keeps existing models and only adds missing ones.
	RestoreMerge RestoreMode = "merge"
	// RestoreReplace empties the store first.
	RestoreReplace RestoreMode = "replace"
)

// ParseRestoreMode accepts "merge" (also the empty string) or "replace".
func ParseRestoreMode(s string) (RestoreMode, error) {
	switch RestoreMode(s) {
	case "", RestoreMerge:
		return RestoreMerge, nil
	case RestoreReplace:
		return RestoreReplace, nil
	}
	return "", fmt.Errorf("invalid restore mode %q (want merge or replace)", s)
}

// RestoreResult counts what a restore did.
type RestoreResult struct {
	Restored []string `json:"restored"`
	Skipped  []string `json:"skipped,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Records  int      `json:"records"`
}

// Restore loads the archive at path into s. Deployment records are replayed
// only for models the restore actually wrote.
func Restore(ctx context.Context, s store.ModelStore, path string, mode RestoreMode) (*RestoreResult, error) {
	a, err := ReadArchive(path)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{}
	if mode == RestoreReplace {
		existing, err := s.ListModels(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing models: %w", err)
		}
		for _, name := range existing {
			if err := s.DeleteModel(ctx, name); err != nil {
				return nil, fmt.Errorf("removing %s: %w", name, err)
			}
			result.Removed = append(result.Removed, name)
		}
	}

	written := make(map[string]bool, len(a.Models))
	for _, m := range a.Models {
		if mode == RestoreMerge {
			_, err := s.GetModel(ctx, m.Name)
			if err == nil {
				result.Skipped = append(result.Skipped, m.Name)
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("checking %s: %w", m.Name, err)
			}
		}
		if err := s.PutModel(ctx, m); err != nil {
			return nil, fmt.Errorf("restoring %s: %w", m.Name, err)
		}
		written[m.Name] = true
		result.Restored = append(result.Restored, m.Name)
	}

	for _, r := range a.Records {
		if !written[r.Model] {
			continue
		}
		if err := s.RecordDeployment(ctx, r.Model, r.Deployment); err != nil {
			return nil, fmt.Errorf("restoring record for %s: %w", r.Model, err)
		}
		result.Records++
	}
	return result, nil
}
