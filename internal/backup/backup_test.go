package backup

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/embeddedpenguins/spikefabric/internal/store"
)

func model(name string, neurons ...uint32) *store.Model {
	m := &store.Model{Name: name}
	engines := make([]string, len(neurons))
	for i, n := range neurons {
		m.Expansions = append(m.Expansions, store.Expansion{
			Name:        name + "-pop",
			Neurons:     n,
			Connections: []store.Connection{{Pre: 0, Post: 1, Strength: 21, Type: "excitatory"}},
		})
		engines[i] = "e1"
	}
	m.Deployments = []store.Deployment{{Name: "one-box", Engines: engines}}
	return m
}

func seededStore(t *testing.T) store.ModelStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	for _, m := range []*store.Model{model("retina", 100, 50), model("cortex", 400)} {
		if err := s.PutModel(ctx, m); err != nil {
			t.Fatalf("PutModel(%s): %v", m.Name, err)
		}
	}
	if err := s.RecordDeployment(ctx, "retina", "one-box"); err != nil {
		t.Fatalf("RecordDeployment: %v", err)
	}
	return s
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := seededStore(t)
	path := GeneratePath(t.TempDir())

	h, err := Backup(ctx, src, path, "memory")
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if h.ModelCount != 2 || h.NeuronCount != 550 || h.RecordCount != 1 || h.StoreBackend != "memory" {
		t.Errorf("header = %+v", h)
	}

	dst, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "models.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer dst.Close()

	result, err := Restore(ctx, dst, path, RestoreMerge)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(result.Restored) != 2 || result.Records != 1 {
		t.Errorf("result = %+v", result)
	}

	want, _ := src.GetModel(ctx, "retina")
	got, err := dst.GetModel(ctx, "retina")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if !reflect.DeepEqual(got.Expansions, want.Expansions) || !reflect.DeepEqual(got.Deployments, want.Deployments) {
		t.Errorf("restored retina = %+v, want %+v", got, want)
	}
	records, _ := dst.DeploymentRecords(ctx, "retina")
	if len(records) != 1 || records[0].Deployment != "one-box" {
		t.Errorf("records = %+v", records)
	}
}

func TestRestore_Modes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "spikefabric-backup-test.gz")
	if _, err := Backup(ctx, seededStore(t), path, "memory"); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	t.Run("merge keeps existing", func(t *testing.T) {
		dst := store.NewMemoryStore()
		dst.PutModel(ctx, model("retina", 10))
		result, err := Restore(ctx, dst, path, RestoreMerge)
		if err != nil {
			t.Fatalf("Restore: %v", err)
		}
		if !reflect.DeepEqual(result.Skipped, []string{"retina"}) || !reflect.DeepEqual(result.Restored, []string{"cortex"}) {
			t.Errorf("result = %+v", result)
		}
		if result.Records != 0 {
			t.Errorf("records replayed for a skipped model: %d", result.Records)
		}
		m, _ := dst.GetModel(ctx, "retina")
		if m.TotalNeurons() != 10 {
			t.Errorf("existing retina overwritten: %d neurons", m.TotalNeurons())
		}
	})

	t.Run("replace clears the store", func(t *testing.T) {
		dst := store.NewMemoryStore()
		dst.PutModel(ctx, model("retina", 10))
		dst.PutModel(ctx, model("stale", 5))
		result, err := Restore(ctx, dst, path, RestoreReplace)
		if err != nil {
			t.Fatalf("Restore: %v", err)
		}
		if len(result.Removed) != 2 || len(result.Restored) != 2 || result.Records != 1 {
			t.Errorf("result = %+v", result)
		}
		names, _ := dst.ListModels(ctx)
		if !reflect.DeepEqual(names, []string{"cortex", "retina"}) {
			t.Errorf("models = %v", names)
		}
		m, _ := dst.GetModel(ctx, "retina")
		if m.TotalNeurons() != 150 {
			t.Errorf("retina not replaced: %d neurons", m.TotalNeurons())
		}
	})
}

func TestParseRestoreMode(t *testing.T) {
	tests := []struct {
		in      string
		want    RestoreMode
		wantErr bool
	}{
		{"", RestoreMerge, false},
		{"merge", RestoreMerge, false},
		{"replace", RestoreReplace, false},
		{"overwrite", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRestoreMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseRestoreMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestCheckPath(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(allowed, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"inside", filepath.Join(allowed, "a.gz"), false},
		{"nested missing dirs", filepath.Join(allowed, "x", "y", "a.gz"), false},
		{"outside", filepath.Join(outside, "a.gz"), true},
		{"traversal", filepath.Join(allowed, "..", "a.gz"), true},
		{"symlink escape", filepath.Join(link, "a.gz"), true},
		{"empty", "", true},
		{"nul byte", allowed + "/a\x00.gz", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPath(tt.path, []string{allowed})
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckPath(%q) err = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestGeneratePath(t *testing.T) {
	path := GeneratePath("/backups")
	if filepath.Dir(path) != "/backups" {
		t.Errorf("dir = %s", filepath.Dir(path))
	}
	if base := filepath.Base(path); !strings.HasPrefix(base, filePrefix) || !strings.HasSuffix(base, ".gz") {
		t.Errorf("name = %s", base)
	}
}

func TestDefaultDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir, err := DefaultDir()
	if err != nil {
		t.Fatalf("DefaultDir: %v", err)
	}
	if dir != filepath.Join(home, ".spikefabric", "backups") {
		t.Errorf("DefaultDir = %s", dir)
	}
}
