package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/store"
)

func infos(now time.Time, ages ...time.Duration) []Info {
	out := make([]Info, len(ages))
	for i, age := range ages {
		out[i] = Info{Path: filepath.Join("/b", string(rune('a'+i))), CreatedAt: now.Add(-age)}
	}
	return out
}

func TestPolicies(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	backups := infos(now, time.Hour, 12*time.Hour, 48*time.Hour, 30*24*time.Hour)
	clock := func() time.Time { return now }

	tests := []struct {
		name   string
		policy RetentionPolicy
		want   int
	}{
		{"count below", CountPolicy{Max: 2}, 2},
		{"count above", CountPolicy{Max: 10}, 4},
		{"age", AgePolicy{MaxAge: 24 * time.Hour, now: clock}, 2},
		{"any keeps the union", AnyPolicy{CountPolicy{Max: 1}, AgePolicy{MaxAge: 72 * time.Hour, now: clock}}, 3},
		{"any of nothing", AnyPolicy{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keep := tt.policy.Keep(backups)
			if len(keep) != tt.want {
				t.Fatalf("kept %d, want %d", len(keep), tt.want)
			}
			if len(keep) > 0 && keep[0].Path != backups[0].Path {
				t.Errorf("newest archive dropped: first kept = %s", keep[0].Path)
			}
		})
	}
}

func TestListAndPrune(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, filePrefix+string(rune('a'+i))+".gz")
		a := &Archive{
			Version:   ArchiveVersion,
			CreatedAt: time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC),
			Models:    []*store.Model{model("retina", 10)},
		}
		if _, err := WriteArchive(path, a, "memory"); err != nil {
			t.Fatalf("WriteArchive: %v", err)
		}
		paths = append(paths, path)
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0600)

	list, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List returned %d archives, want 3", len(list))
	}
	if list[0].Path != paths[2] || list[0].Models != 1 {
		t.Errorf("newest = %+v, want %s", list[0], paths[2])
	}

	removed, err := Prune(dir, CountPolicy{Max: 1})
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("removed %v, want two archives", removed)
	}
	if _, err := os.Stat(paths[2]); err != nil {
		t.Errorf("newest archive was removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Error("unrelated file was removed")
	}
}

func TestList_MissingDir(t *testing.T) {
	list, err := List(filepath.Join(t.TempDir(), "none"))
	if err != nil || list != nil {
		t.Errorf("List(missing) = %v, %v", list, err)
	}
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"720h", 720 * time.Hour, false},
		{"30d", 30 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"", 0, true},
		{"d", 0, true},
		{"3y", 0, true},
		{"-1d", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAge(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ParseAge(%q) = %v, %v", tt.in, got, err)
			}
		})
	}
}
