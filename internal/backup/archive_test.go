package backup

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/store"
)

func writeTestArchive(t *testing.T, models ...*store.Model) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spikefabric-backup-test.gz")
	a := &Archive{Version: ArchiveVersion, CreatedAt: time.Now().UTC(), Models: models}
	if _, err := WriteArchive(path, a, "sqlite"); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}
	return path
}

func TestWriteArchive_Layout(t *testing.T) {
	path := writeTestArchive(t, model("retina", 100, 50))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line, payload, ok := bytes.Cut(data, []byte("\n"))
	if !ok {
		t.Fatal("no header line")
	}
	if !bytes.HasPrefix(line, []byte(`{"version":1`)) {
		t.Errorf("header line = %s", line)
	}
	if len(payload) < 2 || payload[0] != 0x1f || payload[1] != 0x8b {
		t.Error("payload is not gzip")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 0600", perm)
	}
}

func TestReadHeader(t *testing.T) {
	path := writeTestArchive(t, model("retina", 100, 50), model("cortex", 400))
	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.ModelCount != 2 || h.NeuronCount != 550 || h.StoreBackend != "sqlite" {
		t.Errorf("header = %+v", h)
	}
	if !strings.HasPrefix(h.Checksum, "sha256:") {
		t.Errorf("checksum = %s", h.Checksum)
	}
}

func TestVerify(t *testing.T) {
	path := writeTestArchive(t, model("retina", 100))
	if _, err := Verify(path); err != nil {
		t.Fatalf("Verify on a fresh archive: %v", err)
	}

	data, _ := os.ReadFile(path)
	data[len(data)-5] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(path); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("Verify on a tampered archive = %v", err)
	}
	if _, err := ReadArchive(path); err == nil {
		t.Error("ReadArchive should refuse a tampered archive")
	}
}

func TestReadArchive_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"no newline", `{"version":1}`},
		{"not json", "hello\n"},
		{"future version", `{"version":9,"checksum":"sha256:00"}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "-"))
			os.WriteFile(path, []byte(tt.content), 0600)
			if _, err := ReadArchive(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestReadArchive_InvalidModel(t *testing.T) {
	bad := model("retina", 1)
	path := writeTestArchive(t, bad)
	if _, err := ReadArchive(path); err == nil {
		t.Error("expected a connection outside its expansion to be rejected")
	}
}
