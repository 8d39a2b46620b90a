package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAuditLogger_NilSafety(t *testing.T) {
	t.Run("empty dir disables auditing", func(t *testing.T) {
		if logger := NewAuditLogger(""); logger != nil {
			t.Error("expected nil logger for empty dir")
		}
	})

	t.Run("nil logger Log is no-op", func(t *testing.T) {
		var logger *AuditLogger
		logger.Log(AuditEntry{Tool: "test"})
	})

	t.Run("nil logger Close is no-op", func(t *testing.T) {
		var logger *AuditLogger
		if err := logger.Close(); err != nil {
			t.Errorf("Close() on nil logger returned error: %v", err)
		}
	})
}

func readAudit(t *testing.T, dir string) []AuditEntry {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	var entries []AuditEntry
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			t.Fatalf("parsing audit entry %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestAuditLogger_WritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logger := NewAuditLogger(dir)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	defer logger.Close()

	logger.Log(AuditEntry{
		Timestamp:  time.Now(),
		Tool:       "engine_deploy",
		Engine:     "127.0.0.1:8000",
		DurationMs: 42,
		Status:     "success",
		Params:     map[string]string{"model": "retina"},
	})
	logger.Log(AuditEntry{Tool: "engine_status", Status: "error", Error: "connection refused"})

	entries := readAudit(t, dir)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Tool != "engine_deploy" || entries[0].DurationMs != 42 || entries[0].Engine != "127.0.0.1:8000" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[0].Params["model"] != "retina" {
		t.Errorf("params[model] = %q, want retina", entries[0].Params["model"])
	}
	if entries[1].Status != "error" || entries[1].Error != "connection refused" {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}

func TestAuditLogger_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	logger := NewAuditLogger(dir)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	defer logger.Close()

	info, err := os.Stat(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 0600", perm)
	}
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	logger := NewAuditLogger(dir)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	defer logger.Close()

	const goroutines = 10
	const entriesPerGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < entriesPerGoroutine; i++ {
				logger.Log(AuditEntry{Tool: "engine_status", DurationMs: int64(id*100 + i), Status: "success"})
			}
		}(g)
	}
	wg.Wait()

	if got := len(readAudit(t, dir)); got != goroutines*entriesPerGoroutine {
		t.Errorf("line count = %d, want %d", got, goroutines*entriesPerGoroutine)
	}
}

func TestAuditLogger_NonFatalOnBadPath(t *testing.T) {
	dir := t.TempDir()
	blockPath := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blockPath, []byte("file"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	logger := NewAuditLogger(filepath.Join(blockPath, "audit"))
	if logger != nil {
		t.Error("expected nil logger when the directory cannot be created")
	}
	logger.Log(AuditEntry{Tool: "test"})
}

func TestAuditParams(t *testing.T) {
	got := auditParams(map[string]any{
		"model":  "retina",
		"run":    true,
		"secret": "hidden",
	})
	if got["model"] != "retina" || got["run"] != "true" {
		t.Errorf("expected model and run to be logged, got %v", got)
	}
	if _, ok := got["secret"]; ok {
		t.Errorf("unknown keys must not be logged, got %v", got)
	}
	if got["_param_count"] != "3" {
		t.Errorf("_param_count = %q, want 3", got["_param_count"])
	}
	if auditParams(nil) != nil {
		t.Error("nil params should stay nil")
	}
}

func TestAuditTool_RecordsErrors(t *testing.T) {
	dir := t.TempDir()
	s := &Server{controlAddr: "127.0.0.1:8000", audit: NewAuditLogger(dir)}
	defer s.Close()

	s.auditTool("engine_control", time.Now(), errors.New("boom"), map[string]string{"run": "true"})

	entries := readAudit(t, dir)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Tool != "engine_control" || e.Status != "error" || e.Error != "boom" || e.Engine != "127.0.0.1:8000" {
		t.Errorf("unexpected entry: %+v", e)
	}
}
