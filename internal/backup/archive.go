package backup

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/store"
)

// ArchiveVersion is the only archive layout this package writes or reads.
const ArchiveVersion = 1

// MaxPayloadSize caps the decompressed payload (200MB).
const MaxPayloadSize = 200 * 1024 * 1024

// Header is the plain JSON first line of an archive. It can be read
// without touching the compressed payload that follows it.
type Header struct {
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	Checksum     string    `json:"checksum"`
	ModelCount   int       `json:"model_count"`
	NeuronCount  uint64    `json:"neuron_count"`
	RecordCount  int       `json:"record_count"`
	StoreBackend string    `json:"store_backend,omitempty"`
}

// Archive is the payload: every model package in a store plus the
// deployment records kept for them.
type Archive struct {
	Version   int                      `json:"version"`
	CreatedAt time.Time                `json:"created_at"`
	Models    []*store.Model           `json:"models"`
	Records   []store.DeploymentRecord `json:"records,omitempty"`
}

func (a *Archive) neurons() uint64 {
	var n uint64
	for _, m := range a.Models {
		n += m.TotalNeurons()
	}
	return n
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// WriteArchive writes a as a header line followed by the gzip-compressed
// JSON payload. The file is created with 0600 permissions.
func WriteArchive(path string, a *Archive, backend string) (*Header, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshaling archive: %w", err)
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(payload); err != nil {
		return nil, fmt.Errorf("compressing archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compressing archive: %w", err)
	}

	h := &Header{
		Version:      ArchiveVersion,
		CreatedAt:    a.CreatedAt,
		Checksum:     checksum(compressed.Bytes()),
		ModelCount:   len(a.Models),
		NeuronCount:  a.neurons(),
		RecordCount:  len(a.Records),
		StoreBackend: backend,
	}
	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating backup file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	w.Write(line)
	w.WriteByte('\n')
	w.Write(compressed.Bytes())
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("writing backup file: %w", err)
	}
	return h, f.Close()
}

// openArchive parses the header and returns a reader positioned at the
// start of the compressed payload.
func openArchive(path string) (*Header, *bufio.Reader, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening backup: %w", err)
	}
	r := bufio.NewReader(f)
	line, err := r.ReadBytes('\n')
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("reading header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &h); err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	if h.Version != ArchiveVersion {
		f.Close()
		return nil, nil, nil, fmt.Errorf("unsupported backup version %d", h.Version)
	}
	return &h, r, f, nil
}

// ReadHeader returns the header of an archive without decompressing it.
func ReadHeader(path string) (*Header, error) {
	h, _, f, err := openArchive(path)
	if err != nil {
		return nil, err
	}
	f.Close()
	return h, nil
}

// Verify checks the payload checksum against the header.
func Verify(path string) (*Header, error) {
	h, r, f, err := openArchive(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if got := checksum(data); got != h.Checksum {
		return nil, fmt.Errorf("checksum mismatch: header %s, payload %s", h.Checksum, got)
	}
	return h, nil
}

// ReadArchive verifies and decodes an archive. Every model is validated
// before it is returned.
func ReadArchive(path string) (*Archive, error) {
	h, r, f, err := openArchive(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if got := checksum(data); got != h.Checksum {
		return nil, fmt.Errorf("checksum mismatch: header %s, payload %s", h.Checksum, got)
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	defer gz.Close()
	payload, err := io.ReadAll(io.LimitReader(gz, MaxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload exceeds %d bytes", MaxPayloadSize)
	}

	var a Archive
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}
	for _, m := range a.Models {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("model %s: %w", m.Name, err)
		}
	}
	return &a, nil
}
