package topology

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/logging"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

const (
	// DefaultEnvelopeWait bounds the wait for a response's byte count.
	DefaultEnvelopeWait = 10 * time.Second
	// DefaultBodyWait bounds each wait for more of a response body.
	DefaultBodyWait = 100 * time.Millisecond
)

// ErrUnavailable reports that the topology service did not answer in time
// or the connection failed. Callers treat it as "service unavailable", not
// as a malformed response.
var ErrUnavailable = errors.New("topology service unavailable")

// ClientConfig tunes a Client. Zero values take defaults.
type ClientConfig struct {
	Addr         string
	DialTimeout  time.Duration
	EnvelopeWait time.Duration
	BodyWait     time.Duration
	Logger       *slog.Logger
}

// Client performs synchronous request/response transactions. It keeps one
// connection and redials after a failed transaction, since a timed-out
// response leaves the stream out of step.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewClient returns a Client for cfg.Addr. No connection is made until the
// first transaction.
func NewClient(cfg ClientConfig) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.EnvelopeWait <= 0 {
		cfg.EnvelopeWait = DefaultEnvelopeWait
	}
	if cfg.BodyWait <= 0 {
		cfg.BodyWait = DefaultBodyWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{cfg: cfg, logger: logger}
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Transact sends req and returns the response body.
func (c *Client) Transact(ctx context.Context, req wire.Request) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		d := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.conn = conn
	}

	body, err := c.transact(req)
	if err != nil {
		c.logger.Warn("topology transaction failed", "command", req.Command().String(), "error", err)
		c.closeLocked()
		return nil, err
	}
	return body, nil
}

func (c *Client) transact(req wire.Request) ([]byte, error) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.EnvelopeWait))
	if _, err := c.conn.Write(wire.EncodeRequest(req)); err != nil {
		return nil, fmt.Errorf("%w: sending %s: %v", ErrUnavailable, req.Command(), err)
	}

	var lenBuf [wire.LengthFieldSize]byte
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.EnvelopeWait))
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: waiting for %s response: %v", ErrUnavailable, req.Command(), err)
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size > wire.MaxTopologyFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", wire.ErrFrameTooLarge, size)
	}

	// Each read gets a fresh short deadline; a stalled body aborts.
	body := make([]byte, size)
	for got := 0; got < len(body); {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.BodyWait))
		n, err := c.conn.Read(body[got:])
		got += n
		if err != nil && got < len(body) {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s response stalled at %d of %d bytes", ErrUnavailable, req.Command(), got, len(body))
			}
			return nil, fmt.Errorf("%w: reading %s response: %v", ErrUnavailable, req.Command(), err)
		}
	}
	return body, nil
}

// call transacts and decodes into resp. A count mismatch aborts the
// transaction like a transport failure.
func (c *Client) call(ctx context.Context, req wire.Request, resp interface{ UnmarshalBinary([]byte) error }) error {
	body, err := c.Transact(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.UnmarshalBinary(body); err != nil {
		c.Close()
		return fmt.Errorf("%s response: %w", req.Command(), err)
	}
	return nil
}

func (c *Client) Descriptor(ctx context.Context, model string) (*wire.ModelDescriptorResponse, error) {
	var resp wire.ModelDescriptorResponse
	return &resp, c.call(ctx, &wire.ModelDescriptorRequest{ModelName: model}, &resp)
}

func (c *Client) Expansion(ctx context.Context, model string, sequence uint32) (*wire.ModelExpansionResponse, error) {
	var resp wire.ModelExpansionResponse
	return &resp, c.call(ctx, &wire.ModelExpansionRequest{ModelName: model, Sequence: sequence}, &resp)
}

func (c *Client) Deployment(ctx context.Context, model, deployment, engine string) (*wire.ModelDeploymentResponse, error) {
	var resp wire.ModelDeploymentResponse
	req := &wire.ModelDeploymentRequest{ModelName: model, DeploymentName: deployment, EngineName: engine}
	return &resp, c.call(ctx, req, &resp)
}

func (c *Client) FullDeployment(ctx context.Context, model, deployment string, record bool) (*wire.ModelFullDeploymentResponse, error) {
	var resp wire.ModelFullDeploymentResponse
	req := &wire.ModelFullDeploymentRequest{ModelName: model, DeploymentName: deployment, Record: record}
	return &resp, c.call(ctx, req, &resp)
}

func (c *Client) Interconnects(ctx context.Context, model, deployment, engine string) (*wire.ModelInterconnectResponse, error) {
	var resp wire.ModelInterconnectResponse
	req := &wire.ModelInterconnectRequest{ModelName: model, DeploymentName: deployment, EngineName: engine}
	return &resp, c.call(ctx, req, &resp)
}
