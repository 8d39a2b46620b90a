package control

import (
	"context"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/mux"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

// DefaultPushInterval is how often a connected client receives an
// unsolicited fullstatus.
const DefaultPushInterval = time.Second

// Factory builds per-connection handlers for a mux.Service. A push interval
// at or below zero disables unsolicited status.
func (h *Handler) Factory(pushInterval time.Duration) mux.HandlerFactory {
	return func(*mux.Conn) mux.Handler {
		return &connHandler{query: h, interval: pushInterval}
	}
}

type connHandler struct {
	query    *Handler
	interval time.Duration
	lastPush time.Time
	armed    bool
}

func (c *connHandler) HandleInput(ctx context.Context, conn *mux.Conn) error {
	frame, err := wire.ReadControlFrame(conn, wire.ControlChunkSize)
	if err != nil {
		return err
	}
	resp := c.query.HandleQuery(ctx, conn.Peer(), frame)
	_, err = conn.Write(resp.Encode())
	return err
}

// Push sends fullstatus every interval. The first call after accept only
// arms the timer.
func (c *connHandler) Push(ctx context.Context, conn *mux.Conn, now time.Time) error {
	if c.interval <= 0 {
		return nil
	}
	if !c.armed {
		c.armed = true
		c.lastPush = now
		return nil
	}
	if now.Sub(c.lastPush) < c.interval {
		return nil
	}
	c.lastPush = now
	resp := wire.OK(wire.QueryFullStatus, map[string]any{"status": c.query.backend.FullStatus()})
	_, err := conn.Write(resp.Encode())
	return err
}
