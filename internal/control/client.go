package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

// Query sends one control query to addr and returns the matching response.
// Unsolicited fullstatus pushes that arrive first are skipped.
func Query(ctx context.Context, addr, query string, values any) (*wire.ControlResponse, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to control service %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	frame, err := wire.EncodeControlRequest(query, values)
	if err != nil {
		return nil, fmt.Errorf("encoding %s query: %w", query, err)
	}
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("sending %s query: %w", query, err)
	}

	// A push and the reply can share one read, so decode a stream of values
	// rather than one frame per read.
	dec := json.NewDecoder(conn)
	for {
		var resp wire.ControlResponse
		if err := dec.Decode(&resp); err != nil {
			return nil, fmt.Errorf("reading %s response: %w", query, err)
		}
		// Format failures carry no query echo.
		if resp.Query == query || resp.Query == "" {
			return &resp, nil
		}
	}
}
