package sensor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/embeddedpenguins/spikefabric/internal/logging"
	"github.com/embeddedpenguins/spikefabric/internal/mux"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

// Locator translates a partition-relative index into the global index space.
// *partition.Map implements it.
type Locator interface {
	Global(expansion int, layerOffset, index uint64) (uint64, error)
}

// Receiver accepts spike frames on an injection service and queues them.
type Receiver struct {
	input   *Input
	locator Locator
	logger  *slog.Logger
}

func NewReceiver(in *Input, loc Locator, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Receiver{input: in, locator: loc, logger: logger}
}

// Factory builds connection handlers for a mux.Service.
func (r *Receiver) Factory() mux.HandlerFactory {
	return func(*mux.Conn) mux.Handler { return r }
}

// HandleInput reads one frame. A frame starting with '[' is a legacy JSON
// payload of global indices; anything else is a byte-counted injection
// frame whose indices are relative to its target layer.
func (r *Receiver) HandleInput(ctx context.Context, c *mux.Conn) error {
	first, err := c.Reader().Peek(1)
	if err != nil {
		return err
	}

	var batch []Injection
	if first[0] == '[' {
		payload, err := wire.ReadControlFrame(c, wire.ControlChunkSize)
		if err != nil {
			return err
		}
		if batch, err = ParseLegacy(payload); err != nil {
			// The payload was consumed whole; the stream is still aligned.
			r.logger.Warn("dropping sensor payload", "peer", c.Peer(), "error", err)
			return nil
		}
	} else {
		body, err := wire.ReadEnvelope(c, wire.MaxInjectionFrameSize)
		if err != nil {
			return err
		}
		frame, err := wire.DecodeSpikeFrame(body)
		if err == nil {
			batch, err = r.translate(frame)
		}
		if err != nil {
			// The byte count kept the stream aligned.
			r.logger.Warn("dropping spike frame", "peer", c.Peer(), "error", err)
			return nil
		}
	}

	r.input.Inject(batch)
	r.logger.Log(ctx, logging.LevelTrace, "sensor input queued", "peer", c.Peer(), "spikes", len(batch))
	return nil
}

func (r *Receiver) translate(f wire.SpikeFrame) ([]Injection, error) {
	batch := make([]Injection, 0, len(f.Events))
	for _, ev := range f.Events {
		global, err := r.locator.Global(int(f.TargetPartitionIndex), uint64(f.TargetLayerOffset), uint64(ev.NeuronIndex))
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", f.TargetPartitionIndex, err)
		}
		batch = append(batch, Injection{Tick: int64(ev.Tick), Index: global})
	}
	return batch, nil
}
