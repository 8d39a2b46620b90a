// Package wire implements the framing used between engines, sensors,
// visualizers and the topology service. Nothing here owns a socket: every
// reader works on an io.Reader and every encoder produces a byte slice.
//
// All multi-byte fields are little-endian, matching the engines that
// first spoke these protocols.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Spike frame layout:
//
//	uint32 PacketSize | uint32 TargetPartitionIndex | uint32 TargetLayerOffset | SpikeEvent[n]
//
// PacketSize counts the bytes that follow it, so n = (PacketSize - SpikeHeaderSize) / SpikeEventSize.
const (
	// LengthFieldSize is the size of the PacketSize envelope field.
	LengthFieldSize = 4

	// SpikeHeaderSize is the part of the header counted by PacketSize.
	SpikeHeaderSize = 8

	// SpikeEventSize is the encoded size of one SpikeEvent.
	SpikeEventSize = 8

	// DefaultBatchCapacity is the number of events an outbound batch holds
	// before it must be flushed.
	DefaultBatchCapacity = 250

	// MaxSpikePacketSize bounds what a reader will allocate for one frame.
	MaxSpikePacketSize = SpikeHeaderSize + 1<<16*SpikeEventSize
)

var (
	ErrShortFrame      = errors.New("short frame")
	ErrMisalignedFrame = errors.New("frame size is not a whole number of events")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrBatchFull       = errors.New("spike batch is full")
)

// SpikeEvent is one firing event.
type SpikeEvent struct {
	Tick        int32
	NeuronIndex uint32
}

// SpikeFrame is a decoded spike frame.
type SpikeFrame struct {
	TargetPartitionIndex uint32
	TargetLayerOffset    uint32
	Events               []SpikeEvent
}

// SpikeBatch is an appendable outbound frame. It is created once per
// connection and reset after every flush.
type SpikeBatch struct {
	packetSize           uint32
	targetPartitionIndex uint32
	targetLayerOffset    uint32
	capacity             int
	events               []SpikeEvent
}

// NewSpikeBatch creates a batch addressed to a partition and layer offset on
// the receiving engine. A capacity below one uses DefaultBatchCapacity.
func NewSpikeBatch(targetPartition, targetLayerOffset uint32, capacity int) *SpikeBatch {
	if capacity < 1 {
		capacity = DefaultBatchCapacity
	}
	return &SpikeBatch{
		packetSize:           SpikeHeaderSize,
		targetPartitionIndex: targetPartition,
		targetLayerOffset:    targetLayerOffset,
		capacity:             capacity,
		events:               make([]SpikeEvent, 0, capacity),
	}
}

// Buffer appends an event. It returns true, without storing the event, when
// the batch already holds Capacity events; the caller must flush and retry.
func (b *SpikeBatch) Buffer(ev SpikeEvent) bool {
	if len(b.events) >= b.capacity {
		return true
	}
	b.events = append(b.events, ev)
	b.packetSize = uint32(SpikeHeaderSize + len(b.events)*SpikeEventSize)
	return false
}

// PacketSize is the value the PacketSize field would carry right now.
func (b *SpikeBatch) PacketSize() uint32 { return b.packetSize }

func (b *SpikeBatch) TargetPartitionIndex() uint32 { return b.targetPartitionIndex }
func (b *SpikeBatch) TargetLayerOffset() uint32    { return b.targetLayerOffset }
func (b *SpikeBatch) Capacity() int                { return b.capacity }
func (b *SpikeBatch) Len() int                     { return len(b.events) }
func (b *SpikeBatch) IsEmpty() bool                { return len(b.events) == 0 }

// Events returns the buffered events. The slice is only valid until Reset.
func (b *SpikeBatch) Events() []SpikeEvent { return b.events }

// Reset clears the batch but keeps its storage.
func (b *SpikeBatch) Reset() {
	b.events = b.events[:0]
	b.packetSize = SpikeHeaderSize
}

// MarshalBinary encodes the batch as a complete spike frame.
func (b *SpikeBatch) MarshalBinary() ([]byte, error) {
	return EncodeSpikeFrame(SpikeFrame{
		TargetPartitionIndex: b.targetPartitionIndex,
		TargetLayerOffset:    b.targetLayerOffset,
		Events:               b.events,
	}), nil
}

// WriteTo writes the batch as one frame.
func (b *SpikeBatch) WriteTo(w io.Writer) (int64, error) {
	data, _ := b.MarshalBinary()
	n, err := w.Write(data)
	return int64(n), err
}

// EncodeSpikeFrame encodes a frame including its PacketSize envelope.
func EncodeSpikeFrame(f SpikeFrame) []byte {
	out := make([]byte, LengthFieldSize+SpikeHeaderSize+len(f.Events)*SpikeEventSize)
	binary.LittleEndian.PutUint32(out[0:], uint32(SpikeHeaderSize+len(f.Events)*SpikeEventSize))
	binary.LittleEndian.PutUint32(out[4:], f.TargetPartitionIndex)
	binary.LittleEndian.PutUint32(out[8:], f.TargetLayerOffset)
	putEvents(out[12:], f.Events)
	return out
}

// Sensor injection frames wrap a spike frame in a uint32 byte count:
//
//	uint32 ByteCount | uint32 PacketSize | uint32 TargetPartitionIndex | uint32 TargetLayerOffset | SpikeEvent[n]
//
// MaxInjectionFrameSize bounds ByteCount.
const MaxInjectionFrameSize = LengthFieldSize + MaxSpikePacketSize

// EncodeInjectionFrame encodes a spike frame for a sensor injection service.
func EncodeInjectionFrame(f SpikeFrame) []byte {
	return Envelope(EncodeSpikeFrame(f))
}

// DecodeSpikeFrame decodes a frame that starts with its PacketSize field.
// Bytes beyond the declared packet are ignored.
func DecodeSpikeFrame(data []byte) (SpikeFrame, error) {
	if len(data) < LengthFieldSize {
		return SpikeFrame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	packetSize := binary.LittleEndian.Uint32(data)
	if uint64(len(data)-LengthFieldSize) < uint64(packetSize) {
		return SpikeFrame{}, fmt.Errorf("%w: declared %d, have %d", ErrShortFrame, packetSize, len(data)-LengthFieldSize)
	}
	return decodeSpikeBody(data[LengthFieldSize : LengthFieldSize+int(packetSize)])
}

// ReadSpikeFrame reads exactly one spike frame from r, looping on short reads.
// io.EOF is returned untouched when r is closed before the first byte.
func ReadSpikeFrame(r io.Reader) (SpikeFrame, error) {
	var lenBuf [LengthFieldSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return SpikeFrame{}, err
	}
	packetSize := binary.LittleEndian.Uint32(lenBuf[:])
	if packetSize > MaxSpikePacketSize {
		return SpikeFrame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, packetSize)
	}
	body := make([]byte, packetSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return SpikeFrame{}, fmt.Errorf("reading spike frame body: %w", err)
	}
	return decodeSpikeBody(body)
}

func decodeSpikeBody(body []byte) (SpikeFrame, error) {
	var f SpikeFrame
	if len(body) < SpikeHeaderSize {
		// A header-only or smaller packet carries no events.
		if len(body) >= 4 {
			f.TargetPartitionIndex = binary.LittleEndian.Uint32(body)
		}
		return f, nil
	}
	f.TargetPartitionIndex = binary.LittleEndian.Uint32(body[0:])
	f.TargetLayerOffset = binary.LittleEndian.Uint32(body[4:])

	payload := body[SpikeHeaderSize:]
	if len(payload)%SpikeEventSize != 0 {
		return SpikeFrame{}, fmt.Errorf("%w: %d trailing bytes", ErrMisalignedFrame, len(payload))
	}
	f.Events = getEvents(payload, len(payload)/SpikeEventSize)
	return f, nil
}

// Legacy spike frames carry only a uint16 event count and the events.
const LegacyLengthFieldSize = 2

// MaxLegacyEvents is the largest count a legacy frame can declare.
const MaxLegacyEvents = 1<<16 - 1

// EncodeLegacySpikes encodes events in the legacy count-prefixed form.
func EncodeLegacySpikes(events []SpikeEvent) ([]byte, error) {
	if len(events) > MaxLegacyEvents {
		return nil, fmt.Errorf("%w: %d events", ErrFrameTooLarge, len(events))
	}
	out := make([]byte, LegacyLengthFieldSize+len(events)*SpikeEventSize)
	binary.LittleEndian.PutUint16(out, uint16(len(events)))
	putEvents(out[LegacyLengthFieldSize:], events)
	return out, nil
}

// ReadLegacySpikes reads one legacy frame from r.
func ReadLegacySpikes(r io.Reader) ([]SpikeEvent, error) {
	var lenBuf [LegacyLengthFieldSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	count := int(binary.LittleEndian.Uint16(lenBuf[:]))
	body := make([]byte, count*SpikeEventSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading legacy spike body: %w", err)
	}
	return getEvents(body, count), nil
}

// DecodeLegacySpikes decodes a legacy frame held entirely in data.
func DecodeLegacySpikes(data []byte) ([]SpikeEvent, error) {
	return ReadLegacySpikes(bytes.NewReader(data))
}

func putEvents(dst []byte, events []SpikeEvent) {
	for i, ev := range events {
		binary.LittleEndian.PutUint32(dst[i*SpikeEventSize:], uint32(ev.Tick))
		binary.LittleEndian.PutUint32(dst[i*SpikeEventSize+4:], ev.NeuronIndex)
	}
}

func getEvents(src []byte, count int) []SpikeEvent {
	events := make([]SpikeEvent, count)
	for i := range events {
		events[i] = SpikeEvent{
			Tick:        int32(binary.LittleEndian.Uint32(src[i*SpikeEventSize:])),
			NeuronIndex: binary.LittleEndian.Uint32(src[i*SpikeEventSize+4:]),
		}
	}
	return events
}
