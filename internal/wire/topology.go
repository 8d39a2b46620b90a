package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Command selects a topology request variant.
type Command uint32

const (
	GetModelDescriptor     Command = 0
	GetModelExpansion      Command = 1
	GetModelDeployment     Command = 2
	GetModelInterconnects  Command = 3
	GetFullModelDeployment Command = 4
)

func (c Command) String() string {
	switch c {
	case GetModelDescriptor:
		return "GetModelDescriptor"
	case GetModelExpansion:
		return "GetModelExpansion"
	case GetModelDeployment:
		return "GetModelDeployment"
	case GetModelInterconnects:
		return "GetModelInterconnects"
	case GetFullModelDeployment:
		return "GetFullModelDeployment"
	default:
		return fmt.Sprintf("Command(%d)", uint32(c))
	}
}

// NameWidth is the fixed width of every name field on the topology wire.
const NameWidth = 80

// MaxTopologyFrameSize bounds what a reader will allocate for one topology frame.
const MaxTopologyFrameSize = 64 << 20

var (
	ErrUnknownCommand = errors.New("unknown topology command")
	ErrCountMismatch  = errors.New("declared record count does not match frame size")
)

// Request is one of the five topology requests.
type Request interface {
	Command() Command
	encodeFields(buf *bytes.Buffer)
	decodeFields(r *bytes.Reader) error
}

type ModelDescriptorRequest struct {
	ModelName string
}

type ModelExpansionRequest struct {
	ModelName string
	Sequence  uint32
}

type ModelDeploymentRequest struct {
	ModelName      string
	DeploymentName string
	EngineName     string
}

type ModelInterconnectRequest struct {
	ModelName      string
	DeploymentName string
	EngineName     string
}

type ModelFullDeploymentRequest struct {
	ModelName      string
	DeploymentName string
	Record         bool
}

func (*ModelDescriptorRequest) Command() Command     { return GetModelDescriptor }
func (*ModelExpansionRequest) Command() Command      { return GetModelExpansion }
func (*ModelDeploymentRequest) Command() Command     { return GetModelDeployment }
func (*ModelInterconnectRequest) Command() Command   { return GetModelInterconnects }
func (*ModelFullDeploymentRequest) Command() Command { return GetFullModelDeployment }

func (q *ModelDescriptorRequest) encodeFields(buf *bytes.Buffer) {
	putName(buf, q.ModelName)
}

func (q *ModelDescriptorRequest) decodeFields(r *bytes.Reader) error {
	var err error
	q.ModelName, err = getName(r)
	return err
}

// The expansion request carries its sequence ahead of the model name.
func (q *ModelExpansionRequest) encodeFields(buf *bytes.Buffer) {
	putUint32(buf, q.Sequence)
	putName(buf, q.ModelName)
}

func (q *ModelExpansionRequest) decodeFields(r *bytes.Reader) error {
	var err error
	if q.Sequence, err = getUint32(r); err != nil {
		return err
	}
	q.ModelName, err = getName(r)
	return err
}

func (q *ModelDeploymentRequest) encodeFields(buf *bytes.Buffer) {
	putName(buf, q.ModelName)
	putName(buf, q.DeploymentName)
	putName(buf, q.EngineName)
}

func (q *ModelDeploymentRequest) decodeFields(r *bytes.Reader) error {
	return getNames(r, &q.ModelName, &q.DeploymentName, &q.EngineName)
}

func (q *ModelInterconnectRequest) encodeFields(buf *bytes.Buffer) {
	putName(buf, q.ModelName)
	putName(buf, q.DeploymentName)
	putName(buf, q.EngineName)
}

func (q *ModelInterconnectRequest) decodeFields(r *bytes.Reader) error {
	return getNames(r, &q.ModelName, &q.DeploymentName, &q.EngineName)
}

func (q *ModelFullDeploymentRequest) encodeFields(buf *bytes.Buffer) {
	putName(buf, q.ModelName)
	putName(buf, q.DeploymentName)
	var flag uint32
	if q.Record {
		flag = 1
	}
	putUint32(buf, flag)
}

func (q *ModelFullDeploymentRequest) decodeFields(r *bytes.Reader) error {
	if err := getNames(r, &q.ModelName, &q.DeploymentName); err != nil {
		return err
	}
	flag, err := getUint32(r)
	q.Record = flag != 0
	return err
}

// EncodeRequest encodes a request including its PacketSize envelope.
func EncodeRequest(q Request) []byte {
	var body bytes.Buffer
	putUint32(&body, uint32(q.Command()))
	q.encodeFields(&body)

	out := make([]byte, LengthFieldSize, LengthFieldSize+body.Len())
	binary.LittleEndian.PutUint32(out, uint32(body.Len()))
	return append(out, body.Bytes()...)
}

// DecodeRequest decodes a request body, that is everything after the
// PacketSize envelope.
func DecodeRequest(body []byte) (Request, error) {
	r := bytes.NewReader(body)
	cmd, err := getUint32(r)
	if err != nil {
		return nil, err
	}

	var q Request
	switch Command(cmd) {
	case GetModelDescriptor:
		q = &ModelDescriptorRequest{}
	case GetModelExpansion:
		q = &ModelExpansionRequest{}
	case GetModelDeployment:
		q = &ModelDeploymentRequest{}
	case GetModelInterconnects:
		q = &ModelInterconnectRequest{}
	case GetFullModelDeployment:
		q = &ModelFullDeploymentRequest{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, cmd)
	}
	if err := q.decodeFields(r); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", Command(cmd), err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("decoding %s: %w: %d extra bytes", Command(cmd), ErrCountMismatch, r.Len())
	}
	return q, nil
}

// ReadRequest reads one request frame from r.
func ReadRequest(r io.Reader) (Request, error) {
	body, err := ReadEnvelope(r, MaxTopologyFrameSize)
	if err != nil {
		return nil, err
	}
	return DecodeRequest(body)
}

// ReadEnvelope reads a uint32 byte count and then exactly that many bytes.
func ReadEnvelope(r io.Reader, limit uint32) ([]byte, error) {
	var lenBuf [LengthFieldSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return body, nil
}

// Envelope prefixes body with its uint32 byte count.
func Envelope(body []byte) []byte {
	out := make([]byte, LengthFieldSize, LengthFieldSize+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...)
}

// ConnectionType classifies a synapse.
type ConnectionType uint16

const (
	Excitatory ConnectionType = 0
	Inhibitory ConnectionType = 1
	Attention  ConnectionType = 2
)

// Record sizes of the trailing arrays.
const (
	connectionRecordSize     = 12
	deploymentRecordSize     = NameWidth + 4
	fullDeploymentRecordSize = NameWidth + 8
	interconnectRecordSize   = 24
)

// ModelDescriptorResponse is a fixed-size record; its envelope must equal
// ModelDescriptorResponseSize.
type ModelDescriptorResponse struct {
	NeuronCount    uint32
	ExpansionCount uint32
}

const ModelDescriptorResponseSize = 8

func (m *ModelDescriptorResponse) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	putUint32(&buf, m.NeuronCount)
	putUint32(&buf, m.ExpansionCount)
	return buf.Bytes(), nil
}

func (m *ModelDescriptorResponse) UnmarshalBinary(data []byte) error {
	if len(data) != ModelDescriptorResponseSize {
		return fmt.Errorf("%w: descriptor is %d bytes, want %d", ErrCountMismatch, len(data), ModelDescriptorResponseSize)
	}
	m.NeuronCount = binary.LittleEndian.Uint32(data[0:])
	m.ExpansionCount = binary.LittleEndian.Uint32(data[4:])
	return nil
}

// Connection is one synapse of an expansion.
type Connection struct {
	PreSynapticNeuron  uint32
	PostSynapticNeuron uint32
	SynapticStrength   int16
	Type               ConnectionType
}

// ModelExpansionResponse lists the synapses of one population.
type ModelExpansionResponse struct {
	StartingNeuronOffset uint32
	NeuronCount          uint32
	Connections          []Connection
}

func (m *ModelExpansionResponse) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(12 + len(m.Connections)*connectionRecordSize)
	putUint32(&buf, m.StartingNeuronOffset)
	putUint32(&buf, m.NeuronCount)
	putUint32(&buf, uint32(len(m.Connections)))
	for _, c := range m.Connections {
		putUint32(&buf, c.PreSynapticNeuron)
		putUint32(&buf, c.PostSynapticNeuron)
		putUint16(&buf, uint16(c.SynapticStrength))
		putUint16(&buf, uint16(c.Type))
	}
	return buf.Bytes(), nil
}

func (m *ModelExpansionResponse) UnmarshalBinary(data []byte) error {
	count, err := checkCount(data, 12, 8, connectionRecordSize)
	if err != nil {
		return fmt.Errorf("expansion: %w", err)
	}
	m.StartingNeuronOffset = binary.LittleEndian.Uint32(data[0:])
	m.NeuronCount = binary.LittleEndian.Uint32(data[4:])
	m.Connections = make([]Connection, count)
	for i := range m.Connections {
		rec := data[12+i*connectionRecordSize:]
		m.Connections[i] = Connection{
			PreSynapticNeuron:  binary.LittleEndian.Uint32(rec[0:]),
			PostSynapticNeuron: binary.LittleEndian.Uint32(rec[4:]),
			SynapticStrength:   int16(binary.LittleEndian.Uint16(rec[8:])),
			Type:               ConnectionType(binary.LittleEndian.Uint16(rec[10:])),
		}
	}
	return nil
}

// Deployment assigns a population to an engine.
type Deployment struct {
	EngineName  string
	NeuronCount uint32
}

// ModelDeploymentResponse lists population sizes per engine.
type ModelDeploymentResponse struct {
	NeuronCount uint32
	Deployments []Deployment
}

func (m *ModelDeploymentResponse) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(8 + len(m.Deployments)*deploymentRecordSize)
	putUint32(&buf, m.NeuronCount)
	putUint32(&buf, uint32(len(m.Deployments)))
	for _, d := range m.Deployments {
		putName(&buf, d.EngineName)
		putUint32(&buf, d.NeuronCount)
	}
	return buf.Bytes(), nil
}

func (m *ModelDeploymentResponse) UnmarshalBinary(data []byte) error {
	count, err := checkCount(data, 8, 4, deploymentRecordSize)
	if err != nil {
		return fmt.Errorf("deployment: %w", err)
	}
	m.NeuronCount = binary.LittleEndian.Uint32(data[0:])
	m.Deployments = make([]Deployment, count)
	for i := range m.Deployments {
		rec := data[8+i*deploymentRecordSize:]
		m.Deployments[i] = Deployment{
			EngineName:  trimName(rec[:NameWidth]),
			NeuronCount: binary.LittleEndian.Uint32(rec[NameWidth:]),
		}
	}
	return nil
}

// FullDeployment is one population of a full deployment, in the order the
// topology service enumerates them.
type FullDeployment struct {
	EngineName   string
	NeuronOffset uint32
	NeuronCount  uint32
}

// ModelFullDeploymentResponse lists every population of a deployment.
type ModelFullDeploymentResponse struct {
	Deployments []FullDeployment
}

func (m *ModelFullDeploymentResponse) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(4 + len(m.Deployments)*fullDeploymentRecordSize)
	putUint32(&buf, uint32(len(m.Deployments)))
	for _, d := range m.Deployments {
		putName(&buf, d.EngineName)
		putUint32(&buf, d.NeuronOffset)
		putUint32(&buf, d.NeuronCount)
	}
	return buf.Bytes(), nil
}

func (m *ModelFullDeploymentResponse) UnmarshalBinary(data []byte) error {
	count, err := checkCount(data, 4, 0, fullDeploymentRecordSize)
	if err != nil {
		return fmt.Errorf("full deployment: %w", err)
	}
	m.Deployments = make([]FullDeployment, count)
	for i := range m.Deployments {
		rec := data[4+i*fullDeploymentRecordSize:]
		m.Deployments[i] = FullDeployment{
			EngineName:   trimName(rec[:NameWidth]),
			NeuronOffset: binary.LittleEndian.Uint32(rec[NameWidth:]),
			NeuronCount:  binary.LittleEndian.Uint32(rec[NameWidth+4:]),
		}
	}
	return nil
}

// Interconnect routes spikes from a layer of one expansion to a layer of another.
type Interconnect struct {
	FromExpansionIndex uint32
	FromLayerOffset    uint32
	FromLayerCount     uint32
	ToExpansionIndex   uint32
	ToLayerOffset      uint32
	ToLayerCount       uint32
}

// ModelInterconnectResponse lists every cross-partition route of a deployment.
type ModelInterconnectResponse struct {
	Interconnects []Interconnect
}

func (m *ModelInterconnectResponse) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(4 + len(m.Interconnects)*interconnectRecordSize)
	putUint32(&buf, uint32(len(m.Interconnects)))
	for _, ic := range m.Interconnects {
		putUint32(&buf, ic.FromExpansionIndex)
		putUint32(&buf, ic.FromLayerOffset)
		putUint32(&buf, ic.FromLayerCount)
		putUint32(&buf, ic.ToExpansionIndex)
		putUint32(&buf, ic.ToLayerOffset)
		putUint32(&buf, ic.ToLayerCount)
	}
	return buf.Bytes(), nil
}

func (m *ModelInterconnectResponse) UnmarshalBinary(data []byte) error {
	count, err := checkCount(data, 4, 0, interconnectRecordSize)
	if err != nil {
		return fmt.Errorf("interconnect: %w", err)
	}
	m.Interconnects = make([]Interconnect, count)
	for i := range m.Interconnects {
		rec := data[4+i*interconnectRecordSize:]
		m.Interconnects[i] = Interconnect{
			FromExpansionIndex: binary.LittleEndian.Uint32(rec[0:]),
			FromLayerOffset:    binary.LittleEndian.Uint32(rec[4:]),
			FromLayerCount:     binary.LittleEndian.Uint32(rec[8:]),
			ToExpansionIndex:   binary.LittleEndian.Uint32(rec[12:]),
			ToLayerOffset:      binary.LittleEndian.Uint32(rec[16:]),
			ToLayerCount:       binary.LittleEndian.Uint32(rec[20:]),
		}
	}
	return nil
}

// checkCount validates a header of headerSize bytes whose count field sits
// at countAt, followed by exactly count records of recordSize bytes.
func checkCount(data []byte, headerSize, countAt, recordSize int) (int, error) {
	if len(data) < headerSize {
		return 0, fmt.Errorf("%w: %d bytes, header needs %d", ErrShortFrame, len(data), headerSize)
	}
	count := binary.LittleEndian.Uint32(data[countAt:])
	want := uint64(headerSize) + uint64(count)*uint64(recordSize)
	if uint64(len(data)) != want {
		return 0, fmt.Errorf("%w: count %d needs %d bytes, have %d", ErrCountMismatch, count, want, len(data))
	}
	return int(count), nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func getUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrShortFrame, err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// putName writes name as a NUL-padded field of NameWidth bytes, truncating
// longer names.
func putName(buf *bytes.Buffer, name string) {
	var field [NameWidth]byte
	copy(field[:], name)
	buf.Write(field[:])
}

func getName(r *bytes.Reader) (string, error) {
	var field [NameWidth]byte
	if _, err := io.ReadFull(r, field[:]); err != nil {
		return "", fmt.Errorf("%w: %v", ErrShortFrame, err)
	}
	return trimName(field[:]), nil
}

func getNames(r *bytes.Reader, names ...*string) error {
	for _, n := range names {
		var err error
		if *n, err = getName(r); err != nil {
			return err
		}
	}
	return nil
}

func trimName(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

// FixName returns name as it will read back after a trip through a name
// field.
func FixName(name string) string {
	if len(name) > NameWidth {
		name = name[:NameWidth]
	}
	return trimName([]byte(name))
}
