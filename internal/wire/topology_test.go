package wire

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"descriptor", &ModelDescriptorRequest{ModelName: "retina"}},
		{"expansion", &ModelExpansionRequest{ModelName: "retina", Sequence: 7}},
		{"deployment", &ModelDeploymentRequest{ModelName: "retina", DeploymentName: "two-box", EngineName: "e1"}},
		{"interconnect", &ModelInterconnectRequest{ModelName: "retina", DeploymentName: "two-box", EngineName: "e2"}},
		{"full deployment", &ModelFullDeploymentRequest{ModelName: "retina", DeploymentName: "two-box", Record: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeRequest(tt.req)
			got, err := ReadRequest(bytes.NewReader(frame))
			if err != nil {
				t.Fatalf("ReadRequest: %v", err)
			}
			if got.Command() != tt.req.Command() {
				t.Errorf("command = %s, want %s", got.Command(), tt.req.Command())
			}
			if !reflect.DeepEqual(got, tt.req) {
				t.Errorf("round trip = %+v, want %+v", got, tt.req)
			}
		})
	}
}

func TestRequestNamesTruncate(t *testing.T) {
	long := strings.Repeat("n", NameWidth+20)
	frame := EncodeRequest(&ModelDescriptorRequest{ModelName: long})
	if len(frame) != LengthFieldSize+4+NameWidth {
		t.Fatalf("frame is %d bytes", len(frame))
	}
	got, err := ReadRequest(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	name := got.(*ModelDescriptorRequest).ModelName
	if name != long[:NameWidth] || name != FixName(long) {
		t.Errorf("name length %d, want %d", len(name), NameWidth)
	}
}

func TestDecodeRequest_UnknownCommand(t *testing.T) {
	body := []byte{9, 0, 0, 0}
	if _, err := DecodeRequest(body); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	type codec interface {
		MarshalBinary() ([]byte, error)
		UnmarshalBinary([]byte) error
	}
	tests := []struct {
		name  string
		in    codec
		empty codec
	}{
		{
			"descriptor",
			&ModelDescriptorResponse{NeuronCount: 4096, ExpansionCount: 3},
			&ModelDescriptorResponse{},
		},
		{
			"expansion",
			&ModelExpansionResponse{StartingNeuronOffset: 100, NeuronCount: 50, Connections: []Connection{
				{PreSynapticNeuron: 1, PostSynapticNeuron: 2, SynapticStrength: -21, Type: Inhibitory},
				{PreSynapticNeuron: 3, PostSynapticNeuron: 4, SynapticStrength: 21, Type: Attention},
			}},
			&ModelExpansionResponse{},
		},
		{
			"deployment",
			&ModelDeploymentResponse{NeuronCount: 300, Deployments: []Deployment{
				{EngineName: "e1", NeuronCount: 100}, {EngineName: "e2", NeuronCount: 200},
			}},
			&ModelDeploymentResponse{},
		},
		{
			"full deployment",
			&ModelFullDeploymentResponse{Deployments: []FullDeployment{
				{EngineName: "e1", NeuronOffset: 0, NeuronCount: 100},
				{EngineName: "e2", NeuronOffset: 100, NeuronCount: 200},
				{EngineName: "e1", NeuronOffset: 300, NeuronCount: 7},
			}},
			&ModelFullDeploymentResponse{},
		},
		{
			"interconnect",
			&ModelInterconnectResponse{Interconnects: []Interconnect{
				{FromExpansionIndex: 0, FromLayerOffset: 10, FromLayerCount: 20, ToExpansionIndex: 1, ToLayerOffset: 5, ToLayerCount: 20},
			}},
			&ModelInterconnectResponse{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.in.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}
			// Go through the envelope like a socket would.
			body, err := ReadEnvelope(bytes.NewReader(Envelope(data)), MaxTopologyFrameSize)
			if err != nil {
				t.Fatalf("ReadEnvelope: %v", err)
			}
			if err := tt.empty.UnmarshalBinary(body); err != nil {
				t.Fatalf("UnmarshalBinary: %v", err)
			}
			if !reflect.DeepEqual(tt.empty, tt.in) {
				t.Errorf("round trip = %+v, want %+v", tt.empty, tt.in)
			}
		})
	}
}

func TestResponse_CountMismatch(t *testing.T) {
	full := &ModelFullDeploymentResponse{Deployments: []FullDeployment{{EngineName: "e1", NeuronCount: 1}}}
	data, _ := full.MarshalBinary()

	var out ModelFullDeploymentResponse
	if err := out.UnmarshalBinary(data[:len(data)-1]); !errors.Is(err, ErrCountMismatch) {
		t.Errorf("truncated err = %v, want ErrCountMismatch", err)
	}
	if err := out.UnmarshalBinary(append(data, 0)); !errors.Is(err, ErrCountMismatch) {
		t.Errorf("padded err = %v, want ErrCountMismatch", err)
	}
	if err := out.UnmarshalBinary(data[:2]); !errors.Is(err, ErrShortFrame) {
		t.Errorf("headerless err = %v, want ErrShortFrame", err)
	}

	var desc ModelDescriptorResponse
	if err := desc.UnmarshalBinary(make([]byte, 12)); !errors.Is(err, ErrCountMismatch) {
		t.Errorf("descriptor err = %v, want ErrCountMismatch", err)
	}
}
