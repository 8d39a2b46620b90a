package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ControlChunkSize is the read size for control frames. A read that returns
// fewer bytes than this ends the frame.
const ControlChunkSize = 1000

// MaxControlFrameSize bounds how much a single control frame may accumulate.
const MaxControlFrameSize = 1 << 20

// Recognized control query tags.
const (
	QueryFullStatus      = "fullstatus"
	QueryDynamicStatus   = "dynamicstatus"
	QueryRunMeasurements = "runmeasurements"
	QueryConfigurations  = "configurations"
	QuerySettings        = "settings"
	QueryControl         = "control"
	QueryDeploy          = "deploy"
)

// Error tags carried in fail responses.
const (
	ErrorFormat        = "format"
	ErrorUnrecognized  = "unrecognized"
	ErrorMissingValues = "missing Values"
	ErrorDeploy        = "deploy"
	ErrorRateLimited   = "rate limited"
)

const (
	ResultOK   = "ok"
	ResultFail = "fail"
)

// ControlRequest is a decoded control frame.
type ControlRequest struct {
	Query  string          `json:"query"`
	Values json.RawMessage `json:"values,omitempty"`

	// Deploy requests from older clients put their names beside the query.
	Model      string `json:"model,omitempty"`
	Deployment string `json:"deployment,omitempty"`
	Engine     string `json:"engine,omitempty"`
}

// HasValues reports whether the request carried a non-null values member.
func (r *ControlRequest) HasValues() bool {
	return len(r.Values) > 0 && string(r.Values) != "null"
}

// ControlResponse is the envelope every control reply uses.
type ControlResponse struct {
	Query    string         `json:"query,omitempty"`
	Response map[string]any `json:"response"`
}

// DecodeControlRequest parses a control frame.
func DecodeControlRequest(frame []byte) (*ControlRequest, error) {
	var req ControlRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// EncodeControlRequest builds a control frame.
func EncodeControlRequest(query string, values any) ([]byte, error) {
	req := map[string]any{"query": query}
	if values != nil {
		req["values"] = values
	}
	return json.Marshal(req)
}

// OK builds a success response. Fields are merged into the response member.
func OK(query string, fields map[string]any) *ControlResponse {
	resp := &ControlResponse{Query: query, Response: map[string]any{"result": ResultOK}}
	for k, v := range fields {
		resp.Response[k] = v
	}
	return resp
}

// Fail builds a failure response.
func Fail(query, errTag, detail string) *ControlResponse {
	resp := &ControlResponse{Query: query, Response: map[string]any{
		"result": ResultFail,
		"error":  errTag,
	}}
	if detail != "" {
		resp.Response["errordetail"] = detail
	}
	return resp
}

// Encode marshals the response.
func (r *ControlResponse) Encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		data, _ = json.Marshal(Fail(r.Query, ErrorFormat, err.Error()))
	}
	return data
}

// ReadControlFrame reads one control frame from r in chunks of chunkSize.
// A read returning fewer than chunkSize bytes completes the frame. io.EOF is
// returned when the peer closed before sending anything.
func ReadControlFrame(r io.Reader, chunkSize int) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = ControlChunkSize
	}
	chunk := make([]byte, chunkSize)
	var frame []byte
	for {
		n, err := r.Read(chunk)
		frame = append(frame, chunk[:n]...)
		if len(frame) > MaxControlFrameSize {
			return nil, fmt.Errorf("%w: control frame over %d bytes", ErrFrameTooLarge, MaxControlFrameSize)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(frame) > 0 {
				return frame, nil
			}
			return nil, err
		}
		if n < chunkSize {
			if len(frame) == 0 {
				return nil, io.EOF
			}
			return frame, nil
		}
	}
}
