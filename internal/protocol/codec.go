package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest writes req to w as one line of JSON.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.RunID == "" || req.Job.ID == "" {
		return fmt.Errorf("request needs a run id and a job id")
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeResponse reads everything from r and decodes it as a Response. The
// raw bytes are returned alongside so callers can log unusable output.
// Unknown fields are ignored.
func DecodeResponse(r io.Reader) (*Response, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, data, fmt.Errorf("agent produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("agent output is not valid JSON: %w", err)
	}
	if err := resp.validate(); err != nil {
		return nil, data, err
	}
	return &resp, data, nil
}

func (r *Response) validate() error {
	switch r.Status {
	case "":
		return fmt.Errorf("response missing required field: status")
	case StatusOK:
	case StatusError:
		if r.Error == "" {
			return fmt.Errorf("response has status=error but no error message")
		}
	default:
		return fmt.Errorf("invalid status value: %q (must be %q or %q)", r.Status, StatusOK, StatusError)
	}
	for i, l := range r.Logs {
		switch l.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("logs[%d]: invalid level %q", i, l.Level)
		}
	}
	return nil
}
