package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/sluice/internal/expr"
	"github.com/mattjoyce/sluice/internal/planner"
)

func testJob() planner.JobInstance {
	return planner.JobInstance{
		ID:         "Tests/test-linux[1]",
		Stage:      "Tests",
		Name:       "test-linux",
		Template:   ".azure/test-linux.yml",
		Index:      1,
		Item:       "3.12",
		Parameters: map[string]expr.Value{"pythonVersion": expr.String("3.12")},
	}
}

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid request",
			req: &Request{
				Protocol:   Version,
				RunID:      "run-123",
				Job:        testJob(),
				DeadlineAt: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				for _, want := range []string{
					`"protocol":1`,
					`"runId":"run-123"`,
					`"id":"Tests/test-linux[1]"`,
					`"template":".azure/test-linux.yml"`,
					`"pythonVersion":"3.12"`,
					`"deadlineAt":"2026-02-08T12:00:00Z"`,
				} {
					if !strings.Contains(output, want) {
						t.Errorf("output missing %s: %s", want, output)
					}
				}
				if !strings.HasSuffix(output, "\n") {
					t.Error("request should end with a newline")
				}
			},
		},
		{
			name:    "unsupported protocol version",
			req:     &Request{Protocol: 2, RunID: "run-1", Job: testJob()},
			wantErr: true,
		},
		{
			name:    "missing run id",
			req:     &Request{Protocol: Version, Job: testJob()},
			wantErr: true,
		},
		{
			name:    "missing job id",
			req:     &Request{Protocol: Version, RunID: "run-1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRequest(&buf, tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestEncodeRequestRoundTripsJob(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeRequest(&buf, &Request{Protocol: Version, RunID: "run-1", Job: testJob()}); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	var got struct {
		Job struct {
			Index int    `json:"index"`
			Item  string `json:"item"`
		} `json:"job"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Job.Index != 1 || got.Job.Item != "3.12" {
		t.Fatalf("job = %+v", got.Job)
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
		checkFn func(t *testing.T, resp *Response)
	}{
		{
			name:  "ok",
			input: `{"status":"ok"}`,
			checkFn: func(t *testing.T, resp *Response) {
				if !resp.Succeeded() {
					t.Error("expected success")
				}
			},
		},
		{
			name:  "error with logs and extra fields",
			input: "\n" + `{"status":"error","error":"3 tests failed","logs":[{"level":"warn","message":"flaky"}],"extra":true}` + "\n",
			checkFn: func(t *testing.T, resp *Response) {
				if resp.Succeeded() || resp.Error != "3 tests failed" {
					t.Errorf("resp = %+v", resp)
				}
				if len(resp.Logs) != 1 || resp.Logs[0].Message != "flaky" {
					t.Errorf("logs = %+v", resp.Logs)
				}
			},
		},
		{name: "empty output", input: "  \n", wantErr: "no output"},
		{name: "not json", input: "Traceback (most recent call last):", wantErr: "not valid JSON"},
		{name: "missing status", input: `{"error":"x"}`, wantErr: "missing required field"},
		{name: "unknown status", input: `{"status":"maybe"}`, wantErr: "invalid status"},
		{name: "error without message", input: `{"status":"error"}`, wantErr: "no error message"},
		{name: "bad log level", input: `{"status":"ok","logs":[{"level":"trace","message":"m"}]}`, wantErr: "invalid level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw, err := DecodeResponse(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("DecodeResponse() error = %v, want containing %q", err, tt.wantErr)
				}
				if string(raw) != strings.TrimSpace(tt.input) {
					t.Fatalf("raw = %q", raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeResponse() unexpected error: %v", err)
			}
			tt.checkFn(t, resp)
		})
	}
}
