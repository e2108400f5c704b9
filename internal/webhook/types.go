package webhook

import (
	"context"

	"github.com/mattjoyce/sluice/internal/router"
)

// EventRouter turns an event into a submitted plan. *router.Router
// implements it.
type EventRouter interface {
	Route(ctx context.Context, req router.Request) (*router.Result, error)
}

// Format selects how an endpoint decodes request bodies.
type Format string

const (
	FormatDescriptor Format = "descriptor"
	FormatGitHub     Format = "github"
)

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	Path   string
	Format Format
	// Secret is the HMAC-SHA256 key; it must not be empty.
	Secret string
	// SignatureHeader defaults to X-Hub-Signature-256.
	SignatureHeader string
	MaxBodySize     int64
}

// TriggerResponse is the JSON body of 200 and 202 responses.
type TriggerResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
	PlanID string `json:"plan_id,omitempty"`
	Stages int    `json:"stages,omitempty"`
	Jobs   int    `json:"jobs,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse is the JSON body of error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultSignatureHeader = "X-Hub-Signature-256"
	GitHubEventHeader      = "X-GitHub-Event"

	StatusSubmitted = "submitted"
	StatusIgnored   = "ignored"
)
