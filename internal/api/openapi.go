package api

import (
	"net/http"

	"github.com/mattjoyce/sluice/internal/auth"
)

type route struct {
	method  string
	path    string
	summary string
	scope   string
	body    bool
	codes   map[string]string
}

var routes = []route{
	{method: "post", path: "/plans/preview", summary: "Plan an event without submitting it", scope: auth.ScopePlansRead, body: true,
		codes: map[string]string{"200": "Plan built or event not triggered", "422": "Event or pipeline cannot be planned"}},
	{method: "post", path: "/plans", summary: "Plan an event and submit it for execution", scope: auth.ScopePlansWrite, body: true,
		codes: map[string]string{"200": "Nothing submitted", "202": "Plan submitted", "422": "Event or pipeline cannot be planned"}},
	{method: "get", path: "/runs/{runID}", summary: "Get a run with its stage and job states", scope: auth.ScopeRunsRead,
		codes: map[string]string{"200": "Run", "404": "Run not found"}},
	{method: "post", path: "/runs/{runID}/cancel", summary: "Cancel an executing run", scope: auth.ScopeRunsWrite,
		codes: map[string]string{"202": "Cancellation requested", "404": "Run not found", "409": "Run is not executing"}},
	{method: "get", path: "/events", summary: "Stream planning and execution events", scope: auth.ScopeEventsRead,
		codes: map[string]string{"200": "text/event-stream"}},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the authenticated
// routes.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		responses := map[string]any{
			"401": map[string]any{"description": "Missing or invalid bearer token"},
			"403": map[string]any{"description": "Insufficient scope"},
		}
		for code, desc := range rt.codes {
			responses[code] = map[string]any{"description": desc}
		}
		op := map[string]any{
			"summary":   rt.summary,
			"responses": responses,
			"security":  []any{map[string]any{"BearerAuth": []string{rt.scope}}},
		}
		if rt.body {
			op["requestBody"] = map[string]any{
				"required": true,
				"content": map[string]any{
					"application/json": map[string]any{"schema": planRequestSchema},
				},
			}
		}
		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Sluice",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

var planRequestSchema = map[string]any{
	"type":     "object",
	"required": []string{"event"},
	"properties": map[string]any{
		"event": map[string]any{
			"type":     "object",
			"required": []string{"reason", "sourceBranch", "repositoryName"},
			"properties": map[string]any{
				"reason":            map[string]any{"type": "string", "enum": []string{"IndividualCI", "PullRequest", "Schedule"}},
				"sourceBranch":      map[string]any{"type": "string"},
				"repositoryName":    map[string]any{"type": "string"},
				"sourceVersion":     map[string]any{"type": "string"},
				"pullRequestNumber": map[string]any{"type": "integer"},
				"targetBranch":      map[string]any{"type": "string"},
			},
		},
		"parameters": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "name=value parameter overrides",
		},
	},
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
