// Package webhook receives CI events over HTTP and routes them into plans.
//
// Each endpoint verifies an HMAC-SHA256 signature of the raw body with its
// shared secret before anything is decoded. Two body formats are accepted:
//
//   - descriptor: the event descriptor JSON
//     {"reason", "sourceBranch", "repositoryName", "sourceVersion",
//     "pullRequestNumber", "targetBranch"}
//   - github: a GitHub delivery, selected by the X-GitHub-Event header
//
// Responses:
//
//   - 202 Accepted: a plan was submitted; the body carries run and plan ids
//   - 200 OK with status "ignored": the event matched no trigger, the
//     delivery type never plans, or the plan had no stages
//   - 400 Bad Request: the descriptor is not valid JSON
//   - 403 Forbidden: missing or invalid signature (no details)
//   - 413 Payload Too Large: body exceeds max_body_size
//   - 422 Unprocessable Entity: the event or the pipeline cannot be planned
//   - 500 Internal Server Error: submission failed
//
// Example configuration:
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /webhook/github
//	      format: github
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 1MB
package webhook
