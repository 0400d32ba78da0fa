// Package api documents the a2aflow HTTP API. Handlers live in
// api/handlers; cmd/a2aflow mounts them.
//
// # API Overview
//
// Every JSON response uses the envelope
//
//	{"success": true, "data": ..., "error": {...}, "timestamp": "..."}
//
// Messages and tasks:
//   - POST /a2a/messages: route a message synchronously and return the
//     addressed agent's result with every forwarded hop
//   - POST /a2a/messages/async: enqueue a message, 202 Accepted
//   - GET  /a2a/tasks?agent_id=&state=&limit=: list task records
//   - GET  /a2a/tasks/{id}?agent_id=: GET_STATUS through the router
//   - POST /a2a/tasks/{id}/cancel?agent_id=: CANCEL through the router
//
// Discovery:
//   - GET /a2a/agents?verb=: registered agent cards
//   - GET /a2a/agents/{id}
//
// Pipeline:
//   - POST /a2a/pipeline/runs: dataprep, training and review with the
//     bounded retrain loop
//   - POST /a2a/pipeline/batches: independent runs, one result per item
//
// Events:
//   - GET /a2a/events?type=&agent_id=&task_id=: websocket stream of task
//     transitions and routed messages
//
// Operations:
//   - GET /health, /healthz, /ready, /readyz, /version
//   - GET /metrics on the metrics port
//
// # Error codes
//
// error.code carries the task error code (UNKNOWN_AGENT, UNSUPPORTED_VERB,
// VALIDATION, BACKEND, RETRY_LIMIT_EXCEEDED, ...). The HTTP status is
// derived from it; RETRY_LIMIT_EXCEEDED maps to 422 and the partial
// pipeline result is returned in data.
//
// # Base URL
//
//	http://localhost:8080
package api
