// ABOUTME: Package documentation for the gateway orchestrator
// ABOUTME: Describes component wiring and the HTTP API surface

// Package gateway wires the event bus, stream connection manager, integration
// hub, and event ledger behind one HTTP server.
//
// API surface (all routes except /health require a bearer JWT):
//
//	GET  /health                                  liveness probe
//	GET  /v1/stats                                connection counts + endpoint breaker states
//	POST /v1/events                               publish an event as the caller
//	GET  /v1/events/recent                        caller's recent events from the ledger
//	GET  /v1/endpoints/{endpoint}/tools           tool catalog of one expert
//	POST /v1/endpoints/{endpoint}/tools/{tool}    invoke a tool
//	GET  /v1/endpoints/{endpoint}/resources?uri=  read a resource
//	GET  /v1/{channel_type}/{resource_id}         SSE stream scoped to the caller
//
// The stream route serves text/event-stream frames ("event: <type>\ndata:
// <json>\n\n") and emits a heartbeat frame when no scoped event arrives
// within the configured interval.
package gateway
