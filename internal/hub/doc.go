// ABOUTME: Package documentation for the Integration Hub
// ABOUTME: Explains breaker-per-endpoint isolation and failure classification

// Package hub invokes tools and resources on independently-operated expert
// endpoints over JSON-RPC 2.0 HTTP, guarding each endpoint with its own
// circuit breaker.
//
// # Failure classification
//
// Only connectivity and availability failures affect breaker state: network
// errors, non-2xx responses, unparseable bodies, and timeouts. A well-formed
// JSON-RPC error or an isError tool result means the endpoint is up and
// answering; those surface to the caller as *ToolExecutionError without
// touching the breaker.
//
// # Fast failure
//
// An unknown endpoint name returns ErrUnknownEndpoint before any breaker is
// consulted. An open breaker returns *breaker.OpenError without performing
// the remote call, so callers can show "service temporarily unavailable"
// instead of a generic failure.
//
// # Invocation contract
//
// Tool calls always send the fixed envelope {name, arguments, caller}; the
// hub never inspects remote tool signatures to decide what to pass.
package hub
