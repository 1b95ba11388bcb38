// ABOUTME: Package documentation for configuration loading
// ABOUTME: Describes the YAML layout, env expansion, and the endpoint manifest

// Package config loads and validates the atrium-gateway configuration.
//
// The main configuration is YAML with ${VAR} environment expansion and
// string durations ("30s", "5m") parsed into time.Duration:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	auth:
//	  jwt_secret: "${ATRIUM_JWT_SECRET}"
//	events:
//	  queue_capacity: 100
//	  heartbeat_interval: "30s"
//	hub:
//	  invoke_timeout: "30s"
//	  failure_threshold: 3
//	  recovery_timeout: "60s"
//	  manifest_path: "./endpoints.toml"
//	ledger:
//	  path: "./data/events.db"
//
// Expert endpoints may be declared inline under hub.endpoints or in a
// separate TOML manifest referenced by hub.manifest_path; see
// LoadEndpointManifest for the manifest shape.
package config
