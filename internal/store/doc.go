// ABOUTME: Package documentation for the event ledger
// ABOUTME: Describes the SQLite persistence layer for published events

// Package store provides SQLite persistence for published events.
//
// The ledger is an append-only record of everything that flows through the
// event bus, keyed by user, so clients that reconnect can fetch recent
// history over the REST API instead of replaying the live stream. The
// database uses WAL mode and modernc.org/sqlite, so no cgo is required.
package store
