// ABOUTME: Package documentation for the in-memory event bus
// ABOUTME: Explains the no-filtering contract and slow-consumer behavior

// Package bus provides the in-memory pub/sub primitive that fans internal
// state changes out to live consumers.
//
// # Contract
//
// The bus deliberately performs no filtering. Every subscriber receives every
// published event; filtering by user or resource scope is the responsibility
// of the consumer (the stream package). This keeps the bus free of domain
// concepts and makes publish cost independent of filter complexity.
//
// # Slow consumers
//
// Each Subscription is a bounded queue. Publish never blocks: when a
// subscriber's queue is full the event is dropped for that subscriber and a
// warning is logged. Other subscribers and the publisher are unaffected.
//
// # Ordering
//
// Within a single Subscription events arrive in publish order. There is no
// ordering guarantee across subscriptions.
package bus
