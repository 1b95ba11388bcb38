// ABOUTME: Event type broadcast on the bus, scoped by user and validated on publish
// ABOUTME: Defines the wire shape shared by the bus, stream transport, and ledger

package bus

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingField is returned by Publish when a mandatory event field is absent.
// The wrapped message names the offending field.
var ErrMissingField = errors.New("event missing required field")

// Event is an immutable fact broadcast on the bus. Type and UserID are
// mandatory; Timestamp is populated by the bus when zero. Data carries the
// domain payload and Metadata carries routing scope (workspace_id,
// conversation_id) consumed by the stream layer.
//
// The struct is delivered by value, but Data and Metadata are maps shared by
// reference with the publisher and every other subscriber. Neither may be
// mutated once the event has been published.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	UserID    string         `json:"user_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks that the mandatory fields are present.
func (e *Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: type", ErrMissingField)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: user_id", ErrMissingField)
	}
	return nil
}

// MetaString returns the named metadata value if it is a non-empty string.
func (e *Event) MetaString(key string) (string, bool) {
	if e.Metadata == nil {
		return "", false
	}
	v, ok := e.Metadata[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
