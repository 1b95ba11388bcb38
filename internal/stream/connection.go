// ABOUTME: Connection type representing one scoped, heartbeat-guaranteed live session
// ABOUTME: Owns exactly one bus subscription and filters events to its scope

package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atriumhq/atrium/internal/bus"
)

// HeartbeatEventType is the synthetic event type yielded when no scoped event
// arrives within the heartbeat interval.
const HeartbeatEventType = "heartbeat"

// ErrConnectionClosed is returned by Recv once the connection's subscription
// has been removed from the bus. It is the explicit end-of-stream signal.
var ErrConnectionClosed = errors.New("connection closed")

// ChannelType identifies the scope a connection listens on.
type ChannelType string

const (
	ChannelGlobal       ChannelType = "global"
	ChannelUser         ChannelType = "user"
	ChannelWorkspace    ChannelType = "workspace"
	ChannelConversation ChannelType = "conversation"
)

// ErrInvalidChannelType is returned for an unrecognized channel type string.
var ErrInvalidChannelType = errors.New("invalid channel type")

// ParseChannelType validates and converts a channel type path segment.
func ParseChannelType(s string) (ChannelType, error) {
	switch ChannelType(s) {
	case ChannelGlobal, ChannelUser, ChannelWorkspace, ChannelConversation:
		return ChannelType(s), nil
	default:
		return "", ErrInvalidChannelType
	}
}

// Connection is a live streaming session scoped to (channel type, resource)
// for one owning user. It owns exactly one bus Subscription for its lifetime;
// ownership is 1:1 and non-transferable.
type Connection struct {
	ID          string
	ChannelType ChannelType
	ResourceID  string
	OwnerUserID string

	sub       *bus.Subscription
	heartbeat time.Duration
	logger    *slog.Logger

	mu           sync.Mutex
	lastActivity time.Time
}

// LastActivity returns the time the connection last yielded a scoped event.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Recv returns the next event for this connection. It waits up to the
// heartbeat interval for a scoped event from the subscription; on timeout it
// yields a synthetic heartbeat event so intermediaries never see an idle
// stream. Events outside the connection's scope are skipped without resetting
// the heartbeat wait. Recv returns ErrConnectionClosed after Close, and
// ctx.Err() when the caller's context is cancelled.
func (c *Connection) Recv(ctx context.Context) (bus.Event, error) {
	timer := time.NewTimer(c.heartbeat)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return bus.Event{}, ctx.Err()

		case <-timer.C:
			return bus.Event{
				Type:      HeartbeatEventType,
				UserID:    c.OwnerUserID,
				Timestamp: time.Now().UTC(),
			}, nil

		case evt, ok := <-c.sub.Events():
			if !ok {
				return bus.Event{}, ErrConnectionClosed
			}
			if err := evt.Validate(); err != nil {
				// A malformed event must never crash the stream.
				c.logger.Warn("dropped malformed event",
					"connection_id", c.ID,
					"error", err)
				continue
			}
			if !c.matches(evt) {
				continue
			}
			c.touch()
			return evt, nil
		}
	}
}

// matches applies the consumer-side scope filter. The owning user must match
// in every channel type; workspace and conversation channels additionally
// require the event's metadata scope to name this connection's resource.
func (c *Connection) matches(evt bus.Event) bool {
	if evt.UserID != c.OwnerUserID {
		return false
	}

	switch c.ChannelType {
	case ChannelGlobal:
		return true
	case ChannelUser:
		return c.ResourceID == evt.UserID
	case ChannelWorkspace:
		id, ok := evt.MetaString("workspace_id")
		return ok && id == c.ResourceID
	case ChannelConversation:
		id, ok := evt.MetaString("conversation_id")
		return ok && id == c.ResourceID
	default:
		return false
	}
}
