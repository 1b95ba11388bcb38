// ABOUTME: Package documentation for the connection manager
// ABOUTME: Describes the connection lifecycle and heartbeat contract

// Package stream turns the event bus into durable, scoped streaming sessions.
//
// # Connections
//
// A Connection pairs one bus Subscription with a scope: a channel type
// (global, user, workspace, conversation), a resource identifier, and an
// owning user. The Manager keeps all live connections in a single registry
// so that opens, closes, and stats observe one consistent set.
//
// # Lifecycle
//
//	conn, err := mgr.Open(stream.ChannelConversation, "c1", "u1")
//	defer mgr.Close(conn)
//	for {
//		evt, err := conn.Recv(ctx)
//		if err != nil {
//			break
//		}
//		// write evt to the transport
//	}
//
// Close must run on every exit path; the HTTP transport guarantees this with
// a deferred call. Closing is idempotent and cancels any in-flight Recv by
// closing the subscription queue.
//
// # Heartbeats
//
// Recv waits up to the configured heartbeat interval for a scoped event and
// yields a synthetic "heartbeat" event on timeout. Clients use it to detect
// liveness and intermediaries never observe a silent connection.
//
// # Filtering
//
// The bus delivers every event to every subscription; the scope filter lives
// here, in Connection.matches. An event must belong to the owning user, and
// workspace/conversation channels additionally match the event metadata's
// workspace_id/conversation_id against the connection's resource.
package stream
