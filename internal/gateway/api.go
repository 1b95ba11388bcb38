// ABOUTME: HTTP API handlers for event streaming, publishing, stats, and tool invocation
// ABOUTME: Serves SSE streams plus JSON endpoints for the hub and the event ledger

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/atriumhq/atrium/internal/auth"
	"github.com/atriumhq/atrium/internal/breaker"
	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/internal/hub"
	"github.com/atriumhq/atrium/internal/stream"
)

// registerRoutes registers all authenticated API routes on the mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	authMiddleware := auth.HTTPAuthMiddleware(g.verifier)

	mux.Handle("GET /v1/stats", authMiddleware(http.HandlerFunc(g.handleStats)))
	mux.Handle("POST /v1/events", authMiddleware(http.HandlerFunc(g.handlePublishEvent)))
	mux.Handle("GET /v1/events/recent", authMiddleware(http.HandlerFunc(g.handleRecentEvents)))
	mux.Handle("GET /v1/endpoints/{endpoint}/tools", authMiddleware(http.HandlerFunc(g.handleListTools)))
	mux.Handle("POST /v1/endpoints/{endpoint}/tools/{tool}", authMiddleware(http.HandlerFunc(g.handleInvokeTool)))
	mux.Handle("GET /v1/endpoints/{endpoint}/resources", authMiddleware(http.HandlerFunc(g.handleReadResource)))
	mux.Handle("GET /v1/{channel_type}/{resource_id}", authMiddleware(http.HandlerFunc(g.handleStream)))
}

// sendJSON writes a JSON response with the given status code.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("failed to encode JSON response", "error", err)
	}
}

// sendJSONError writes a JSON error response with the given status code.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// handleStream serves GET /v1/{channel_type}/{resource_id} as a server-sent
// event stream scoped to the authenticated caller.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		g.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	channelType, err := stream.ParseChannelType(r.PathValue("channel_type"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid channel type")
		return
	}
	resourceID := r.PathValue("resource_id")

	if channelType == stream.ChannelUser && resourceID != authCtx.UserID {
		g.sendJSONError(w, http.StatusForbidden, "user channel is restricted to the caller's own id")
		return
	}

	// Check streaming support before opening (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	conn, err := g.streams.Open(channelType, resourceID, authCtx.UserID)
	if err != nil {
		if errors.Is(err, stream.ErrOpenRateExceeded) {
			g.sendJSONError(w, http.StatusTooManyRequests, "connection open rate exceeded")
			return
		}
		g.logger.Error("failed to open connection", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	defer g.streams.Close(conn)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	for {
		event, err := conn.Recv(r.Context())
		if err != nil {
			// Client went away or the connection was closed during shutdown.
			return
		}
		g.writeSSEEvent(w, event)
		flusher.Flush()
	}
}

// writeSSEEvent writes a single SSE frame in the standard format:
// event: <type>\ndata: <json>\n\n
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event bus.Event) {
	dataJSON, err := json.Marshal(event)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, dataJSON); err != nil {
		g.logger.Debug("failed to write SSE event", "error", err)
	}
}

// handleStats returns active connection counts per channel type plus hub
// endpoint breaker states.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := g.streams.Stats()
	connections := make(map[string]int, len(stats))
	for channelType, count := range stats {
		connections[string(channelType)] = count
	}

	g.sendJSON(w, http.StatusOK, map[string]any{
		"active_connections": connections,
		"total_connections":  g.streams.Count(),
		"subscribers":        g.bus.SubscriberCount(),
		"endpoints":          g.hub.Endpoints(),
	})
}

// publishRequest is the body of POST /v1/events. The event's user is always
// the authenticated caller.
type publishRequest struct {
	Type     string         `json:"type"`
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

// handlePublishEvent publishes an event to the bus on behalf of the caller.
func (g *Gateway) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event := bus.Event{
		Type:     req.Type,
		Data:     req.Data,
		UserID:   authCtx.UserID,
		Metadata: req.Metadata,
	}
	if err := g.PublishEvent(r.Context(), event); err != nil {
		if errors.Is(err, bus.ErrMissingField) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("failed to publish event", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

// recentEventResponse is one ledger entry in the recent-events response.
type recentEventResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	UserID    string          `json:"user_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// handleRecentEvents returns the caller's recent events from the ledger.
func (g *Gateway) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if g.ledger == nil {
		g.sendJSONError(w, http.StatusNotFound, "event ledger is not enabled")
		return
	}
	authCtx := auth.FromContext(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	records, err := g.ledger.ListRecentByUser(r.Context(), authCtx.UserID, limit)
	if err != nil {
		g.logger.Error("failed to list recent events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	events := make([]recentEventResponse, 0, len(records))
	for _, rec := range records {
		resp := recentEventResponse{
			ID:        rec.ID,
			Type:      rec.Type,
			UserID:    rec.UserID,
			Timestamp: rec.Timestamp,
		}
		if rec.DataJSON != "" {
			resp.Data = json.RawMessage(rec.DataJSON)
		}
		if rec.MetadataJSON != "" {
			resp.Metadata = json.RawMessage(rec.MetadataJSON)
		}
		events = append(events, resp)
	}

	g.sendJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleListTools returns the tool catalog of one expert endpoint.
func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := g.hub.ListTools(r.Context(), r.PathValue("endpoint"))
	if err != nil {
		g.sendHubError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// handleInvokeTool invokes a tool on an expert endpoint with the request body
// as arguments.
func (g *Gateway) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())

	var arguments map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&arguments); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := g.hub.InvokeTool(r.Context(), hub.ToolCall{
		Endpoint:  r.PathValue("endpoint"),
		Tool:      r.PathValue("tool"),
		Arguments: arguments,
		Caller:    authCtx.UserID,
	})
	if err != nil {
		g.sendHubError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, result)
}

// handleReadResource reads a resource from an expert endpoint by URI.
func (g *Gateway) handleReadResource(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		g.sendJSONError(w, http.StatusBadRequest, "uri query parameter required")
		return
	}

	contents, err := g.hub.ReadResource(r.Context(), r.PathValue("endpoint"), uri)
	if err != nil {
		g.sendHubError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"contents": contents})
}

// sendHubError maps hub errors onto HTTP status codes.
func (g *Gateway) sendHubError(w http.ResponseWriter, err error) {
	var openErr *breaker.OpenError
	var toolErr *hub.ToolExecutionError

	switch {
	case errors.Is(err, hub.ErrUnknownEndpoint):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &openErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(openErr.RetryAfter.Seconds())+1))
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &toolErr):
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		g.sendJSONError(w, http.StatusGatewayTimeout, "endpoint did not respond in time")
	default:
		g.logger.Error("hub call failed", slog.String("error", err.Error()))
		g.sendJSONError(w, http.StatusBadGateway, "endpoint unavailable")
	}
}
