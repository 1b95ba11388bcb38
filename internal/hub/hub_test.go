// ABOUTME: Tests for the Integration Hub against fake JSON-RPC endpoints
// ABOUTME: Covers registration, invocation, breaker accounting, and timeouts

package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/atrium/internal/breaker"
)

// fakeExpert is a minimal JSON-RPC 2.0 tool server for tests.
type fakeExpert struct {
	t     *testing.T
	calls atomic.Int64
	// handler receives the decoded request and writes a result or error.
	handler func(req jsonrpcRequest) (any, *jsonrpcError)
}

func (f *fakeExpert) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)

	var req jsonrpcRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	result, rpcErr := f.handler(req)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(f.t, json.NewEncoder(w).Encode(resp))
}

func newExpertServer(t *testing.T, handler func(req jsonrpcRequest) (any, *jsonrpcError)) (*fakeExpert, *httptest.Server) {
	t.Helper()
	expert := &fakeExpert{t: t, handler: handler}
	srv := httptest.NewServer(expert)
	t.Cleanup(srv.Close)
	return expert, srv
}

func toolListHandler(req jsonrpcRequest) (any, *jsonrpcError) {
	return listToolsResult{Tools: []ToolDescriptor{
		{Name: "summarize", Description: "Summarize a document"},
		{Name: "translate", Description: "Translate text"},
	}}, nil
}

func breakerState(t *testing.T, h *Hub, name string) EndpointStatus {
	t.Helper()
	for _, status := range h.Endpoints() {
		if status.Name == name {
			return status
		}
	}
	t.Fatalf("endpoint %q not found", name)
	return EndpointStatus{}
}

func TestRegister_DuplicateName(t *testing.T) {
	h := New(Config{})

	require.NoError(t, h.RegisterEndpoint("experts", "http://127.0.0.1:1/rpc"))
	err := h.RegisterEndpoint("experts", "http://127.0.0.1:2/rpc")
	require.ErrorIs(t, err, ErrDuplicateEndpoint)
}

func TestRegister_RequiresNameAndAddress(t *testing.T) {
	h := New(Config{})

	require.Error(t, h.RegisterEndpoint("", "http://x"))
	require.Error(t, h.RegisterEndpoint("experts", ""))
}

func TestInvokeTool_UnknownEndpointFailsFast(t *testing.T) {
	expert, srv := newExpertServer(t, toolListHandler)
	h := New(Config{})
	require.NoError(t, h.RegisterEndpoint("experts", srv.URL))

	_, err := h.InvokeTool(t.Context(), ToolCall{Endpoint: "nope", Tool: "summarize"})
	require.ErrorIs(t, err, ErrUnknownEndpoint)
	assert.Equal(t, int64(0), expert.calls.Load(), "no remote call should have been made")
}

func TestListTools_ReturnsCatalog(t *testing.T) {
	_, srv := newExpertServer(t, toolListHandler)
	h := New(Config{})
	require.NoError(t, h.RegisterEndpoint("experts", srv.URL))

	tools, err := h.ListTools(t.Context(), "experts")
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "summarize", tools[0].Name)
}

func TestInvokeTool_SendsFixedEnvelope(t *testing.T) {
	var got callToolParams
	_, srv := newExpertServer(t, func(req jsonrpcRequest) (any, *jsonrpcError) {
		raw, _ := json.Marshal(req.Params)
		_ = json.Unmarshal(raw, &got)
		return callToolResult{Content: []toolContent{{Type: "text", Text: "done"}}}, nil
	})

	h := New(Config{})
	require.NoError(t, h.RegisterEndpoint("experts", srv.URL))

	result, err := h.InvokeTool(t.Context(), ToolCall{
		Endpoint:  "experts",
		Tool:      "summarize",
		Arguments: map[string]any{"doc": "report.txt"},
		Caller:    "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Content)

	assert.Equal(t, "summarize", got.Name)
	assert.Equal(t, "report.txt", got.Arguments["doc"])
	assert.Equal(t, "u1", got.Caller.UserID)
}

func TestInvokeTool_NilArgumentsSentAsEmptyObject(t *testing.T) {
	var rawParams json.RawMessage
	_, srv := newExpertServer(t, func(req jsonrpcRequest) (any, *jsonrpcError) {
		rawParams, _ = json.Marshal(req.Params)
		return callToolResult{Content: []toolContent{{Type: "text", Text: "ok"}}}, nil
	})

	h := New(Config{})
	require.NoError(t, h.RegisterEndpoint("experts", srv.URL))

	_, err := h.InvokeTool(t.Context(), ToolCall{Endpoint: "experts", Tool: "summarize"})
	require.NoError(t, err)
	assert.Contains(t, string(rawParams), `"arguments":{}`)
}

func TestInvokeTool_ToolErrorDoesNotTripBreaker(t *testing.T) {
	_, srv := newExpertServer(t, func(req jsonrpcRequest) (any, *jsonrpcError) {
		return callToolResult{
			Content: []toolContent{{Type: "text", Text: "tool not found"}},
			IsError: true,
		}, nil
	})

	h := New(Config{FailureThreshold: 2})
	require.NoError(t, h.RegisterEndpoint("experts", srv.URL))

	for i := 0; i < 5; i++ {
		_, err := h.InvokeTool(t.Context(), ToolCall{Endpoint: "experts", Tool: "missing"})
		var toolErr *ToolExecutionError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, "tool not found", toolErr.Message)
	}

	status := breakerState(t, h, "experts")
	assert.Equal(t, "CLOSED", status.State)
	assert.Equal(t, 0, status.FailureCount)
}

func TestInvokeTool_JSONRPCErrorDoesNotTripBreaker(t *testing.T) {
	_, srv := newExpertServer(t, func(req jsonrpcRequest) (any, *jsonrpcError) {
		return nil, &jsonrpcError{Code: -32602, Message: "invalid params"}
	})

	h := New(Config{FailureThreshold: 1})
	require.NoError(t, h.RegisterEndpoint("experts", srv.URL))

	_, err := h.InvokeTool(t.Context(), ToolCall{Endpoint: "experts", Tool: "summarize"})
	var toolErr *ToolExecutionError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "CLOSED", breakerState(t, h, "experts").State)
}

func TestInvokeTool_TransportFailuresOpenBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	h := New(Config{FailureThreshold: 3})
	require.NoError(t, h.RegisterEndpoint("experts", srv.URL))

	for i := 0; i < 3; i++ {
		_, err := h.InvokeTool(t.Context(), ToolCall{Endpoint: "experts", Tool: "summarize"})
		require.Error(t, err)
		require.False(t, breaker.IsOpen(err))
	}

	// Breaker is now open: the next call is rejected before the wire.
	_, err := h.InvokeTool(t.Context(), ToolCall{Endpoint: "experts", Tool: "summarize"})
	require.True(t, breaker.IsOpen(err))
	assert.Equal(t, "OPEN", breakerState(t, h, "experts").State)
}

func TestInvokeTool_TimeoutCountsAsFailure(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	// Registered after srv.Close so it runs first (cleanups are LIFO) and
	// unblocks the handler before Close waits on the connection.
	t.Cleanup(func() { close(block) })

	h := New(Config{InvokeTimeout: 50 * time.Millisecond, FailureThreshold: 1})
	require.NoError(t, h.RegisterEndpoint("experts", srv.URL))

	_, err := h.InvokeTool(t.Context(), ToolCall{Endpoint: "experts", Tool: "summarize"})
	require.Error(t, err)
	assert.Equal(t, "OPEN", breakerState(t, h, "experts").State)
}

func TestInvokeTool_CallerCancellationIsNotAFailure(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	// Registered after srv.Close so it runs first (cleanups are LIFO) and
	// unblocks the handler before Close waits on the connection.
	t.Cleanup(func() { close(block) })

	h := New(Config{FailureThreshold: 1})
	require.NoError(t, h.RegisterEndpoint("experts", srv.URL))

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.InvokeTool(ctx, ToolCall{Endpoint: "experts", Tool: "summarize"})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)

	status := breakerState(t, h, "experts")
	assert.Equal(t, "CLOSED", status.State)
	assert.Equal(t, 0, status.FailureCount)
}

func TestReadResource_ReturnsContents(t *testing.T) {
	_, srv := newExpertServer(t, func(req jsonrpcRequest) (any, *jsonrpcError) {
		var params readResourceParams
		raw, _ := json.Marshal(req.Params)
		_ = json.Unmarshal(raw, &params)
		return readResourceResult{Contents: []ResourceContent{
			{URI: params.URI, MimeType: "text/plain", Text: "contents"},
		}}, nil
	})

	h := New(Config{})
	require.NoError(t, h.RegisterEndpoint("experts", srv.URL))

	contents, err := h.ReadResource(t.Context(), "experts", "doc://report")
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "doc://report", contents[0].URI)
	assert.Equal(t, "contents", contents[0].Text)
}

func TestReadResource_RequiresURI(t *testing.T) {
	h := New(Config{})
	require.NoError(t, h.RegisterEndpoint("experts", "http://127.0.0.1:1/rpc"))

	_, err := h.ReadResource(t.Context(), "experts", "")
	require.Error(t, err)
}

func TestWarmup_DoesNotChargeBreakers(t *testing.T) {
	h := New(Config{InvokeTimeout: 100 * time.Millisecond, FailureThreshold: 1})
	// Unreachable address: warmup must log and move on without opening the breaker.
	require.NoError(t, h.RegisterEndpoint("dead", "http://127.0.0.1:1/rpc"))

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	h.Warmup(ctx)

	status := breakerState(t, h, "dead")
	assert.Equal(t, "CLOSED", status.State)
	assert.Equal(t, 0, status.FailureCount)
}

func TestWarmup_ProbesReachableEndpoint(t *testing.T) {
	expert, srv := newExpertServer(t, toolListHandler)
	h := New(Config{})
	require.NoError(t, h.RegisterEndpoint("experts", srv.URL))

	h.Warmup(t.Context())
	assert.Equal(t, int64(1), expert.calls.Load())
}
