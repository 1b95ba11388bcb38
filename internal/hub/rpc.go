// ABOUTME: JSON-RPC 2.0 wire types and HTTP client for expert endpoints
// ABOUTME: Client-side counterpart to the MCP-style streamable HTTP transport

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// MaxResponseBodySize caps how much of an endpoint response is read (4MB).
const MaxResponseBodySize = 4 << 20

type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

// jsonrpcError is an application-level error from the remote endpoint. The
// call reached the endpoint and got a well-formed answer, so it is never
// treated as a connectivity failure.
type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// post performs one JSON-RPC call over HTTP. Every returned error is a
// transport-level failure: request construction, network, non-2xx status, or
// an unparseable body. A response carrying a JSON-RPC error object is a
// transport success and is returned in the response struct.
func (h *Hub) post(ctx context.Context, address, method string, params any) (*jsonrpcResponse, error) {
	payload, err := json.Marshal(jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      h.nextRPCID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	var rpcResp jsonrpcResponse
	decoder := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseBodySize))
	if err := decoder.Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if rpcResp.JSONRPC != "2.0" {
		return nil, fmt.Errorf("invalid JSON-RPC version %q", rpcResp.JSONRPC)
	}
	return &rpcResp, nil
}
