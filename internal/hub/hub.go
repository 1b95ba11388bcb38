// ABOUTME: Integration Hub routing tool and resource calls to expert endpoints
// ABOUTME: Every endpoint is guarded by its own circuit breaker instance

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atriumhq/atrium/internal/breaker"
)

// DefaultInvokeTimeout bounds a single remote call when the configuration
// does not override it.
const DefaultInvokeTimeout = 30 * time.Second

// Default breaker policy applied to endpoints that do not override it.
const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 60 * time.Second
)

// ErrUnknownEndpoint is returned for a call naming an endpoint that was never
// registered. It fails fast without touching any breaker.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// ErrDuplicateEndpoint is returned when registering a name twice.
var ErrDuplicateEndpoint = errors.New("endpoint already registered")

// ToolExecutionError means the remote call succeeded at the transport level
// but the tool itself failed (tool not found, bad arguments, tool raised).
// It is surfaced to the caller and never counts as a breaker failure.
type ToolExecutionError struct {
	Endpoint string
	Tool     string
	Message  string
}

func (e *ToolExecutionError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("endpoint %q: %s", e.Endpoint, e.Message)
	}
	return fmt.Sprintf("tool %q on endpoint %q: %s", e.Tool, e.Endpoint, e.Message)
}

// ToolDescriptor describes one tool offered by an expert endpoint.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolCall is the fixed invocation envelope. Every call carries the caller's
// identity explicitly; the remote tool signature is never introspected.
type ToolCall struct {
	Endpoint  string
	Tool      string
	Arguments map[string]any
	Caller    string
}

// ToolResult is the outcome of a successful tool invocation.
type ToolResult struct {
	Content string          `json:"content"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// ResourceContent is one content item returned by a resource read.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// EndpointConfig declares one expert endpoint. Zero policy fields fall back
// to the hub defaults.
type EndpointConfig struct {
	Name             string
	Address          string
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// EndpointStatus is a read-only snapshot of one endpoint's breaker.
type EndpointStatus struct {
	Name         string `json:"name"`
	Address      string `json:"address"`
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
}

// Config holds Hub construction parameters.
type Config struct {
	InvokeTimeout    time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

// Hub is the typed gateway to remote tool and resource providers. It owns
// exactly one circuit breaker per registered endpoint; breakers are created
// at registration and never shared across endpoints.
type Hub struct {
	invokeTimeout    time.Duration
	failureThreshold int
	recoveryTimeout  time.Duration
	client           *http.Client
	logger           *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]*endpoint

	nextRPCID atomic.Int64
}

type endpoint struct {
	name    string
	address string
	breaker *breaker.Breaker
}

// New creates an Integration Hub.
func New(cfg Config) *Hub {
	timeout := cfg.InvokeTimeout
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	recovery := cfg.RecoveryTimeout
	if recovery <= 0 {
		recovery = DefaultRecoveryTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		invokeTimeout:    timeout,
		failureThreshold: threshold,
		recoveryTimeout:  recovery,
		client:           client,
		logger:           logger.With("component", "hub"),
		endpoints:        make(map[string]*endpoint),
	}
}

// Register adds an endpoint with its own breaker. Returns
// ErrDuplicateEndpoint if the name is already registered.
func (h *Hub) Register(ec EndpointConfig) error {
	if ec.Name == "" {
		return errors.New("endpoint name is required")
	}
	if ec.Address == "" {
		return fmt.Errorf("endpoint %q: address is required", ec.Name)
	}
	threshold := ec.FailureThreshold
	if threshold <= 0 {
		threshold = h.failureThreshold
	}
	recovery := ec.RecoveryTimeout
	if recovery <= 0 {
		recovery = h.recoveryTimeout
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.endpoints[ec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, ec.Name)
	}
	h.endpoints[ec.Name] = &endpoint{
		name:    ec.Name,
		address: ec.Address,
		breaker: breaker.New(ec.Name, threshold, recovery, breaker.WithLogger(h.logger)),
	}

	h.logger.Info("endpoint registered",
		"endpoint", ec.Name,
		"address", ec.Address,
		"failure_threshold", threshold,
		"recovery_timeout", recovery,
	)
	return nil
}

// RegisterEndpoint adds an endpoint using the hub's default breaker policy.
func (h *Hub) RegisterEndpoint(name, address string) error {
	return h.Register(EndpointConfig{Name: name, Address: address})
}

func (h *Hub) get(name string) (*endpoint, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ep, ok := h.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	return ep, nil
}

// call wraps one JSON-RPC method call in the endpoint's breaker. Transport
// errors and timeouts count as breaker failures; a well-formed JSON-RPC error
// response is a transport success returned as appErr.
func (h *Hub) call(ctx context.Context, ep *endpoint, method string, params any) (result json.RawMessage, appErr *jsonrpcError, err error) {
	err = ep.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
		defer cancel()

		resp, postErr := h.post(callCtx, ep.address, method, params)
		if postErr != nil {
			return postErr
		}
		if resp.Error != nil {
			appErr = resp.Error
			return nil
		}
		result = resp.Result
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, appErr, nil
}

type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// ListTools asks the endpoint for its tool catalog.
func (h *Hub) ListTools(ctx context.Context, endpointName string) ([]ToolDescriptor, error) {
	ep, err := h.get(endpointName)
	if err != nil {
		return nil, err
	}

	result, appErr, err := h.call(ctx, ep, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}
	if appErr != nil {
		return nil, &ToolExecutionError{Endpoint: endpointName, Message: appErr.Message}
	}

	var parsed listToolsResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parsing tool list from %q: %w", endpointName, err)
	}
	return parsed.Tools, nil
}

type callerIdentity struct {
	UserID string `json:"user_id"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Caller    callerIdentity `json:"caller"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type callToolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// InvokeTool executes a named tool on a named endpoint through its breaker.
// The arguments always travel in the fixed envelope with the caller identity;
// nil arguments are sent as an empty object.
func (h *Hub) InvokeTool(ctx context.Context, call ToolCall) (*ToolResult, error) {
	if call.Tool == "" {
		return nil, errors.New("tool name is required")
	}
	ep, err := h.get(call.Endpoint)
	if err != nil {
		return nil, err
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	params := callToolParams{
		Name:      call.Tool,
		Arguments: args,
		Caller:    callerIdentity{UserID: call.Caller},
	}

	result, appErr, err := h.call(ctx, ep, "tools/call", params)
	if err != nil {
		return nil, err
	}
	if appErr != nil {
		return nil, &ToolExecutionError{Endpoint: call.Endpoint, Tool: call.Tool, Message: appErr.Message}
	}

	var parsed callToolResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parsing tool result from %q: %w", call.Endpoint, err)
	}

	text := joinContent(parsed.Content)
	if parsed.IsError {
		return nil, &ToolExecutionError{Endpoint: call.Endpoint, Tool: call.Tool, Message: text}
	}
	return &ToolResult{Content: text, Raw: result}, nil
}

type readResourceParams struct {
	URI string `json:"uri"`
}

type readResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

// ReadResource fetches a resource by URI from the endpoint through its breaker.
func (h *Hub) ReadResource(ctx context.Context, endpointName, uri string) ([]ResourceContent, error) {
	if uri == "" {
		return nil, errors.New("resource uri is required")
	}
	ep, err := h.get(endpointName)
	if err != nil {
		return nil, err
	}

	result, appErr, err := h.call(ctx, ep, "resources/read", readResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	if appErr != nil {
		return nil, &ToolExecutionError{Endpoint: endpointName, Message: appErr.Message}
	}

	var parsed readResourceResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parsing resource from %q: %w", endpointName, err)
	}
	return parsed.Contents, nil
}

// Endpoints returns a breaker snapshot per registered endpoint in map order;
// callers needing stable order sort by name.
func (h *Hub) Endpoints() []EndpointStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	statuses := make([]EndpointStatus, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		statuses = append(statuses, EndpointStatus{
			Name:         ep.name,
			Address:      ep.address,
			State:        ep.breaker.State().String(),
			FailureCount: ep.breaker.FailureCount(),
		})
	}
	return statuses
}

func joinContent(items []toolContent) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}
