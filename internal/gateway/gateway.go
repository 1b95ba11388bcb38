// ABOUTME: Gateway orchestrator that wires the bus, stream manager, hub, and ledger
// ABOUTME: Manages the HTTP server lifecycle with graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/atriumhq/atrium/internal/auth"
	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/hub"
	"github.com/atriumhq/atrium/internal/store"
	"github.com/atriumhq/atrium/internal/stream"
)

// Gateway orchestrates the atrium-gateway server components: the event bus,
// the stream connection manager, the integration hub, and the event ledger.
type Gateway struct {
	config   *config.Config
	bus      *bus.Bus
	streams  *stream.Manager
	hub      *hub.Hub
	ledger   *store.LedgerStore // nil when ledger.path is not configured
	verifier *auth.JWTVerifier

	httpServer *http.Server
	logger     *slog.Logger
}

// registerHubEndpoints registers expert endpoints declared inline in the
// config and, when hub.manifest_path is set, in the TOML manifest.
func registerHubEndpoints(h *hub.Hub, cfg *config.Config) error {
	endpoints := cfg.Hub.Endpoints
	if cfg.Hub.ManifestPath != "" {
		manifest, err := config.LoadEndpointManifest(cfg.Hub.ManifestPath)
		if err != nil {
			return fmt.Errorf("loading endpoint manifest: %w", err)
		}
		endpoints = append(endpoints, manifest...)
	}

	for _, ep := range endpoints {
		err := h.Register(hub.EndpointConfig{
			Name:             ep.Name,
			Address:          ep.Address,
			FailureThreshold: ep.FailureThreshold,
			RecoveryTimeout:  ep.RecoveryTimeout,
		})
		if err != nil {
			return fmt.Errorf("registering endpoint %q: %w", ep.Name, err)
		}
	}
	return nil
}

// initLedger opens the event ledger when configured, returning nil otherwise.
func initLedger(cfg *config.Config, logger *slog.Logger) (*store.LedgerStore, error) {
	if cfg.Ledger.Path == "" {
		logger.Info("event ledger disabled (no ledger.path configured)")
		return nil, nil
	}
	ledger, err := store.NewLedgerStore(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing ledger: %w", err)
	}
	return ledger, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	eventBus := bus.New(cfg.Events.QueueCapacity, logger)

	streams := stream.NewManager(stream.Config{
		Bus:               eventBus,
		HeartbeatInterval: cfg.Events.HeartbeatInterval,
		OpenRate:          cfg.Limits.OpenRate,
		OpenBurst:         cfg.Limits.OpenBurst,
		Logger:            logger,
	})

	integrationHub := hub.New(hub.Config{
		InvokeTimeout:    cfg.Hub.InvokeTimeout,
		FailureThreshold: cfg.Hub.FailureThreshold,
		RecoveryTimeout:  cfg.Hub.RecoveryTimeout,
		Logger:           logger,
	})
	if err := registerHubEndpoints(integrationHub, cfg); err != nil {
		return nil, err
	}

	ledger, err := initLedger(cfg, logger)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:   cfg,
		bus:      eventBus,
		streams:  streams,
		hub:      integrationHub,
		ledger:   ledger,
		verifier: auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		logger:   logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	g.registerRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// PublishEvent validates and publishes an event to the bus, then records it
// in the ledger. Ledger failures are logged, never surfaced: persistence is
// best-effort and must not break the live stream.
func (g *Gateway) PublishEvent(ctx context.Context, event bus.Event) error {
	if err := g.bus.Publish(event); err != nil {
		return err
	}
	if g.ledger == nil {
		return nil
	}

	dataJSON, err := store.MarshalField(event.Data)
	if err != nil {
		g.logger.Warn("failed to encode event data for ledger", "type", event.Type, "error", err)
		return nil
	}
	metadataJSON, err := store.MarshalField(event.Metadata)
	if err != nil {
		g.logger.Warn("failed to encode event metadata for ledger", "type", event.Type, "error", err)
		return nil
	}

	rec := &store.EventRecord{
		Type:         event.Type,
		UserID:       event.UserID,
		Timestamp:    event.Timestamp,
		DataJSON:     dataJSON,
		MetadataJSON: metadataJSON,
	}
	if err := g.ledger.SaveEvent(ctx, rec); err != nil {
		g.logger.Warn("failed to persist event to ledger", "type", event.Type, "user_id", event.UserID, "error", err)
	}
	return nil
}

// Run starts the HTTP server and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	// Probe expert endpoints in the background; startup never waits on them.
	go g.hub.Warmup(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the gateway. Live connections are closed first so
// in-flight stream handlers unwind before the HTTP server drains.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.streams.CloseAll()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.bus.Close()
	if g.ledger != nil {
		errs = appendCloseError(errs, "ledger close", g.ledger.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
