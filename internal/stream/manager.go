// ABOUTME: Manages live streaming connections and their bus subscriptions
// ABOUTME: Central registry keyed by (channel type, resource, connection id)

package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/atriumhq/atrium/internal/bus"
)

// DefaultHeartbeatInterval is the idle wait before a heartbeat event is
// yielded when the configuration does not override it.
const DefaultHeartbeatInterval = 30 * time.Second

// ErrDuplicateConnection indicates a registry collision on connection ID.
// This cannot happen with properly generated UUIDs, so it is treated as a
// fatal configuration error by callers.
var ErrDuplicateConnection = errors.New("duplicate connection id in registry")

// ErrOpenRateExceeded is returned by Open when connection churn exceeds the
// configured limit.
var ErrOpenRateExceeded = errors.New("connection open rate exceeded")

type connKey struct {
	channelType ChannelType
	resourceID  string
	connID      string
}

// Config holds Manager construction parameters.
type Config struct {
	Bus               *bus.Bus
	HeartbeatInterval time.Duration
	// OpenRate caps connection opens per second; zero disables the guard.
	OpenRate  float64
	OpenBurst int
	Logger    *slog.Logger
}

// Manager owns the process-wide connection registry. Every service instance
// observes the same connection set through it, and all opens and closes go
// through the registry's single internal lock.
type Manager struct {
	bus       *bus.Bus
	heartbeat time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[connKey]*Connection
}

// NewManager creates a connection manager backed by the given bus.
func NewManager(cfg Config) *Manager {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.OpenRate > 0 {
		burst := cfg.OpenBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.OpenRate), burst)
	}
	return &Manager{
		bus:       cfg.Bus,
		heartbeat: heartbeat,
		limiter:   limiter,
		logger:    logger.With("component", "stream"),
		conns:     make(map[connKey]*Connection),
	}
}

// Open registers a fresh subscription with the bus and stores the new
// connection in the registry. The returned connection owns its subscription
// until Close.
func (m *Manager) Open(channelType ChannelType, resourceID, ownerUserID string) (*Connection, error) {
	if m.limiter != nil && !m.limiter.Allow() {
		return nil, ErrOpenRateExceeded
	}

	conn := &Connection{
		ID:           uuid.New().String(),
		ChannelType:  channelType,
		ResourceID:   resourceID,
		OwnerUserID:  ownerUserID,
		sub:          m.bus.Subscribe(),
		heartbeat:    m.heartbeat,
		logger:       m.logger,
		lastActivity: time.Now(),
	}
	key := connKey{channelType, resourceID, conn.ID}

	m.mu.Lock()
	if _, exists := m.conns[key]; exists {
		m.mu.Unlock()
		m.bus.Unsubscribe(conn.sub)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, conn.ID)
	}
	m.conns[key] = conn
	total := len(m.conns)
	m.mu.Unlock()

	m.logger.Info("connection opened",
		"connection_id", conn.ID,
		"channel_type", channelType,
		"resource_id", resourceID,
		"user_id", ownerUserID,
		"total_connections", total,
	)
	return conn, nil
}

// Close unsubscribes the connection from the bus and removes it from the
// registry. It is idempotent: closing an already-closed or unknown
// connection is a no-op.
func (m *Manager) Close(conn *Connection) {
	if conn == nil {
		return
	}
	key := connKey{conn.ChannelType, conn.ResourceID, conn.ID}

	m.mu.Lock()
	if _, exists := m.conns[key]; !exists {
		m.mu.Unlock()
		return
	}
	delete(m.conns, key)
	total := len(m.conns)
	m.mu.Unlock()

	m.bus.Unsubscribe(conn.sub)

	m.logger.Info("connection closed",
		"connection_id", conn.ID,
		"channel_type", conn.ChannelType,
		"total_connections", total,
	)
}

// CloseAll closes every live connection. Used during graceful shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		m.Close(conn)
	}
}

// Stats returns the number of active connections per channel type.
func (m *Manager) Stats() map[ChannelType]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := map[ChannelType]int{
		ChannelGlobal:       0,
		ChannelUser:         0,
		ChannelWorkspace:    0,
		ChannelConversation: 0,
	}
	for key := range m.conns {
		stats[key.channelType]++
	}
	return stats
}

// Count returns the total number of active connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
