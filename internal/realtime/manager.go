package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/example/roster-sync/internal/types"
)

const defaultRestartDelay = 5 * time.Second

// Config identifies a hub on a service.
type Config struct {
	BaseURL     string
	Hub         string
	AccessToken TokenFunc
}

// Callbacks observe the lifecycle of a managed connection.
type Callbacks struct {
	// Setup runs on every connection the manager builds, before it starts,
	// so handlers survive restarts.
	Setup func(conn *Conn)
	// OnStateChange mirrors the live connection's status.
	OnStateChange func(status types.ConnectionStatus)
	// OnReconnected resubscribes dependent state after an automatic
	// reconnect. Errors and panics are logged, never propagated.
	OnReconnected func(ctx context.Context) error
	// OnClose fires when the connection terminates; err is nil for Stop.
	OnClose func(err error)
}

func (cb Callbacks) state(status types.ConnectionStatus) {
	if cb.OnStateChange != nil {
		cb.OnStateChange(status)
	}
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithConnOptions applies opts to every connection the manager builds.
func WithConnOptions(opts ...ConnOption) ManagerOption {
	return func(m *Manager) { m.connOpts = append(m.connOpts, opts...) }
}

// WithRestartDelay sets the delay before restarting a connection that closed
// with an error.
func WithRestartDelay(d time.Duration) ManagerOption {
	return func(m *Manager) { m.restartDelay = d }
}

// Manager owns one connection per base URL and hub. It is constructed by the
// application's composition root and shared by every consumer.
type Manager struct {
	logger       zerolog.Logger
	connOpts     []ConnOption
	restartDelay time.Duration

	mu        sync.Mutex
	conns     map[string]*Conn
	callbacks map[string]Callbacks
	restarts  map[string]*time.Timer
	starting  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager constructs an empty connection manager.
func NewManager(logger zerolog.Logger, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:       logger,
		restartDelay: defaultRestartDelay,
		conns:        make(map[string]*Conn),
		callbacks:    make(map[string]Callbacks),
		restarts:     make(map[string]*time.Timer),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func connectionKey(baseURL, hub string) string {
	return strings.TrimRight(baseURL, "/") + ":" + hub
}

func hubURL(baseURL, hub string) string {
	return strings.TrimRight(baseURL, "/") + "/hubs/" + hub
}

// Start returns the live connection for cfg, creating one when none is
// connected. Concurrent calls for the same hub share one connect attempt.
func (m *Manager) Start(ctx context.Context, cfg Config, callbacks Callbacks) (*Conn, error) {
	if cfg.BaseURL == "" || cfg.Hub == "" {
		return nil, errors.New("base url and hub are required")
	}
	key := connectionKey(cfg.BaseURL, cfg.Hub)

	v, err, _ := m.starting.Do(key, func() (any, error) {
		return m.start(ctx, key, cfg, callbacks)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

func (m *Manager) start(ctx context.Context, key string, cfg Config, callbacks Callbacks) (*Conn, error) {
	m.mu.Lock()
	existing := m.conns[key]
	if existing != nil && existing.State() == StateConnected {
		m.mu.Unlock()
		return existing, nil
	}
	if timer, ok := m.restarts[key]; ok {
		timer.Stop()
		delete(m.restarts, key)
	}
	// A stale connection still reconnecting in the background is replaced.
	// It is untracked first so its close hook cannot touch the new entry.
	if existing != nil {
		delete(m.conns, key)
		delete(m.callbacks, key)
	}
	m.mu.Unlock()

	if existing != nil {
		managedConnections.WithLabelValues(cfg.Hub).Dec()
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = existing.Stop(stopCtx)
		cancel()
	}

	m.mu.Lock()
	m.callbacks[key] = callbacks
	m.mu.Unlock()

	logger := m.logger.With().Str("base_url", cfg.BaseURL).Logger()
	conn := NewConn(hubURL(cfg.BaseURL, cfg.Hub), cfg.Hub, cfg.AccessToken, logger, m.connOpts...)
	if callbacks.Setup != nil {
		callbacks.Setup(conn)
	}
	conn.OnReconnecting(func(error) { m.reconnecting(key, conn) })
	conn.OnReconnected(func(string) { m.reconnected(key, conn) })
	conn.OnClose(func(err error) { m.closed(key, conn, cfg, err) })

	callbacks.state(types.StatusConnecting)
	if err := conn.Start(ctx); err != nil {
		m.mu.Lock()
		if m.conns[key] == nil {
			delete(m.callbacks, key)
		}
		m.mu.Unlock()
		callbacks.state(types.StatusDisconnected)
		return nil, fmt.Errorf("start %s hub: %w", cfg.Hub, err)
	}

	m.mu.Lock()
	m.conns[key] = conn
	m.mu.Unlock()
	managedConnections.WithLabelValues(cfg.Hub).Inc()
	callbacks.state(types.StatusConnected)
	return conn, nil
}

// current returns the callbacks for key if conn is still the tracked one.
func (m *Manager) current(key string, conn *Conn) (Callbacks, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[key] != conn {
		return Callbacks{}, false
	}
	return m.callbacks[key], true
}

func (m *Manager) reconnecting(key string, conn *Conn) {
	if cb, ok := m.current(key, conn); ok {
		cb.state(types.StatusReconnecting)
	}
}

func (m *Manager) reconnected(key string, conn *Conn) {
	cb, ok := m.current(key, conn)
	if !ok {
		return
	}
	cb.state(types.StatusConnected)
	if cb.OnReconnected == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("connection", key).Interface("panic", r).Msg("reconnection callback panicked")
		}
	}()
	if err := cb.OnReconnected(m.ctx); err != nil {
		m.logger.Error().Err(err).Str("connection", key).Msg("reconnection callback failed")
	}
}

func (m *Manager) closed(key string, conn *Conn, cfg Config, err error) {
	m.mu.Lock()
	if m.conns[key] != conn {
		// Replaced or already cleared; the key belongs to someone else now.
		m.mu.Unlock()
		return
	}
	cb := m.callbacks[key]
	delete(m.conns, key)
	delete(m.callbacks, key)
	m.mu.Unlock()

	managedConnections.WithLabelValues(cfg.Hub).Dec()
	cb.state(types.StatusDisconnected)
	if cb.OnClose != nil {
		cb.OnClose(err)
	}
	if err == nil || m.ctx.Err() != nil {
		return
	}

	m.logger.Warn().Err(err).Str("connection", key).Dur("delay", m.restartDelay).Msg("connection closed unexpectedly; scheduling restart")
	restartsScheduled.WithLabelValues(cfg.Hub).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, pending := m.restarts[key]; pending {
		return
	}
	m.restarts[key] = time.AfterFunc(m.restartDelay, func() {
		m.mu.Lock()
		delete(m.restarts, key)
		m.mu.Unlock()
		if m.ctx.Err() != nil {
			return
		}
		if _, err := m.Start(m.ctx, cfg, cb); err != nil {
			m.logger.Error().Err(err).Str("connection", key).Msg("failed to restart connection")
		}
	})
}

// Stop closes the connection for baseURL and hub if it is not already down.
func (m *Manager) Stop(ctx context.Context, baseURL, hub string) error {
	key := connectionKey(baseURL, hub)
	m.mu.Lock()
	conn := m.conns[key]
	if timer, ok := m.restarts[key]; ok {
		timer.Stop()
		delete(m.restarts, key)
	}
	m.mu.Unlock()

	if conn == nil || conn.State() == StateDisconnected {
		return nil
	}
	return conn.Stop(ctx)
}

// StopAll closes every connection, e.g. on logout. The manager stays usable.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	for key, timer := range m.restarts {
		timer.Stop()
		delete(m.restarts, key)
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Hub(), err))
		}
	}

	m.mu.Lock()
	clear(m.conns)
	clear(m.callbacks)
	m.mu.Unlock()
	return errors.Join(errs...)
}

// Close stops every connection and disables restarts permanently.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	return m.StopAll(ctx)
}

// Connection returns the tracked connection for baseURL and hub, or nil.
func (m *Manager) Connection(baseURL, hub string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[connectionKey(baseURL, hub)]
}

// IsConnected reports whether the hub connection is live.
func (m *Manager) IsConnected(baseURL, hub string) bool {
	conn := m.Connection(baseURL, hub)
	return conn != nil && conn.State() == StateConnected
}

// ActiveCount returns how many connections are tracked.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
