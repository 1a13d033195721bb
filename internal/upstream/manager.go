package upstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"onemcp/internal/config"
	"onemcp/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// Manager owns the outbound connections map. It connects the static server
// set, retries failed connections on a fixed backoff ticker, and accepts
// template instances published by the instance pool. It is the single
// writer of map structure; readers work from Snapshot.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	configs     map[string]config.ServerConfig

	retryInterval time.Duration

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	// onChange, when set, is invoked after any connection reaches or leaves
	// the connected state. The aggregator subscribes to refresh its snapshot.
	onChange func()
}

// NewManager creates a connection manager for the given static server set.
// Template server definitions must not be passed here; the instance pool
// materialises those on demand.
func NewManager(configs map[string]config.ServerConfig) *Manager {
	return &Manager{
		connections:   make(map[string]*Connection),
		configs:       configs,
		retryInterval: 15 * time.Second,
	}
}

// OnChange registers the change callback. Must be called before Start.
func (m *Manager) OnChange(fn func()) {
	m.onChange = fn
}

// Start connects all configured static servers concurrently and launches
// the retry loop. Individual connect failures are logged, not fatal; the
// retry loop keeps trying.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancelFunc != nil {
		m.mu.Unlock()
		return fmt.Errorf("connection manager already started")
	}
	m.ctx, m.cancelFunc = context.WithCancel(ctx)

	for name, serverConfig := range m.configs {
		client, err := NewClient(name, serverConfig)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to create client for %s: %w", name, err)
		}
		m.connections[name] = NewConnection(name, name, client, serverConfig)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, conn := range m.Snapshot() {
		conn := conn
		g.Go(func() error {
			m.connect(m.ctx, conn)
			return nil
		})
	}
	_ = g.Wait()

	m.wg.Add(1)
	go m.retryLoop()

	logging.Info("ConnectionManager", "Started with %d configured servers", len(m.configs))
	return nil
}

// Stop closes all connections concurrently and stops the retry loop.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancelFunc
	m.cancelFunc = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	var g errgroup.Group
	for _, conn := range m.Snapshot() {
		conn := conn
		g.Go(func() error {
			if err := conn.Client.Close(); err != nil {
				logging.Warn("ConnectionManager", "Error closing %s: %v", conn.Key, err)
			}
			conn.SetStatus(StatusDisconnected)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	logging.Info("ConnectionManager", "Stopped")
	return nil
}

// connect performs one connect attempt with status transitions.
func (m *Manager) connect(ctx context.Context, conn *Connection) {
	conn.SetStatus(StatusConnecting)

	if err := conn.Client.Initialize(ctx); err != nil {
		if isAuthError(err) {
			conn.SetStatus(StatusAwaitingOAuth)
			logging.Warn("ConnectionManager", "Server %s requires authentication", conn.Key)
		} else {
			conn.SetError(err)
			logging.Warn("ConnectionManager", "Failed to connect %s: %v", conn.Key, err)
		}
		return
	}

	conn.SetStatus(StatusConnected)
	logging.Info("ConnectionManager", "Connected to %s", conn.Key)
	m.notifyChange()
}

// isAuthError detects the 401 handshake rejection of OAuth-protected
// servers. The gateway performs no OAuth flow; it only surfaces the state.
func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized")
}

// retryLoop periodically retries connections in the error or disconnected
// state.
func (m *Manager) retryLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			for _, conn := range m.Snapshot() {
				// Template instances are connected by the pool before they
				// are published here; retry only static servers.
				if !IsStaticKey(conn.Key) {
					continue
				}
				status := conn.Status()
				if status == StatusError || status == StatusDisconnected {
					m.connect(m.ctx, conn)
				}
			}
		}
	}
}

// ApplyConfig reconciles the static server set against a new configuration:
// removed servers are closed and dropped, new servers are connected, and
// changed definitions are replaced with a fresh connection.
func (m *Manager) ApplyConfig(ctx context.Context, newConfigs map[string]config.ServerConfig) {
	m.mu.Lock()
	oldConfigs := m.configs
	m.configs = newConfigs

	var toClose []*Connection
	var toConnect []*Connection

	for name := range oldConfigs {
		if _, keep := newConfigs[name]; !keep {
			if conn, exists := m.connections[name]; exists {
				toClose = append(toClose, conn)
				delete(m.connections, name)
			}
		}
	}

	for name, serverConfig := range newConfigs {
		old, existed := oldConfigs[name]
		if existed && serverConfigEqual(old, serverConfig) {
			continue
		}
		if conn, exists := m.connections[name]; exists {
			toClose = append(toClose, conn)
		}
		client, err := NewClient(name, serverConfig)
		if err != nil {
			logging.Error("ConnectionManager", err, "Skipping server %s after config reload", name)
			delete(m.connections, name)
			continue
		}
		conn := NewConnection(name, name, client, serverConfig)
		m.connections[name] = conn
		toConnect = append(toConnect, conn)
	}
	m.mu.Unlock()

	for _, conn := range toClose {
		if err := conn.Client.Close(); err != nil {
			logging.Warn("ConnectionManager", "Error closing %s during reload: %v", conn.Key, err)
		}
	}
	for _, conn := range toConnect {
		m.connect(ctx, conn)
	}

	if len(toClose) > 0 || len(toConnect) > 0 {
		logging.Info("ConnectionManager", "Applied config: %d removed/replaced, %d connected",
			len(toClose), len(toConnect))
		m.notifyChange()
	}
}

// serverConfigEqual compares the fields that require a reconnect when changed.
func serverConfigEqual(a, b config.ServerConfig) bool {
	if a.Type != b.Type || a.Command != b.Command || a.URL != b.URL || a.Timeout != b.Timeout {
		return false
	}
	if !stringSlicesEqual(a.Args, b.Args) || !stringSlicesEqual(a.Tags, b.Tags) {
		return false
	}
	if !stringMapsEqual(a.Env, b.Env) || !stringMapsEqual(a.Headers, b.Headers) {
		return false
	}
	return stringSlicesEqual(a.EnabledTools, b.EnabledTools) &&
		stringSlicesEqual(a.DisabledTools, b.DisabledTools) &&
		stringSlicesEqual(a.EnabledResources, b.EnabledResources) &&
		stringSlicesEqual(a.DisabledResources, b.DisabledResources) &&
		stringSlicesEqual(a.EnabledPrompts, b.EnabledPrompts) &&
		stringSlicesEqual(a.DisabledPrompts, b.DisabledPrompts)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// AddConnection publishes a pool-created template instance connection.
// The connection must already be initialized by the caller.
func (m *Manager) AddConnection(conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.connections[conn.Key]; exists {
		return fmt.Errorf("connection %s already exists", conn.Key)
	}
	m.connections[conn.Key] = conn
	m.notifyChange()
	return nil
}

// RemoveConnection drops a connection from the map without closing it; the
// caller owns the close.
func (m *Manager) RemoveConnection(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connections[key]; exists {
		delete(m.connections, key)
		m.notifyChange()
	}
}

// Get returns the connection stored under the given key.
func (m *Manager) Get(key string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, exists := m.connections[key]
	return conn, exists
}

// Snapshot returns a copy of the connections map for read-consistent
// iteration.
func (m *Manager) Snapshot() map[string]*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Connection, len(m.connections))
	for k, v := range m.connections {
		result[k] = v
	}
	return result
}

func (m *Manager) notifyChange() {
	if m.onChange != nil {
		go m.onChange()
	}
}
