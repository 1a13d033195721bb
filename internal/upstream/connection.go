package upstream

import (
	"strings"
	"sync"
	"time"

	"onemcp/internal/config"
)

// Status describes the lifecycle state of an outbound connection.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusError         Status = "error"
	StatusAwaitingOAuth Status = "awaiting_oauth"
)

// KeySeparator separates the server name from the instance suffix in
// connection keys. Server names themselves may not contain it.
const KeySeparator = ":"

// MakeInstanceKey builds the connection key for a template instance:
// "{name}:{suffix}" where suffix is either a rendered hash (shareable) or a
// session ID (per-client).
func MakeInstanceKey(name, suffix string) string {
	return name + KeySeparator + suffix
}

// ParseKey splits a connection key into server name and instance suffix.
// A static key has an empty suffix.
func ParseKey(key string) (name, suffix string) {
	if idx := strings.Index(key, KeySeparator); idx >= 0 {
		return key[:idx], key[idx+1:]
	}
	return key, ""
}

// IsStaticKey reports whether a connection key refers to a static server.
func IsStaticKey(key string) bool {
	return !strings.Contains(key, KeySeparator)
}

// Connection is one outbound connection to an upstream MCP server. The
// manager owns map structure; the status field is guarded by the
// connection's own mutex so readers always observe a consistent value.
type Connection struct {
	// Name is the configured server name (without any instance suffix).
	Name string
	// Key is the connection key this connection is stored under.
	Key string

	Client MCPClient
	Config config.ServerConfig

	mu            sync.RWMutex
	status        Status
	lastConnected time.Time
	lastError     error
}

// NewConnection creates a connection record in the disconnected state.
func NewConnection(key, name string, client MCPClient, serverConfig config.ServerConfig) *Connection {
	return &Connection{
		Name:   name,
		Key:    key,
		Client: client,
		Config: serverConfig,
		status: StatusDisconnected,
	}
}

// Status returns the current connection status.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsConnected reports whether the connection participates in aggregation.
func (c *Connection) IsConnected() bool {
	return c.Status() == StatusConnected
}

// SetStatus transitions the connection to the given status.
func (c *Connection) SetStatus(status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	if status == StatusConnected {
		c.lastConnected = time.Now()
		c.lastError = nil
	}
}

// SetError transitions the connection to the error state, recording the cause.
func (c *Connection) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusError
	c.lastError = err
}

// LastConnected returns the time of the most recent successful connect, or
// the zero time if the connection never succeeded.
func (c *Connection) LastConnected() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastConnected
}

// LastError returns the most recent connect error, or nil.
func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// Tags returns the configured tag set for this connection.
func (c *Connection) Tags() []string {
	return c.Config.Tags
}
