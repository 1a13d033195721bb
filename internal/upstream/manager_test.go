package upstream

import (
	"context"
	"errors"
	"testing"

	"onemcp/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverConfig(t *testing.T) config.ServerConfig {
	t.Helper()
	return config.ServerConfig{
		Type:    config.TransportStdio,
		Command: "mcp-fake",
		Tags:    []string{"test"},
	}
}

func TestManagerConnectTransitions(t *testing.T) {
	m := NewManager(nil)

	t.Run("success", func(t *testing.T) {
		conn := NewConnection("ok", "ok", &FakeClient{}, serverConfig(t))
		m.connect(context.Background(), conn)
		assert.Equal(t, StatusConnected, conn.Status())
	})

	t.Run("failure", func(t *testing.T) {
		conn := NewConnection("bad", "bad", &FakeClient{InitErr: errors.New("dial refused")}, serverConfig(t))
		m.connect(context.Background(), conn)
		assert.Equal(t, StatusError, conn.Status())
		assert.ErrorContains(t, conn.LastError(), "dial refused")
	})

	t.Run("auth required", func(t *testing.T) {
		conn := NewConnection("secure", "secure", &FakeClient{InitErr: errors.New("request failed: 401 Unauthorized")}, serverConfig(t))
		m.connect(context.Background(), conn)
		assert.Equal(t, StatusAwaitingOAuth, conn.Status())
	})
}

func TestManagerAddRemoveConnection(t *testing.T) {
	m := NewManager(nil)

	conn := NewConnection(MakeInstanceKey("workspace", "abc"), "workspace", &FakeClient{}, serverConfig(t))
	require.NoError(t, m.AddConnection(conn))

	// Duplicate keys are rejected; first writer wins.
	assert.Error(t, m.AddConnection(conn))

	got, exists := m.Get("workspace:abc")
	require.True(t, exists)
	assert.Same(t, conn, got)

	m.RemoveConnection("workspace:abc")
	_, exists = m.Get("workspace:abc")
	assert.False(t, exists)
}

func TestManagerSnapshotIsCopy(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.AddConnection(NewConnection("a", "a", &FakeClient{}, serverConfig(t))))

	snap := m.Snapshot()
	delete(snap, "a")

	_, exists := m.Get("a")
	assert.True(t, exists, "mutating a snapshot must not affect the manager")
}

func TestServerConfigEqual(t *testing.T) {
	base := serverConfig(t)

	same := serverConfig(t)
	assert.True(t, serverConfigEqual(base, same))

	changedArgs := serverConfig(t)
	changedArgs.Args = []string{"--verbose"}
	assert.False(t, serverConfigEqual(base, changedArgs))

	changedEnv := serverConfig(t)
	changedEnv.Env = map[string]string{"TOKEN": "x"}
	assert.False(t, serverConfigEqual(base, changedEnv))

	changedFilter := serverConfig(t)
	changedFilter.DisabledTools = []string{"rm"}
	assert.False(t, serverConfigEqual(base, changedFilter))
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, isAuthError(errors.New("server returned 401")))
	assert.True(t, isAuthError(errors.New("Unauthorized")))
	assert.False(t, isAuthError(errors.New("connection refused")))
}
