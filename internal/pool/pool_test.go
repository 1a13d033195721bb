package pool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"onemcp/internal/config"
	"onemcp/internal/template"
	"onemcp/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func templateConfig() config.ServerConfig {
	return config.ServerConfig{
		Type:    config.TransportStdio,
		Command: "mcp-workspace",
		Args:    []string{"--root", "{{ project.root }}"},
	}
}

func sessionContext(sessionID, root string) template.Context {
	return template.Context{
		SessionID: sessionID,
		Project:   map[string]interface{}{"root": root},
	}
}

type testPool struct {
	*Pool
	manager *upstream.Manager
	clients map[string]*upstream.FakeClient
	initErr error
}

func newTestPool(t *testing.T, cfg config.PoolConfig) *testPool {
	t.Helper()
	manager := upstream.NewManager(nil)
	tp := &testPool{
		Pool:    New(manager, template.New(), cfg),
		manager: manager,
		clients: make(map[string]*upstream.FakeClient),
	}
	tp.Pool.newClient = func(name string, c config.ServerConfig) (upstream.MCPClient, error) {
		fake := &upstream.FakeClient{InitErr: tp.initErr}
		tp.clients[name] = fake
		return fake, nil
	}
	return tp
}

func TestAcquireSharesByRenderedHash(t *testing.T) {
	tp := newTestPool(t, config.PoolConfig{})
	ctx := context.Background()

	conn1, err := tp.Acquire(ctx, "workspace", templateConfig(), "sess-1", sessionContext("sess-1", "/srv/app"))
	require.NoError(t, err)

	// Different session, same rendered values: same instance.
	conn2, err := tp.Acquire(ctx, "workspace", templateConfig(), "sess-2", sessionContext("sess-2", "/srv/app"))
	require.NoError(t, err)
	assert.Same(t, conn1, conn2)

	// Different rendered values: separate instance.
	conn3, err := tp.Acquire(ctx, "workspace", templateConfig(), "sess-3", sessionContext("sess-3", "/srv/other"))
	require.NoError(t, err)
	assert.NotSame(t, conn1, conn3)

	assert.Equal(t, 2, tp.Snapshot().Instances)
	assert.Len(t, tp.clients, 2)

	// Rendered values land in the connection config.
	assert.Equal(t, []string{"--root", "/srv/app"}, conn1.Config.Args)

	// The instance is resolvable and published under its key.
	key, ok := tp.InstanceKeyFor("sess-1", "workspace")
	require.True(t, ok)
	assert.Equal(t, conn1.Key, key)
	published, ok := tp.manager.Get(key)
	require.True(t, ok)
	assert.Same(t, conn1, published)
}

func TestAcquirePerClient(t *testing.T) {
	tp := newTestPool(t, config.PoolConfig{})
	ctx := context.Background()

	cfg := templateConfig()
	cfg.Template = &config.TemplateSettings{PerClient: true}

	conn1, err := tp.Acquire(ctx, "workspace", cfg, "sess-1", sessionContext("sess-1", "/srv/app"))
	require.NoError(t, err)
	conn2, err := tp.Acquire(ctx, "workspace", cfg, "sess-2", sessionContext("sess-2", "/srv/app"))
	require.NoError(t, err)

	assert.NotSame(t, conn1, conn2)
	assert.Equal(t, upstream.MakeInstanceKey("workspace", "sess-1"), conn1.Key)
	assert.Equal(t, upstream.MakeInstanceKey("workspace", "sess-2"), conn2.Key)
}

func TestAcquireNonShareable(t *testing.T) {
	tp := newTestPool(t, config.PoolConfig{})
	ctx := context.Background()

	no := false
	cfg := templateConfig()
	cfg.Template = &config.TemplateSettings{Shareable: &no}

	conn, err := tp.Acquire(ctx, "workspace", cfg, "sess-1", sessionContext("sess-1", "/srv/app"))
	require.NoError(t, err)
	assert.Equal(t, upstream.MakeInstanceKey("workspace", "sess-1"), conn.Key)
}

func TestAcquireMissingVariables(t *testing.T) {
	tp := newTestPool(t, config.PoolConfig{})

	_, err := tp.Acquire(context.Background(), "workspace", templateConfig(), "sess-1",
		template.Context{SessionID: "sess-1"})
	require.ErrorIs(t, err, ErrMissingVariables)
	assert.ErrorContains(t, err, "project.root")
	assert.Zero(t, tp.Snapshot().Instances)
}

func TestAcquireConnectFailureLeavesNothing(t *testing.T) {
	tp := newTestPool(t, config.PoolConfig{})
	tp.initErr = errors.New("spawn failed")

	_, err := tp.Acquire(context.Background(), "workspace", templateConfig(), "sess-1",
		sessionContext("sess-1", "/srv/app"))
	require.Error(t, err)

	assert.Zero(t, tp.Snapshot().Instances)
	assert.Empty(t, tp.manager.Snapshot())
	_, ok := tp.InstanceKeyFor("sess-1", "workspace")
	assert.False(t, ok)

	// A later attempt succeeds once the upstream recovers.
	tp.initErr = nil
	_, err = tp.Acquire(context.Background(), "workspace", templateConfig(), "sess-1",
		sessionContext("sess-1", "/srv/app"))
	assert.NoError(t, err)
}

func TestAcquireLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("per template", func(t *testing.T) {
		tp := newTestPool(t, config.PoolConfig{MaxInstances: 1})
		_, err := tp.Acquire(ctx, "workspace", templateConfig(), "s1", sessionContext("s1", "/a"))
		require.NoError(t, err)
		_, err = tp.Acquire(ctx, "workspace", templateConfig(), "s2", sessionContext("s2", "/b"))
		assert.ErrorIs(t, err, ErrLimitExceeded)
	})

	t.Run("template override", func(t *testing.T) {
		tp := newTestPool(t, config.PoolConfig{MaxInstances: 1})
		cfg := templateConfig()
		cfg.Template = &config.TemplateSettings{MaxInstances: 2}
		_, err := tp.Acquire(ctx, "workspace", cfg, "s1", sessionContext("s1", "/a"))
		require.NoError(t, err)
		_, err = tp.Acquire(ctx, "workspace", cfg, "s2", sessionContext("s2", "/b"))
		assert.NoError(t, err)
	})

	t.Run("global", func(t *testing.T) {
		tp := newTestPool(t, config.PoolConfig{MaxTotalInstances: 1})
		_, err := tp.Acquire(ctx, "workspace", templateConfig(), "s1", sessionContext("s1", "/a"))
		require.NoError(t, err)
		_, err = tp.Acquire(ctx, "other", templateConfig(), "s2", sessionContext("s2", "/b"))
		assert.ErrorIs(t, err, ErrLimitExceeded)
	})

	t.Run("global counts creations in flight", func(t *testing.T) {
		tp := newTestPool(t, config.PoolConfig{MaxTotalInstances: 1})

		entered := make(chan struct{})
		release := make(chan struct{})
		tp.Pool.newClient = func(name string, c config.ServerConfig) (upstream.MCPClient, error) {
			fake := &upstream.FakeClient{}
			if strings.HasPrefix(name, "workspace") {
				fake.InitFunc = func(context.Context) error {
					close(entered)
					<-release
					return nil
				}
			}
			return fake, nil
		}

		done := make(chan error, 1)
		go func() {
			_, err := tp.Acquire(ctx, "workspace", templateConfig(), "s1", sessionContext("s1", "/a"))
			done <- err
		}()
		<-entered

		// A second creation must hit the limit while the first is still
		// connecting.
		_, err := tp.Acquire(ctx, "other", templateConfig(), "s2", sessionContext("s2", "/b"))
		assert.ErrorIs(t, err, ErrLimitExceeded)

		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, 1, tp.Snapshot().Instances)
	})

	t.Run("failed creation frees its reservation", func(t *testing.T) {
		tp := newTestPool(t, config.PoolConfig{MaxTotalInstances: 1})
		tp.initErr = errors.New("spawn failed")
		_, err := tp.Acquire(ctx, "workspace", templateConfig(), "s1", sessionContext("s1", "/a"))
		require.Error(t, err)

		tp.initErr = nil
		_, err = tp.Acquire(ctx, "workspace", templateConfig(), "s1", sessionContext("s1", "/a"))
		assert.NoError(t, err)
	})

	t.Run("attach never counts against limits", func(t *testing.T) {
		tp := newTestPool(t, config.PoolConfig{MaxInstances: 1, MaxTotalInstances: 1})
		_, err := tp.Acquire(ctx, "workspace", templateConfig(), "s1", sessionContext("s1", "/a"))
		require.NoError(t, err)
		_, err = tp.Acquire(ctx, "workspace", templateConfig(), "s2", sessionContext("s2", "/a"))
		assert.NoError(t, err)
	})
}

func TestReferenceCountingAndIdle(t *testing.T) {
	tp := newTestPool(t, config.PoolConfig{})
	ctx := context.Background()

	_, err := tp.Acquire(ctx, "workspace", templateConfig(), "s1", sessionContext("s1", "/a"))
	require.NoError(t, err)
	_, err = tp.Acquire(ctx, "workspace", templateConfig(), "s2", sessionContext("s2", "/a"))
	require.NoError(t, err)

	key, _ := tp.InstanceKeyFor("s1", "workspace")
	tp.mu.Lock()
	inst := tp.instances[key]
	tp.mu.Unlock()

	assert.Equal(t, 2, inst.RefCount())
	assert.Equal(t, StatusActive, inst.Status())

	tp.ReleaseSession("s1")
	assert.Equal(t, 1, inst.RefCount())
	assert.Equal(t, StatusActive, inst.Status())

	tp.ReleaseSession("s2")
	assert.Equal(t, 0, inst.RefCount())
	assert.Equal(t, StatusIdle, inst.Status())

	// Reattaching an idle instance reactivates it.
	_, err = tp.Acquire(ctx, "workspace", templateConfig(), "s3", sessionContext("s3", "/a"))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, inst.Status())
	assert.Equal(t, 1, tp.Snapshot().Instances)
}

func TestReapIdle(t *testing.T) {
	tp := newTestPool(t, config.PoolConfig{IdleTimeout: time.Millisecond})
	ctx := context.Background()

	conn, err := tp.Acquire(ctx, "workspace", templateConfig(), "s1", sessionContext("s1", "/a"))
	require.NoError(t, err)
	key := conn.Key

	tp.ReleaseSession("s1")
	time.Sleep(5 * time.Millisecond)
	tp.reapIdle()

	assert.Zero(t, tp.Snapshot().Instances)
	_, ok := tp.manager.Get(key)
	assert.False(t, ok)
	assert.True(t, tp.clients[key].Closed())
}

func TestReapIdleSkipsActive(t *testing.T) {
	tp := newTestPool(t, config.PoolConfig{IdleTimeout: time.Millisecond})
	ctx := context.Background()

	_, err := tp.Acquire(ctx, "workspace", templateConfig(), "s1", sessionContext("s1", "/a"))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	tp.reapIdle()

	assert.Equal(t, 1, tp.Snapshot().Instances)
}

func TestRenderedHash(t *testing.T) {
	vars := []string{"project.root", "user.email"}
	a := RenderedHash(vars, map[string]interface{}{
		"project.root": "/srv/app", "user.email": "a@example.com", "unrelated": "x",
	})
	b := RenderedHash(vars, map[string]interface{}{
		"project.root": "/srv/app", "user.email": "a@example.com", "unrelated": "y",
	})
	c := RenderedHash(vars, map[string]interface{}{
		"project.root": "/srv/app", "user.email": "b@example.com",
	})

	// Unreferenced bindings do not influence the hash.
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestIsTemplate(t *testing.T) {
	engine := template.New()
	assert.True(t, IsTemplate(engine, templateConfig()))
	assert.False(t, IsTemplate(engine, config.ServerConfig{
		Type:    config.TransportStdio,
		Command: "mcp-static",
		Args:    []string{"--port", "8080"},
	}))
}
