// Package pool manages template server instances: upstream servers whose
// configuration contains placeholders rendered from per-session context.
// Sessions that render to identical values share one instance; per-client
// templates get one instance per session.
package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"onemcp/internal/config"
	"onemcp/internal/template"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrLimitExceeded is returned when creating an instance would exceed the
// per-template or global instance limit.
var ErrLimitExceeded = errors.New("instance limit exceeded")

// ErrMissingVariables is returned when the session context does not bind
// every placeholder the template references.
var ErrMissingVariables = errors.New("missing template variables")

// InstanceStatus describes an instance's lifecycle state.
type InstanceStatus string

const (
	StatusActive      InstanceStatus = "active"
	StatusIdle        InstanceStatus = "idle"
	StatusTerminating InstanceStatus = "terminating"
)

// Instance is one live rendering of a template server.
type Instance struct {
	Key          string
	ServerName   string
	RenderedHash string
	PerClient    bool
	CreatedAt    time.Time

	mu         sync.Mutex
	clients    map[string]struct{}
	status     InstanceStatus
	idleSince  time.Time
	connection *upstream.Connection
}

// Connection returns the upstream connection backing this instance.
func (i *Instance) Connection() *upstream.Connection {
	return i.connection
}

// Status returns the current lifecycle state.
func (i *Instance) Status() InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// RefCount returns the number of attached clients.
func (i *Instance) RefCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.clients)
}

// attach adds a client. Attaching twice is a no-op.
func (i *Instance) attach(clientID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.clients[clientID] = struct{}{}
	i.status = StatusActive
}

// detach removes a client; the last detach moves the instance to idle.
func (i *Instance) detach(clientID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.clients, clientID)
	if len(i.clients) == 0 && i.status == StatusActive {
		i.status = StatusIdle
		i.idleSince = time.Now()
	}
}

// idleFor returns how long the instance has had no clients, or zero when
// it is in use.
func (i *Instance) idleFor(now time.Time) time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != StatusIdle {
		return 0
	}
	return now.Sub(i.idleSince)
}

// Pool owns all template server instances.
type Pool struct {
	manager *upstream.Manager
	engine  *template.Engine
	cfg     config.PoolConfig

	flight singleflight.Group

	// newClient creates the upstream client for a rendered config. Tests
	// override it.
	newClient func(name string, c config.ServerConfig) (upstream.MCPClient, error)

	mu        sync.Mutex
	instances map[string]*Instance
	// creating maps instance key -> server name for creations still
	// connecting, so concurrent flights count against the limits.
	creating map[string]string
	// sessions maps sessionID -> serverName -> instance key, so requests can
	// resolve their instance without re-rendering.
	sessions map[string]map[string]string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an instance pool publishing connections through the manager.
func New(manager *upstream.Manager, engine *template.Engine, cfg config.PoolConfig) *Pool {
	return &Pool{
		manager: manager,
		engine:  engine,
		cfg:     cfg,
		newClient: func(name string, c config.ServerConfig) (upstream.MCPClient, error) {
			return upstream.NewClient(name, c)
		},
		instances: make(map[string]*Instance),
		creating:  make(map[string]string),
		sessions:  make(map[string]map[string]string),
	}
}

// Start launches the idle reaper.
func (p *Pool) Start(ctx context.Context) {
	reaperCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	interval := p.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-reaperCtx.Done():
				return
			case <-ticker.C:
				p.reapIdle()
			}
		}
	}()
}

// Stop halts the reaper and closes every instance.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	instances := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	p.instances = make(map[string]*Instance)
	p.sessions = make(map[string]map[string]string)
	p.mu.Unlock()

	var g errgroup.Group
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			p.closeInstance(inst)
			return nil
		})
	}
	_ = g.Wait()
}

// Acquire returns the connection for (serverName, session), creating and
// connecting an instance when none exists for the rendered configuration.
// Failed creations leave no trace in the pool.
func (p *Pool) Acquire(ctx context.Context, serverName string, serverConfig config.ServerConfig, sessionID string, tctx template.Context) (*upstream.Connection, error) {
	rendered, hash, err := p.render(serverName, serverConfig, tctx)
	if err != nil {
		return nil, err
	}

	perClient := serverConfig.Template != nil &&
		(serverConfig.Template.PerClient || !serverConfig.Template.IsShareable())

	suffix := hash
	if perClient {
		suffix = sessionID
	}
	key := upstream.MakeInstanceKey(serverName, suffix)

	// Fast path: attach to an existing instance.
	p.mu.Lock()
	if inst, exists := p.instances[key]; exists {
		inst.attach(sessionID)
		p.recordSession(sessionID, serverName, key)
		p.mu.Unlock()
		return inst.connection, nil
	}
	p.mu.Unlock()

	result, err, _ := p.flight.Do(key, func() (interface{}, error) {
		p.mu.Lock()
		if inst, exists := p.instances[key]; exists {
			p.mu.Unlock()
			return inst, nil
		}
		// Reserve the slot before connecting so limits hold across
		// concurrent creations of different keys.
		if err := p.checkLimitsLocked(serverName, serverConfig.Template); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.creating[key] = serverName
		p.mu.Unlock()

		inst, err := p.createInstance(ctx, key, serverName, rendered, hash, perClient)

		p.mu.Lock()
		delete(p.creating, key)
		if err == nil {
			p.instances[key] = inst
		}
		p.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return inst, nil
	})
	if err != nil {
		return nil, err
	}

	inst := result.(*Instance)
	inst.attach(sessionID)
	p.mu.Lock()
	p.recordSession(sessionID, serverName, key)
	p.mu.Unlock()
	return inst.connection, nil
}

// createInstance connects a fresh rendering. The caller registers it.
func (p *Pool) createInstance(ctx context.Context, key, serverName string, rendered config.ServerConfig, hash string, perClient bool) (*Instance, error) {
	client, err := p.newClient(key, rendered)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance %s: %w", key, err)
	}
	if err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect instance %s: %w", key, err)
	}

	conn := upstream.NewConnection(key, serverName, client, rendered)
	conn.SetStatus(upstream.StatusConnected)

	inst := &Instance{
		Key:          key,
		ServerName:   serverName,
		RenderedHash: hash,
		PerClient:    perClient,
		CreatedAt:    time.Now(),
		clients:      make(map[string]struct{}),
		status:       StatusActive,
		connection:   conn,
	}

	if err := p.manager.AddConnection(conn); err != nil {
		_ = client.Close()
		return nil, err
	}

	logging.Info("InstancePool", "Created instance %s (hash %s)", key, hash)
	return inst, nil
}

// checkLimitsLocked enforces the per-template and global instance limits,
// counting creations still in flight. Caller holds p.mu.
func (p *Pool) checkLimitsLocked(serverName string, settings *config.TemplateSettings) error {
	maxTotal := p.cfg.MaxTotalInstances
	total := len(p.instances) + len(p.creating)
	if maxTotal > 0 && total >= maxTotal {
		return fmt.Errorf("%w: %d total instances", ErrLimitExceeded, total)
	}

	maxPerTemplate := p.cfg.MaxInstances
	if settings != nil && settings.MaxInstances > 0 {
		maxPerTemplate = settings.MaxInstances
	}
	if maxPerTemplate <= 0 {
		return nil
	}

	count := 0
	for _, inst := range p.instances {
		if inst.ServerName == serverName {
			count++
		}
	}
	for _, name := range p.creating {
		if name == serverName {
			count++
		}
	}
	if count >= maxPerTemplate {
		return fmt.Errorf("%w: %d instances of %s", ErrLimitExceeded, count, serverName)
	}
	return nil
}

// render substitutes session context into the template fields and returns
// the rendered config plus the hash identifying this rendering.
func (p *Pool) render(serverName string, serverConfig config.ServerConfig, tctx template.Context) (config.ServerConfig, string, error) {
	raw := configToMap(serverConfig)
	vars := p.engine.ExtractVariables(raw)
	bindings := tctx.Flatten()

	var missing []string
	for _, v := range vars {
		if _, ok := bindings[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		return config.ServerConfig{}, "", fmt.Errorf("%w for %s: %s",
			ErrMissingVariables, serverName, strings.Join(missing, ", "))
	}

	renderedRaw, err := p.engine.Render(raw, bindings)
	if err != nil {
		return config.ServerConfig{}, "", fmt.Errorf("failed to render template %s: %w", serverName, err)
	}

	rendered := serverConfig
	applyRendered(&rendered, renderedRaw.(map[string]interface{}))

	return rendered, RenderedHash(vars, bindings), nil
}

// RenderedHash hashes the key-sorted bindings of the referenced variables.
// Two sessions whose bindings agree on every referenced variable share the
// same hash regardless of unrelated context differences.
func RenderedHash(vars []string, bindings map[string]interface{}) string {
	sorted := append([]string(nil), vars...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, v := range sorted {
		fmt.Fprintf(h, "%s=%v\x00", v, bindings[v])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// configToMap exposes the renderable fields of a server config.
func configToMap(c config.ServerConfig) map[string]interface{} {
	m := map[string]interface{}{}
	if c.Command != "" {
		m["command"] = c.Command
	}
	if len(c.Args) > 0 {
		m["args"] = append([]string(nil), c.Args...)
	}
	if len(c.Env) > 0 {
		env := make(map[string]interface{}, len(c.Env))
		for k, v := range c.Env {
			env[k] = v
		}
		m["env"] = env
	}
	if c.URL != "" {
		m["url"] = c.URL
	}
	if len(c.Headers) > 0 {
		headers := make(map[string]interface{}, len(c.Headers))
		for k, v := range c.Headers {
			headers[k] = v
		}
		m["headers"] = headers
	}
	return m
}

func applyRendered(c *config.ServerConfig, m map[string]interface{}) {
	if v, ok := m["command"].(string); ok {
		c.Command = v
	}
	if args, ok := m["args"].([]string); ok {
		c.Args = args
	}
	if env, ok := m["env"].(map[string]interface{}); ok {
		c.Env = make(map[string]string, len(env))
		for k, v := range env {
			c.Env[k], _ = v.(string)
		}
	}
	if v, ok := m["url"].(string); ok {
		c.URL = v
	}
	if headers, ok := m["headers"].(map[string]interface{}); ok {
		c.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			c.Headers[k], _ = v.(string)
		}
	}
}

func (p *Pool) recordSession(sessionID, serverName, key string) {
	byServer, ok := p.sessions[sessionID]
	if !ok {
		byServer = make(map[string]string)
		p.sessions[sessionID] = byServer
	}
	byServer[serverName] = key
}

// InstanceKeyFor returns the instance key a session resolved for a template
// server, if any.
func (p *Pool) InstanceKeyFor(sessionID, serverName string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.sessions[sessionID][serverName]
	return key, ok
}

// ReleaseSession detaches a closing session from every instance it used.
// Instances are not closed here; the reaper evicts them after the idle
// timeout so a quickly returning session can reattach.
func (p *Pool) ReleaseSession(sessionID string) {
	p.mu.Lock()
	byServer := p.sessions[sessionID]
	delete(p.sessions, sessionID)
	var detached []*Instance
	for _, key := range byServer {
		if inst, ok := p.instances[key]; ok {
			detached = append(detached, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range detached {
		inst.detach(sessionID)
	}
}

// reapIdle closes instances idle past their timeout, concurrently.
func (p *Pool) reapIdle() {
	now := time.Now()

	p.mu.Lock()
	var victims []*Instance
	for key, inst := range p.instances {
		timeout := p.cfg.IdleTimeout
		if t := inst.connection.Config.Template; t != nil && t.IdleTimeout > 0 {
			timeout = t.IdleTimeout
		}
		if timeout <= 0 {
			continue
		}
		if inst.idleFor(now) > timeout {
			inst.mu.Lock()
			inst.status = StatusTerminating
			inst.mu.Unlock()
			delete(p.instances, key)
			victims = append(victims, inst)
		}
	}
	p.mu.Unlock()

	if len(victims) == 0 {
		return
	}

	var g errgroup.Group
	for _, inst := range victims {
		inst := inst
		g.Go(func() error {
			p.closeInstance(inst)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) closeInstance(inst *Instance) {
	p.manager.RemoveConnection(inst.Key)
	if err := inst.connection.Client.Close(); err != nil {
		logging.Warn("InstancePool", "Error closing instance %s: %v", inst.Key, err)
	}
	inst.connection.SetStatus(upstream.StatusDisconnected)
	logging.Info("InstancePool", "Closed instance %s", inst.Key)
}

// Stats reports pool occupancy for status output.
type Stats struct {
	Instances int `json:"instances"`
	Active    int `json:"active"`
	Idle      int `json:"idle"`
	Sessions  int `json:"sessions"`
}

// Snapshot returns current pool occupancy.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Instances: len(p.instances), Sessions: len(p.sessions)}
	for _, inst := range p.instances {
		switch inst.Status() {
		case StatusActive:
			stats.Active++
		case StatusIdle:
			stats.Idle++
		}
	}
	return stats
}

// IsTemplate reports whether a server config references template variables.
func IsTemplate(engine *template.Engine, c config.ServerConfig) bool {
	return len(engine.ExtractVariables(configToMap(c))) > 0
}
