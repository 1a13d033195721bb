package gateway

import (
	"sync"
	"time"

	"onemcp/internal/config"
	"onemcp/internal/filtering"
	"onemcp/internal/template"
	"onemcp/pkg/logging"

	"github.com/google/uuid"
)

// SessionState holds everything the gateway tracks per inbound session:
// the effective tag filter, presentation settings, and the template
// context used when rendering template server definitions.
type SessionState struct {
	ID        string
	CreatedAt time.Time

	mu           sync.RWMutex
	filter       filtering.Settings
	tctx         template.Context
	lastActivity time.Time
}

// Filter returns the session's current tag filter settings.
func (s *SessionState) Filter() filtering.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// SetFilter replaces the session's tag filter settings.
func (s *SessionState) SetFilter(settings filtering.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = settings
}

// TemplateContext returns a copy of the session's template bindings.
func (s *SessionState) TemplateContext() template.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tctx
}

// SetTemplateBindings merges new project/user/environment bindings into the
// session's template context. Nil maps leave the existing section untouched.
func (s *SessionState) SetTemplateBindings(project, user, environment map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if project != nil {
		s.tctx.Project = project
	}
	if user != nil {
		s.tctx.User = user
	}
	if environment != nil {
		s.tctx.Environment = environment
	}
}

// Touch updates the last-activity timestamp.
func (s *SessionState) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent request on this session.
func (s *SessionState) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Store tracks all live inbound sessions. New sessions inherit the
// configured session defaults.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*SessionState
	defaults config.SessionDefaults
}

// NewStore creates a session store seeding new sessions from defaults.
func NewStore(defaults config.SessionDefaults) *Store {
	return &Store{
		sessions: make(map[string]*SessionState),
		defaults: defaults,
	}
}

// GetOrCreate returns the session for id, creating it if needed. An empty
// id (stdio transports without session tracking) gets a generated one.
func (st *Store) GetOrCreate(id string) *SessionState {
	if id == "" {
		id = "anon-" + uuid.NewString()
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if session, ok := st.sessions[id]; ok {
		return session
	}

	now := time.Now()
	session := &SessionState{
		ID:           id,
		CreatedAt:    now,
		filter:       filtering.FromSessionDefaults(st.defaults),
		tctx:         template.Context{SessionID: id},
		lastActivity: now,
	}
	st.sessions[id] = session
	logging.Debug("Gateway", "Created session %s (total: %d)", id, len(st.sessions))
	return session
}

// Get returns the session for id without creating it.
func (st *Store) Get(id string) (*SessionState, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	session, ok := st.sessions[id]
	return session, ok
}

// Delete removes the session for id.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
