package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mordilloSan/go-logger/logger"
)

// -----------------------------------------------------------------------------
// Types and defaults
// -----------------------------------------------------------------------------

type DeleteReason string

const (
	ReasonKill       DeleteReason = "kill"
	ReasonTimeout    DeleteReason = "timeout"
	ReasonServerQuit DeleteReason = "server_quit"
)

// Anonymous is the UPN given to unauthenticated connections.
const Anonymous = "ANONYMOUS"

var ErrNotFound = errors.New("session not found")

type SessionConfig struct {
	IdleTimeout     time.Duration
	RefreshThrottle time.Duration
	GCInterval      time.Duration
	// CallbackGrace bounds how long timeout callbacks may run.
	CallbackGrace time.Duration
	Cookie        CookieConfig
}

type CookieConfig struct {
	Name     string
	Path     string
	SameSite http.SameSite
	Secure   bool
	HTTPOnly bool
}

var DefaultConfig = SessionConfig{
	IdleTimeout:     5 * 24 * time.Hour,
	RefreshThrottle: 60 * time.Second,
	GCInterval:      30 * time.Second,
	CallbackGrace:   10 * time.Second,
	Cookie: CookieConfig{
		Name:     "gateone_session",
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		Secure:   true,
		HTTPOnly: true,
	},
}

type User struct {
	UPN string `json:"upn"`
	IP  string `json:"ip,omitempty"`
}

// Authenticated reports whether the user is not anonymous.
func (u User) Authenticated() bool { return u.UPN != "" && u.UPN != Anonymous }

type Timing struct {
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
	LastRefresh time.Time `json:"last_refresh"`
	IdleUntil   time.Time `json:"idle_until"`
}

type namedCallback struct {
	name string
	fn   func(DeleteReason)
}

// Session is the per-user state shared by every connection that presents
// the same session id.
type Session struct {
	SessionID string `json:"session_id"`
	User      User   `json:"user"`
	Timing    Timing `json:"timing"`

	mu        sync.Mutex
	conns     int
	onKill    []namedCallback
	onTimeout []namedCallback
}

// Connections returns the number of live connections bound to the session.
func (s *Session) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// OnKill registers fn to run when the session is killed or the server quits.
// Registering the same name twice replaces the earlier callback.
func (s *Session) OnKill(name string, fn func(DeleteReason)) {
	s.mu.Lock()
	s.onKill = upsert(s.onKill, name, fn)
	s.mu.Unlock()
}

// OnTimeout registers fn to run when the session idles out.
func (s *Session) OnTimeout(name string, fn func(DeleteReason)) {
	s.mu.Lock()
	s.onTimeout = upsert(s.onTimeout, name, fn)
	s.mu.Unlock()
}

func upsert(list []namedCallback, name string, fn func(DeleteReason)) []namedCallback {
	for i := range list {
		if list[i].name == name {
			list[i].fn = fn
			return list
		}
	}
	return append(list, namedCallback{name: name, fn: fn})
}

// -----------------------------------------------------------------------------
// Store interface
// -----------------------------------------------------------------------------

type Store interface {
	Find(string) ([]byte, bool, error)
	Commit(string, []byte, time.Time) error
	Delete(string) error
	All() (map[string][]byte, error)
}

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

type Manager struct {
	cfg SessionConfig
	st  Store

	mu       sync.Mutex
	sessions map[string]*Session

	gcStop chan struct{}
	gcOnce sync.Once
}

func NewManager(store Store, cfg SessionConfig) *Manager {
	m := &Manager{st: store, cfg: cfg, sessions: make(map[string]*Session)}
	// Fill defaults
	if m.cfg.IdleTimeout == 0 {
		m.cfg.IdleTimeout = DefaultConfig.IdleTimeout
	}
	if m.cfg.RefreshThrottle == 0 {
		m.cfg.RefreshThrottle = DefaultConfig.RefreshThrottle
	}
	if m.cfg.CallbackGrace == 0 {
		m.cfg.CallbackGrace = DefaultConfig.CallbackGrace
	}
	if m.cfg.Cookie.Name == "" {
		m.cfg.Cookie = DefaultConfig.Cookie
	}

	m.load()

	logger.Infof("[Session] manager ready (%d restored)", len(m.sessions))
	logger.Debugf("[Session] timings (idle=%v, refresh=%v, gc=%v, grace=%v)",
		m.cfg.IdleTimeout, m.cfg.RefreshThrottle, m.cfg.GCInterval, m.cfg.CallbackGrace)

	if m.cfg.GCInterval > 0 {
		m.gcStop = make(chan struct{})
		go m.gcLoop()
	}
	return m
}

// Close stops the idle sweeper. Sessions stay in the store.
func (m *Manager) Close() {
	m.gcOnce.Do(func() {
		if m.gcStop != nil {
			close(m.gcStop)
		}
	})
	logger.Infof("[Session] manager stopped")
}

// Config returns a copy of the effective session config.
func (m *Manager) Config() SessionConfig { return m.cfg }

func (m *Manager) load() {
	if m.st == nil {
		return
	}
	all, err := m.st.All()
	if err != nil {
		logger.Warnf("[Session] loading stored sessions: %v", err)
		return
	}
	for id, b := range all {
		s, err := decode(b)
		if err != nil || s.SessionID != id {
			continue
		}
		m.sessions[id] = s
	}
}

// -----------------------------------------------------------------------------
// Core helpers
// -----------------------------------------------------------------------------

// NewID returns a random url-safe 45 character session id.
func NewID() (string, error) {
	b := make([]byte, 31)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b) + "gOn", nil
}

func expiredIdle(s *Session, now time.Time) bool { return now.After(s.Timing.IdleUntil) }

func decode(b []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *Manager) commit(s *Session) {
	if m.st == nil {
		return
	}
	s.mu.Lock()
	b, err := json.Marshal(struct {
		SessionID string `json:"session_id"`
		User      User   `json:"user"`
		Timing    Timing `json:"timing"`
	}{s.SessionID, s.User, s.Timing})
	idle := s.Timing.IdleUntil
	s.mu.Unlock()
	if err != nil {
		logger.Warnf("[Session] encode %s: %v", s.SessionID, err)
		return
	}
	if err := m.st.Commit(s.SessionID, b, idle); err != nil {
		logger.WarnKV("session commit failed", "session", s.SessionID, "error", err)
	}
}

// -----------------------------------------------------------------------------
// Public API
// -----------------------------------------------------------------------------

// Open returns the session named by id when it exists and belongs to user,
// otherwise a fresh session. created reports which happened.
func (m *Manager) Open(id string, user User) (s *Session, created bool, err error) {
	now := time.Now()
	m.mu.Lock()
	if id != "" {
		if s, ok := m.sessions[id]; ok && s.User.UPN == user.UPN {
			s.mu.Lock()
			live := !expiredIdle(s, now)
			s.mu.Unlock()
			if live {
				m.mu.Unlock()
				m.Touch(id)
				return s, false, nil
			}
		}
	}
	m.mu.Unlock()

	newID, err := NewID()
	if err != nil {
		return nil, false, fmt.Errorf("rand id: %w", err)
	}
	s = &Session{
		SessionID: newID,
		User:      user,
		Timing: Timing{
			CreatedAt:   now,
			LastAccess:  now,
			LastRefresh: now,
			IdleUntil:   now.Add(m.cfg.IdleTimeout),
		},
	}
	m.mu.Lock()
	m.sessions[newID] = s
	m.mu.Unlock()
	m.commit(s)

	logger.Infof("[Session] created session for '%s'", user.UPN)
	return s, true, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Touch pushes back the idle deadline. Store writes are throttled.
func (m *Manager) Touch(id string) {
	s, err := m.Get(id)
	if err != nil {
		return
	}
	now := time.Now()
	s.mu.Lock()
	s.Timing.LastAccess = now
	s.Timing.IdleUntil = now.Add(m.cfg.IdleTimeout)
	persist := now.Sub(s.Timing.LastRefresh) >= m.cfg.RefreshThrottle
	if persist {
		s.Timing.LastRefresh = now
	}
	s.mu.Unlock()
	if persist {
		m.commit(s)
	}
}

// Connect records a new live connection on the session.
func (m *Manager) Connect(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conns++
	s.mu.Unlock()
	m.Touch(id)
	return nil
}

// Disconnect records a closed connection. The idle clock restarts from now.
func (m *Manager) Disconnect(id string) {
	s, err := m.Get(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.conns > 0 {
		s.conns--
	}
	s.mu.Unlock()
	m.Touch(id)
}

// Kill removes the session and runs its kill callbacks.
func (m *Manager) Kill(id string, r DeleteReason) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if m.st != nil {
		_ = m.st.Delete(id)
	}
	s.mu.Lock()
	cbs := append([]namedCallback(nil), s.onKill...)
	s.mu.Unlock()
	logger.Infof("[Session] killed session for '%s' (reason=%s)", s.User.UPN, r)
	m.runCallbacks(s, cbs, r)
	return nil
}

// KillAll fires the kill callbacks of every live session without deleting
// them from the store, so detached terminals can be restored later.
func (m *Manager) KillAll(r DeleteReason) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.mu.Lock()
		cbs := append([]namedCallback(nil), s.onKill...)
		s.mu.Unlock()
		m.runCallbacks(s, cbs, r)
		m.commit(s)
	}
}

// Expire runs the timeout callbacks of an idle session and removes it.
func (m *Manager) Expire(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.st != nil {
		_ = m.st.Delete(id)
	}
	s.mu.Lock()
	cbs := append([]namedCallback(nil), s.onTimeout...)
	s.mu.Unlock()
	logger.Infof("[Session] session for '%s' timed out", s.User.UPN)
	m.runCallbacks(s, cbs, ReasonTimeout)
}

// runCallbacks runs every callback concurrently and waits up to the grace period.
func (m *Manager) runCallbacks(s *Session, cbs []namedCallback, r DeleteReason) {
	if len(cbs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, cb := range cbs {
		wg.Add(1)
		go func(cb namedCallback) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					logger.Errorf("[Session] callback %s panicked: %v", cb.name, p)
				}
			}()
			cb.fn(r)
		}(cb)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.CallbackGrace):
		logger.Warnf("[Session] callbacks for %s still running after %v", s.SessionID, m.cfg.CallbackGrace)
	}
}

// Active returns the live sessions ordered by creation time.
func (m *Manager) Active() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timing.CreatedAt.Before(out[j].Timing.CreatedAt) })
	return out
}

// -----------------------------------------------------------------------------
// HTTP helpers
// -----------------------------------------------------------------------------

// Cookie returns the session cookie for id. An empty id yields a deleting cookie.
func (m *Manager) Cookie(id string) *http.Cookie {
	c := &http.Cookie{
		Name:     m.cfg.Cookie.Name,
		Value:    id,
		Path:     m.cfg.Cookie.Path,
		SameSite: m.cfg.Cookie.SameSite,
		Secure:   m.cfg.Cookie.Secure,
		HttpOnly: m.cfg.Cookie.HTTPOnly,
	}
	if id == "" {
		c.Expires = time.Unix(1, 0)
		c.MaxAge = -1
	} else {
		c.MaxAge = int(m.cfg.IdleTimeout.Seconds())
	}
	return c
}

// IDFromRequest returns the session id carried by r, if any.
func (m *Manager) IDFromRequest(r *http.Request) string {
	ck, err := r.Cookie(m.cfg.Cookie.Name)
	if err != nil {
		return ""
	}
	return ck.Value
}

// -----------------------------------------------------------------------------
// Background idle sweep
// -----------------------------------------------------------------------------

func (m *Manager) gcLoop() {
	t := time.NewTicker(m.cfg.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweep(time.Now())
		case <-m.gcStop:
			return
		}
	}
}

// sweep expires sessions that are idle and have no live connections.
func (m *Manager) sweep(now time.Time) int {
	var idle []string
	m.mu.Lock()
	for id, s := range m.sessions {
		s.mu.Lock()
		if s.conns == 0 && expiredIdle(s, now) {
			idle = append(idle, id)
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()
	for _, id := range idle {
		m.Expire(id)
	}
	if len(idle) > 0 {
		logger.Infof("[Session] GC: expired %d idle session(s)", len(idle))
	}
	return len(idle)
}
