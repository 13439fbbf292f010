// Package web serves the WebSocket action protocol and the HTTP routes
// around it.
package web

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/mordilloSan/go-logger/logger"

	"github.com/liftoff/GateOne-sub000/common/async"
	"github.com/liftoff/GateOne-sub000/common/config"
	"github.com/liftoff/GateOne-sub000/common/metrics"
	"github.com/liftoff/GateOne-sub000/common/session"
	"github.com/liftoff/GateOne-sub000/webserver/auth"
	"github.com/liftoff/GateOne-sub000/webserver/registry"
	"github.com/liftoff/GateOne-sub000/webserver/sharing"
)

// Config holds router configuration.
type Config struct {
	Settings *config.Settings
	Sessions *session.Manager
	Registry *registry.Registry
	Shares   *sharing.Manager
	Auth     auth.Provider
	// Runner runs blocking work off the connection goroutines.
	Runner *async.Runner

	UserDir    string
	SessionDir string
	// URLPrefix mounts every route below a path, e.g. "/gateone".
	URLPrefix string
	// CheckOrigin overrides the same-origin check on WebSocket upgrades.
	CheckOrigin func(*http.Request) bool
}

// Server routes client actions to the terminal registry and sharing layer.
type Server struct {
	cfg      Config
	sessions *session.Manager
	reg      *registry.Registry
	shares   *sharing.Manager
	auth     auth.Provider
	runner   *async.Runner
	hub      *Hub
	upgrader websocket.Upgrader
	actions  map[string]actionHandler
}

// New builds a server and hooks it into the registry.
func New(cfg Config) *Server {
	if cfg.Settings == nil {
		cfg.Settings = config.DefaultSettings()
	}
	if cfg.Auth == nil {
		cfg.Auth = auth.None{}
	}
	if cfg.Runner == nil {
		cfg.Runner = async.NewRunner("web", cfg.Settings.Executors.IOWorkers)
	}
	s := &Server{
		cfg:      cfg,
		sessions: cfg.Sessions,
		reg:      cfg.Registry,
		shares:   cfg.Shares,
		auth:     cfg.Auth,
		runner:   cfg.Runner,
		hub:      NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		actions: make(map[string]actionHandler),
	}
	s.registerActions()
	s.reg.OnExit(s.terminalExited)
	return s
}

// Hub returns the live connection index.
func (s *Server) Hub() *Hub { return s.hub }

// Deliver sends msg to every connection of upn and/or sess.
func (s *Server) Deliver(msg Message, upn, sess string) int {
	return s.hub.Deliver(msg, upn, sess)
}

// Handler constructs the HTTP handler with every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	prefix := strings.TrimRight(s.cfg.URLPrefix, "/")

	mux.HandleFunc("GET "+prefix+"/ws", s.handleWS)
	mux.HandleFunc("GET "+prefix+"/terminal/shared/{id}", s.handleShared)
	mux.HandleFunc("GET "+prefix+"/terminal/shared/{id}/qr.png", s.handleQR)
	mux.Handle("GET "+prefix+"/metrics", metrics.Handler())

	var handler http.Handler = mux
	handler = LoggerMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Shutdown disconnects every client.
func (s *Server) Shutdown() {
	s.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
}

// -----------------------------------------------------------------------------
// Sessions and terminal lifecycle
// -----------------------------------------------------------------------------

// bindSession ties the registry to the session's lifetime. A server quit
// leaves detachable terminals running; a kill or timeout ends them.
func (s *Server) bindSession(sess *session.Session) {
	sid := sess.SessionID
	end := func(r session.DeleteReason) {
		if r == session.ReasonServerQuit {
			s.reg.DetachSession(sid)
			return
		}
		s.releaseSession(sid)
		s.hub.CloseSession(sid, websocket.CloseNormalClosure, "session ended")
	}
	sess.OnKill("registry", end)
	sess.OnTimeout("registry", end)
}

// releaseSession drops the shares a session owns or watches, then kills its
// terminals.
func (s *Server) releaseSession(sid string) {
	for _, loc := range s.reg.Locations(sid) {
		for _, sum := range s.reg.ListTerminals(sid, loc) {
			ref := registry.TermRef{Session: sid, Location: loc, Term: sum.Term}
			if sum.Shared {
				if s.shares.Detach(sum.ShareID, ref) {
					s.notifyOwner(sum.ShareID)
				}
				continue
			}
			if share, ok := s.shares.ForTerm(ref); ok {
				s.shares.RemoveForTerm(ref)
				s.pushShareLists(share, nil)
			}
		}
	}
	s.reg.KillSession(sid)
}

// terminalExited cleans up sharing state for records whose program ended.
func (s *Server) terminalExited(ref registry.TermRef, rec *registry.TermRecord) {
	if rec.Viewer() {
		if id := rec.ShareID(); id != "" && s.shares.Detach(id, ref) {
			s.notifyOwner(id)
		}
		return
	}
	share, ok := s.shares.ForTerm(ref)
	if !ok {
		return
	}
	s.shares.RemoveForTerm(ref)
	s.pushShareLists(share, nil)
}

// -----------------------------------------------------------------------------
// HTTP handlers
// -----------------------------------------------------------------------------

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		WriteError(w, http.StatusBadRequest, "websocket upgrade required")
		return
	}
	user, err := s.auth.Authenticate(r)
	if err != nil {
		logger.WarnKV("authentication failed", "ip", auth.ClientIP(r), "error", err)
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sess, _, err := s.sessions.Open(s.sessions.IDFromRequest(r), user)
	if err != nil {
		logger.Errorf("[Router] open session for %s: %v", user.UPN, err)
		WriteError(w, http.StatusInternalServerError, "session unavailable")
		return
	}
	s.bindSession(sess)

	hdr := http.Header{}
	hdr.Add("Set-Cookie", s.sessions.Cookie(sess.SessionID).String())
	ws, err := s.upgrader.Upgrade(w, r, hdr)
	if err != nil {
		logger.Warnf("[Router] upgrade failed for %s: %v", user.UPN, err)
		return
	}
	if n, err := s.reg.Restore(sess.SessionID, user.UPN); err != nil {
		logger.Warnf("[Router] restore terminals of %s: %v", user.UPN, err)
	} else if n > 0 {
		logger.Infof("[Router] resumed %d terminal(s) for %s", n, user.UPN)
	}

	c := newConn(s, ws, user, sess.SessionID, r.URL.Query().Get("location"))
	s.serve(c, nil)
}

// handleShared upgrades to a viewer connection that attaches straight to a
// share, or describes the share to plain HTTP clients.
func (s *Server) handleShared(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	user, err := s.auth.Authenticate(r)
	if err != nil {
		user = session.User{UPN: session.Anonymous, IP: auth.ClientIP(r)}
	}
	share, ok := s.shares.Get(id)
	if !ok || !sharing.CanRead(share, user) {
		WriteError(w, http.StatusNotFound, "share not found")
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"share_id":     share.ID,
			"owner":        share.Owner,
			"broadcast":    share.Broadcast,
			"has_password": share.HasPassword(),
			"title":        s.shareTitle(share.Term),
		})
		return
	}

	sess, _, err := s.sessions.Open("", user)
	if err != nil {
		logger.Errorf("[Router] open viewer session: %v", err)
		WriteError(w, http.StatusInternalServerError, "session unavailable")
		return
	}
	s.bindSession(sess)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = s.sessions.Kill(sess.SessionID, session.ReasonKill)
		logger.Warnf("[Router] upgrade failed for viewer of %s: %v", id, err)
		return
	}
	c := newConn(s, ws, user, sess.SessionID, registry.DefaultLocation)
	c.ephemeral = true
	s.serve(c, &attachArgs{ShareID: id, Password: r.URL.Query().Get("password")})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := s.shares.QRCode(r.PathValue("id"), 256)
	if err != nil {
		WriteError(w, http.StatusNotFound, "no broadcast for this share")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// serve runs a connection until it closes. With attach set the connection
// joins that share first.
func (s *Server) serve(c *Conn, attach *attachArgs) {
	s.hub.Add(c)
	if err := s.sessions.Connect(c.Session); err != nil {
		logger.Debugf("[Router] connect %s: %v", c.Session, err)
	}
	metrics.Connections.Inc()
	logger.InfoKV("websocket connected", "user", c.User.UPN, "ip", c.User.IP, "client", c.ID)

	defer func() {
		c.close(websocket.CloseNormalClosure, "")
		s.hub.Remove(c)
		metrics.Connections.Dec()
		if c.ephemeral {
			_ = s.sessions.Kill(c.Session, session.ReasonKill)
		} else {
			s.sessions.Disconnect(c.Session)
		}
		logger.InfoKV("websocket disconnected", "user", c.User.UPN, "client", c.ID)
	}()

	c.Send(Message{"go:connected": map[string]any{
		"session":   c.Session,
		"user":      c.User,
		"location":  c.Location(),
		"client_id": c.ID,
	}})
	if attach != nil {
		if _, err := s.attachShare(c, *attach); err != nil {
			c.Send(notice(classify(err)))
		}
	}
	c.run()
}
