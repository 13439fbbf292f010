package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mordilloSan/go-logger/logger"

	"github.com/liftoff/GateOne-sub000/common/metrics"
	"github.com/liftoff/GateOne-sub000/common/session"
	"github.com/liftoff/GateOne-sub000/terminal"
	"github.com/liftoff/GateOne-sub000/webserver/multiplex"
	"github.com/liftoff/GateOne-sub000/webserver/registry"
)

// WebSocket keepalive configuration
const (
	// How often to send ping frames to the client
	pingInterval = 25 * time.Second

	// Read deadline; must exceed pingInterval so an idle but healthy
	// connection survives one ping/pong round trip.
	pongWait = 35 * time.Second

	// Maximum time allowed to write a message (ping or data)
	writeWait = 10 * time.Second

	maxMessageSize = 1 << 20
	sendQueueSize  = 1024
)

// SafeConn serializes writes to a WebSocket.
type SafeConn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func (sc *SafeConn) write(kind int, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return sc.ws.WriteMessage(kind, data)
}

// CloseWith sends a close frame with code and closes the connection.
func (sc *SafeConn) CloseWith(code int, reason string) {
	sc.closeOnce.Do(func() {
		sc.closed.Store(true)
		sc.mu.Lock()
		_ = sc.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		sc.mu.Unlock()
		_ = sc.ws.Close()
	})
}

func (sc *SafeConn) IsClosed() bool { return sc.closed.Load() }

type subscription struct {
	id  string
	num int
}

// Conn is one client WebSocket. Actions from a connection run one at a
// time, in arrival order.
type Conn struct {
	ID      string
	User    session.User
	Session string

	srv *Server
	sc  *SafeConn
	out chan []byte

	done     chan struct{}
	doneOnce sync.Once

	// ephemeral connections own their session; it dies with them.
	ephemeral bool

	mu       sync.Mutex
	location string
	current  int
	subs     map[*registry.TermRecord]*subscription
}

func newConn(srv *Server, ws *websocket.Conn, user session.User, sess, location string) *Conn {
	if location == "" {
		location = registry.DefaultLocation
	}
	return &Conn{
		ID:       uuid.NewString(),
		User:     user,
		Session:  sess,
		srv:      srv,
		sc:       &SafeConn{ws: ws},
		out:      make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		location: location,
		subs:     make(map[*registry.TermRecord]*subscription),
	}
}

// Location is the location the connection is viewing.
func (c *Conn) Location() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.location
}

// Current is the focused terminal number, 0 if none.
func (c *Conn) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Conn) setCurrent(n int) {
	c.mu.Lock()
	c.current = n
	c.mu.Unlock()
}

// Send queues msg. A client that cannot keep up is disconnected rather than
// silently missing screen updates.
func (c *Conn) Send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Errorf("[Router] encode message: %v", err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- data:
	case <-c.done:
	default:
		logger.Warnf("[Router] send queue full for %s, disconnecting", c.User.UPN)
		go c.close(websocket.CloseTryAgainLater, "client too slow")
	}
}

// run drives the connection until the client goes away.
func (c *Conn) run() {
	ws := c.sc.ws
	go c.writeLoop()

	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Warnf("[Router] failed to set initial read deadline: %v", err)
		c.close(websocket.CloseInternalServerErr, "")
		return
	}

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if !isExpectedWSClose(err) {
				logger.Debugf("[Router] read from %s: %v", c.User.UPN, err)
			}
			break
		}
		if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			break
		}
		if kind != websocket.TextMessage {
			logger.Debugf("[Router] binary frame from %s, closing", c.User.UPN)
			c.close(websocket.CloseUnsupportedData, "binary frames are not supported")
			break
		}
		c.srv.sessions.Touch(c.Session)
		c.handle(data)
	}
	c.close(websocket.CloseNormalClosure, "")
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.out:
			if err := c.sc.write(websocket.TextMessage, data); err != nil {
				logger.Debugf("[Router] write to %s: %v", c.User.UPN, err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.sc.write(websocket.PingMessage, nil); err != nil {
				logger.Debugf("[Router] ping %s: %v", c.User.UPN, err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// close detaches every terminal view and closes the socket. Terminals keep
// running.
func (c *Conn) close(code int, reason string) {
	c.doneOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[*registry.TermRecord]*subscription)
		c.mu.Unlock()
		for rec, s := range subs {
			rec.Multiplex.RemoveAllCallbacks(s.id)
		}
		c.sc.CloseWith(code, reason)
	})
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

func isExpectedWSClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "i/o timeout")
}

// handle dispatches every action of one client message in order.
func (c *Conn) handle(data []byte) {
	calls, err := decodeActions(data)
	if err != nil {
		c.Send(notice(badRequest("malformed message: %v", err)))
		return
	}
	for _, call := range calls {
		c.dispatch(call.name, call.args)
	}
}

func (c *Conn) dispatch(name string, args json.RawMessage) {
	h, ok := c.srv.actions[name]
	if !ok {
		logger.Debugf("[Router] ignoring unknown action %q from %s", name, c.User.UPN)
		return
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("[Router] action %s panicked: %v\n%s", name, p, debug.Stack())
			metrics.Actions.WithLabelValues(name, KindInternal).Inc()
			c.Send(notice(actionErr(KindInternal, "%s failed", name)))
		}
	}()
	if err := h(c, args); err != nil {
		ae := classify(err)
		metrics.Actions.WithLabelValues(name, ae.Kind).Inc()
		logger.DebugKV("action failed", "action", name, "user", c.User.UPN, "kind", ae.Kind, "error", ae.Message)
		c.Send(notice(ae))
		return
	}
	metrics.Actions.WithLabelValues(name, "ok").Inc()
}

// -----------------------------------------------------------------------------
// Terminal views
// -----------------------------------------------------------------------------

type termUpdate struct {
	Term        int       `json:"term"`
	Scrollback  []string  `json:"scrollback,omitempty"`
	Screen      []*string `json:"screen"`
	Full        bool      `json:"full,omitempty"`
	Ratelimiter bool      `json:"ratelimiter"`
}

// attach starts streaming rec to the client as terminal num and sends a
// full screen. Attaching an already viewed record only resends the screen.
func (c *Conn) attach(rec *registry.TermRecord, num int) {
	m := rec.Multiplex
	c.mu.Lock()
	if s, ok := c.subs[rec]; ok {
		s.num = num
		c.mu.Unlock()
		m.Refresh(s.id, true)
		return
	}
	sub := &subscription{id: fmt.Sprintf("web:%s:%p", c.ID, rec), num: num}
	c.subs[rec] = sub
	c.mu.Unlock()

	m.AddCallback(multiplex.EventExit, sub.id, func(multiplex.Event) { c.ended(rec) })
	m.AddCallback(multiplex.EventTitle, sub.id, func(multiplex.Event) {
		c.Send(termMsg("set_title", map[string]any{"term": c.numOf(rec), "title": rec.Title()}))
	})
	m.AddCallback(multiplex.EventBell, sub.id, func(multiplex.Event) {
		c.Send(termMsg("bell", map[string]any{"term": c.numOf(rec)}))
	})
	m.AddCallback(multiplex.EventMode, sub.id, func(ev multiplex.Event) {
		c.Send(termMsg("set_mode", map[string]any{
			"term": c.numOf(rec), "mode": ev.Mode, "private": ev.Private, "bool": ev.Set,
		}))
	})
	m.AddCallback(multiplex.EventReset, sub.id, func(multiplex.Event) {
		c.Send(termMsg("reset_client_terminal", map[string]any{"term": c.numOf(rec)}))
	})
	m.AddCallback(multiplex.EventMessage, sub.id, func(ev multiplex.Event) {
		c.Send(notice(messageError(ev.Message)))
	})
	m.Subscribe(sub.id, func(u multiplex.Update) {
		c.Send(termMsg("termupdate", termUpdate{
			Term:        c.numOf(rec),
			Scrollback:  u.Scrollback,
			Screen:      u.Screen,
			Full:        u.Full,
			Ratelimiter: u.Ratelimiter,
		}))
	})

	select {
	case <-m.Done():
		c.ended(rec)
		return
	default:
	}
	if title := rec.Title(); title != "" {
		c.Send(termMsg("set_title", map[string]any{"term": num, "title": title}))
	}
	m.Refresh(sub.id, true)
}

func messageError(msg string) *ActionError {
	switch {
	case strings.HasPrefix(msg, KindLogWriteFailed):
		return &ActionError{Kind: KindLogWriteFailed, Message: msg}
	case strings.Contains(msg, terminal.ErrXSS.Error()):
		return &ActionError{Kind: KindXSS, Message: msg}
	}
	return &ActionError{Kind: "message", Message: msg}
}

// detach stops streaming rec without telling the client.
func (c *Conn) detach(rec *registry.TermRecord) (num int, ok bool) {
	c.mu.Lock()
	s, ok := c.subs[rec]
	delete(c.subs, rec)
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	rec.Multiplex.RemoveAllCallbacks(s.id)
	return s.num, true
}

// ended reports a finished terminal to the client.
func (c *Conn) ended(rec *registry.TermRecord) {
	num, ok := c.detach(rec)
	if !ok {
		return
	}
	c.forget(num)
	c.Send(termMsg("term_ended", map[string]any{"term": num}))
}

// forget clears the focus if it pointed at num.
func (c *Conn) forget(num int) {
	c.mu.Lock()
	if c.current == num {
		c.current = 0
	}
	c.mu.Unlock()
}

func (c *Conn) numOf(rec *registry.TermRecord) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.subs[rec]; ok {
		return s.num
	}
	return 0
}

// renumber follows a record that changed number within this location.
func (c *Conn) renumber(rec *registry.TermRecord, num int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.subs[rec]; ok {
		s.num = num
	}
}

// viewing reports whether the connection streams rec.
func (c *Conn) viewing(rec *registry.TermRecord) (*subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[rec]
	return s, ok
}
