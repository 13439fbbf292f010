// Package multiplex owns a child process on a PTY, pumps its output through a
// terminal emulator and fans rate limited screen diffs out to viewers.
package multiplex

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mordilloSan/go-logger/logger"
	"golang.org/x/time/rate"

	"github.com/liftoff/GateOne-sub000/common/golog"
	"github.com/liftoff/GateOne-sub000/common/metrics"
	"github.com/liftoff/GateOne-sub000/terminal"
)

var (
	ErrClosed  = errors.New("multiplex closed")
	ErrSpawned = errors.New("multiplex already spawned")
)

const (
	readChunk         = 32 << 10
	defaultWriteQueue = 256
	defaultGrace      = 2 * time.Second
	callbackID        = "multiplex"
	ctrlL             = "\x0c"
)

// Kind identifies a multiplex event.
type Kind int

const (
	EventExit Kind = iota
	EventTitle
	EventBell
	EventMode
	EventOpt
	EventReset
	EventMessage
)

func (k Kind) String() string {
	switch k {
	case EventExit:
		return "EXIT"
	case EventTitle:
		return "TITLE"
	case EventBell:
		return "BELL"
	case EventMode:
		return "MODE"
	case EventOpt:
		return "OPT"
	case EventReset:
		return "RESET"
	case EventMessage:
		return "MESSAGE"
	}
	return "UNKNOWN"
}

// Event carries the fields relevant to its Kind.
type Event struct {
	Kind    Kind
	Title   string
	Mode    int
	Private bool
	Set     bool
	Plugin  string
	Text    string
	Message string
}

// Update is one refresh for one viewer. Screen has one entry per row; nil
// entries are unchanged since the viewer's previous update.
type Update struct {
	Scrollback  []string
	Screen      []*string
	Full        bool
	Ratelimiter bool
}

// RateConfig controls refresh coalescing.
type RateConfig struct {
	MsecMin        int
	MsecMax        int
	MaxRefreshRate float64
	Burst          int
}

var DefaultRate = RateConfig{MsecMin: 50, MsecMax: 150, MaxRefreshRate: 20, Burst: 40}

// Config describes a multiplex.
type Config struct {
	Command        Command
	User           string
	Rows, Cols     int
	Scrollback     int
	TempDir        string
	Encoding       string
	Rate           RateConfig
	Start          Starter
	Grace          time.Duration
	RedrawOnResize bool
	WriteQueue     int
}

type subscriber struct {
	id string
	fn func(Event)
}

type viewer struct {
	sink func(Update)
	prev []string
}

// Multiplex is safe for concurrent use.
type Multiplex struct {
	cfg  Config
	term *terminal.Terminal

	mu        sync.Mutex
	backend   Backend
	started   bool
	alive     bool
	codec     *codec
	callbacks map[Kind][]subscriber
	viewers   map[string]*viewer
	log       *golog.Writer
	journal   *journalSink
	capture   *captureSink

	writes   chan []byte
	done     chan struct{}
	exitOnce sync.Once
	activity atomic.Int64

	// refreshMu orders renders and deliveries; it also guards viewer.prev.
	refreshMu sync.Mutex

	rmu      sync.Mutex
	timer    *time.Timer
	gen      uint64
	first    time.Time
	deferred bool
	engaged  bool
	stopped  bool
	limiter  *rate.Limiter
}

// New creates a multiplex. Nothing runs until Spawn.
func New(cfg Config) *Multiplex {
	if cfg.Rate.MsecMin <= 0 {
		cfg.Rate.MsecMin = DefaultRate.MsecMin
	}
	if cfg.Rate.MsecMax < cfg.Rate.MsecMin {
		cfg.Rate.MsecMax = cfg.Rate.MsecMin
	}
	if cfg.Rate.MaxRefreshRate <= 0 {
		cfg.Rate.MaxRefreshRate = DefaultRate.MaxRefreshRate
	}
	if cfg.Rate.Burst <= 0 {
		cfg.Rate.Burst = DefaultRate.Burst
	}
	if cfg.Start == nil {
		cfg.Start = StartPTY
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = defaultWriteQueue
	}
	opts := []terminal.Option{}
	if cfg.Scrollback > 0 {
		opts = append(opts, terminal.WithScrollback(cfg.Scrollback))
	}
	if cfg.TempDir != "" {
		opts = append(opts, terminal.WithTempDir(cfg.TempDir))
	}
	c, err := newCodec(cfg.Encoding)
	if err != nil {
		logger.Warnf("[Multiplex] unknown encoding %q, using %s", cfg.Encoding, DefaultEncoding)
		c, _ = newCodec(DefaultEncoding)
	}

	m := &Multiplex{
		cfg:       cfg,
		term:      terminal.New(cfg.Rows, cfg.Cols, opts...),
		codec:     c,
		callbacks: make(map[Kind][]subscriber),
		viewers:   make(map[string]*viewer),
		writes:    make(chan []byte, cfg.WriteQueue),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(cfg.Rate.MaxRefreshRate), cfg.Rate.Burst),
	}
	m.activity.Store(time.Now().UnixNano())
	m.hookTerminal()
	return m
}

func (m *Multiplex) hookTerminal() {
	t := m.term
	t.RegisterCallback(terminal.CallbackUpdate, callbackID, func(terminal.Event) { m.scheduleRefresh() })
	t.RegisterCallback(terminal.CallbackTitle, callbackID, func(ev terminal.Event) {
		m.emit(Event{Kind: EventTitle, Title: ev.Title})
	})
	t.RegisterCallback(terminal.CallbackBell, callbackID, func(terminal.Event) {
		m.emit(Event{Kind: EventBell})
	})
	t.RegisterCallback(terminal.CallbackMode, callbackID, func(ev terminal.Event) {
		m.emit(Event{Kind: EventMode, Mode: ev.Mode, Private: ev.Private, Set: ev.Set})
	})
	t.RegisterCallback(terminal.CallbackOpt, callbackID, func(ev terminal.Event) {
		m.emit(Event{Kind: EventOpt, Plugin: ev.Plugin, Text: ev.Text})
	})
	t.RegisterCallback(terminal.CallbackReset, callbackID, func(terminal.Event) {
		m.emit(Event{Kind: EventReset})
	})
	t.RegisterCallback(terminal.CallbackMessage, callbackID, func(ev terminal.Event) {
		m.emit(Event{Kind: EventMessage, Message: ev.Message})
	})
	t.RegisterCallback(terminal.CallbackDSR, callbackID, func(ev terminal.Event) {
		m.reply(ev.Response)
	})
}

// reply queues an answer to a device status query. The read loop must never
// wait on the child's stdin, so a full queue drops the answer.
func (m *Multiplex) reply(p []byte) {
	select {
	case m.writes <- append([]byte(nil), p...):
	default:
		logger.Debugf("[Multiplex] write queue full, dropped status reply for %s", m.cfg.User)
	}
}

// Terminal returns the emulator.
func (m *Multiplex) Terminal() *terminal.Terminal { return m.term }

// Config returns the configuration the multiplex was created with.
func (m *Multiplex) Config() Config { return m.cfg }

// Spawn starts the child with env merged over the configured environment and
// returns its pid.
func (m *Multiplex) Spawn(rows, cols int, env map[string]string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return 0, ErrSpawned
	}
	m.term.Resize(rows, cols)
	rows, cols = m.term.Size()

	cmd := m.cfg.Command
	merged := make(map[string]string, len(cmd.Env)+len(env))
	for k, v := range cmd.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	cmd.Env = merged

	b, err := m.cfg.Start(context.Background(), cmd, rows, cols)
	if err != nil {
		return 0, err
	}
	m.backend = b
	m.started = true
	m.alive = true
	metrics.Terminals.Inc()
	go m.readLoop(b)
	go m.writeLoop(b)
	logger.Infof("[Multiplex] spawned pid=%d for %s (%dx%d)", b.Pid(), m.cfg.User, rows, cols)
	return b.Pid(), nil
}

// Pid returns the child pid, or 0 before Spawn.
func (m *Multiplex) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend == nil {
		return 0
	}
	return m.backend.Pid()
}

// IsAlive reports whether the child is running.
func (m *Multiplex) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

// Done is closed when the multiplex ends.
func (m *Multiplex) Done() <-chan struct{} { return m.done }

// LastActivity is the time of the last output or input.
func (m *Multiplex) LastActivity() time.Time {
	return time.Unix(0, m.activity.Load())
}

func (m *Multiplex) touch() { m.activity.Store(time.Now().UnixNano()) }

func (m *Multiplex) readLoop(b Backend) {
	buf := make([]byte, readChunk)
	for {
		n, err := b.Read(buf)
		if n > 0 {
			m.handleOutput(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debugf("[Multiplex] read from pid=%d: %v", b.Pid(), err)
			}
			_ = b.Close()
			m.finish()
			return
		}
	}
}

func (m *Multiplex) handleOutput(p []byte) {
	now := time.Now()
	m.touch()

	m.mu.Lock()
	lw, js, cs, c := m.log, m.journal, m.capture, m.codec
	m.mu.Unlock()

	if lw != nil {
		if err := lw.WriteFrame(p, now); err != nil {
			logger.Warnf("[Multiplex] session log %s disabled: %v", lw.Path(), err)
			m.mu.Lock()
			detached := m.log == lw
			if detached {
				m.log = nil
			}
			m.mu.Unlock()
			if detached {
				if cerr := lw.Close(now); cerr != nil {
					logger.Debugf("[Multiplex] close session log %s: %v", lw.Path(), cerr)
				}
			}
			m.emit(Event{Kind: EventMessage, Message: "log-write-failed: session logging disabled for this terminal"})
		}
	}
	if js != nil {
		js.write(p)
	}
	if cs != nil {
		cs.write(p)
	}
	m.term.Write(c.decode(p))
}

func (m *Multiplex) writeLoop(b Backend) {
	for {
		select {
		case p := <-m.writes:
			if _, err := b.Write(p); err != nil {
				logger.Debugf("[Multiplex] write to pid=%d: %v", b.Pid(), err)
			}
		case <-m.done:
			return
		}
	}
}

// Write queues p (UTF-8) for the child. It blocks while the queue is full so
// a fast client is slowed down instead of losing keystrokes.
func (m *Multiplex) Write(p []byte) error {
	m.mu.Lock()
	if !m.alive {
		m.mu.Unlock()
		return ErrClosed
	}
	c := m.codec
	m.mu.Unlock()
	m.touch()
	return m.enqueue(c.encode(append([]byte(nil), p...)))
}

func (m *Multiplex) enqueue(p []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.writes <- p:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// Resize reshapes the emulator and the PTY and pushes a full refresh.
func (m *Multiplex) Resize(rows, cols int) error {
	m.mu.Lock()
	m.term.Resize(rows, cols)
	rows, cols = m.term.Size()
	var err error
	if m.alive {
		err = m.backend.Resize(rows, cols)
	}
	redraw := m.alive && m.cfg.RedrawOnResize
	m.mu.Unlock()
	if redraw {
		_ = m.enqueue([]byte(ctrlL))
	}
	m.refreshAll(true, false)
	return err
}

// Terminate stops the child and fires EXIT once.
func (m *Multiplex) Terminate() {
	m.mu.Lock()
	b := m.backend
	m.mu.Unlock()
	if b != nil {
		if err := b.Terminate(m.cfg.Grace); err != nil {
			logger.Debugf("[Multiplex] terminate pid=%d: %v", b.Pid(), err)
		}
	}
	m.finish()
}

// Detach releases the backend without stopping a detached child.
func (m *Multiplex) Detach() {
	m.mu.Lock()
	b := m.backend
	m.mu.Unlock()
	if b != nil {
		_ = b.Close()
	}
	m.finish()
}

func (m *Multiplex) finish() {
	m.exitOnce.Do(func() {
		m.mu.Lock()
		wasStarted := m.started
		m.alive = false
		lw, js, cs := m.log, m.journal, m.capture
		m.log, m.journal = nil, nil
		m.mu.Unlock()

		close(m.done)
		m.rmu.Lock()
		m.stopped = true
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		m.rmu.Unlock()

		if lw != nil {
			if err := lw.Close(time.Now()); err != nil {
				logger.Warnf("[Multiplex] closing session log: %v", err)
			}
		}
		if js != nil {
			js.flush()
		}
		if cs != nil {
			cs.abandon()
		}
		if wasStarted {
			metrics.Terminals.Dec()
		}
		m.term.Close()
		m.emit(Event{Kind: EventExit})
	})
}

// -----------------------------------------------------------------------------
// Callbacks and viewers
// -----------------------------------------------------------------------------

// AddCallback registers fn for kind under id, replacing an earlier one.
func (m *Multiplex) AddCallback(kind Kind, id string, fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.callbacks[kind]
	for i := range list {
		if list[i].id == id {
			list[i].fn = fn
			return
		}
	}
	m.callbacks[kind] = append(list, subscriber{id: id, fn: fn})
}

func (m *Multiplex) RemoveCallback(kind Kind, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.callbacks[kind]
	for i := range list {
		if list[i].id == id {
			m.callbacks[kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// RemoveAllCallbacks drops every callback and the viewer registered under id.
func (m *Multiplex) RemoveAllCallbacks(id string) {
	m.mu.Lock()
	kinds := make([]Kind, 0, len(m.callbacks))
	for k := range m.callbacks {
		kinds = append(kinds, k)
	}
	m.mu.Unlock()
	for _, k := range kinds {
		m.RemoveCallback(k, id)
	}
	m.Unsubscribe(id)
}

func (m *Multiplex) emit(ev Event) {
	m.mu.Lock()
	subs := append([]subscriber(nil), m.callbacks[ev.Kind]...)
	m.mu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

// Subscribe registers a viewer. Its first update is a full one.
func (m *Multiplex) Subscribe(id string, sink func(Update)) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	m.mu.Lock()
	m.viewers[id] = &viewer{sink: sink}
	m.mu.Unlock()
}

func (m *Multiplex) Unsubscribe(id string) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	m.mu.Lock()
	delete(m.viewers, id)
	m.mu.Unlock()
}

// Viewers returns the number of subscribed viewers.
func (m *Multiplex) Viewers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.viewers)
}

// -----------------------------------------------------------------------------
// Encoding
// -----------------------------------------------------------------------------

// SetEncoding switches the character encoding used for output and input.
func (m *Multiplex) SetEncoding(name string) error {
	c, err := newCodec(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.codec = c
	m.mu.Unlock()
	return nil
}

// Encoding returns the canonical name of the current encoding.
func (m *Multiplex) Encoding() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codec.name
}

// Title returns the current window title.
func (m *Multiplex) Title() string { return m.term.Title() }

// -----------------------------------------------------------------------------
// Refresh scheduling
// -----------------------------------------------------------------------------

// scheduleRefresh coalesces screen mutations. A burst is flushed msecMin after
// its last mutation but never later than msecMax after its first one.
func (m *Multiplex) scheduleRefresh() {
	m.rmu.Lock()
	defer m.rmu.Unlock()
	if m.stopped || m.deferred {
		return
	}
	now := time.Now()
	delay := time.Duration(m.cfg.Rate.MsecMin) * time.Millisecond
	if m.timer == nil {
		m.first = now
	} else {
		m.timer.Stop()
		deadline := m.first.Add(time.Duration(m.cfg.Rate.MsecMax) * time.Millisecond)
		if left := deadline.Sub(now); left < delay {
			delay = max(left, 0)
		}
	}
	m.armLocked(delay)
}

func (m *Multiplex) armLocked(delay time.Duration) {
	m.gen++
	g := m.gen
	m.timer = time.AfterFunc(delay, func() { m.onTimer(g) })
}

func (m *Multiplex) onTimer(g uint64) {
	m.rmu.Lock()
	if m.stopped || g != m.gen {
		m.rmu.Unlock()
		return
	}
	m.timer = nil
	if !m.limiter.Allow() {
		if !m.engaged {
			metrics.RatelimiterEngaged.Inc()
			logger.Debugf("[Multiplex] rate limiter engaged for %s", m.cfg.User)
		}
		m.engaged = true
		m.deferred = true
		m.armLocked(time.Duration(m.cfg.Rate.MsecMax) * time.Millisecond)
		m.rmu.Unlock()
		return
	}
	engaged := m.engaged
	m.engaged = false
	m.deferred = false
	m.rmu.Unlock()
	m.refreshAll(false, engaged)
}

// -----------------------------------------------------------------------------
// Rendering
// -----------------------------------------------------------------------------

// refreshAll renders once and hands every viewer the rows it has not seen.
// Sinks run under refreshMu and must not call back into the multiplex.
func (m *Multiplex) refreshAll(full, ratelimited bool) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.Lock()
	viewers := make([]*viewer, 0, len(m.viewers))
	needScroll := full
	for _, v := range m.viewers {
		viewers = append(viewers, v)
		if v.prev == nil {
			needScroll = true
		}
	}
	m.mu.Unlock()
	if len(viewers) == 0 {
		return
	}

	var scroll, screen []string
	if needScroll {
		scroll, screen = m.term.DumpHTML()
	} else {
		screen = m.term.ScreenHTML()
	}
	for _, v := range viewers {
		u, changed := diffUpdate(v.prev, screen, full)
		if !changed {
			continue
		}
		if u.Full {
			u.Scrollback = scroll
		}
		u.Ratelimiter = ratelimited
		v.prev = screen
		v.sink(u)
		metrics.TermUpdates.Inc()
	}
}

func diffUpdate(prev, screen []string, full bool) (Update, bool) {
	rows := make([]*string, len(screen))
	if full || prev == nil || len(prev) != len(screen) {
		for i := range screen {
			rows[i] = &screen[i]
		}
		return Update{Screen: rows, Full: true}, true
	}
	changed := false
	for i := range screen {
		if screen[i] != prev[i] {
			rows[i] = &screen[i]
			changed = true
		}
	}
	return Update{Screen: rows}, changed
}

// Refresh pushes an update to one viewer immediately.
func (m *Multiplex) Refresh(clientID string, full bool) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	m.mu.Lock()
	v := m.viewers[clientID]
	m.mu.Unlock()
	if v == nil {
		return
	}
	var scroll, screen []string
	if full || v.prev == nil {
		scroll, screen = m.term.DumpHTML()
	} else {
		screen = m.term.ScreenHTML()
	}
	u, changed := diffUpdate(v.prev, screen, full)
	if !changed {
		return
	}
	if u.Full {
		u.Scrollback = scroll
	}
	v.prev = screen
	v.sink(u)
	metrics.TermUpdates.Inc()
}

// DumpHTML returns what clientID has not seen yet and records it as seen.
// With full set, or for an unknown viewer, every row is returned together
// with the scrollback.
func (m *Multiplex) DumpHTML(full bool, clientID string) (scrollback []string, screen []*string) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	m.mu.Lock()
	v := m.viewers[clientID]
	m.mu.Unlock()

	var prev []string
	if v != nil {
		prev = v.prev
	}
	var sc []string
	if full || prev == nil {
		scrollback, sc = m.term.DumpHTML()
	} else {
		sc = m.term.ScreenHTML()
	}
	u, _ := diffUpdate(prev, sc, full)
	if v != nil {
		v.prev = sc
	}
	if !u.Full {
		scrollback = nil
	}
	return scrollback, u.Screen
}
