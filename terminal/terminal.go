package terminal

import (
	"os"
	"sync"
)

const (
	DefaultRows        = 24
	DefaultCols        = 80
	DefaultScrollback  = 1000
	DefaultClassPrefix = "✈"
)

// CallbackKind identifies an emulator event.
type CallbackKind int

const (
	CallbackUpdate CallbackKind = iota
	CallbackTitle
	CallbackBell
	CallbackOpt
	CallbackMode
	CallbackReset
	CallbackDSR
	CallbackMessage
)

func (k CallbackKind) String() string {
	switch k {
	case CallbackUpdate:
		return "UPDATE"
	case CallbackTitle:
		return "TITLE"
	case CallbackBell:
		return "BELL"
	case CallbackOpt:
		return "OPT"
	case CallbackMode:
		return "MODE"
	case CallbackReset:
		return "RESET"
	case CallbackDSR:
		return "DSR"
	case CallbackMessage:
		return "MESSAGE"
	}
	return "UNKNOWN"
}

// Event is passed to callbacks. Only the fields relevant to Kind are set.
type Event struct {
	Kind     CallbackKind
	Title    string // TITLE
	Mode     int    // MODE
	Private  bool   // MODE: DEC private (?) mode
	Set      bool   // MODE
	Plugin   string // OPT
	Text     string // OPT
	Response []byte // DSR: bytes to send back to the child
	Message  string // MESSAGE
}

// Cursor is the current write position.
type Cursor struct {
	Row, Col int
	Visible  bool
	Blink    bool
}

type savedCursor struct {
	row, col int
	rend     Rendition
	charsets [4]Charset
	gl       int
	origin   bool
	wrapNext bool
	valid    bool
}

type subscriber struct {
	id string
	fn func(Event)
}

// Terminal is an xterm-compatible screen fed by Write.
//
// All methods are safe for concurrent use. Callbacks run after the
// internal lock is released, in the order the events were produced.
type Terminal struct {
	mu sync.Mutex

	rows, cols int
	lines      []Line
	primary    []Line // saved primary screen while the alternate screen is active
	altActive  bool

	cur      Cursor
	wrapNext bool
	saved    savedCursor
	altSaved savedCursor

	rend       Rendition
	top, bot   int
	tabs       map[int]bool
	charsets   [4]Charset
	gl         int
	modes      map[int]bool
	insertMode bool
	lnm        bool
	origin     bool
	lastRune   rune

	scrollback    []Line
	maxScrollback int

	title   string
	links   []string
	linkIDs map[string]uint32

	callbacks map[CallbackKind][]subscriber
	pending   []Event
	dirty     bool

	p           parser
	magics      []FileType
	optHandlers map[string]func(string)
	tempDir     string
	tempFiles   []string
	classPrefix string
}

// Option configures a Terminal.
type Option func(*Terminal)

// WithScrollback sets the scrollback cap in rows.
func WithScrollback(n int) Option {
	return func(t *Terminal) {
		if n >= 0 {
			t.maxScrollback = n
		}
	}
}

// WithTempDir sets where captured magic payloads are written.
func WithTempDir(dir string) Option {
	return func(t *Terminal) { t.tempDir = dir }
}

// WithClassPrefix sets the prefix of the CSS classes produced by DumpHTML.
func WithClassPrefix(p string) Option {
	return func(t *Terminal) { t.classPrefix = p }
}

// WithoutMagic disables the built-in file type table.
func WithoutMagic() Option {
	return func(t *Terminal) { t.magics = nil }
}

// New returns a rows x cols terminal with the default magic file types registered.
func New(rows, cols int, opts ...Option) *Terminal {
	rows, cols = clampSize(rows, cols)
	t := &Terminal{
		maxScrollback: DefaultScrollback,
		callbacks:     make(map[CallbackKind][]subscriber),
		optHandlers:   make(map[string]func(string)),
		classPrefix:   DefaultClassPrefix,
		magics:        DefaultFileTypes(),
	}
	for _, o := range opts {
		o(t)
	}
	t.rows, t.cols = rows, cols
	t.resetLocked()
	return t
}

func clampSize(rows, cols int) (int, int) {
	if rows < 2 || cols < 2 {
		return DefaultRows, DefaultCols
	}
	return rows, cols
}

func (t *Terminal) resetLocked() {
	t.lines = make([]Line, t.rows)
	for i := range t.lines {
		t.lines[i] = newLine(t.cols, Rendition{})
	}
	t.primary = nil
	t.altActive = false
	t.cur = Cursor{Visible: true, Blink: true}
	t.wrapNext = false
	t.saved = savedCursor{}
	t.altSaved = savedCursor{}
	t.rend = Rendition{}
	t.top, t.bot = 0, t.rows-1
	t.resetTabsLocked()
	t.charsets = [4]Charset{CharsetASCII, CharsetASCII, CharsetASCII, CharsetASCII}
	t.gl = 0
	t.modes = map[int]bool{7: true, 25: true}
	t.insertMode = false
	t.lnm = false
	t.origin = false
	t.lastRune = 0
	t.p.reset()
	t.dirty = true
}

func (t *Terminal) resetTabsLocked() {
	t.tabs = make(map[int]bool)
	for c := 8; c < t.cols; c += 8 {
		t.tabs[c] = true
	}
}

// RegisterCallback subscribes fn to events of kind under id.
// Registering the same (kind, id) again replaces the previous function.
func (t *Terminal) RegisterCallback(kind CallbackKind, id string, fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.callbacks[kind]
	for i := range subs {
		if subs[i].id == id {
			subs[i].fn = fn
			return
		}
	}
	t.callbacks[kind] = append(subs, subscriber{id: id, fn: fn})
}

// UnregisterCallback removes the (kind, id) subscription.
func (t *Terminal) UnregisterCallback(kind CallbackKind, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeSubLocked(kind, id)
}

// UnregisterAll removes every subscription registered under id.
func (t *Terminal) UnregisterAll(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for kind := range t.callbacks {
		t.removeSubLocked(kind, id)
	}
}

func (t *Terminal) removeSubLocked(kind CallbackKind, id string) {
	subs := t.callbacks[kind]
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	t.callbacks[kind] = out
}

func (t *Terminal) emit(ev Event) {
	t.pending = append(t.pending, ev)
}

// unlockAndDispatch releases the lock and runs queued callbacks.
func (t *Terminal) unlockAndDispatch() {
	if t.dirty {
		t.dirty = false
		t.pending = append(t.pending, Event{Kind: CallbackUpdate})
	}
	events := t.pending
	t.pending = nil
	var calls []func()
	for _, ev := range events {
		if ev.Kind == CallbackOpt {
			if h, ok := t.optHandlers[ev.Plugin]; ok {
				text := ev.Text
				calls = append(calls, func() { h(text) })
			}
		}
		for _, s := range t.callbacks[ev.Kind] {
			fn, e := s.fn, ev
			calls = append(calls, func() { fn(e) })
		}
	}
	t.mu.Unlock()
	for _, c := range calls {
		c()
	}
}

// Write feeds output of the child process into the emulator.
func (t *Terminal) Write(p []byte) {
	t.mu.Lock()
	t.hidePending()
	for _, b := range p {
		t.feed(b)
	}
	t.showPending()
	t.unlockAndDispatch()
}

// Resize reshapes the grid. Sizes below 2x2 fall back to 24x80.
func (t *Terminal) Resize(rows, cols int) {
	rows, cols = clampSize(rows, cols)
	t.mu.Lock()
	if rows != t.rows || cols != t.cols {
		t.settlePending()
		t.resizeLocked(rows, cols)
		t.dirty = true
	}
	t.unlockAndDispatch()
}

// ClearScreen blanks the visible grid and homes the cursor. Scrollback is kept.
func (t *Terminal) ClearScreen() {
	t.mu.Lock()
	t.settlePending()
	for i := range t.lines {
		t.lines[i] = newLine(t.cols, Rendition{})
	}
	t.cur.Row, t.cur.Col = 0, 0
	t.wrapNext = false
	t.dirty = true
	t.unlockAndDispatch()
}

// Reset returns the terminal to its power-on state and fires RESET.
// Scrollback and title are dropped too.
func (t *Terminal) Reset() {
	t.mu.Lock()
	t.fullResetLocked()
	t.unlockAndDispatch()
}

func (t *Terminal) fullResetLocked() {
	t.resetLocked()
	t.scrollback = nil
	t.title = ""
	t.emit(Event{Kind: CallbackReset})
}

// Title returns the last title set with OSC 0 or 2.
func (t *Terminal) Title() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.title
}

// Size returns the grid dimensions.
func (t *Terminal) Size() (rows, cols int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows, t.cols
}

// Cursor returns the cursor state.
func (t *Terminal) Cursor() Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cur
	c.Visible = t.modes[25]
	return c
}

// Cell returns a copy of the cell at (row, col). Out of range returns a blank cell.
func (t *Terminal) Cell(row, col int) Cell {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row < 0 || row >= t.rows || col < 0 || col >= t.cols {
		return blankCell(Rendition{})
	}
	return t.lines[row][col]
}

// Line returns a copy of the given row.
func (t *Terminal) Line(row int) Line {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row < 0 || row >= t.rows {
		return nil
	}
	return t.lines[row].clone()
}

// Scrollback returns a copy of the scrollback rows, oldest first.
func (t *Terminal) Scrollback() []Line {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Line, len(t.scrollback))
	for i, l := range t.scrollback {
		out[i] = l.clone()
	}
	return out
}

// Mode reports whether DEC private mode n is set.
func (t *Terminal) Mode(n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modes[n]
}

// DumpScreen returns the visible rows as plain text, each exactly cols runes wide
// (wide runes count as two).
func (t *Terminal) DumpScreen() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, t.rows)
	for i, l := range t.lines {
		out[i] = lineString(l)
	}
	return out
}

func lineString(l Line) string {
	rs := make([]rune, 0, len(l))
	for _, c := range l {
		switch {
		case c.Width == 0:
		case c.Magic != nil:
			rs = append(rs, magicPlaceholder)
		default:
			rs = append(rs, c.Ch)
			rs = append(rs, []rune(c.Comb)...)
		}
	}
	return string(rs)
}

// AddMagic registers a file type. Later registrations win on equal headers.
func (t *Terminal) AddMagic(ft FileType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.magics = append([]FileType{ft}, t.magics...)
}

// AddOptHandler routes optional OSC messages for plugin to fn.
// Unhandled plugins are still delivered as OPT events.
func (t *Terminal) AddOptHandler(plugin string, fn func(text string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.optHandlers[plugin] = fn
}

// Close removes temp files created for captured payloads.
func (t *Terminal) Close() {
	t.mu.Lock()
	files := t.tempFiles
	t.tempFiles = nil
	t.mu.Unlock()
	for _, f := range files {
		_ = os.Remove(f)
	}
}
