package terminal

import (
	"slices"
	"unicode/utf8"

	"github.com/liftoff/GateOne-sub000/common/metrics"
)

type parserState int

const (
	stateGround parserState = iota
	stateEscape
	stateCSI
	stateOSC
	stateCharset
	stateOptOSC
	stateMagicCapture
	stateEscapeSkip
)

const (
	maxCSIParams  = 32
	maxParamValue = 65535
	maxOSCLen     = 1 << 20
	maxInterLen   = 4
)

type parser struct {
	state parserState

	utf8Buf  [utf8.UTFMax]byte
	utf8Len  int
	utf8Need int

	params       []int
	cur          int
	curSet       bool
	private      byte
	intermediate []byte

	osc         []byte
	oscEsc      bool
	oscOverflow bool

	charsetSlot int

	// magic header matching and capture
	pending []byte
	shown   *shownPending
	capture *capture
}

// shownPending is the row state from before held header bytes were drawn.
type shownPending struct {
	row      int
	line     Line
	cur      Cursor
	wrapNext bool
	lastRune rune
}

func (p *parser) reset() {
	p.state = stateGround
	p.utf8Len, p.utf8Need = 0, 0
	p.clearSequence()
	p.pending = p.pending[:0]
	p.shown = nil
	p.capture = nil
}

func (p *parser) clearSequence() {
	p.params = p.params[:0]
	p.cur = 0
	p.curSet = false
	p.private = 0
	p.intermediate = p.intermediate[:0]
	p.osc = p.osc[:0]
	p.oscEsc = false
	p.oscOverflow = false
}

// malformed drops the partial sequence and returns to ground.
func (t *Terminal) malformed() {
	metrics.ParseErrors.Inc()
	t.p.clearSequence()
	t.p.state = stateGround
}

// feed consumes one byte of child output.
func (t *Terminal) feed(b byte) {
	p := &t.p
	switch p.state {
	case stateMagicCapture:
		t.feedCapture(b)
		return
	case stateGround:
		if p.utf8Need == 0 && len(t.magics) > 0 {
			t.scanMagic(b)
			return
		}
	}
	t.process(b)
}

// scanMagic holds back bytes while they are a prefix of a registered header.
// The decision only depends on the bytes seen, so any chunking of the same
// stream gives the same result.
func (t *Terminal) scanMagic(b byte) {
	p := &t.p
	if len(p.pending) == 0 && !t.headerStart(b) {
		t.process(b)
		return
	}
	p.pending = append(p.pending, b)
	ft, full, prefix := t.matchHeader(p.pending)
	switch {
	case full:
		header := p.pending
		p.pending = nil
		t.startCapture(ft, header)
	case prefix:
	default:
		// not a header: release the first byte and rescan the rest
		held := append([]byte(nil), p.pending...)
		p.pending = p.pending[:0]
		t.process(held[0])
		for _, rb := range held[1:] {
			t.feed(rb)
		}
	}
}

// showPending draws held printable bytes at the end of a write. hidePending
// takes them back before the next write resumes matching.
func (t *Terminal) showPending() {
	p := &t.p
	if len(p.pending) == 0 || p.state != stateGround || t.wrapNext {
		return
	}
	if t.cur.Col+len(p.pending) > t.cols {
		return
	}
	for _, b := range p.pending {
		if b < 0x20 || b > 0x7e {
			return
		}
	}
	p.shown = &shownPending{
		row:      t.cur.Row,
		line:     slices.Clone(t.lines[t.cur.Row]),
		cur:      t.cur,
		wrapNext: t.wrapNext,
		lastRune: t.lastRune,
	}
	for _, b := range p.pending {
		t.putRune(rune(b))
	}
}

func (t *Terminal) hidePending() {
	s := t.p.shown
	if s == nil {
		return
	}
	t.p.shown = nil
	if s.row < len(t.lines) && len(t.lines[s.row]) == len(s.line) {
		copy(t.lines[s.row], s.line)
	}
	t.cur = s.cur
	t.wrapNext = s.wrapNext
	t.lastRune = s.lastRune
	t.dirty = true
}

// settlePending keeps drawn held bytes as plain text.
func (t *Terminal) settlePending() {
	if t.p.shown != nil {
		t.p.shown = nil
		t.p.pending = t.p.pending[:0]
	}
}

func (t *Terminal) headerStart(b byte) bool {
	for _, m := range t.magics {
		if len(m.Header) > 0 && m.Header[0] == b {
			return true
		}
	}
	return false
}

func (t *Terminal) matchHeader(buf []byte) (ft FileType, full, prefix bool) {
	for _, m := range t.magics {
		h := m.Header
		if len(h) == 0 {
			continue
		}
		if len(buf) >= len(h) {
			if len(buf) == len(h) && string(buf) == string(h) {
				return m, true, false
			}
			continue
		}
		if string(h[:len(buf)]) == string(buf) {
			prefix = true
		}
	}
	return FileType{}, false, prefix
}

func (t *Terminal) process(b byte) {
	p := &t.p

	// CAN and SUB abort any sequence; ESC restarts one.
	if p.state != stateOSC && p.state != stateOptOSC {
		switch b {
		case 0x18, 0x1a:
			if p.state != stateGround {
				t.malformed()
			}
			return
		case 0x1b:
			if p.utf8Need != 0 {
				t.flushBadUTF8()
			}
			p.clearSequence()
			p.state = stateEscape
			return
		}
	}

	switch p.state {
	case stateGround:
		t.ground(b)
	case stateEscape:
		t.escape(b)
	case stateCSI:
		t.csiByte(b)
	case stateOSC, stateOptOSC:
		t.oscByte(b)
	case stateEscapeSkip:
		p.state = stateGround
	case stateCharset:
		if validCharset(b) {
			t.charsets[p.charsetSlot] = Charset(b)
		} else {
			metrics.ParseErrors.Inc()
		}
		p.state = stateGround
	}
}

func (t *Terminal) ground(b byte) {
	p := &t.p
	if p.utf8Need > 0 {
		if b&0xc0 == 0x80 {
			p.utf8Buf[p.utf8Len] = b
			p.utf8Len++
			if p.utf8Len == p.utf8Need {
				r, _ := utf8.DecodeRune(p.utf8Buf[:p.utf8Len])
				p.utf8Len, p.utf8Need = 0, 0
				t.putRune(r)
			}
			return
		}
		t.flushBadUTF8()
	}
	switch {
	case b < 0x20:
		t.control(b)
	case b < 0x7f:
		t.putRune(rune(b))
	case b == 0x7f:
		// DEL is ignored
	default:
		need := 0
		switch {
		case b&0xe0 == 0xc0 && b >= 0xc2:
			need = 2
		case b&0xf0 == 0xe0:
			need = 3
		case b&0xf8 == 0xf0 && b <= 0xf4:
			need = 4
		}
		if need == 0 {
			t.putRune(utf8.RuneError)
			return
		}
		p.utf8Buf[0] = b
		p.utf8Len, p.utf8Need = 1, need
	}
}

func (t *Terminal) flushBadUTF8() {
	t.p.utf8Len, t.p.utf8Need = 0, 0
	t.putRune(utf8.RuneError)
}

func (t *Terminal) control(b byte) {
	switch b {
	case 0x07:
		t.emit(Event{Kind: CallbackBell})
	case 0x08:
		t.backspace()
	case 0x09:
		t.tabForward(1)
	case 0x0a, 0x0b, 0x0c:
		if t.lnm {
			t.carriageReturn()
		}
		t.lineFeed()
	case 0x0d:
		t.carriageReturn()
	case 0x0e:
		t.gl = 1
	case 0x0f:
		t.gl = 0
	}
}

func (t *Terminal) escape(b byte) {
	p := &t.p
	p.state = stateGround
	switch b {
	case '[':
		p.clearSequence()
		p.state = stateCSI
	case ']':
		p.clearSequence()
		p.state = stateOSC
	case '(', ')', '*', '+':
		p.charsetSlot = int(b - '(')
		p.state = stateCharset
	case '7':
		t.saveCursor()
	case '8':
		t.restoreCursor()
	case 'D':
		t.lineFeed()
	case 'E':
		t.carriageReturn()
		t.lineFeed()
	case 'M':
		t.reverseIndex()
	case 'H':
		t.tabs[t.cur.Col] = true
	case 'c':
		t.fullResetLocked()
	case '=':
		t.setMode(66, true, true)
	case '>':
		t.setMode(66, false, true)
	case '\\':
		// stray ST
	case '#', '%', ' ':
		// DECALN, charset selection and friends carry one more byte
		p.state = stateEscapeSkip
	default:
		metrics.ParseErrors.Inc()
	}
}
