package terminal

import (
	"fmt"

	"github.com/liftoff/GateOne-sub000/common/metrics"
)

func (t *Terminal) csiByte(b byte) {
	p := &t.p
	switch {
	case b >= '0' && b <= '9':
		p.cur = p.cur*10 + int(b-'0')
		if p.cur > maxParamValue {
			p.cur = maxParamValue
		}
		p.curSet = true
	case b == ';' || b == ':':
		if len(p.params) >= maxCSIParams {
			t.malformed()
			return
		}
		p.params = append(p.params, p.pendingParam())
		p.cur, p.curSet = 0, false
	case b >= '<' && b <= '?':
		if len(p.params) > 0 || p.curSet || p.private != 0 {
			t.malformed()
			return
		}
		p.private = b
	case b >= 0x20 && b <= 0x2f:
		if len(p.intermediate) >= maxInterLen {
			t.malformed()
			return
		}
		p.intermediate = append(p.intermediate, b)
	case b >= 0x40 && b <= 0x7e:
		if p.curSet || len(p.params) > 0 {
			if len(p.params) >= maxCSIParams {
				t.malformed()
				return
			}
			p.params = append(p.params, p.pendingParam())
		}
		p.state = stateGround
		t.dispatchCSI(b)
		p.clearSequence()
	case b < 0x20:
		// C0 controls execute in the middle of a sequence
		t.control(b)
	case b == 0x7f:
	default:
		t.malformed()
	}
}

func (p *parser) pendingParam() int {
	if !p.curSet {
		return -1
	}
	return p.cur
}

// param returns parameter i, or def when missing or zero.
func (t *Terminal) param(i, def int) int {
	if i >= len(t.p.params) || t.p.params[i] <= 0 {
		return def
	}
	return t.p.params[i]
}

// rawParam returns parameter i with a missing value read as 0.
func (t *Terminal) rawParam(i int) int {
	if i >= len(t.p.params) || t.p.params[i] < 0 {
		return 0
	}
	return t.p.params[i]
}

func (t *Terminal) dispatchCSI(final byte) {
	p := &t.p
	if len(p.intermediate) > 0 {
		// DECSCUSR (CSI n SP q), DECSTR (CSI ! p) and other
		// intermediate forms
		if final == 'p' && p.intermediate[0] == '!' {
			t.softReset()
		}
		return
	}
	switch p.private {
	case '?':
		switch final {
		case 'h':
			t.setModes(true, true)
		case 'l':
			t.setModes(false, true)
		case 'n':
			if t.rawParam(0) == 6 {
				t.respond(fmt.Sprintf("\x1b[?%d;%dR", t.cur.Row+1, t.cur.Col+1))
			}
		}
		return
	case '>':
		if final == 'c' {
			t.respond("\x1b[>0;276;0c")
		}
		return
	case 0:
	default:
		return
	}

	switch final {
	case 'A':
		t.moveRelative(-t.param(0, 1), 0)
	case 'B', 'e':
		t.moveRelative(t.param(0, 1), 0)
	case 'C', 'a':
		t.moveRelative(0, t.param(0, 1))
	case 'D':
		t.moveRelative(0, -t.param(0, 1))
	case 'E':
		t.moveRelative(t.param(0, 1), 0)
		t.cur.Col = 0
	case 'F':
		t.moveRelative(-t.param(0, 1), 0)
		t.cur.Col = 0
	case 'G', '`':
		t.cur.Col = clampInt(t.param(0, 1)-1, 0, t.cols-1)
		t.wrapNext = false
	case 'H', 'f':
		t.moveCursor(t.param(0, 1)-1, t.param(1, 1)-1)
	case 'd':
		col := t.cur.Col
		t.moveCursor(t.param(0, 1)-1, col)
	case 'I':
		t.tabForward(t.param(0, 1))
	case 'Z':
		t.tabBackward(t.param(0, 1))
	case 'J':
		t.eraseInDisplay(t.rawParam(0))
	case 'K':
		t.eraseInLine(t.rawParam(0))
	case 'L':
		t.insertLines(t.param(0, 1))
	case 'M':
		t.deleteLines(t.param(0, 1))
	case 'P':
		t.deleteChars(t.param(0, 1))
	case '@':
		t.insertBlanks(t.param(0, 1))
	case 'X':
		n := t.param(0, 1)
		t.eraseCells(t.cur.Row, t.cur.Col, t.cur.Col+n)
	case 'S':
		t.scrollUp(t.param(0, 1))
	case 'T':
		t.scrollDown(t.param(0, 1))
	case 'b':
		if t.lastRune != 0 {
			n := clampInt(t.param(0, 1), 1, t.rows*t.cols)
			r := t.lastRune
			for i := 0; i < n; i++ {
				t.putRune(r)
			}
		}
	case 'g':
		switch t.rawParam(0) {
		case 0:
			delete(t.tabs, t.cur.Col)
		case 3:
			t.tabs = make(map[int]bool)
		}
	case 'm':
		t.rend = applySGR(t.rend, p.params)
	case 'n':
		switch t.rawParam(0) {
		case 5:
			t.respond("\x1b[0n")
		case 6:
			t.respond(fmt.Sprintf("\x1b[%d;%dR", t.cur.Row+1, t.cur.Col+1))
		}
	case 'c':
		if t.rawParam(0) == 0 {
			t.respond("\x1b[?1;2c")
		}
	case 'r':
		t.setScrollRegion(t.param(0, 1)-1, t.param(1, t.rows)-1)
	case 's':
		t.saveCursor()
	case 'u':
		t.restoreCursor()
	case 'h':
		t.setModes(true, false)
	case 'l':
		t.setModes(false, false)
	case 't', 'q':
		// window manipulation and LEDs are not supported
	default:
		metrics.ParseErrors.Inc()
	}
}

func (t *Terminal) respond(s string) {
	t.emit(Event{Kind: CallbackDSR, Response: []byte(s)})
}

func (t *Terminal) setModes(set, private bool) {
	if len(t.p.params) == 0 {
		return
	}
	for _, m := range t.p.params {
		if m < 0 {
			continue
		}
		t.setMode(m, set, private)
	}
}

// setMode applies SM/RM and DECSET/DECRST and reports private changes via MODE.
func (t *Terminal) setMode(n int, set, private bool) {
	if !private {
		switch n {
		case 4:
			t.insertMode = set
		case 20:
			t.lnm = set
		}
		return
	}
	switch n {
	case 6:
		t.origin = set
		t.moveCursor(0, 0)
	case 47, 1047:
		if set {
			t.enterAltScreen(false)
		} else {
			t.leaveAltScreen(false)
		}
	case 1048:
		if set {
			t.saveCursor()
		} else {
			t.restoreCursor()
		}
	case 1049:
		if set {
			t.enterAltScreen(true)
			t.moveCursor(0, 0)
		} else {
			t.leaveAltScreen(true)
		}
	case 25:
		t.cur.Visible = set
		t.dirty = true
	case 12:
		t.cur.Blink = set
	}
	if t.modes[n] == set {
		return
	}
	t.modes[n] = set
	t.emit(Event{Kind: CallbackMode, Mode: n, Private: true, Set: set})
}

// softReset implements DECSTR.
func (t *Terminal) softReset() {
	t.insertMode = false
	t.origin = false
	t.rend = Rendition{}
	t.top, t.bot = 0, t.rows-1
	t.charsets = [4]Charset{CharsetASCII, CharsetASCII, CharsetASCII, CharsetASCII}
	t.gl = 0
	t.saved = savedCursor{}
	t.setMode(25, true, true)
	t.setMode(7, true, true)
}
