package terminal

import (
	"strings"

	"github.com/liftoff/GateOne-sub000/common/metrics"
)

// optPrefix introduces an optional OSC: ESC ] _ ; plugin|text BEL
const optPrefix = "_;"

func (t *Terminal) oscByte(b byte) {
	p := &t.p
	if p.oscEsc {
		p.oscEsc = false
		t.finishOSC()
		if b != '\\' {
			// ESC ended the string and starts a new sequence
			p.state = stateEscape
			t.escape(b)
		}
		return
	}
	switch b {
	case 0x07:
		t.finishOSC()
		return
	case 0x1b:
		p.oscEsc = true
		return
	case 0x18, 0x1a:
		t.malformed()
		return
	}
	if b < 0x20 {
		return
	}
	if len(p.osc) >= maxOSCLen {
		// keep swallowing until the terminator, then drop it all
		p.osc = p.osc[:0]
		p.oscOverflow = true
		return
	}
	p.osc = append(p.osc, b)
	if p.state == stateOSC && string(p.osc) == optPrefix {
		p.state = stateOptOSC
		p.osc = p.osc[:0]
	}
}

func (t *Terminal) finishOSC() {
	p := &t.p
	state := p.state
	data := string(p.osc)
	overflow := p.oscOverflow
	p.clearSequence()
	p.state = stateGround
	if overflow {
		metrics.ParseErrors.Inc()
		return
	}
	if state == stateOptOSC {
		plugin, text, _ := strings.Cut(data, "|")
		t.emit(Event{Kind: CallbackOpt, Plugin: plugin, Text: text})
		return
	}
	code, text, _ := strings.Cut(data, ";")
	switch code {
	case "0", "2":
		t.title = text
		t.emit(Event{Kind: CallbackTitle, Title: text})
	case "8":
		_, uri, _ := strings.Cut(text, ";")
		t.rend.Link = t.linkID(uri)
	}
}

// linkID interns a hyperlink target. The empty URI ends the link.
func (t *Terminal) linkID(uri string) uint32 {
	if uri == "" {
		return 0
	}
	if t.linkIDs == nil {
		t.linkIDs = make(map[string]uint32)
	}
	if id, ok := t.linkIDs[uri]; ok {
		return id
	}
	t.links = append(t.links, uri)
	id := uint32(len(t.links))
	t.linkIDs[uri] = id
	return id
}

func (t *Terminal) linkURI(id uint32) string {
	if id == 0 || int(id) > len(t.links) {
		return ""
	}
	return t.links[id-1]
}
