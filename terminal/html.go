package terminal

import (
	"encoding/base64"
	"strings"

	"golang.org/x/net/html"
)

// DumpHTML renders the scrollback and the screen, one string per row.
// Adjacent cells with the same rendition share a span.
func (t *Terminal) DumpHTML() (scrollback, screen []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	scrollback = make([]string, len(t.scrollback))
	for i, l := range t.scrollback {
		scrollback[i] = t.renderLine(l, -1)
	}
	return scrollback, t.screenHTMLLocked()
}

// ScreenHTML renders only the visible rows.
func (t *Terminal) ScreenHTML() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.screenHTMLLocked()
}

// ScrollbackLen returns the number of rows held in scrollback.
func (t *Terminal) ScrollbackLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.scrollback)
}

func (t *Terminal) screenHTMLLocked() []string {
	out := make([]string, t.rows)
	for i, l := range t.lines {
		cursor := -1
		if i == t.cur.Row && t.modes[25] {
			cursor = t.cur.Col
		}
		out[i] = t.renderLine(l, cursor)
	}
	return out
}

type span struct {
	rend   Rendition
	cursor bool
}

func (t *Terminal) renderLine(l Line, cursorCol int) string {
	var b strings.Builder
	var text strings.Builder
	cur := span{}
	flush := func() {
		if text.Len() == 0 {
			return
		}
		t.writeSpan(&b, cur, text.String())
		text.Reset()
	}
	for col, c := range l {
		if c.Width == 0 {
			continue
		}
		if c.Magic != nil {
			flush()
			t.writeMagic(&b, c.Magic)
			continue
		}
		s := span{rend: c.Rend, cursor: col == cursorCol}
		if s != cur {
			flush()
			cur = s
		}
		text.WriteString(html.EscapeString(string(c.Ch) + c.Comb))
	}
	flush()
	return b.String()
}

func (t *Terminal) writeSpan(b *strings.Builder, s span, text string) {
	classes, style := s.rend.Classes(t.classPrefix)
	if s.cursor {
		classes = append(classes, t.classPrefix+"cursor")
	}
	href := t.linkURI(s.rend.Link)
	if href != "" {
		b.WriteString(`<a href="`)
		b.WriteString(html.EscapeString(href))
		b.WriteString(`" target="_blank" rel="noopener">`)
	}
	if len(classes) == 0 && style == "" {
		b.WriteString(text)
	} else {
		b.WriteString("<span")
		if len(classes) > 0 {
			b.WriteString(` class="`)
			b.WriteString(html.EscapeString(strings.Join(classes, " ")))
			b.WriteString(`"`)
		}
		if style != "" {
			b.WriteString(` style="`)
			b.WriteString(style)
			b.WriteString(`"`)
		}
		b.WriteString(">")
		b.WriteString(text)
		b.WriteString("</span>")
	}
	if href != "" {
		b.WriteString("</a>")
	}
}

func (t *Terminal) writeMagic(b *strings.Builder, m *Magic) {
	p := t.classPrefix
	switch {
	case m.Inline && m.MIME == "text/html":
		b.WriteString(`<span class="` + p + `magic ` + p + `html">`)
		b.Write(m.Data)
		b.WriteString("</span>")
	case m.Inline:
		b.WriteString(`<span class="` + p + `magic ` + p + `text">`)
		b.WriteString(html.EscapeString(string(m.Data)))
		b.WriteString("</span>")
	case strings.HasPrefix(m.MIME, "image/"):
		b.WriteString(`<img class="` + p + `magic" src="`)
		b.WriteString(m.dataURI())
		b.WriteString(`">`)
	default:
		b.WriteString(`<object class="` + p + `magic" type="` + m.MIME + `" data="`)
		b.WriteString(m.dataURI())
		b.WriteString(`"></object>`)
	}
}

func (m *Magic) dataURI() string {
	if m.uri == "" {
		m.uri = "data:" + m.MIME + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
	}
	return m.uri
}
