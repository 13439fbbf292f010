package terminal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"

	"github.com/liftoff/GateOne-sub000/common/metrics"
)

// magicPlaceholder stands in for a captured payload in plain text dumps.
// It is also what replaces a payload that failed sanitizing.
const magicPlaceholder = '␡'

const defaultMagicMax = 16 << 20

// ErrXSS is returned by a FileType handler when a payload carried active content.
var ErrXSS = errors.New("xss violation")

// FileType describes a payload that can be embedded in the terminal stream.
type FileType struct {
	Name   string
	MIME   string
	Ext    string
	Header []byte
	Footer []byte
	// StripMarkers removes header and footer from the stored payload.
	StripMarkers bool
	// MaxSize bounds the capture; a longer stream is replayed as ordinary output.
	MaxSize int
	// Handler may transform the payload before it is stored.
	Handler func(payload []byte) ([]byte, error)
	// Inline payloads render as markup rather than as a data URI.
	Inline bool
}

// Magic is a captured payload referenced from a cell.
type Magic struct {
	Name string
	MIME string
	Path string
	Size int
	Data []byte
	// Inline is set for HTML and text payloads rendered in place.
	Inline bool

	uri string
}

type capture struct {
	ft  FileType
	buf []byte
}

// DefaultFileTypes returns the built-in table.
func DefaultFileTypes() []FileType {
	return []FileType{
		{
			Name: "PDF", MIME: "application/pdf", Ext: ".pdf",
			Header: []byte("%PDF-"), Footer: []byte("%%EOF"),
		},
		{
			Name: "PNG", MIME: "image/png", Ext: ".png",
			Header: []byte("\x89PNG\r\n\x1a\n"), Footer: []byte("IEND\xaeB`\x82"),
		},
		{
			Name: "JPEG", MIME: "image/jpeg", Ext: ".jpg",
			Header: []byte("\xff\xd8\xff"), Footer: []byte("\xff\xd9"),
		},
		{
			Name: "SVG", MIME: "image/svg+xml", Ext: ".svg",
			Header: []byte("<svg "), Footer: []byte("</svg>"),
			MaxSize: 1 << 20, Handler: SanitizeSVG,
		},
		{
			Name: "Text", MIME: "text/plain", Ext: ".txt",
			Header: []byte("\x1b];TEXT|"), Footer: []byte("\x1b"),
			StripMarkers: true, Inline: true, MaxSize: 1 << 20,
		},
		{
			Name: "HTML", MIME: "text/html", Ext: ".html",
			Header: []byte("\x1b];HTML|"), Footer: []byte("\x1b"),
			StripMarkers: true, Inline: true, MaxSize: 1 << 20, Handler: SanitizeHTML,
		},
	}
}

func (t *Terminal) startCapture(ft FileType, header []byte) {
	if ft.MaxSize <= 0 {
		ft.MaxSize = defaultMagicMax
	}
	t.p.capture = &capture{ft: ft, buf: append([]byte(nil), header...)}
	t.p.state = stateMagicCapture
}

func (t *Terminal) feedCapture(b byte) {
	c := t.p.capture
	c.buf = append(c.buf, b)
	footer := c.ft.Footer
	if len(c.buf) >= len(c.ft.Header)+len(footer) && bytes.HasSuffix(c.buf, footer) {
		t.finishCapture()
		return
	}
	if len(c.buf) > c.ft.MaxSize {
		t.abortCapture()
	}
}

// abortCapture replays an oversized capture as ordinary output.
func (t *Terminal) abortCapture() {
	c := t.p.capture
	t.p.capture = nil
	t.p.state = stateGround
	metrics.ParseErrors.Inc()
	header := len(c.ft.Header)
	for _, b := range c.buf[:header] {
		t.process(b)
	}
	for _, b := range c.buf[header:] {
		t.feed(b)
	}
}

func (t *Terminal) finishCapture() {
	c := t.p.capture
	t.p.capture = nil
	t.p.state = stateGround

	payload := c.buf
	if c.ft.StripMarkers {
		payload = payload[len(c.ft.Header) : len(payload)-len(c.ft.Footer)]
	}
	m := &Magic{Name: c.ft.Name, MIME: c.ft.MIME, Inline: c.ft.Inline}
	if c.ft.Handler != nil {
		out, err := c.ft.Handler(payload)
		if err != nil {
			t.emit(Event{Kind: CallbackMessage, Message: c.ft.Name + " payload rejected: " + err.Error()})
			payload = []byte(string(magicPlaceholder))
			m.MIME = "text/plain"
			m.Inline = true
		} else {
			payload = out
		}
	}
	m.Data = payload
	m.Size = len(payload)
	if path, err := t.storePayload(c.ft.Ext, payload); err == nil {
		m.Path = path
	} else {
		t.emit(Event{Kind: CallbackMessage, Message: "could not store " + c.ft.Name + " payload: " + err.Error()})
	}
	t.placeMagic(m)

	// a lone ESC footer also begins the next sequence (ESC \ ends the string)
	if n := len(c.ft.Footer); n > 0 && c.ft.Footer[n-1] == 0x1b {
		t.p.clearSequence()
		t.p.state = stateEscape
	}
}

func (t *Terminal) storePayload(ext string, data []byte) (string, error) {
	dir := t.tempDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "gateone-magic-*"+ext)
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	t.tempFiles = append(t.tempFiles, filepath.Clean(path))
	return path, nil
}
