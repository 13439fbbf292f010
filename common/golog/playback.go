package golog

import (
	"bytes"
	"io"
	"os"

	"github.com/liftoff/GateOne-sub000/terminal"
)

// Snapshot is the rendered screen after one frame.
type Snapshot struct {
	Time   int64    `json:"time"`
	Screen []string `json:"screen"`
}

// Render replays frames through a fresh emulator sized from meta and
// returns the screen HTML after each frame.
func Render(meta Metadata, frames []Frame) []Snapshot {
	tmp, err := os.MkdirTemp("", "gateone-playback-*")
	opts := []terminal.Option{terminal.WithScrollback(0)}
	if err == nil {
		defer os.RemoveAll(tmp)
		opts = append(opts, terminal.WithTempDir(tmp))
	} else {
		opts = append(opts, terminal.WithoutMagic())
	}
	term := terminal.New(meta.Rows, meta.Cols, opts...)
	defer term.Close()

	out := make([]Snapshot, 0, len(frames))
	for _, f := range frames {
		term.Write(f.Data)
		out = append(out, Snapshot{Time: f.Time, Screen: term.ScreenHTML()})
	}
	return out
}

// Flatten writes the printable text of every frame to w.
func Flatten(frames []Frame, w io.Writer) error {
	var s Stripper
	for _, f := range frames {
		if _, err := w.Write(s.Strip(f.Data)); err != nil {
			return err
		}
	}
	return nil
}

// StripEscapes removes escape sequences and non-printing control bytes from p.
// Line feeds and tabs are kept and CR LF becomes LF.
func StripEscapes(p []byte) []byte {
	var s Stripper
	return s.Strip(p)
}

type stripState uint8

const (
	stripText stripState = iota
	stripEsc
	stripCSI
	stripOSC
	stripOSCEsc
	stripSkipOne
)

// Stripper is a streaming StripEscapes: sequences split across calls are
// still removed. The zero value is ready to use.
type Stripper struct {
	state stripState
}

func (s *Stripper) Strip(p []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(p))
	for _, b := range p {
		switch s.state {
		case stripText:
			switch {
			case b == 0x1b:
				s.state = stripEsc
			case b == '\n':
				out.WriteByte('\n')
			case b == '\t':
				out.WriteByte(b)
			case b < 0x20 || b == 0x7f:
			default:
				out.WriteByte(b)
			}
		case stripEsc:
			switch b {
			case '[':
				s.state = stripCSI
			case ']', 'P', '_', '^':
				s.state = stripOSC
			case '(', ')', '*', '+', '#', '%', ' ':
				s.state = stripSkipOne
			default:
				s.state = stripText
			}
		case stripCSI:
			if b >= 0x40 && b <= 0x7e {
				s.state = stripText
			}
		case stripOSC:
			switch b {
			case 0x07:
				s.state = stripText
			case 0x1b:
				s.state = stripOSCEsc
			}
		case stripOSCEsc:
			if b == '\\' {
				s.state = stripText
			} else {
				s.state = stripOSC
			}
		case stripSkipOne:
			s.state = stripText
		}
	}
	return out.Bytes()
}
