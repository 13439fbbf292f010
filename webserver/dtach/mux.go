// Package dtach keeps terminal programs alive across server restarts. Each
// terminal runs under a small daemon that owns the PTY and listens on a unix
// socket; the server attaches to it over a yamux session carrying a data
// stream and a JSON control stream.
package dtach

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-yamux/v4"
	"github.com/mordilloSan/go-logger/logger"
)

const (
	tagControl byte = 'c'
	tagData    byte = 'd'
)

var ErrBadStream = errors.New("dtach: unexpected stream")

// muxConfig returns the yamux configuration used on dtach sockets.
func muxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.AcceptBacklog = 16
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 30 * time.Second
	cfg.ConnectionWriteTimeout = 10 * time.Second
	cfg.MaxStreamWindowSize = 256 * 1024
	cfg.LogOutput = logWriter{}
	return cfg
}

// logWriter routes yamux's internal log lines to the debug log.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	logger.Debugf("[Dtach] yamux: %s", strings.TrimSpace(string(p)))
	return len(p), nil
}

// muxSession wraps a yamux session with close tracking.
type muxSession struct {
	*yamux.Session
	conn    net.Conn
	mu      sync.Mutex
	closed  bool
	onClose func()
}

func newServerSession(conn net.Conn) (*muxSession, error) {
	s, err := yamux.Server(conn, muxConfig(), nil)
	if err != nil {
		return nil, err
	}
	return &muxSession{Session: s, conn: conn}, nil
}

func newClientSession(conn net.Conn) (*muxSession, error) {
	s, err := yamux.Client(conn, muxConfig(), nil)
	if err != nil {
		return nil, err
	}
	return &muxSession{Session: s, conn: conn}, nil
}

func (s *muxSession) setOnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

func (s *muxSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	err := s.Session.Close()
	if onClose != nil {
		onClose()
	}
	return err
}

// control messages travel as newline-delimited JSON on the control stream.
type control struct {
	Op    string `json:"op"`
	Rows  int    `json:"rows,omitempty"`
	Cols  int    `json:"cols,omitempty"`
	Pid   int    `json:"pid,omitempty"`
	Grace int64  `json:"grace_ms,omitempty"`
}

const (
	opHello     = "hello"
	opResize    = "resize"
	opTerminate = "terminate"
	opExit      = "exit"
)

func writeControl(w io.Writer, c control) error {
	return json.NewEncoder(w).Encode(c)
}

func readTag(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("read stream tag: %w", err)
	}
	return b[0], nil
}
