package multiplex

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/journal"
	"github.com/mordilloSan/go-logger/logger"

	"github.com/liftoff/GateOne-sub000/common/golog"
)

// EnableLogging records raw child output to w. The writer is closed when the
// multiplex ends.
func (m *Multiplex) EnableLogging(w *golog.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = w
}

// LogPath returns the session log path, or "" when logging is off.
func (m *Multiplex) LogPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.log == nil {
		return ""
	}
	return m.log.Path()
}

// EnableJournal forwards plain-text output lines to the systemd journal with
// the given fields. It reports false when no journal is reachable.
func (m *Multiplex) EnableJournal(fields map[string]string) bool {
	if !journal.Enabled() {
		return false
	}
	vars := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		vars[strings.ToUpper(k)] = v
	}
	vars["SYSLOG_IDENTIFIER"] = "gateone"
	m.mu.Lock()
	m.journal = &journalSink{vars: vars}
	m.mu.Unlock()
	return true
}

// StartCapture begins collecting plain-text output in a temp file under dir.
func (m *Multiplex) StartCapture(dir string) error {
	f, err := os.CreateTemp(dir, "capture-*.txt")
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	m.mu.Lock()
	old := m.capture
	m.capture = &captureSink{f: f}
	m.mu.Unlock()
	if old != nil {
		old.abandon()
	}
	return nil
}

// StopCapture ends the capture and returns what was collected.
func (m *Multiplex) StopCapture() (string, error) {
	m.mu.Lock()
	cs := m.capture
	m.capture = nil
	m.mu.Unlock()
	if cs == nil {
		return "", fmt.Errorf("no capture in progress")
	}
	return cs.finish()
}

type journalSink struct {
	mu    sync.Mutex
	strip golog.Stripper
	vars  map[string]string
	line  []byte
}

func (j *journalSink) write(p []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.line = append(j.line, j.strip.Strip(p)...)
	for {
		i := bytes.IndexByte(j.line, '\n')
		if i < 0 {
			break
		}
		j.send(string(j.line[:i]))
		j.line = j.line[i+1:]
	}
}

func (j *journalSink) flush() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.line) > 0 {
		j.send(string(j.line))
		j.line = nil
	}
}

func (j *journalSink) send(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if err := journal.Send(line, journal.PriInfo, j.vars); err != nil {
		logger.Debugf("[Multiplex] journal send: %v", err)
	}
}

type captureSink struct {
	mu    sync.Mutex
	strip golog.Stripper
	f     *os.File
	err   error
}

func (c *captureSink) write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if _, err := c.f.Write(c.strip.Strip(p)); err != nil {
		c.err = err
	}
}

func (c *captureSink) finish() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := c.f.Name()
	defer os.Remove(name)
	if err := c.f.Close(); err != nil && c.err == nil {
		c.err = err
	}
	if c.err != nil {
		return "", fmt.Errorf("capture: %w", c.err)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("capture: %w", err)
	}
	return string(data), nil
}

func (c *captureSink) abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.f.Close()
	_ = os.Remove(c.f.Name())
}
