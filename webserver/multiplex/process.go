package multiplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/shlex"
	"github.com/mordilloSan/go-logger/logger"
	"golang.org/x/sys/unix"
)

// Backend is the child side of a multiplex: a process attached to a PTY,
// either owned directly or reached through a detach daemon.
type Backend interface {
	io.ReadWriter
	Resize(rows, cols int) error
	Pid() int
	// Terminate stops the child, escalating to SIGKILL after grace.
	Terminate(grace time.Duration) error
	// Close releases the backend without stopping a detached child.
	Close() error
}

// Command describes what to run in the PTY.
type Command struct {
	Line string            // shell-style command line
	Env  map[string]string // merged over the server environment
	Dir  string
}

// Starter creates a Backend for cmd at the given size.
type Starter func(ctx context.Context, cmd Command, rows, cols int) (Backend, error)

// Argv splits the command line.
func (c Command) Argv() ([]string, error) {
	argv, err := shlex.Split(c.Line)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", c.Line, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return argv, nil
}

// MergeEnv overlays extra on base (KEY=VALUE pairs). Keys in extra win.
func MergeEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

type ptyProcess struct {
	f    *os.File
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	waitErr error
}

// StartPTY runs cmd on a fresh PTY in its own session.
func StartPTY(_ context.Context, c Command, rows, cols int) (Backend, error) {
	argv, err := c.Argv()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = MergeEnv(os.Environ(), c.Env)
	cmd.Dir = c.Dir

	// Always create a new session and set controlling TTY.
	attrs := &syscall.SysProcAttr{Setsid: true, Setctty: true}
	f, err := pty.StartWithAttrs(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}, attrs)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	p := &ptyProcess{f: f, cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	logger.Debugf("[Multiplex] started pid=%d: %s", cmd.Process.Pid, c.Line)
	return p, nil
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	n, err := p.f.Read(b)
	if err != nil && isExpectedFileClosed(err) {
		err = io.EOF
	}
	return n, err
}

func (p *ptyProcess) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p *ptyProcess) Resize(rows, cols int) error {
	return pty.Setsize(p.f, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

func (p *ptyProcess) Pid() int { return p.cmd.Process.Pid }

func (p *ptyProcess) Terminate(grace time.Duration) error {
	pid := p.cmd.Process.Pid
	// signal the whole process group; Setsid made the child its leader
	_ = unix.Kill(-pid, unix.SIGHUP)
	_ = unix.Kill(-pid, unix.SIGTERM)
	err := p.f.Close()
	if err != nil && isExpectedFileClosed(err) {
		err = nil
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		logger.Debugf("[Multiplex] pid=%d ignored SIGTERM, killing", pid)
		_ = unix.Kill(-pid, unix.SIGKILL)
		<-p.done
	}
	p.mu.Lock()
	werr := p.waitErr
	p.mu.Unlock()
	if werr != nil && !isExpectedWaitError(werr) {
		return errors.Join(err, fmt.Errorf("wait: %w", werr))
	}
	return err
}

func (p *ptyProcess) Close() error { return p.Terminate(time.Second) }

func isExpectedWaitError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "signal: hangup") ||
		strings.Contains(msg, "signal: terminated") ||
		strings.Contains(msg, "signal: killed") ||
		strings.Contains(msg, "exit status")
}

func isExpectedFileClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "bad file descriptor") ||
		strings.Contains(s, "file already closed") ||
		strings.Contains(s, "input/output error")
}
