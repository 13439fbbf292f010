package dtach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/libp2p/go-yamux/v4"
	"github.com/mordilloSan/go-logger/logger"

	"github.com/liftoff/GateOne-sub000/webserver/multiplex"
)

const (
	attachTimeout = 5 * time.Second
	redraw        = "\x0c"
)

// Client is an attachment to a dtach daemon. It implements multiplex.Backend.
type Client struct {
	sess *muxSession
	ctrl *yamux.Stream
	data *yamux.Stream
	pid  int

	mu     sync.Mutex
	exited chan struct{}
	once   sync.Once
}

var _ multiplex.Backend = (*Client)(nil)

// Attach connects to the daemon serving socket.
func Attach(ctx context.Context, socket string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, err
	}
	sess, err := newClientSession(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c := &Client{sess: sess, exited: make(chan struct{})}
	fail := func(err error) (*Client, error) {
		_ = sess.Close()
		return nil, fmt.Errorf("attach %s: %w", socket, err)
	}
	if c.ctrl, err = openTagged(ctx, sess, tagControl); err != nil {
		return fail(err)
	}
	if c.data, err = openTagged(ctx, sess, tagData); err != nil {
		return fail(err)
	}

	deadline := time.Now().Add(attachTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.ctrl.SetReadDeadline(deadline)
	dec := json.NewDecoder(c.ctrl)
	var hello control
	if err := dec.Decode(&hello); err != nil {
		return fail(err)
	}
	_ = c.ctrl.SetReadDeadline(time.Time{})
	if hello.Op != opHello {
		if hello.Op == opExit {
			return fail(errors.New("program has exited"))
		}
		return fail(fmt.Errorf("unexpected %q", hello.Op))
	}
	c.pid = hello.Pid
	sess.setOnClose(c.markExited)
	go c.watch(dec)
	return c, nil
}

func openTagged(ctx context.Context, sess *muxSession, tag byte) (*yamux.Stream, error) {
	st, err := sess.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := st.Write([]byte{tag}); err != nil {
		return nil, err
	}
	return st, nil
}

func (c *Client) watch(dec *json.Decoder) {
	for {
		var msg control
		if err := dec.Decode(&msg); err != nil {
			c.markExited()
			return
		}
		if msg.Op == opExit {
			c.markExited()
			return
		}
	}
}

func (c *Client) markExited() { c.once.Do(func() { close(c.exited) }) }

func (c *Client) Read(p []byte) (int, error) {
	n, err := c.data.Read(p)
	if err != nil && (errors.Is(err, yamux.ErrStreamReset) || errors.Is(err, yamux.ErrSessionShutdown)) {
		err = io.EOF
	}
	return n, err
}

func (c *Client) Write(p []byte) (int, error) { return c.data.Write(p) }

func (c *Client) Pid() int { return c.pid }

func (c *Client) send(msg control) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeControl(c.ctrl, msg)
}

func (c *Client) Resize(rows, cols int) error {
	return c.send(control{Op: opResize, Rows: rows, Cols: cols})
}

// Terminate asks the daemon to stop the program and waits for it to go.
func (c *Client) Terminate(grace time.Duration) error {
	err := c.send(control{Op: opTerminate, Grace: grace.Milliseconds()})
	select {
	case <-c.exited:
	case <-time.After(grace + time.Second):
		err = errors.Join(err, fmt.Errorf("pid %d did not exit", c.pid))
	}
	_ = c.sess.Close()
	return err
}

// Close detaches; the program keeps running.
func (c *Client) Close() error { return c.sess.Close() }

// Spawn starts a detached daemon for cmd listening on socket. exe is the
// gateone binary.
func Spawn(exe, socket string, cmd multiplex.Command, rows, cols int) error {
	args := []string{"dtach",
		"-socket", socket,
		"-rows", strconv.Itoa(rows),
		"-cols", strconv.Itoa(cols),
	}
	if cmd.Dir != "" {
		args = append(args, "-dir", cmd.Dir)
	}
	args = append(args, "--", cmd.Line)
	p := exec.Command(exe, args...)
	p.Env = multiplex.MergeEnv(os.Environ(), cmd.Env)
	p.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := p.Start(); err != nil {
		return fmt.Errorf("spawn dtach: %w", err)
	}
	go func() { _ = p.Wait() }()
	return nil
}

// Starter returns a multiplex.Starter that reattaches to an existing daemon
// on socket or spawns a new one. On reattach the program is asked to redraw.
func Starter(exe, socket string) multiplex.Starter {
	return func(ctx context.Context, cmd multiplex.Command, rows, cols int) (multiplex.Backend, error) {
		if c, err := Attach(ctx, socket); err == nil {
			logger.Infof("[Dtach] reattached pid=%d on %s", c.Pid(), socket)
			_ = c.Resize(rows, cols)
			_, _ = c.Write([]byte(redraw))
			return c, nil
		}
		if err := Spawn(exe, socket, cmd, rows, cols); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, attachTimeout)
		defer cancel()
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			c, err := Attach(ctx, socket)
			if err == nil {
				return c, nil
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("dtach daemon on %s did not come up: %w", socket, err)
			case <-tick.C:
			}
		}
	}
}
