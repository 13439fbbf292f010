package dtach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-yamux/v4"
	"github.com/mordilloSan/go-logger/logger"

	"github.com/liftoff/GateOne-sub000/webserver/multiplex"
)

// Options configures a dtach daemon.
type Options struct {
	Socket  string
	Command multiplex.Command
	Rows    int
	Cols    int
	// Start defaults to multiplex.StartPTY.
	Start multiplex.Starter
}

type client struct {
	sess *muxSession
	ctrl *yamux.Stream
	data *yamux.Stream
	mu   sync.Mutex
}

func (c *client) send(msg control) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeControl(c.ctrl, msg)
}

type daemon struct {
	opts   Options
	proc   multiplex.Backend
	exited chan struct{}

	mu     sync.Mutex
	client *client
}

// Serve runs the child described by opts and serves it on opts.Socket until
// the child exits or ctx is cancelled. Output produced while no client is
// attached is discarded; clients redraw on attach.
func Serve(ctx context.Context, opts Options) error {
	if opts.Start == nil {
		opts.Start = multiplex.StartPTY
	}
	if err := os.MkdirAll(filepath.Dir(opts.Socket), 0o700); err != nil {
		return fmt.Errorf("socket dir: %w", err)
	}
	if Alive(opts.Socket) {
		return fmt.Errorf("%s is already being served", opts.Socket)
	}
	_ = os.Remove(opts.Socket)

	ln, err := net.Listen("unix", opts.Socket)
	if err != nil {
		return fmt.Errorf("listen %s: %w", opts.Socket, err)
	}
	defer os.Remove(opts.Socket)
	defer ln.Close()
	if err := os.Chmod(opts.Socket, 0o600); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	proc, err := opts.Start(ctx, opts.Command, opts.Rows, opts.Cols)
	if err != nil {
		return err
	}
	d := &daemon{opts: opts, proc: proc, exited: make(chan struct{})}
	logger.Infof("[Dtach] serving pid=%d on %s", proc.Pid(), opts.Socket)

	go d.pump()
	go d.acceptLoop(ln)

	select {
	case <-d.exited:
	case <-ctx.Done():
		logger.Infof("[Dtach] shutting down pid=%d", proc.Pid())
		_ = proc.Terminate(2 * time.Second)
		<-d.exited
	}

	d.mu.Lock()
	c := d.client
	d.client = nil
	d.mu.Unlock()
	if c != nil {
		_ = c.send(control{Op: opExit})
		_ = c.data.Close()
		_ = c.sess.Close()
	}
	return nil
}

// pump copies child output to the attached client.
func (d *daemon) pump() {
	defer close(d.exited)
	buf := make([]byte, 32<<10)
	for {
		n, err := d.proc.Read(buf)
		if n > 0 {
			d.mu.Lock()
			c := d.client
			d.mu.Unlock()
			if c != nil {
				if _, werr := c.data.Write(buf[:n]); werr != nil {
					d.detach(c)
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debugf("[Dtach] read pid=%d: %v", d.proc.Pid(), err)
			}
			_ = d.proc.Close()
			return
		}
	}
}

func (d *daemon) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *daemon) handle(conn net.Conn) {
	sess, err := newServerSession(conn)
	if err != nil {
		logger.Warnf("[Dtach] yamux server: %v", err)
		_ = conn.Close()
		return
	}
	c := &client{sess: sess}
	for i := 0; i < 2; i++ {
		st, err := sess.AcceptStream()
		if err != nil {
			_ = sess.Close()
			return
		}
		tag, err := readTag(st)
		switch {
		case err != nil:
			_ = sess.Close()
			return
		case tag == tagControl && c.ctrl == nil:
			c.ctrl = st
		case tag == tagData && c.data == nil:
			c.data = st
		default:
			logger.Warnf("[Dtach] %v %q", ErrBadStream, tag)
			_ = sess.Close()
			return
		}
	}

	select {
	case <-d.exited:
		_ = c.send(control{Op: opExit})
		_ = sess.Close()
		return
	default:
	}

	d.mu.Lock()
	old := d.client
	d.client = c
	d.mu.Unlock()
	if old != nil {
		logger.Infof("[Dtach] new client replaces the attached one on %s", d.opts.Socket)
		_ = old.sess.Close()
	}
	if err := c.send(control{Op: opHello, Pid: d.proc.Pid()}); err != nil {
		d.detach(c)
		return
	}
	sess.setOnClose(func() { d.detach(c) })

	go func() {
		if _, err := io.Copy(d.proc, c.data); err != nil {
			logger.Debugf("[Dtach] client input: %v", err)
		}
		d.detach(c)
	}()
	d.controlLoop(c)
}

func (d *daemon) controlLoop(c *client) {
	dec := json.NewDecoder(c.ctrl)
	for {
		var msg control
		if err := dec.Decode(&msg); err != nil {
			d.detach(c)
			return
		}
		switch msg.Op {
		case opResize:
			if err := d.proc.Resize(msg.Rows, msg.Cols); err != nil {
				logger.Debugf("[Dtach] resize: %v", err)
			}
		case opTerminate:
			grace := time.Duration(msg.Grace) * time.Millisecond
			go func() { _ = d.proc.Terminate(grace) }()
		default:
			logger.Debugf("[Dtach] unknown control op %q", msg.Op)
		}
	}
}

func (d *daemon) detach(c *client) {
	d.mu.Lock()
	if d.client == c {
		d.client = nil
	}
	d.mu.Unlock()
	_ = c.sess.Close()
}

// Alive reports whether something is accepting connections on socket.
func Alive(socket string) bool {
	conn, err := net.DialTimeout("unix", socket, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
