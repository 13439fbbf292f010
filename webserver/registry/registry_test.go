package registry

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftoff/GateOne-sub000/common/session"
	"github.com/liftoff/GateOne-sub000/webserver/dtach"
	"github.com/liftoff/GateOne-sub000/webserver/multiplex"
)

type echoBackend struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newEcho() *echoBackend {
	r, w := io.Pipe()
	return &echoBackend{r: r, w: w}
}

func (e *echoBackend) Read(p []byte) (int, error)    { return e.r.Read(p) }
func (e *echoBackend) Write(p []byte) (int, error)   { return e.w.Write(p) }
func (e *echoBackend) Resize(int, int) error         { return nil }
func (e *echoBackend) Pid() int                      { return 1000 }
func (e *echoBackend) Terminate(time.Duration) error { return e.w.Close() }
func (e *echoBackend) Close() error                  { return e.w.Close() }

type starts struct {
	mu       sync.Mutex
	cmds     []multiplex.Command
	backends []*echoBackend
	fail     error
}

func (s *starts) start(_ context.Context, c multiplex.Command, _, _ int) (multiplex.Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	b := newEcho()
	s.cmds = append(s.cmds, c)
	s.backends = append(s.backends, b)
	return b, nil
}

func (s *starts) last() multiplex.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmds[len(s.cmds)-1]
}

var alice = session.User{UPN: "alice", IP: "10.0.0.1"}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *starts) {
	t.Helper()
	s := &starts{}
	if cfg.Start == nil {
		cfg.Start = s.start
	}
	r := New(cfg)
	t.Cleanup(func() {
		for _, sid := range r.Sessions() {
			r.KillSession(sid)
		}
		r.Flush()
	})
	return r, s
}

func open(t *testing.T, r *Registry, sess, loc string, ts TermSettings) int {
	t.Helper()
	if ts.User.UPN == "" {
		ts.User = alice
	}
	if ts.CommandLine == "" {
		ts.Command, ts.CommandLine = "SH", "/bin/sh -l"
	}
	num, existed, err := r.NewTerminal(sess, loc, ts)
	require.NoError(t, err)
	require.False(t, existed)
	return num
}

func TestNumbersAreNotReused(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	assert.Equal(t, 1, open(t, r, "s1", "", TermSettings{}))
	assert.Equal(t, 2, open(t, r, "s1", "", TermSettings{}))

	require.NoError(t, r.KillTerminal("s1", DefaultLocation, 2))
	assert.Equal(t, 3, open(t, r, "s1", "", TermSettings{}))

	require.NoError(t, r.KillTerminal("s1", DefaultLocation, 3))
	require.NoError(t, r.KillTerminal("s1", DefaultLocation, 1))
	assert.Equal(t, 4, open(t, r, "s1", "", TermSettings{}))

	assert.ErrorIs(t, r.KillTerminal("s1", DefaultLocation, 1), ErrNotFound)
}

func TestRequestedNumberReattaches(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	open(t, r, "s1", "", TermSettings{})

	num, existed, err := r.NewTerminal("s1", "", TermSettings{Term: 1, User: alice})
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, 1, num)

	_, _, err = r.NewTerminal("s1", "", TermSettings{Term: 1, User: session.User{UPN: "mallory"}})
	assert.ErrorIs(t, err, ErrNotOwner)

	assert.Equal(t, 7, open(t, r, "s1", "", TermSettings{Term: 7}))
	assert.Equal(t, 8, open(t, r, "s1", "", TermSettings{}))
}

func TestMoveAndSwap(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	open(t, r, "s1", "", TermSettings{Metadata: map[string]string{"n": "one"}})
	open(t, r, "s1", "", TermSettings{Metadata: map[string]string{"n": "two"}})

	require.NoError(t, r.SwapTerminals("s1", DefaultLocation, 1, 2))
	rec, err := r.Get("s1", DefaultLocation, 1)
	require.NoError(t, err)
	assert.Equal(t, "two", rec.Metadata()["n"])
	assert.ErrorIs(t, r.SwapTerminals("s1", DefaultLocation, 1, 9), ErrNotFound)

	num, err := r.MoveTerminal("s1", DefaultLocation, "work", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, num)
	moved, err := r.Get("s1", "work", 1)
	require.NoError(t, err)
	assert.Equal(t, "one", moved.Metadata()["n"])
	_, err = r.Get("s1", DefaultLocation, 2)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{"default", "work"}, r.Locations("s1"))
	assert.Empty(t, r.Locations("nope"))

	_, err = r.MoveTerminal("s1", DefaultLocation, "work", 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTerminals(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	open(t, r, "s1", "", TermSettings{})
	open(t, r, "s1", "", TermSettings{})
	rec, err := r.Get("s1", DefaultLocation, 2)
	require.NoError(t, err)
	rec.SetManualTitle("build")
	rec.SetShareID("red-fox")

	list := r.ListTerminals("s1", DefaultLocation)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Term)
	assert.Equal(t, 2, list[1].Term)
	assert.Equal(t, "build", list[1].Title)
	assert.Equal(t, "red-fox", list[1].ShareID)
	assert.Equal(t, "SH", list[1].Command)
	assert.Equal(t, 2, r.Count("alice"))
	assert.Empty(t, r.ListTerminals("s1", "elsewhere"))
}

func TestCommandExpansionAndEnvironment(t *testing.T) {
	r, s := newTestRegistry(t, Config{GODir: "/opt/gateone", SessionDir: "/tmp/go", UserDir: "/users"})
	open(t, r, "sid1", "loc", TermSettings{
		CommandLine: "/bin/ssh_connect.py -S %SESSION_DIR%/%SESSION%/%USER% --home %USERDIR%",
		Env:         map[string]string{"TERM": "vt100", "EDITOR": "vi"},
	})
	c := s.last()
	assert.Equal(t, "/bin/ssh_connect.py -S /tmp/go/sid1/alice --home /users/alice", c.Line)
	assert.Equal(t, "vt100", c.Env["TERM"])
	assert.Equal(t, "vi", c.Env["EDITOR"])
	assert.Equal(t, "alice", c.Env["GO_USER"])
	assert.Equal(t, "1", c.Env["GO_TERM"])
	assert.Equal(t, "loc", c.Env["GO_LOCATION"])
	assert.Equal(t, "sid1", c.Env["GO_SESSION"])
	assert.Equal(t, "/tmp/go/sid1", c.Env["GO_USER_SESSION_DIR"])
	assert.Equal(t, "/opt/gateone", c.Env["GO_DIR"])

	h := sessionHash("sid1")
	assert.Len(t, h, 10)
	assert.Equal(t, h, sessionHash("sid1"))
	assert.NotEqual(t, h, sessionHash("sid2"))
	assert.Contains(t, r.expand("x-%SESSION_HASH%", "sid1", "alice"), h)
}

func TestExitRemovesRecord(t *testing.T) {
	r, s := newTestRegistry(t, Config{})
	open(t, r, "s1", "", TermSettings{})
	s.mu.Lock()
	b := s.backends[0]
	s.mu.Unlock()
	require.NoError(t, b.Close())
	assert.Eventually(t, func() bool {
		_, err := r.Get("s1", DefaultLocation, 1)
		return errors.Is(err, ErrNotFound)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSpawnFailure(t *testing.T) {
	r, s := newTestRegistry(t, Config{})
	s.fail = errors.New("no such file")
	_, _, err := r.NewTerminal("s1", "", TermSettings{User: alice, CommandLine: "/nope"})
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.Empty(t, r.ListTerminals("s1", DefaultLocation))
}

func TestAttachRecordSharesMultiplex(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	open(t, r, "owner", "", TermSettings{})
	orig, err := r.Get("owner", DefaultLocation, 1)
	require.NoError(t, err)

	view := &TermRecord{Multiplex: orig.Multiplex, Owner: "alice", Origin: &TermRef{Session: "owner", Location: DefaultLocation, Term: 1}}
	num := r.AttachRecord("viewer", "", view)
	assert.Equal(t, 1, num)
	assert.Len(t, r.Records(orig.Multiplex), 2)

	// killing a viewer record leaves the program running
	require.NoError(t, r.KillTerminal("viewer", DefaultLocation, 1))
	assert.True(t, orig.Multiplex.IsAlive())

	r.AttachRecord("viewer", "", view)
	require.NoError(t, r.KillTerminal("owner", DefaultLocation, 1))
	assert.Eventually(t, func() bool { return len(r.Records(orig.Multiplex)) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestPersistAndRestore(t *testing.T) {
	dir := t.TempDir()
	r1, _ := newTestRegistry(t, Config{Dtach: true, SessionDir: dir})
	open(t, r1, "sid", "", TermSettings{Rows: 30, Cols: 100})
	open(t, r1, "sid", "", TermSettings{})
	rec, err := r1.Get("sid", DefaultLocation, 1)
	require.NoError(t, err)
	rec.SetManualTitle("kept")
	rec.SetKeyboardMode("xterm")
	r1.Persist("sid")
	r1.Flush()

	st, err := readState(filepath.Join(dir, "sid", StateFile))
	require.NoError(t, err)
	require.Len(t, st[DefaultLocation], 2)
	saved := st[DefaultLocation]["1"]
	assert.Equal(t, "kept", saved.Title)
	assert.Equal(t, "xterm", saved.KeyboardMode)
	assert.Equal(t, "alice", saved.Owner)
	assert.Equal(t, 30, saved.Rows)
	assert.Equal(t, dtach.SocketPath(dir, "sid", DefaultLocation, 1), saved.Socket)

	// only term 1 still has a live daemon
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() {
		served <- dtach.Serve(ctx, dtach.Options{
			Socket: saved.Socket,
			Start: func(context.Context, multiplex.Command, int, int) (multiplex.Backend, error) {
				return newEcho(), nil
			},
		})
	}()
	require.Eventually(t, func() bool { return dtach.Alive(saved.Socket) }, 3*time.Second, 10*time.Millisecond)

	r2 := New(Config{Dtach: true, SessionDir: dir, Exe: "/nonexistent/gateone"})
	n, err := r2.Restore("sid", "bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = r2.Restore("sid", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := r2.Get("sid", DefaultLocation, 1)
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Title())
	assert.True(t, got.ManualTitle())
	assert.Equal(t, "xterm", got.KeyboardMode())
	_, err = r2.Get("sid", DefaultLocation, 2)
	assert.ErrorIs(t, err, ErrNotFound)
	r2.Flush()
	st, err = readState(filepath.Join(dir, "sid", StateFile))
	require.NoError(t, err)
	assert.Len(t, st[DefaultLocation], 1)

	r2.KillSession("sid")
	r2.Flush()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon still running after KillSession")
	}
	_, err = os.Stat(filepath.Join(dir, "sid", StateFile))
	assert.True(t, os.IsNotExist(err))
}

func TestPersistDisabledWithoutDtach(t *testing.T) {
	dir := t.TempDir()
	r, _ := newTestRegistry(t, Config{SessionDir: dir})
	open(t, r, "sid", "", TermSettings{})
	r.Flush()
	_, err := os.Stat(filepath.Join(dir, "sid", StateFile))
	assert.True(t, os.IsNotExist(err))
	n, err := r.Restore("sid", "alice")
	assert.NoError(t, err)
	assert.Zero(t, n)
}
