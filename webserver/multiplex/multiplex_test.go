package multiplex

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftoff/GateOne-sub000/common/golog"
)

// fakeBackend stands in for a PTY: tests feed output through out and read
// what the multiplex wrote from in.
type fakeBackend struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	in      strings.Builder
	sizes   [][2]int
	closed  bool
	termed  bool
	written chan struct{}
	stall   chan struct{} // when set, Write blocks until it is closed
}

func newFakeBackend() *fakeBackend {
	r, w := io.Pipe()
	return &fakeBackend{outR: r, outW: w, written: make(chan struct{}, 64)}
}

func (f *fakeBackend) Read(p []byte) (int, error) { return f.outR.Read(p) }

func (f *fakeBackend) Write(p []byte) (int, error) {
	f.mu.Lock()
	stall := f.stall
	f.mu.Unlock()
	if stall != nil {
		<-stall
	}
	f.mu.Lock()
	f.in.Write(p)
	f.mu.Unlock()
	select {
	case f.written <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (f *fakeBackend) Resize(rows, cols int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes = append(f.sizes, [2]int{rows, cols})
	return nil
}

func (f *fakeBackend) Pid() int { return 4242 }

func (f *fakeBackend) Terminate(time.Duration) error {
	f.mu.Lock()
	f.termed = true
	f.mu.Unlock()
	return f.outW.Close()
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.outW.Close()
}

func (f *fakeBackend) input() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.in.String()
}

func (f *fakeBackend) emit(t *testing.T, s string) {
	t.Helper()
	_, err := f.outW.Write([]byte(s))
	require.NoError(t, err)
}

func spawnFake(t *testing.T, cfg Config) (*Multiplex, *fakeBackend) {
	t.Helper()
	fb := newFakeBackend()
	var gotCmd Command
	cfg.Start = func(_ context.Context, c Command, rows, cols int) (Backend, error) {
		gotCmd = c
		return fb, nil
	}
	if cfg.Rows == 0 {
		cfg.Rows, cfg.Cols = 24, 80
	}
	m := New(cfg)
	pid, err := m.Spawn(cfg.Rows, cfg.Cols, map[string]string{"TERM": "xterm"})
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
	assert.Equal(t, "xterm", gotCmd.Env["TERM"])
	t.Cleanup(m.Terminate)
	return m, fb
}

// collector reassembles a viewer's screen from diffs.
type collector struct {
	mu      sync.Mutex
	screen  []string
	updates int
	full    int
	limited int
	notify  chan struct{}
}

func newCollector() *collector { return &collector{notify: make(chan struct{}, 256)} }

func (c *collector) sink(u Update) {
	c.mu.Lock()
	if u.Full || c.screen == nil {
		c.screen = make([]string, len(u.Screen))
		c.full++
	}
	for i, row := range u.Screen {
		if row != nil {
			c.screen[i] = *row
		}
	}
	c.updates++
	if u.Ratelimiter {
		c.limited++
	}
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) snapshot() ([]string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.screen...), c.updates
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}

func TestBurstIsCoalesced(t *testing.T) {
	m, fb := spawnFake(t, Config{Rate: RateConfig{MsecMin: 30, MsecMax: 200, MaxRefreshRate: 20, Burst: 40}})
	c := newCollector()
	m.Subscribe("a", c.sink)

	for i := 0; i < 50; i++ {
		fb.emit(t, "line\r\n")
	}
	waitFor(t, func() bool {
		screen, _ := c.snapshot()
		return screen != nil && strings.Join(screen, "\n") == strings.Join(m.Terminal().ScreenHTML(), "\n")
	})
	time.Sleep(250 * time.Millisecond)
	_, n := c.snapshot()
	assert.LessOrEqual(t, n, 4)
	assert.GreaterOrEqual(t, n, 1)
}

func TestViewersConverge(t *testing.T) {
	m, fb := spawnFake(t, Config{Rate: RateConfig{MsecMin: 5, MsecMax: 20}})
	a, b := newCollector(), newCollector()
	m.Subscribe("a", a.sink)
	fb.emit(t, "first\r\n")
	waitFor(t, func() bool { _, n := a.snapshot(); return n > 0 })

	m.Subscribe("b", b.sink)
	fb.emit(t, "\x1b[1msecond\x1b[0m\r\n")
	want := func() string { return strings.Join(m.Terminal().ScreenHTML(), "\n") }
	waitFor(t, func() bool {
		sa, _ := a.snapshot()
		sb, _ := b.snapshot()
		return strings.Join(sa, "\n") == want() && strings.Join(sb, "\n") == want()
	})
	b.mu.Lock()
	assert.Equal(t, 1, b.full)
	b.mu.Unlock()
}

func TestDeviceStatusAnswerGoesToChild(t *testing.T) {
	_, fb := spawnFake(t, Config{})
	fb.emit(t, "\x1b[6n")
	waitFor(t, func() bool { return strings.Contains(fb.input(), "\x1b[1;1R") })
}

func TestStatusQueriesDoNotStallOutput(t *testing.T) {
	m, fb := spawnFake(t, Config{WriteQueue: 1})
	stall := make(chan struct{})
	fb.mu.Lock()
	fb.stall = stall
	fb.mu.Unlock()
	t.Cleanup(func() { close(stall) })

	fb.emit(t, strings.Repeat("\x1b[6n", 10)+"still drawing")
	waitFor(t, func() bool { return strings.Contains(m.Terminal().DumpScreen()[0], "still drawing") })
}

func TestWriteEncodesInput(t *testing.T) {
	m, fb := spawnFake(t, Config{Encoding: "latin1"})
	assert.Equal(t, "windows-1252", m.Encoding())
	require.NoError(t, m.Write([]byte("é")))
	waitFor(t, func() bool { return fb.input() == "\xe9" })
}

func TestExitFiresOnceAndWritesFail(t *testing.T) {
	m, fb := spawnFake(t, Config{})
	var mu sync.Mutex
	exits := 0
	m.AddCallback(EventExit, "t", func(Event) {
		mu.Lock()
		exits++
		mu.Unlock()
	})
	require.NoError(t, fb.outW.Close())
	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("multiplex did not finish")
	}
	m.Terminate()
	m.Detach()
	mu.Lock()
	assert.Equal(t, 1, exits)
	mu.Unlock()
	assert.False(t, m.IsAlive())
	assert.ErrorIs(t, m.Write([]byte("x")), ErrClosed)
}

func TestDetachDoesNotTerminate(t *testing.T) {
	m, fb := spawnFake(t, Config{})
	m.Detach()
	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.True(t, fb.closed)
	assert.False(t, fb.termed)
}

func TestResizeSendsFullRefresh(t *testing.T) {
	m, fb := spawnFake(t, Config{RedrawOnResize: true})
	c := newCollector()
	m.Subscribe("a", c.sink)
	require.NoError(t, m.Resize(30, 100))
	screen, _ := c.snapshot()
	assert.Len(t, screen, 30)
	fb.mu.Lock()
	assert.Equal(t, [][2]int{{30, 100}}, fb.sizes)
	fb.mu.Unlock()
	waitFor(t, func() bool { return fb.input() == ctrlL })
}

func TestTitleEvent(t *testing.T) {
	m, fb := spawnFake(t, Config{})
	got := make(chan string, 1)
	m.AddCallback(EventTitle, "t", func(ev Event) { got <- ev.Title })
	fb.emit(t, "\x1b]0;hello\x07")
	select {
	case title := <-got:
		assert.Equal(t, "hello", title)
	case <-time.After(3 * time.Second):
		t.Fatal("no title event")
	}
	assert.Equal(t, "hello", m.Title())
}

func TestDumpHTMLTracksViewer(t *testing.T) {
	m, fb := spawnFake(t, Config{Rate: RateConfig{MsecMin: 1000, MsecMax: 1000}})
	m.Subscribe("a", func(Update) {})
	fb.emit(t, "abc")
	waitFor(t, func() bool { return strings.Contains(m.Terminal().DumpScreen()[0], "abc") })

	_, screen := m.DumpHTML(false, "a")
	require.Len(t, screen, 24)
	assert.NotNil(t, screen[0])

	_, screen = m.DumpHTML(false, "a")
	for _, row := range screen {
		assert.Nil(t, row)
	}
}

func TestSessionLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "1.golog")
	m, fb := spawnFake(t, Config{})
	m.EnableLogging(golog.NewWriter(path, golog.Metadata{User: "alice", Rows: 24, Cols: 80}))
	assert.Equal(t, path, m.LogPath())
	fb.emit(t, "hello")
	waitFor(t, func() bool { return strings.Contains(m.Terminal().DumpScreen()[0], "hello") })
	m.Terminate()

	meta, frames, err := golog.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", meta.User)
	require.Len(t, frames, 1)
	assert.Equal(t, "hello", string(frames[0].Data))
}

func TestFailedSessionLogIsClosed(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	lw := golog.NewWriter(filepath.Join(blocker, "logs", "1.golog"), golog.Metadata{User: "alice"})

	m, fb := spawnFake(t, Config{})
	m.EnableLogging(lw)
	fb.emit(t, "hello")
	waitFor(t, func() bool {
		return m.LogPath() == "" && errors.Is(lw.WriteFrame([]byte("x"), time.Now()), golog.ErrClosed)
	})
}

func TestCapture(t *testing.T) {
	m, fb := spawnFake(t, Config{})
	require.NoError(t, m.StartCapture(t.TempDir()))
	fb.emit(t, "\x1b[31mred\x1b[0m\r\n")
	waitFor(t, func() bool { return strings.Contains(m.Terminal().DumpScreen()[0], "red") })
	out, err := m.StopCapture()
	require.NoError(t, err)
	assert.Equal(t, "red\n", out)
	_, err = m.StopCapture()
	assert.Error(t, err)
}

func TestSpawnTwice(t *testing.T) {
	m, _ := spawnFake(t, Config{})
	_, err := m.Spawn(24, 80, nil)
	assert.ErrorIs(t, err, ErrSpawned)
}

func TestCodecSplitInput(t *testing.T) {
	c, err := newCodec("shift_jis")
	require.NoError(t, err)
	// "日本" in Shift_JIS, split inside the second character
	raw := []byte{0x93, 0xfa, 0x96, 0x7b}
	out := append(c.decode(raw[:3]), c.decode(raw[3:])...)
	assert.Equal(t, "日本", string(out))
	assert.Equal(t, raw, c.encode([]byte("日本")))

	_, err = newCodec("klingon")
	assert.Error(t, err)

	u, err := newCodec("")
	require.NoError(t, err)
	assert.Equal(t, DefaultEncoding, u.name)
	assert.Equal(t, []byte("\xff"), u.decode([]byte("\xff")))
}

func TestMergeEnv(t *testing.T) {
	env := MergeEnv([]string{"A=1", "B=2", "PATH=/bin"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=1", "PATH=/bin", "B=3", "C=4"}, env)
}

func TestCommandArgv(t *testing.T) {
	argv, err := Command{Line: `/bin/sh -c 'echo "hi there"'`}.Argv()
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh", "-c", `echo "hi there"`}, argv)

	_, err = Command{Line: "   "}.Argv()
	assert.Error(t, err)
}

func TestStartPTY(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	m := New(Config{Command: Command{Line: "/bin/sh -c 'echo pty-ok'"}, Rows: 24, Cols: 80})
	_, err := m.Spawn(24, 80, nil)
	require.NoError(t, err)
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		m.Terminate()
		t.Fatal("child did not exit")
	}
	assert.Contains(t, strings.Join(m.Terminal().DumpScreen(), "\n"), "pty-ok")
}
