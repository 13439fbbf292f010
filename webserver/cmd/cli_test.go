package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftoff/GateOne-sub000/common/config"
	"github.com/liftoff/GateOne-sub000/common/golog"
	"github.com/liftoff/GateOne-sub000/webserver/dtach"
)

// captureStderr runs fn with os.Stderr redirected and returns what it wrote.
func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stderr
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stderr = w
	defer func() { os.Stderr = old }()

	fn()
	require.NoError(t, w.Close())
	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	_ = r.Close()
	return buf.String()
}

func TestCLI_Run_InvokesRunServer(t *testing.T) {
	called := false
	var gotCfg ServerConfig

	old := runServerFunc
	runServerFunc = func(cfg ServerConfig) error {
		called = true
		gotCfg = cfg
		return nil
	}
	defer func() { runServerFunc = old }()

	code := Main([]string{"run", "-port", "18443", "-verbose", "-dtach=false",
		"-session-dir", "/tmp/go-test", "-auth", "header", "-url-prefix", "/gateone"})

	require.True(t, called, "expected runServerFunc to be called")
	assert.Equal(t, 0, code)
	assert.Equal(t, 18443, gotCfg.Port)
	assert.True(t, gotCfg.Verbose)
	assert.False(t, gotCfg.Dtach)
	assert.True(t, gotCfg.SessionLogging)
	assert.Equal(t, "/tmp/go-test", gotCfg.SessionDir)
	assert.Equal(t, config.DefaultUserDir, gotCfg.UserDir)
	assert.Equal(t, "header", gotCfg.Auth)
	assert.Equal(t, "/gateone", gotCfg.URLPrefix)
}

func TestCLI_Run_RejectsBadFlags(t *testing.T) {
	old := runServerFunc
	runServerFunc = func(ServerConfig) error {
		t.Fatal("server must not start")
		return nil
	}
	defer func() { runServerFunc = old }()

	for _, args := range [][]string{
		{"run", "-port", "0"},
		{"run", "-port", "70000"},
		{"run", "-certificate", "cert.pem"},
		{"run", "-auth", "kerberos"},
	} {
		var code int
		captureStderr(t, func() { code = Main(args) })
		assert.Equal(t, 2, code, "%v", args)
	}
}

func TestCLI_UnknownCommand_ShowsHelp(t *testing.T) {
	var code int
	out := captureStderr(t, func() { code = Main([]string{"wat"}) })
	assert.Equal(t, 2, code)
	assert.Contains(t, out, "unknown command")
	assert.Contains(t, out, "kill-all")
}

func TestCLI_KillAll(t *testing.T) {
	var gotDir string
	old := killAllFunc
	killAllFunc = func(dir string) (int, error) {
		gotDir = dir
		return 2, nil
	}
	defer func() { killAllFunc = old }()

	assert.Equal(t, 0, Main([]string{"kill-all", "-session-dir", "/tmp/gateone-test"}))
	assert.Equal(t, "/tmp/gateone-test", gotDir)
}

func TestCLI_Dtach(t *testing.T) {
	var got dtach.Options
	old := serveDtach
	serveDtach = func(_ context.Context, opts dtach.Options) error {
		got = opts
		return nil
	}
	defer func() { serveDtach = old }()

	code := Main([]string{"dtach", "-socket", "/tmp/s/dtach_default_1", "-rows", "30", "-cols", "100",
		"-dir", "/home/alice", "--", "/bin/sh -l"})
	assert.Equal(t, 0, code)
	assert.Equal(t, "/tmp/s/dtach_default_1", got.Socket)
	assert.Equal(t, 30, got.Rows)
	assert.Equal(t, 100, got.Cols)
	assert.Equal(t, "/bin/sh -l", got.Command.Line)
	assert.Equal(t, "/home/alice", got.Command.Dir)

	captureStderr(t, func() { code = Main([]string{"dtach", "-rows", "30"}) })
	assert.Equal(t, 2, code)
}

func writeTestLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "20240101120000127.0.0.1.golog")
	start := time.UnixMilli(1_700_000_000_000)
	w := golog.NewWriter(path, golog.Metadata{User: "alice", Rows: 24, Cols: 80})
	require.NoError(t, w.WriteFrame([]byte("hello\r\n"), start))
	require.NoError(t, w.WriteFrame([]byte("\x1b[1mworld\x1b[0m\r\n"), start.Add(time.Second)))
	require.NoError(t, w.Close(start.Add(2*time.Second)))
	return path
}

func TestPlaybackFlat(t *testing.T) {
	log := writeTestLog(t)
	out := filepath.Join(t.TempDir(), "out.txt")
	require.Equal(t, 0, Main([]string{"playback", "-flat", "-out", out, log}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", string(data))
}

func TestPlaybackHTML(t *testing.T) {
	log := writeTestLog(t)
	out := filepath.Join(t.TempDir(), "out.html")
	require.NoError(t, playback(log, out, false))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	page := string(data)
	assert.Contains(t, page, "<!DOCTYPE html>")
	assert.Contains(t, page, `<pre id="screen">`)
	assert.Contains(t, page, "alice")
	assert.Contains(t, page, "hello")
	assert.Contains(t, page, "world")
	assert.Contains(t, page, "bold{font-weight:bold}")
}

func TestPlaybackMissingFile(t *testing.T) {
	var code int
	out := captureStderr(t, func() {
		code = Main([]string{"playback", filepath.Join(t.TempDir(), "nope.golog")})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "playback:")
}

func TestBroadcastBase(t *testing.T) {
	s := config.DefaultSettings()
	assert.Equal(t, "https://gateone.example:8443/go",
		broadcastBase(s, ServerConfig{Address: "gateone.example", Port: 8443, URLPrefix: "/go"}))

	s.Sharing.BroadcastBase = "https://public.example"
	assert.Equal(t, "https://public.example", broadcastBase(s, ServerConfig{Port: 8443}))
}
