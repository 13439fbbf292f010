package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftoff/GateOne-sub000/common/config"
	"github.com/liftoff/GateOne-sub000/common/session"
	"github.com/liftoff/GateOne-sub000/webserver/auth"
	"github.com/liftoff/GateOne-sub000/webserver/multiplex"
	"github.com/liftoff/GateOne-sub000/webserver/registry"
	"github.com/liftoff/GateOne-sub000/webserver/sharing"
)

// echoBackend loops keystrokes straight back as output.
type echoBackend struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (e *echoBackend) Read(p []byte) (int, error)    { return e.r.Read(p) }
func (e *echoBackend) Write(p []byte) (int, error)   { return e.w.Write(p) }
func (e *echoBackend) Resize(int, int) error         { return nil }
func (e *echoBackend) Pid() int                      { return 4242 }
func (e *echoBackend) Terminate(time.Duration) error { return e.w.Close() }
func (e *echoBackend) Close() error                  { return e.w.Close() }

func echoStart(context.Context, multiplex.Command, int, int) (multiplex.Backend, error) {
	r, w := io.Pipe()
	return &echoBackend{r: r, w: w}, nil
}

const waitFor = 5 * time.Second

type harness struct {
	t   *testing.T
	srv *Server
	reg *registry.Registry
	ts  *httptest.Server
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	reg := registry.New(registry.Config{Start: echoStart})
	shares, err := sharing.New(sharing.Config{BroadcastBase: "http://gateone.test"})
	require.NoError(t, err)
	sm := session.NewManager(nil, session.SessionConfig{})
	cfg := Config{
		Settings:   config.DefaultSettings(),
		Sessions:   sm,
		Registry:   reg,
		Shares:     shares,
		Auth:       auth.Header{},
		UserDir:    t.TempDir(),
		SessionDir: t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
		for _, sid := range reg.Sessions() {
			reg.KillSession(sid)
		}
		sm.Close()
	})
	return &harness{t: t, srv: srv, reg: reg, ts: ts}
}

type client struct {
	t       *testing.T
	ws      *websocket.Conn
	msgs    chan map[string]json.RawMessage
	err     error
	session string
}

func (h *harness) dialPath(path, upn string) *client {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + path
	hdr := http.Header{}
	if upn != "" {
		hdr.Set(auth.DefaultHeader, upn)
	}
	ws, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(h.t, err)
	resp.Body.Close()
	c := &client{t: h.t, ws: ws, msgs: make(chan map[string]json.RawMessage, 1024)}
	go c.readLoop()
	h.t.Cleanup(func() { _ = ws.Close() })

	var hello struct {
		Session string `json:"session"`
	}
	require.NoError(h.t, json.Unmarshal(c.expect("go:connected"), &hello))
	c.session = hello.Session
	return c
}

func (h *harness) dial(upn string) *client { return h.dialPath("/ws", upn) }

func (c *client) readLoop() {
	defer close(c.msgs)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		var m map[string]json.RawMessage
		if json.Unmarshal(data, &m) == nil {
			c.msgs <- m
		}
	}
}

func (c *client) send(action string, args any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(map[string]any{action: args}))
}

// next returns the next message.
func (c *client) next() map[string]json.RawMessage {
	c.t.Helper()
	select {
	case m, ok := <-c.msgs:
		require.True(c.t, ok, "connection closed: %v", c.err)
		return m
	case <-time.After(waitFor):
		c.t.Fatal("timed out waiting for a message")
	}
	return nil
}

// expect skips messages until one carries action.
func (c *client) expect(action string) json.RawMessage {
	c.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case m, ok := <-c.msgs:
			require.True(c.t, ok, "connection closed waiting for %s: %v", action, c.err)
			if v, found := m[action]; found {
				return v
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", action)
		}
	}
}

func (c *client) expectNotice(kind string) ActionError {
	c.t.Helper()
	var ae ActionError
	require.NoError(c.t, json.Unmarshal(c.expect("go:notice"), &ae))
	require.Equal(c.t, kind, ae.Kind, ae.Message)
	return ae
}

func (c *client) openTerm(args map[string]any) int {
	c.t.Helper()
	c.send("terminal:new_terminal", args)
	var out struct {
		Term int `json:"term"`
	}
	require.NoError(c.t, json.Unmarshal(c.expect("terminal:new_terminal"), &out))
	return out.Term
}

func cellAt(t *testing.T, reg *registry.Registry, ref registry.TermRef, row, col int) rune {
	t.Helper()
	rec, err := reg.Lookup(ref)
	if err != nil {
		return 0
	}
	return rec.Multiplex.Terminal().Cell(row, col).Ch
}

func TestDecodeActionsKeepsOrder(t *testing.T) {
	calls, err := decodeActions([]byte(`{"terminal:new_terminal":{"term":1},"c":"ls\n","refresh":1}`))
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.Equal(t, "new_terminal", calls[0].name)
	assert.Equal(t, "c", calls[1].name)
	assert.JSONEq(t, `"ls\n"`, string(calls[1].args))
	assert.Equal(t, "refresh", calls[2].name)

	_, err = decodeActions([]byte(`["c"]`))
	assert.Error(t, err)
	_, err = decodeActions([]byte(`{"c":`))
	assert.Error(t, err)
}

func TestClamp(t *testing.T) {
	p := config.TermPolicy{MaxRows: 50, MaxCols: 100}
	rows, cols := clamp(p, 0, 0)
	assert.Equal(t, []int{24, 80}, []int{rows, cols})
	rows, cols = clamp(p, 70, 300)
	assert.Equal(t, []int{50, 100}, []int{rows, cols})
}

func TestNewTerminalEchoesKeystrokes(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial("alice")
	term := alice.openTerm(map[string]any{"rows": 24, "cols": 80})
	assert.Equal(t, 1, term)
	alice.expect("terminal:termupdate")

	alice.send("c", "hi")
	ref := registry.TermRef{Session: alice.session, Location: registry.DefaultLocation, Term: term}
	require.Eventually(t, func() bool { return cellAt(t, h.reg, ref, 0, 1) == 'i' }, waitFor, 10*time.Millisecond)
	alice.expect("terminal:termupdate")

	// reopening the same number re-attaches
	alice.send("new_terminal", map[string]any{"term": term})
	alice.expect("terminal:term_exists")
}

func TestSharedWritePolicy(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial("alice")
	term := alice.openTerm(nil)
	ref := registry.TermRef{Session: alice.session, Location: registry.DefaultLocation, Term: term}

	alice.send("permissions", map[string]any{"term": term, "read": []string{"bob"}, "write": []string{"bob"}})
	var perms struct {
		Result  string `json:"result"`
		ShareID string `json:"share_id"`
	}
	require.NoError(t, json.Unmarshal(alice.expect("terminal:sharing_permissions"), &perms))
	require.Equal(t, "Success", perms.Result)
	require.NotEmpty(t, perms.ShareID)

	bob := h.dial("bob")
	bob.send("attach_shared_terminal", map[string]any{"share_id": perms.ShareID})
	var attached struct {
		Term    int    `json:"term"`
		ShareID string `json:"share_id"`
		Owner   string `json:"owner"`
	}
	require.NoError(t, json.Unmarshal(bob.expect("terminal:new_terminal"), &attached))
	assert.Equal(t, "alice", attached.Owner)
	alice.expect("terminal:share_user_list")

	bob.send("write_chars", map[string]any{"term": attached.Term, "chars": "x"})
	require.Eventually(t, func() bool { return cellAt(t, h.reg, ref, 0, 0) == 'x' }, waitFor, 10*time.Millisecond)

	alice.send("permissions", map[string]any{"term": term, "read": []string{"bob"}, "write": []string{}})
	require.NoError(t, json.Unmarshal(alice.expect("terminal:sharing_permissions"), &perms))
	require.Equal(t, "Success", perms.Result)

	bob.send("write_chars", map[string]any{"term": attached.Term, "chars": "y"})
	bob.expectNotice(KindPermissionDenied)
	time.Sleep(100 * time.Millisecond)
	assert.NotEqual(t, 'y', cellAt(t, h.reg, ref, 0, 1))
}

func TestRevokedViewerLosesTerminal(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial("alice")
	term := alice.openTerm(nil)
	alice.send("permissions", map[string]any{"term": term, "read": []string{"bob"}})
	var perms struct {
		ShareID string `json:"share_id"`
	}
	require.NoError(t, json.Unmarshal(alice.expect("terminal:sharing_permissions"), &perms))

	bob := h.dial("bob")
	bob.send("list_shared_terminals", nil)
	var list struct {
		Terminals []sharing.Summary `json:"terminals"`
	}
	require.NoError(t, json.Unmarshal(bob.expect("terminal:shared_terminals"), &list))
	require.Len(t, list.Terminals, 1)
	assert.Equal(t, perms.ShareID, list.Terminals[0].ID)

	bob.send("attach_shared_terminal", map[string]any{"share_id": perms.ShareID})
	bob.expect("terminal:new_terminal")

	alice.send("permissions", map[string]any{"term": term})
	alice.expect("terminal:sharing_permissions")
	bob.expect("terminal:term_ended")
	bob.expectNotice(KindPermissionDenied)

	carol := h.dial("carol")
	carol.send("list_shared_terminals", nil)
	require.NoError(t, json.Unmarshal(carol.expect("terminal:shared_terminals"), &list))
	assert.Empty(t, list.Terminals)
}

func TestBinaryFrameClosesConnection(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial("alice")
	require.NoError(t, alice.ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	deadline := time.After(waitFor)
	for {
		select {
		case _, ok := <-alice.msgs:
			if !ok {
				assert.True(t, websocket.IsCloseError(alice.err, websocket.CloseUnsupportedData), "got %v", alice.err)
				return
			}
		case <-deadline:
			t.Fatal("connection stayed open")
		}
	}
}

func TestUnknownActionIgnored(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial("alice")
	alice.send("terminal:bogus", 1)
	alice.send("get_terminals", nil)
	m := alice.next()
	assert.Contains(t, m, "terminal:terminals")
}

func TestAnonymousCannotOpenTerminals(t *testing.T) {
	h := newHarness(t, nil)
	anon := h.dial("")
	anon.send("new_terminal", nil)
	anon.expectNotice(KindPolicyDenied)
}

func TestMaxTermsPolicy(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Settings.Terminal.MaxTerms = 1 })
	alice := h.dial("alice")
	alice.openTerm(nil)
	alice.send("new_terminal", nil)
	alice.expectNotice(KindPolicyDenied)
}

func TestSizeClampedToPolicy(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Settings.Terminal.MaxRows = 30
		c.Settings.Terminal.MaxCols = 100
	})
	alice := h.dial("alice")
	term := alice.openTerm(map[string]any{"rows": 100, "cols": 300})
	rec, err := h.reg.Get(alice.session, registry.DefaultLocation, term)
	require.NoError(t, err)
	rows, cols := rec.Multiplex.Terminal().Size()
	assert.Equal(t, 30, rows)
	assert.Equal(t, 100, cols)
}

func TestUserPolicyFile(t *testing.T) {
	userDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(userDir, "alice"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "alice", config.PolicyFile),
		[]byte("[terminal]\nallow = false\n"), 0o644))
	h := newHarness(t, func(c *Config) { c.UserDir = userDir })

	alice := h.dial("alice")
	alice.send("new_terminal", nil)
	alice.expectNotice(KindPolicyDenied)

	bob := h.dial("bob")
	bob.openTerm(nil)
}

func TestUnknownCommandDenied(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial("alice")
	alice.send("new_terminal", map[string]any{"command": "ROOTSHELL"})
	alice.expectNotice(KindPolicyDenied)
}

func TestMoveKillAndRenumber(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial("alice")
	first := alice.openTerm(nil)

	alice.send("move_terminal", map[string]any{"term": first, "location": "work"})
	var moved struct {
		Term     int    `json:"term"`
		Location string `json:"location"`
		NewTerm  int    `json:"new_term"`
	}
	require.NoError(t, json.Unmarshal(alice.expect("terminal:term_moved"), &moved))
	assert.Equal(t, "work", moved.Location)
	_, err := h.reg.Get(alice.session, "work", moved.NewTerm)
	require.NoError(t, err)

	second := alice.openTerm(nil)
	assert.Greater(t, second, first)
	alice.send("kill_terminal", second)
	var ended struct {
		Term int `json:"term"`
	}
	require.NoError(t, json.Unmarshal(alice.expect("terminal:term_ended"), &ended))
	assert.Equal(t, second, ended.Term)

	third := alice.openTerm(nil)
	assert.Greater(t, third, second)

	alice.send("get_locations", nil)
	var locs struct {
		Locations map[string][]registry.TermSummary `json:"locations"`
	}
	require.NoError(t, json.Unmarshal(alice.expect("terminal:locations"), &locs))
	assert.Len(t, locs.Locations["work"], 1)
	assert.Len(t, locs.Locations[registry.DefaultLocation], 1)
}

func TestTermEndedWhenProgramExits(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial("alice")
	term := alice.openTerm(nil)
	rec, err := h.reg.Get(alice.session, registry.DefaultLocation, term)
	require.NoError(t, err)
	rec.Multiplex.Terminate()
	alice.expect("terminal:term_ended")
}

func TestKeyboardModeAndEncoding(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial("alice")
	term := alice.openTerm(nil)

	alice.send("set_keyboard_mode", map[string]any{"term": term, "mode": "vt52"})
	alice.expectNotice(KindBadRequest)
	alice.send("set_keyboard_mode", map[string]any{"term": term, "mode": "xterm"})
	var mode struct {
		Mode string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(alice.expect("terminal:keyboard_mode"), &mode))
	assert.Equal(t, "xterm", mode.Mode)

	alice.send("set_encoding", map[string]any{"term": term, "encoding": "latin1"})
	alice.expect("terminal:encoding")
}

func TestCaptureRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial("alice")
	term := alice.openTerm(nil)
	ref := registry.TermRef{Session: alice.session, Location: registry.DefaultLocation, Term: term}

	alice.send("start_capture", map[string]any{"term": term})
	var started struct {
		Result string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(alice.expect("terminal:start_capture"), &started))
	require.Equal(t, "Success", started.Result)

	alice.send("c", "hello")
	require.Eventually(t, func() bool { return cellAt(t, h.reg, ref, 0, 4) == 'o' }, waitFor, 10*time.Millisecond)

	alice.send("stop_capture", map[string]any{"term": term})
	var captured struct {
		Data   string `json:"data"`
		Result string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(alice.expect("terminal:captured_data"), &captured))
	assert.Equal(t, "Success", captured.Result)
	assert.Contains(t, captured.Data, "hello")
}

func TestSharedRoutes(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial("alice")
	term := alice.openTerm(nil)
	alice.send("permissions", map[string]any{"term": term, "broadcast": true})
	var perms struct {
		ShareID      string `json:"share_id"`
		BroadcastURL string `json:"broadcast_url"`
		BroadcastQR  string `json:"broadcast_qr"`
	}
	require.NoError(t, json.Unmarshal(alice.expect("terminal:sharing_permissions"), &perms))
	assert.Equal(t, "http://gateone.test/terminal/shared/"+perms.ShareID, perms.BroadcastURL)
	assert.True(t, strings.HasPrefix(perms.BroadcastQR, "data:image/png;base64,"))

	resp, err := http.Get(h.ts.URL + "/terminal/shared/" + perms.ShareID)
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", info["owner"])

	resp, err = http.Get(h.ts.URL + "/terminal/shared/" + perms.ShareID + "/qr.png")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp, err = http.Get(h.ts.URL + "/terminal/shared/no-such-share")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(h.ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBroadcastViewerIsReadOnly(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial("alice")
	term := alice.openTerm(nil)
	alice.send("permissions", map[string]any{"term": term, "broadcast": true})
	var perms struct {
		ShareID string `json:"share_id"`
	}
	require.NoError(t, json.Unmarshal(alice.expect("terminal:sharing_permissions"), &perms))

	viewer := h.dialPath("/terminal/shared/"+perms.ShareID, "")
	var attached struct {
		ShareID string `json:"share_id"`
	}
	require.NoError(t, json.Unmarshal(viewer.expect("terminal:new_terminal"), &attached))
	assert.Equal(t, perms.ShareID, attached.ShareID)
	viewer.expect("terminal:termupdate")

	viewer.send("c", "z")
	viewer.expectNotice(KindPermissionDenied)

	var users struct {
		Viewers []shareViewer `json:"viewers"`
	}
	require.NoError(t, json.Unmarshal(alice.expect("terminal:share_user_list"), &users))
	require.Len(t, users.Viewers, 1)
	assert.Equal(t, session.Anonymous, users.Viewers[0].UPN)
}

func TestDeliverReachesEveryWindow(t *testing.T) {
	h := newHarness(t, nil)
	a1 := h.dial("alice")
	a2 := h.dial("alice")
	h.dial("bob")
	assert.Equal(t, 2, h.srv.Deliver(Message{"test:ping": 1}, "alice", ""))
	a1.expect("test:ping")
	a2.expect("test:ping")
	assert.Equal(t, 1, h.srv.Deliver(Message{"test:ping": 2}, "", a1.session))
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.ts.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
