package web

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/mordilloSan/go-logger/logger"

	"github.com/liftoff/GateOne-sub000/webserver/registry"
)

type newTermArgs struct {
	Term     int               `json:"term"`
	Rows     int               `json:"rows"`
	Cols     int               `json:"cols"`
	Command  string            `json:"command"`
	Encoding string            `json:"encoding"`
	Metadata map[string]string `json:"metadata"`
}

// newTerminal opens a terminal in the connection's location, or re-attaches
// to the one already using the requested number.
func (s *Server) newTerminal(c *Conn, args json.RawMessage) error {
	var a newTermArgs
	if err := decode(args, &a); err != nil {
		return err
	}
	p := s.policy(c.User)
	name := a.Command
	if name == "" {
		name = p.DefaultCommand
	}
	line, ok := p.Commands[name]
	if !ok {
		return actionErr(KindPolicyDenied, "command %q is not allowed", name)
	}
	rows, cols := clamp(p, a.Rows, a.Cols)
	loc := c.Location()

	num, existed, err := s.reg.NewTerminal(c.Session, loc, registry.TermSettings{
		Term:        a.Term,
		User:        c.User,
		Command:     name,
		CommandLine: line,
		Rows:        rows,
		Cols:        cols,
		Encoding:    a.Encoding,
		Env:         p.Environment,
		Metadata:    a.Metadata,
	})
	if err != nil {
		if errors.Is(err, registry.ErrSpawnFailed) {
			c.Send(termMsg("term_ended", map[string]any{"term": a.Term}))
		}
		return err
	}
	rec, err := s.reg.Get(c.Session, loc, num)
	if err != nil {
		// the program already exited
		c.Send(termMsg("term_ended", map[string]any{"term": num}))
		return nil
	}

	if existed {
		c.Send(termMsg("term_exists", map[string]any{"term": num}))
		if !rec.Viewer() && a.Rows > 0 && a.Cols > 0 {
			if r0, c0 := rec.Multiplex.Terminal().Size(); r0 != rows || c0 != cols {
				if err := rec.Multiplex.Resize(rows, cols); err != nil {
					logger.Debugf("[Router] resize %s/%d: %v", loc, num, err)
				}
			}
		}
	} else {
		c.Send(termMsg("new_terminal", map[string]any{"term": num, "location": loc, "command": name}))
	}
	c.attach(rec, num)
	c.setCurrent(num)
	return nil
}

// killTerminal ends an owned terminal, or detaches a shared one.
func (s *Server) killTerminal(c *Conn, args json.RawMessage) error {
	rec, num, err := s.target(c, args)
	if err != nil {
		return err
	}
	ref := registry.TermRef{Session: c.Session, Location: c.Location(), Term: num}
	if rec.Viewer() {
		return s.detachViewer(c, rec, ref)
	}
	share, _ := s.shares.ForTerm(ref)
	if err := s.reg.KillTerminal(ref.Session, ref.Location, ref.Term); err != nil {
		return err
	}
	if share != nil {
		s.shares.RemoveForTerm(ref)
		s.pushShareLists(share, nil)
	}
	return nil
}

func (s *Server) setTerminal(c *Conn, args json.RawMessage) error {
	rec, num, err := s.target(c, args)
	if err != nil {
		return err
	}
	c.setCurrent(num)
	if _, ok := c.viewing(rec); !ok {
		c.attach(rec, num)
	}
	return nil
}

// moveTerminal moves a terminal to another location of the same session.
// Windows showing the old location lose it; windows showing the new one
// gain it.
func (s *Server) moveTerminal(c *Conn, args json.RawMessage) error {
	var a struct {
		Term     int    `json:"term"`
		Location string `json:"location"`
	}
	if err := decode(args, &a); err != nil {
		return err
	}
	if a.Term <= 0 {
		a.Term = c.Current()
	}
	to := a.Location
	if to == "" {
		to = registry.DefaultLocation
	}
	from := c.Location()
	if from == to {
		return nil
	}
	rec, err := s.reg.Get(c.Session, from, a.Term)
	if err != nil {
		return err
	}
	num, err := s.reg.MoveTerminal(c.Session, from, to, a.Term)
	if err != nil {
		return err
	}
	if !rec.Viewer() {
		s.shares.Retarget(
			registry.TermRef{Session: c.Session, Location: from, Term: a.Term},
			registry.TermRef{Session: c.Session, Location: to, Term: num},
		)
	}
	for _, other := range s.hub.Conns("", c.Session) {
		switch other.Location() {
		case from:
			other.detach(rec)
			other.forget(a.Term)
			other.Send(termMsg("term_moved", map[string]any{"term": a.Term, "location": to, "new_term": num}))
		case to:
			other.attach(rec, num)
		}
	}
	return nil
}

// swapTerminals exchanges the numbers of two terminals of the location.
func (s *Server) swapTerminals(c *Conn, args json.RawMessage) error {
	var a struct {
		Term1 int `json:"term1"`
		Term2 int `json:"term2"`
	}
	if err := decode(args, &a); err != nil {
		return err
	}
	loc := c.Location()
	r1, err := s.reg.Get(c.Session, loc, a.Term1)
	if err != nil {
		return err
	}
	r2, err := s.reg.Get(c.Session, loc, a.Term2)
	if err != nil {
		return err
	}
	if err := s.reg.SwapTerminals(c.Session, loc, a.Term1, a.Term2); err != nil {
		return err
	}

	ref1 := registry.TermRef{Session: c.Session, Location: loc, Term: a.Term1}
	ref2 := registry.TermRef{Session: c.Session, Location: loc, Term: a.Term2}
	tmp := registry.TermRef{Session: c.Session, Location: loc, Term: -1}
	s.shares.Retarget(ref1, tmp)
	s.shares.Retarget(ref2, ref1)
	s.shares.Retarget(tmp, ref2)

	list := termMsg("terminals", map[string]any{"location": loc, "terminals": s.reg.ListTerminals(c.Session, loc)})
	for _, other := range s.hub.Conns("", c.Session) {
		if other.Location() != loc {
			continue
		}
		other.renumber(r1, a.Term2)
		other.renumber(r2, a.Term1)
		other.Send(list)
	}
	return nil
}

func (s *Server) resize(c *Conn, args json.RawMessage) error {
	var a struct {
		Rows int `json:"rows"`
		Cols int `json:"cols"`
	}
	if err := decode(args, &a); err != nil {
		return err
	}
	rec, _, err := s.target(c, args)
	if err != nil {
		return err
	}
	rows, cols := clamp(s.policy(c.User), a.Rows, a.Cols)
	return rec.Multiplex.Resize(rows, cols)
}

// writeChars sends keystrokes to a terminal. "c" carries a bare string for
// the focused terminal; write_chars also accepts {"term", "chars"}.
func (s *Server) writeChars(c *Conn, args json.RawMessage) error {
	var chars string
	if err := json.Unmarshal(args, &chars); err != nil {
		var a struct {
			Chars string `json:"chars"`
		}
		if err := decode(args, &a); err != nil {
			return err
		}
		chars = a.Chars
	}
	if chars == "" {
		return nil
	}
	rec, _, err := s.target(c, args)
	if err != nil {
		return err
	}
	return rec.Multiplex.Write([]byte(chars))
}

// refresh sends what changed since the last update, or everything for a
// terminal the connection is not yet watching.
func (s *Server) refresh(c *Conn, args json.RawMessage) error {
	return s.refreshTerm(c, args, false)
}

func (s *Server) fullRefresh(c *Conn, args json.RawMessage) error {
	return s.refreshTerm(c, args, true)
}

func (s *Server) refreshTerm(c *Conn, args json.RawMessage, full bool) error {
	rec, num, err := s.target(c, args)
	if err != nil {
		return err
	}
	sub, ok := c.viewing(rec)
	if !ok {
		c.attach(rec, num)
		return nil
	}
	rec.Multiplex.Refresh(sub.id, full)
	return nil
}

func (s *Server) manualTitle(c *Conn, args json.RawMessage) error {
	var a struct {
		Title string `json:"title"`
	}
	if err := decode(args, &a); err != nil {
		return err
	}
	rec, num, err := s.target(c, args)
	if err != nil {
		return err
	}
	title := rec.SetManualTitle(a.Title)
	s.hub.Deliver(termMsg("set_title", map[string]any{"term": num, "title": title}), "", c.Session)
	s.reg.Persist(c.Session)
	return nil
}

func (s *Server) resetTerminal(c *Conn, args json.RawMessage) error {
	rec, _, err := s.target(c, args)
	if err != nil {
		return err
	}
	rec.Multiplex.Terminal().Reset()
	return nil
}

func (s *Server) setEncoding(c *Conn, args json.RawMessage) error {
	var a struct {
		Encoding string `json:"encoding"`
	}
	if err := decode(args, &a); err != nil {
		return err
	}
	rec, num, err := s.target(c, args)
	if err != nil {
		return err
	}
	if err := rec.Multiplex.SetEncoding(a.Encoding); err != nil {
		return badRequest("%v", err)
	}
	c.Send(termMsg("encoding", map[string]any{"term": num, "encoding": rec.Multiplex.Encoding()}))
	s.reg.Persist(c.Session)
	return nil
}

var keyboardModes = map[string]bool{"default": true, "xterm": true, "sco": true, "linux": true}

func (s *Server) setKeyboardMode(c *Conn, args json.RawMessage) error {
	var a struct {
		Mode string `json:"mode"`
	}
	if err := decode(args, &a); err != nil {
		return err
	}
	if !keyboardModes[a.Mode] {
		return badRequest("unknown keyboard mode %q", a.Mode)
	}
	rec, num, err := s.target(c, args)
	if err != nil {
		return err
	}
	rec.SetKeyboardMode(a.Mode)
	c.Send(termMsg("keyboard_mode", map[string]any{"term": num, "mode": a.Mode}))
	s.reg.Persist(c.Session)
	return nil
}

func (s *Server) getLocations(c *Conn, _ json.RawMessage) error {
	out := make(map[string][]registry.TermSummary)
	for _, loc := range s.reg.Locations(c.Session) {
		out[loc] = s.reg.ListTerminals(c.Session, loc)
	}
	c.Send(termMsg("locations", map[string]any{"locations": out}))
	return nil
}

func (s *Server) getTerminals(c *Conn, _ json.RawMessage) error {
	loc := c.Location()
	c.Send(termMsg("terminals", map[string]any{"location": loc, "terminals": s.reg.ListTerminals(c.Session, loc)}))
	return nil
}

// captureDir is where capture files of a session are written.
func (s *Server) captureDir(sess string) string {
	if s.cfg.SessionDir == "" {
		return os.TempDir()
	}
	dir := filepath.Join(s.cfg.SessionDir, sess)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logger.Warnf("[Router] create %s: %v", dir, err)
		return os.TempDir()
	}
	return dir
}

func (s *Server) startCapture(c *Conn, args json.RawMessage) error {
	rec, num, err := s.target(c, args)
	if err != nil {
		return err
	}
	err = rec.Multiplex.StartCapture(s.captureDir(c.Session))
	if err != nil {
		logger.Warnf("[Router] start capture on %d for %s: %v", num, c.User.UPN, err)
	}
	c.Send(termMsg("start_capture", map[string]any{"term": num, "result": result(err)}))
	return nil
}

// stopCapture reads the capture file off the connection's goroutine and
// sends it in one message.
func (s *Server) stopCapture(c *Conn, args json.RawMessage) error {
	rec, num, err := s.target(c, args)
	if err != nil {
		return err
	}
	s.runner.Go(context.Background(), func(context.Context) (any, error) {
		return rec.Multiplex.StopCapture()
	}, func(res any, err error) {
		data, _ := res.(string)
		c.Send(termMsg("captured_data", map[string]any{"term": num, "data": data, "result": result(err)}))
	})
	return nil
}
