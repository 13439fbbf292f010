package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mordilloSan/go-logger/logger"

	"github.com/liftoff/GateOne-sub000/webserver/dtach"
	"github.com/liftoff/GateOne-sub000/webserver/multiplex"
)

// StateFile is the per-session file holding restorable terminal state.
const StateFile = "term_settings.json"

// sessionState maps location -> term number (as a string) -> state.
type sessionState map[string]map[string]state

func persistKey(sess string) string { return "term_settings:" + sess }

func (r *Registry) statePath(sess string) string {
	return filepath.Join(r.cfg.SessionDir, sess, StateFile)
}

// Persist schedules a write of the session's term_settings.json. Writes for
// the same session never interleave. It is a no-op unless dtach is enabled.
func (r *Registry) Persist(sess string) {
	if !r.cfg.Dtach || r.cfg.SessionDir == "" {
		return
	}
	r.cfg.Runner.CallSingleton(context.Background(), persistKey(sess), func(context.Context) (any, error) {
		// snapshot when the write runs so queued writes see the latest state
		return nil, writeState(r.statePath(sess), r.snapshot(sess))
	}, func(_ any, err error) {
		if err != nil {
			logger.Warnf("[Registry] persist %s: %v", shortID(sess), err)
		}
	})
}

// Flush waits for pending persistence writes.
func (r *Registry) Flush() { r.cfg.Runner.Wait() }

func (r *Registry) snapshot(sess string) sessionState {
	r.mu.Lock()
	st := r.sessions[sess]
	type entry struct {
		loc string
		num int
		rec *TermRecord
	}
	var recs []entry
	if st != nil {
		for name, l := range st.locations {
			for num, rec := range l.Terms {
				if !rec.Viewer() {
					recs = append(recs, entry{name, num, rec})
				}
			}
		}
	}
	r.mu.Unlock()

	out := sessionState{}
	for _, e := range recs {
		if out[e.loc] == nil {
			out[e.loc] = map[string]state{}
		}
		out[e.loc][strconv.Itoa(e.num)] = e.rec.state()
	}
	return out
}

func writeState(path string, st sessionState) error {
	if len(st) == 0 {
		return removeState(path)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func removeState(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func readState(path string) (sessionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st sessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return st, nil
}

// Restore recreates upn's terminals of a session from term_settings.json,
// reattaching to the dtach daemons that are still alive. Entries whose daemon
// is gone are dropped. It returns the number of restored terminals.
func (r *Registry) Restore(sess, upn string) (int, error) {
	if !r.cfg.Dtach || r.cfg.SessionDir == "" {
		return 0, nil
	}
	st, err := readState(r.statePath(sess))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	restored, dropped := 0, 0
	for loc, terms := range st {
		for key, s := range terms {
			num, err := strconv.Atoi(key)
			if err != nil || num <= 0 || s.Owner != upn || s.Socket == "" {
				continue
			}
			if _, err := r.Get(sess, loc, num); err == nil {
				continue
			}
			if !dtach.Alive(s.Socket) {
				logger.Debugf("[Registry] %s/%d of %s has no daemon, dropping", loc, num, shortID(sess))
				dropped++
				continue
			}
			if err := r.reattach(sess, loc, num, s); err != nil {
				logger.Warnf("[Registry] reattach %s/%d: %v", loc, num, err)
				dropped++
				continue
			}
			restored++
		}
	}
	if restored+dropped > 0 {
		r.Persist(sess)
	}
	if restored > 0 {
		logger.Infof("[Registry] restored %d terminal(s) for %s", restored, upn)
	}
	return restored, nil
}

func (r *Registry) reattach(sess, loc string, num int, s state) error {
	start := r.cfg.Start
	if start == nil {
		start = dtach.Starter(r.cfg.Exe, s.Socket)
	}
	m := multiplex.New(multiplex.Config{
		User:           s.Owner,
		Rows:           s.Rows,
		Cols:           s.Cols,
		Scrollback:     r.cfg.Scrollback,
		TempDir:        r.userSessionDir(sess),
		Encoding:       s.Encoding,
		Rate:           r.cfg.Rate,
		Start:          start,
		RedrawOnResize: r.cfg.RedrawOnResize,
	})
	rec := &TermRecord{
		Multiplex:    m,
		Owner:        s.Owner,
		Created:      m.LastActivity(),
		Command:      s.Command,
		Socket:       s.Socket,
		title:        s.Title,
		manualTitle:  s.ManualTitle,
		metadata:     s.Metadata,
		keyboardMode: s.KeyboardMode,
	}
	rows, cols := m.Terminal().Size()
	if _, err := m.Spawn(rows, cols, nil); err != nil {
		m.Terminate()
		return err
	}

	r.mu.Lock()
	l := r.location(sess, loc, true)
	if _, taken := l.Terms[num]; taken {
		r.mu.Unlock()
		m.Detach()
		return fmt.Errorf("term %d already in use", num)
	}
	l.put(num, rec)
	r.ids[rec] = newRecordID()
	r.mu.Unlock()
	r.watch(rec)
	return nil
}
