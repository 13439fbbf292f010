// Package registry tracks every user's terminals, grouped by session and
// location, and persists what is needed to resume detached terminals.
package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mordilloSan/go-logger/logger"

	"github.com/liftoff/GateOne-sub000/common/async"
	"github.com/liftoff/GateOne-sub000/common/golog"
	"github.com/liftoff/GateOne-sub000/common/session"
	"github.com/liftoff/GateOne-sub000/webserver/dtach"
	"github.com/liftoff/GateOne-sub000/webserver/multiplex"
)

var (
	ErrNotFound    = errors.New("terminal not found")
	ErrNotOwner    = errors.New("terminal belongs to another user")
	ErrSpawnFailed = errors.New("child spawn failed")
)

// DefaultLocation is used when a client does not name one.
const DefaultLocation = "default"

// Config holds server-wide terminal settings.
type Config struct {
	GODir       string
	SettingsDir string
	SessionDir  string
	UserDir     string

	// Dtach runs terminals under detachable daemons started from Exe.
	Dtach bool
	Exe   string

	SessionLogging bool
	SyslogLogging  bool

	Term           string
	Scrollback     int
	Rate           multiplex.RateConfig
	RedrawOnResize bool

	// Runner serializes term_settings.json writes per session.
	Runner *async.Runner
	// Start overrides how children are started.
	Start multiplex.Starter
}

// TermSettings describes a terminal to open.
type TermSettings struct {
	// Term requests a specific number; 0 allocates the next one.
	Term int
	User session.User
	// Command is the short name and CommandLine the template it maps to.
	Command     string
	CommandLine string
	Rows, Cols  int
	Encoding    string
	Env         map[string]string
	Metadata    map[string]string
}

// Location is a named group of terminals within a session.
type Location struct {
	Name  string
	Terms map[int]*TermRecord
	// high is the largest number ever handed out here.
	high int
}

func (l *Location) next() int {
	n := l.high
	for k := range l.Terms {
		n = max(n, k)
	}
	return n + 1
}

func (l *Location) put(num int, rec *TermRecord) {
	l.Terms[num] = rec
	l.high = max(l.high, num)
}

type sessionTerms struct {
	locations map[string]*Location
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*sessionTerms
	ids      map[*TermRecord]string
	onExit   []func(TermRef, *TermRecord)
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.Term == "" {
		cfg.Term = "xterm-256color"
	}
	if cfg.Runner == nil {
		cfg.Runner = async.NewRunner("registry", 2)
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*sessionTerms),
		ids:      make(map[*TermRecord]string),
	}
}

// Config returns the registry configuration.
func (r *Registry) Config() Config { return r.cfg }

func (r *Registry) location(sess, loc string, create bool) *Location {
	st := r.sessions[sess]
	if st == nil {
		if !create {
			return nil
		}
		st = &sessionTerms{locations: make(map[string]*Location)}
		r.sessions[sess] = st
	}
	l := st.locations[loc]
	if l == nil && create {
		l = &Location{Name: loc, Terms: make(map[int]*TermRecord)}
		st.locations[loc] = l
	}
	return l
}

// NewTerminal opens a terminal in (sess, loc). When settings.Term names an
// existing terminal owned by the same user it is returned with existed set.
func (r *Registry) NewTerminal(sess, loc string, ts TermSettings) (num int, existed bool, err error) {
	if loc == "" {
		loc = DefaultLocation
	}
	upn := ts.User.UPN

	r.mu.Lock()
	l := r.location(sess, loc, true)
	if ts.Term > 0 {
		if rec, ok := l.Terms[ts.Term]; ok {
			r.mu.Unlock()
			if rec.Owner != upn && !rec.Viewer() {
				return 0, false, ErrNotOwner
			}
			return ts.Term, true, nil
		}
		num = ts.Term
	} else {
		num = l.next()
	}

	socket := ""
	if r.cfg.Dtach && r.cfg.SessionDir != "" {
		socket = dtach.SocketPath(r.cfg.SessionDir, sess, loc, num)
	}
	m := multiplex.New(multiplex.Config{
		Command: multiplex.Command{
			Line: r.expand(ts.CommandLine, sess, upn),
			Env:  r.environment(sess, loc, num, upn, ts.Env),
		},
		User:           upn,
		Rows:           ts.Rows,
		Cols:           ts.Cols,
		Scrollback:     r.cfg.Scrollback,
		TempDir:        r.userSessionDir(sess),
		Encoding:       ts.Encoding,
		Rate:           r.cfg.Rate,
		Start:          r.starter(socket),
		RedrawOnResize: r.cfg.RedrawOnResize,
	})
	rec := &TermRecord{
		Multiplex: m,
		Owner:     upn,
		Created:   time.Now(),
		Command:   ts.Command,
		Socket:    socket,
		metadata:  maps.Clone(ts.Metadata),
	}
	l.put(num, rec)
	r.ids[rec] = newRecordID()
	r.mu.Unlock()

	r.watch(rec)
	rows, cols := m.Terminal().Size()
	if r.cfg.SessionLogging && r.cfg.UserDir != "" && upn != "" {
		m.EnableLogging(golog.NewWriter(r.logPath(upn, ts.User.IP), golog.Metadata{
			User:    upn,
			Rows:    rows,
			Cols:    cols,
			Command: ts.Command,
		}))
	}
	if r.cfg.SyslogLogging {
		m.EnableJournal(map[string]string{
			"GO_USER":     upn,
			"GO_SESSION":  sess,
			"GO_LOCATION": loc,
			"GO_TERM":     strconv.Itoa(num),
		})
	}

	pid, err := m.Spawn(rows, cols, nil)
	if err != nil {
		r.mu.Lock()
		if l.Terms[num] == rec {
			delete(l.Terms, num)
		}
		delete(r.ids, rec)
		r.mu.Unlock()
		m.Terminate()
		logger.Warnf("[Registry] spawn %q for %s failed: %v", ts.Command, upn, err)
		return 0, false, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	logger.Infof("[Registry] %s opened %s/%d (pid=%d, %s)", upn, loc, num, pid, ts.Command)
	r.Persist(sess)
	return num, false, nil
}

func (r *Registry) starter(socket string) multiplex.Starter {
	switch {
	case r.cfg.Start != nil:
		return r.cfg.Start
	case socket != "":
		return dtach.Starter(r.cfg.Exe, socket)
	default:
		return multiplex.StartPTY
	}
}

// watch keeps the record's title current and drops every record of the
// multiplex when its program exits.
func (r *Registry) watch(rec *TermRecord) {
	r.mu.Lock()
	id := r.ids[rec]
	r.mu.Unlock()
	m := rec.Multiplex
	m.AddCallback(multiplex.EventTitle, id, func(ev multiplex.Event) {
		if rec.SetTitle(ev.Title) {
			if ref, ok := r.Find(rec); ok {
				r.Persist(ref.Session)
			}
		}
	})
	if rec.Viewer() {
		return
	}
	m.AddCallback(multiplex.EventExit, id, func(multiplex.Event) {
		dropped := r.dropMultiplex(m)
		r.mu.Lock()
		hooks := slices.Clone(r.onExit)
		r.mu.Unlock()
		for _, d := range dropped {
			r.Persist(d.ref.Session)
			for _, fn := range hooks {
				fn(d.ref, d.rec)
			}
		}
	})
}

// OnExit registers fn to run for every record dropped because its program
// exited.
func (r *Registry) OnExit(fn func(TermRef, *TermRecord)) {
	r.mu.Lock()
	r.onExit = append(r.onExit, fn)
	r.mu.Unlock()
}

type droppedRecord struct {
	ref TermRef
	rec *TermRecord
}

func (r *Registry) dropMultiplex(m *multiplex.Multiplex) []droppedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []droppedRecord
	for sid, st := range r.sessions {
		for name, l := range st.locations {
			for num, rec := range l.Terms {
				if rec.Multiplex == m {
					delete(l.Terms, num)
					delete(r.ids, rec)
					out = append(out, droppedRecord{TermRef{Session: sid, Location: name, Term: num}, rec})
				}
			}
		}
	}
	return out
}

// Get returns a record.
func (r *Registry) Get(sess, loc string, term int) (*TermRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.location(sess, loc, false)
	if l == nil {
		return nil, ErrNotFound
	}
	rec, ok := l.Terms[term]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Lookup is Get by reference.
func (r *Registry) Lookup(ref TermRef) (*TermRecord, error) {
	return r.Get(ref.Session, ref.Location, ref.Term)
}

// Find returns where rec currently lives.
func (r *Registry) Find(rec *TermRecord) (TermRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, st := range r.sessions {
		for name, l := range st.locations {
			for num, x := range l.Terms {
				if x == rec {
					return TermRef{Session: sid, Location: name, Term: num}, true
				}
			}
		}
	}
	return TermRef{}, false
}

// Records returns every record backed by m.
func (r *Registry) Records(m *multiplex.Multiplex) []TermRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	var refs []TermRef
	for sid, st := range r.sessions {
		for name, l := range st.locations {
			for num, rec := range l.Terms {
				if rec.Multiplex == m {
					refs = append(refs, TermRef{Session: sid, Location: name, Term: num})
				}
			}
		}
	}
	return refs
}

// KillTerminal stops the program of an owned terminal. Viewer records are
// only removed.
func (r *Registry) KillTerminal(sess, loc string, term int) error {
	rec, err := r.Remove(sess, loc, term)
	if err != nil {
		return err
	}
	if !rec.Viewer() {
		rec.Multiplex.Terminate()
		logger.Infof("[Registry] killed %s/%d of %s", loc, term, rec.Owner)
	}
	return nil
}

// Remove takes a record out of its location without touching the program.
func (r *Registry) Remove(sess, loc string, term int) (*TermRecord, error) {
	r.mu.Lock()
	l := r.location(sess, loc, false)
	if l == nil {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	rec, ok := l.Terms[term]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(l.Terms, term)
	id := r.ids[rec]
	delete(r.ids, rec)
	r.mu.Unlock()
	if rec.Viewer() {
		rec.Multiplex.RemoveCallback(multiplex.EventTitle, id)
	}
	r.Persist(sess)
	return rec, nil
}

// MoveTerminal moves a record to another location of the same session and
// returns its number there.
func (r *Registry) MoveTerminal(sess, from, to string, term int) (int, error) {
	if to == "" {
		to = DefaultLocation
	}
	r.mu.Lock()
	src := r.location(sess, from, false)
	if src == nil || src.Terms[term] == nil {
		r.mu.Unlock()
		return 0, ErrNotFound
	}
	rec := src.Terms[term]
	if from == to {
		r.mu.Unlock()
		return term, nil
	}
	dst := r.location(sess, to, true)
	num := dst.next()
	delete(src.Terms, term)
	dst.put(num, rec)
	r.mu.Unlock()
	r.Persist(sess)
	return num, nil
}

// SwapTerminals exchanges the numbers of two terminals.
func (r *Registry) SwapTerminals(sess, loc string, a, b int) error {
	r.mu.Lock()
	l := r.location(sess, loc, false)
	if l == nil || l.Terms[a] == nil || l.Terms[b] == nil {
		r.mu.Unlock()
		return ErrNotFound
	}
	l.Terms[a], l.Terms[b] = l.Terms[b], l.Terms[a]
	r.mu.Unlock()
	r.Persist(sess)
	return nil
}

// ListTerminals summarizes a location, ordered by number.
func (r *Registry) ListTerminals(sess, loc string) []TermSummary {
	r.mu.Lock()
	l := r.location(sess, loc, false)
	if l == nil {
		r.mu.Unlock()
		return []TermSummary{}
	}
	recs := maps.Clone(l.Terms)
	r.mu.Unlock()

	out := make([]TermSummary, 0, len(recs))
	for _, num := range slices.Sorted(maps.Keys(recs)) {
		out = append(out, recs[num].summary(num))
	}
	return out
}

// Locations lists the location names of a session.
func (r *Registry) Locations(sess string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.sessions[sess]
	if st == nil {
		return []string{}
	}
	return slices.Sorted(maps.Keys(st.locations))
}

// Count returns how many terminals upn owns across all sessions.
func (r *Registry) Count(upn string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.sessions {
		for _, l := range st.locations {
			for _, rec := range l.Terms {
				if rec.Owner == upn && !rec.Viewer() {
					n++
				}
			}
		}
	}
	return n
}

// AttachRecord places a viewer record for an existing multiplex into
// (sess, loc) and returns its number.
func (r *Registry) AttachRecord(sess, loc string, rec *TermRecord) int {
	if loc == "" {
		loc = DefaultLocation
	}
	r.mu.Lock()
	l := r.location(sess, loc, true)
	num := l.next()
	l.put(num, rec)
	r.ids[rec] = newRecordID()
	r.mu.Unlock()
	rec.SetTitle(rec.Multiplex.Title())
	r.watch(rec)
	return num
}

// KillSession stops every owned terminal of a session and forgets it.
func (r *Registry) KillSession(sess string) {
	for _, rec := range r.takeSession(sess) {
		if !rec.Viewer() {
			rec.Multiplex.Terminate()
		}
	}
	if r.cfg.Dtach && r.cfg.SessionDir != "" {
		r.cfg.Runner.CallSingleton(context.Background(), persistKey(sess), func(context.Context) (any, error) {
			return nil, removeState(r.statePath(sess))
		}, nil)
	}
	logger.Infof("[Registry] session %s killed", shortID(sess))
}

// DetachSession releases the terminals of a session for server shutdown:
// dtach terminals keep running, others are stopped.
func (r *Registry) DetachSession(sess string) {
	for _, rec := range r.takeSession(sess) {
		switch {
		case rec.Viewer():
		case rec.Socket != "":
			rec.Multiplex.Detach()
		default:
			rec.Multiplex.Terminate()
		}
	}
}

func (r *Registry) takeSession(sess string) []*TermRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.sessions[sess]
	if st == nil {
		return nil
	}
	delete(r.sessions, sess)
	var recs []*TermRecord
	for _, l := range st.locations {
		for _, rec := range l.Terms {
			recs = append(recs, rec)
			delete(r.ids, rec)
		}
	}
	return recs
}

// Sessions lists the ids of sessions with state in the registry.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.sessions))
}

func (r *Registry) userSessionDir(sess string) string {
	if r.cfg.SessionDir == "" {
		return ""
	}
	return filepath.Join(r.cfg.SessionDir, sess)
}

func (r *Registry) logPath(upn, ip string) string {
	name := time.Now().Format("20060102150405") + ip + ".golog"
	return filepath.Join(r.cfg.UserDir, upn, "logs", name)
}

// newRecordID names a record's callbacks on its multiplex.
func newRecordID() string { return "registry:" + uuid.NewString() }

func shortID(sess string) string {
	if len(sess) > 8 {
		return sess[:8]
	}
	return sess
}
