package registry

import (
	"maps"
	"sync"
	"time"

	"github.com/liftoff/GateOne-sub000/webserver/multiplex"
)

// TermRef addresses a terminal record.
type TermRef struct {
	Session  string `json:"session"`
	Location string `json:"location"`
	Term     int    `json:"term"`
}

// TermRecord is one terminal in a location. Viewer records created by
// sharing point at another user's multiplex.
type TermRecord struct {
	Multiplex *multiplex.Multiplex
	Owner     string
	Created   time.Time
	Command   string
	Socket    string
	// Origin is the owner's record when this one was attached through a share.
	Origin *TermRef

	mu           sync.Mutex
	title        string
	manualTitle  bool
	metadata     map[string]string
	shareID      string
	keyboardMode string
}

// Viewer reports whether the record was attached through a share.
func (r *TermRecord) Viewer() bool { return r.Origin != nil }

// Title is the manual title if one is set, else the program's title.
func (r *TermRecord) Title() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.title
}

// SetTitle records a program title; it is ignored while a manual title is set.
func (r *TermRecord) SetTitle(t string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manualTitle || r.title == t {
		return false
	}
	r.title = t
	return true
}

// SetManualTitle pins the title. An empty title unpins it and falls back to
// the program title.
func (r *TermRecord) SetManualTitle(t string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t == "" {
		r.manualTitle = false
		if r.Multiplex != nil {
			r.title = r.Multiplex.Title()
		}
		return r.title
	}
	r.manualTitle = true
	r.title = t
	return t
}

func (r *TermRecord) ManualTitle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manualTitle
}

func (r *TermRecord) Metadata() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.metadata)
}

func (r *TermRecord) SetMetadata(md map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metadata == nil {
		r.metadata = make(map[string]string, len(md))
	}
	maps.Copy(r.metadata, md)
}

func (r *TermRecord) ShareID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shareID
}

func (r *TermRecord) SetShareID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shareID = id
}

func (r *TermRecord) KeyboardMode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keyboardMode == "" {
		return "default"
	}
	return r.keyboardMode
}

func (r *TermRecord) SetKeyboardMode(m string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyboardMode = m
}

// TermSummary is the listing form of a record.
type TermSummary struct {
	Term     int               `json:"term"`
	Title    string            `json:"title"`
	Metadata map[string]string `json:"metadata,omitempty"`
	ShareID  string            `json:"share_id,omitempty"`
	Command  string            `json:"command,omitempty"`
	Owner    string            `json:"owner"`
	Shared   bool              `json:"shared,omitempty"`
}

func (r *TermRecord) summary(num int) TermSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return TermSummary{
		Term:     num,
		Title:    r.title,
		Metadata: maps.Clone(r.metadata),
		ShareID:  r.shareID,
		Command:  r.Command,
		Owner:    r.Owner,
		Shared:   r.Origin != nil,
	}
}

// state is the persisted form of a record in term_settings.json.
type state struct {
	Title        string            `json:"title"`
	ManualTitle  bool              `json:"manual_title,omitempty"`
	Encoding     string            `json:"encoding"`
	KeyboardMode string            `json:"keyboard_mode"`
	Command      string            `json:"command"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Owner        string            `json:"owner"`
	Socket       string            `json:"socket,omitempty"`
	Rows         int               `json:"rows"`
	Cols         int               `json:"cols"`
}

func (r *TermRecord) state() state {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := state{
		Title:        r.title,
		ManualTitle:  r.manualTitle,
		KeyboardMode: r.keyboardMode,
		Command:      r.Command,
		Metadata:     maps.Clone(r.metadata),
		Owner:        r.Owner,
		Socket:       r.Socket,
	}
	if st.KeyboardMode == "" {
		st.KeyboardMode = "default"
	}
	if r.Multiplex != nil {
		st.Encoding = r.Multiplex.Encoding()
		st.Rows, st.Cols = r.Multiplex.Terminal().Size()
	}
	return st
}
