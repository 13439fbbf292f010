// Package sharing lets terminal owners grant other users, or anonymous
// broadcast viewers, read and write access to a running terminal.
package sharing

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mordilloSan/go-logger/logger"
	"github.com/skip2/go-qrcode"

	"github.com/liftoff/GateOne-sub000/common/session"
	"github.com/liftoff/GateOne-sub000/webserver/registry"
)

// Symbolic scopes usable in read and write lists.
const (
	Anonymous     = "ANONYMOUS"
	Authenticated = "AUTHENTICATED"
)

var (
	ErrNotFound         = errors.New("share not found")
	ErrShareIDInUse     = errors.New("share-id-in-use")
	ErrPermissionDenied = errors.New("permission-denied")
	ErrBadPassword      = errors.New("bad share password")
	ErrInvalidID        = errors.New("invalid share id")
)

var validID = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,63}$`)

// Config configures the share manager.
type Config struct {
	// Path is the shares.json file; empty keeps shares in memory only.
	Path string
	// BroadcastBase prefixes broadcast URLs, e.g. https://host:10443.
	BroadcastBase string
}

// Permissions is what an owner grants. Password nil leaves the current
// password unchanged; an empty string removes it.
type Permissions struct {
	Read      []string `json:"read"`
	Write     []string `json:"write"`
	Broadcast bool     `json:"broadcast"`
	Password  *string  `json:"password,omitempty"`
}

// Viewer is a user attached to a share through one of their terminal records.
type Viewer struct {
	User     session.User      `json:"user"`
	Record   registry.TermRef  `json:"record"`
	Attached time.Time         `json:"attached"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Share is a snapshot of one shared terminal.
type Share struct {
	ID           string           `json:"share_id"`
	Owner        string           `json:"owner"`
	Term         registry.TermRef `json:"term"`
	Read         []string         `json:"read"`
	Write        []string         `json:"write"`
	Broadcast    bool             `json:"broadcast"`
	BroadcastURL string           `json:"broadcast_url,omitempty"`
	PasswordHash string           `json:"password_hash,omitempty"`
	Created      time.Time        `json:"created"`
	Viewers      []Viewer         `json:"-"`
}

// HasPassword reports whether attaching requires a password.
func (s *Share) HasPassword() bool { return s.PasswordHash != "" }

func (s *Share) clone() *Share {
	c := *s
	c.Read = slices.Clone(s.Read)
	c.Write = slices.Clone(s.Write)
	c.Viewers = slices.Clone(s.Viewers)
	return &c
}

func (s *Share) empty() bool {
	return len(s.Read) == 0 && len(s.Write) == 0 && !s.Broadcast
}

// Summary is the listing form shown to users who can see a share.
type Summary struct {
	ID          string `json:"share_id"`
	Owner       string `json:"owner"`
	Title       string `json:"title,omitempty"`
	Read        bool   `json:"read"`
	Write       bool   `json:"write"`
	Broadcast   bool   `json:"broadcast"`
	HasPassword bool   `json:"has_password"`
	Viewers     int    `json:"viewers"`
}

// Manager holds every share of the process.
type Manager struct {
	cfg    Config
	saveMu sync.Mutex

	mu     sync.Mutex
	shares map[string]*Share
	byTerm map[registry.TermRef]string
}

// New creates a manager, loading persisted shares from cfg.Path.
func New(cfg Config) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		shares: make(map[string]*Share),
		byTerm: make(map[registry.TermRef]string),
	}
	if cfg.Path == "" {
		return m, nil
	}
	shares, err := load(cfg.Path)
	if err != nil {
		return nil, err
	}
	for _, s := range shares {
		m.shares[s.ID] = s
		m.byTerm[s.Term] = s.ID
	}
	if len(shares) > 0 {
		logger.Infof("[Sharing] loaded %d share(s) from %s", len(shares), cfg.Path)
	}
	return m, nil
}

// CanRead reports whether u may view s.
func CanRead(s *Share, u session.User) bool {
	if u.UPN != "" && u.UPN == s.Owner {
		return true
	}
	return s.Broadcast || allowed(s.Read, u) || allowed(s.Write, u)
}

// CanWrite reports whether u may type into s.
func CanWrite(s *Share, u session.User) bool {
	if u.UPN != "" && u.UPN == s.Owner {
		return true
	}
	return allowed(s.Write, u)
}

func allowed(acl []string, u session.User) bool {
	for _, a := range acl {
		switch a {
		case Anonymous:
			return true
		case Authenticated:
			if u.Authenticated() {
				return true
			}
		default:
			if u.Authenticated() && a == u.UPN {
				return true
			}
		}
	}
	return false
}

// normalize trims, dedups and upper-cases scope names. Write grants are
// added to read.
func normalize(p Permissions) (read, write []string) {
	clean := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, v := range in {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if up := strings.ToUpper(v); up == Anonymous || up == Authenticated {
				v = up
			}
			if !slices.Contains(out, v) {
				out = append(out, v)
			}
		}
		return out
	}
	write = clean(p.Write)
	read = clean(append(slices.Clone(p.Read), write...))
	return read, write
}

// NewShareID assigns an id to the owner's terminal. With desired empty an
// existing id is kept or a new two-word id generated.
func (m *Manager) NewShareID(owner string, ref registry.TermRef, desired string) (string, error) {
	desired = strings.ToLower(strings.TrimSpace(desired))
	if desired != "" && !validID.MatchString(desired) {
		return "", ErrInvalidID
	}

	m.mu.Lock()
	cur, has := m.byTerm[ref]
	if has && m.shares[cur].Owner != owner {
		m.mu.Unlock()
		return "", ErrPermissionDenied
	}
	switch {
	case desired == "" && has:
		m.mu.Unlock()
		return cur, nil
	case desired != "" && has && desired == cur:
		m.mu.Unlock()
		return cur, nil
	case desired != "":
		if _, taken := m.shares[desired]; taken {
			m.mu.Unlock()
			return "", ErrShareIDInUse
		}
	default:
		id, err := m.generateLocked()
		if err != nil {
			m.mu.Unlock()
			return "", err
		}
		desired = id
	}

	if has {
		s := m.shares[cur]
		delete(m.shares, cur)
		s.ID = desired
		s.BroadcastURL = m.broadcastURL(s)
		m.shares[desired] = s
	} else {
		m.shares[desired] = &Share{ID: desired, Owner: owner, Term: ref, Created: time.Now()}
	}
	m.byTerm[ref] = desired
	m.mu.Unlock()

	logger.Infof("[Sharing] %s shared %s/%d as %q", owner, ref.Location, ref.Term, desired)
	m.save()
	return desired, nil
}

func (m *Manager) generateLocked() (string, error) {
	n := big.NewInt(int64(len(words)))
	for range 100 {
		a, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		b, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		if a.Cmp(b) == 0 {
			continue
		}
		id := words[a.Int64()] + "-" + words[b.Int64()]
		if _, taken := m.shares[id]; !taken {
			return id, nil
		}
	}
	return "", errors.New("could not allocate a share id")
}

func (m *Manager) broadcastURL(s *Share) string {
	if !s.Broadcast {
		return ""
	}
	return strings.TrimRight(m.cfg.BroadcastBase, "/") + "/terminal/shared/" + s.ID
}

// SetPermissions replaces the grants of the owner's terminal, creating the
// share when needed. It returns the updated share, or nil when the change
// removed every grant, and the viewers that lost read access.
func (m *Manager) SetPermissions(owner string, ref registry.TermRef, p Permissions) (*Share, []Viewer, error) {
	var hash string
	if p.Password != nil && *p.Password != "" {
		h, err := HashPassword(*p.Password)
		if err != nil {
			return nil, nil, fmt.Errorf("hash password: %w", err)
		}
		hash = h
	}

	m.mu.Lock()
	id, has := m.byTerm[ref]
	var s *Share
	if has {
		s = m.shares[id]
		if s.Owner != owner {
			m.mu.Unlock()
			return nil, nil, ErrPermissionDenied
		}
	} else {
		newID, err := m.generateLocked()
		if err != nil {
			m.mu.Unlock()
			return nil, nil, err
		}
		s = &Share{ID: newID, Owner: owner, Term: ref, Created: time.Now()}
	}

	s.Read, s.Write = normalize(p)
	s.Broadcast = p.Broadcast
	s.BroadcastURL = m.broadcastURL(s)
	if p.Password != nil {
		s.PasswordHash = hash
	}

	var revoked []Viewer
	kept := s.Viewers[:0]
	for _, v := range s.Viewers {
		if s.empty() || !CanRead(s, v.User) {
			revoked = append(revoked, v)
		} else {
			kept = append(kept, v)
		}
	}
	s.Viewers = kept

	var out *Share
	if s.empty() {
		if has {
			delete(m.shares, id)
			delete(m.byTerm, ref)
		}
	} else {
		m.shares[s.ID] = s
		m.byTerm[ref] = s.ID
		out = s.clone()
	}
	m.mu.Unlock()

	if out == nil {
		logger.Infof("[Sharing] %s stopped sharing %s/%d", owner, ref.Location, ref.Term)
	} else {
		logger.InfoKV("share permissions updated", "share", out.ID, "read", strings.Join(out.Read, ","),
			"write", strings.Join(out.Write, ","), "broadcast", out.Broadcast)
	}
	m.save()
	return out, revoked, nil
}

// Attach checks that u may view share id. The caller creates the viewer's
// record and registers it with AddViewer.
func (m *Manager) Attach(id string, u session.User, password string) (*Share, error) {
	m.mu.Lock()
	s, ok := m.shares[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	s = s.clone()
	m.mu.Unlock()

	if !CanRead(s, u) {
		return nil, ErrPermissionDenied
	}
	if s.HasPassword() && u.UPN != s.Owner && !CheckPassword(password, s.PasswordHash) {
		return nil, ErrBadPassword
	}
	return s, nil
}

// AddViewer records that v is watching share id.
func (m *Manager) AddViewer(id string, v Viewer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[id]
	if !ok {
		return ErrNotFound
	}
	if v.Attached.IsZero() {
		v.Attached = time.Now()
	}
	s.Viewers = append(s.Viewers, v)
	return nil
}

// Detach forgets the viewer attached through record.
func (m *Manager) Detach(id string, record registry.TermRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[id]
	if !ok {
		return false
	}
	for i, v := range s.Viewers {
		if v.Record == record {
			s.Viewers = slices.Delete(s.Viewers, i, i+1)
			return true
		}
	}
	return false
}

// Get returns a snapshot of share id.
func (m *Manager) Get(id string) (*Share, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[id]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// ForTerm returns the share of an owner's terminal.
func (m *Manager) ForTerm(ref registry.TermRef) (*Share, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTerm[ref]
	if !ok {
		return nil, false
	}
	return m.shares[id].clone(), true
}

// Viewers lists who is attached to share id.
func (m *Manager) Viewers(id string) []Viewer {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[id]
	if !ok {
		return nil
	}
	return slices.Clone(s.Viewers)
}

// ListForUser returns the shares u can see, excluding u's own.
func (m *Manager) ListForUser(u session.User, title func(registry.TermRef) string) []Summary {
	m.mu.Lock()
	var visible []*Share
	for _, s := range m.shares {
		if s.Owner != u.UPN && CanRead(s, u) {
			visible = append(visible, s.clone())
		}
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(visible))
	for _, s := range visible {
		sum := Summary{
			ID:          s.ID,
			Owner:       s.Owner,
			Read:        true,
			Write:       CanWrite(s, u),
			Broadcast:   s.Broadcast,
			HasPassword: s.HasPassword(),
			Viewers:     len(s.Viewers),
		}
		if title != nil {
			sum.Title = title(s.Term)
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns a snapshot of every share.
func (m *Manager) All() []*Share {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Share, 0, len(m.shares))
	for _, s := range m.shares {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveForTerm drops the share of a terminal that went away and returns its
// viewers.
func (m *Manager) RemoveForTerm(ref registry.TermRef) []Viewer {
	m.mu.Lock()
	id, ok := m.byTerm[ref]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	s := m.shares[id]
	delete(m.shares, id)
	delete(m.byTerm, ref)
	m.mu.Unlock()
	m.save()
	return s.Viewers
}

// Retarget follows an owner's terminal that moved to a new reference.
func (m *Manager) Retarget(from, to registry.TermRef) {
	m.mu.Lock()
	id, ok := m.byTerm[from]
	if ok {
		delete(m.byTerm, from)
		m.byTerm[to] = id
		m.shares[id].Term = to
	}
	m.mu.Unlock()
	if ok {
		m.save()
	}
}

// QRCode renders the broadcast URL of share id as a PNG.
func (m *Manager) QRCode(id string, size int) ([]byte, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if s.BroadcastURL == "" {
		return nil, fmt.Errorf("share %q is not broadcast", id)
	}
	png, err := qrcode.Encode(s.BroadcastURL, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("generate QR code: %w", err)
	}
	return png, nil
}

// QRDataURI is QRCode as a data: URI for embedding in messages.
func (m *Manager) QRDataURI(id string) (string, error) {
	png, err := m.QRCode(id, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
