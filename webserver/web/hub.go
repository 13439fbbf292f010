package web

import (
	"sort"
	"sync"

	"github.com/liftoff/GateOne-sub000/common/session"
)

// Hub indexes live connections by user and by session.
type Hub struct {
	mu        sync.RWMutex
	byUPN     map[string]map[*Conn]struct{}
	bySession map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		byUPN:     make(map[string]map[*Conn]struct{}),
		bySession: make(map[string]map[*Conn]struct{}),
	}
}

func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	add(h.byUPN, c.User.UPN, c)
	add(h.bySession, c.Session, c)
}

func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	remove(h.byUPN, c.User.UPN, c)
	remove(h.bySession, c.Session, c)
}

func add(idx map[string]map[*Conn]struct{}, key string, c *Conn) {
	set := idx[key]
	if set == nil {
		set = make(map[*Conn]struct{})
		idx[key] = set
	}
	set[c] = struct{}{}
}

func remove(idx map[string]map[*Conn]struct{}, key string, c *Conn) {
	set := idx[key]
	delete(set, c)
	if len(set) == 0 {
		delete(idx, key)
	}
}

// Conns returns the connections matching upn and sess. Empty filters match
// everything.
func (h *Hub) Conns(upn, sess string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Conn
	switch {
	case sess != "":
		for c := range h.bySession[sess] {
			if upn == "" || c.User.UPN == upn {
				out = append(out, c)
			}
		}
	case upn != "":
		for c := range h.byUPN[upn] {
			out = append(out, c)
		}
	default:
		for _, set := range h.bySession {
			for c := range set {
				out = append(out, c)
			}
		}
	}
	return out
}

// Deliver sends msg to every connection of upn and/or sess and returns how
// many were reached.
func (h *Hub) Deliver(msg Message, upn, sess string) int {
	conns := h.Conns(upn, sess)
	for _, c := range conns {
		c.Send(msg)
	}
	return len(conns)
}

// Users returns one entry per connected user, sorted by UPN.
func (h *Hub) Users() []session.User {
	h.mu.RLock()
	out := make([]session.User, 0, len(h.byUPN))
	for _, set := range h.byUPN {
		for c := range set {
			out = append(out, c.User)
			break
		}
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UPN < out[j].UPN })
	return out
}

// CloseSession disconnects every connection of sess.
func (h *Hub) CloseSession(sess string, code int, reason string) {
	for _, c := range h.Conns("", sess) {
		c.close(code, reason)
	}
}

// CloseAll disconnects everyone.
func (h *Hub) CloseAll(code int, reason string) {
	for _, c := range h.Conns("", "") {
		c.close(code, reason)
	}
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.bySession {
		n += len(set)
	}
	return n
}
