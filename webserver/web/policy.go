package web

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mordilloSan/go-logger/logger"

	"github.com/liftoff/GateOne-sub000/common/config"
	"github.com/liftoff/GateOne-sub000/common/session"
	"github.com/liftoff/GateOne-sub000/webserver/registry"
	"github.com/liftoff/GateOne-sub000/webserver/sharing"
)

const (
	policyTTL   = 30 * time.Second
	defaultRows = 24
	defaultCols = 80
)

// policy returns the effective terminal policy of u. Per-user files are
// re-read at most every policyTTL.
func (s *Server) policy(u session.User) config.TermPolicy {
	base := s.cfg.Settings.BasePolicy()
	if !u.Authenticated() || s.cfg.UserDir == "" {
		return base
	}
	v, err := s.runner.Memoize("policy:"+u.UPN, policyTTL, func(context.Context) (any, error) {
		p, err := config.UserPolicy(s.cfg.UserDir, u.UPN, base)
		return p, err
	})
	if err != nil {
		logger.Warnf("[Router] policy for %s: %v, using defaults", u.UPN, err)
		return base
	}
	p, ok := v.(config.TermPolicy)
	if !ok {
		return base
	}
	return p
}

// terminalPolicy enforces the terminal scope: the global allow flag, the
// terminal count limit and write access to the target terminal.
func (s *Server) terminalPolicy(c *Conn, action string, args json.RawMessage) error {
	p := s.policy(c.User)
	if !p.Allow {
		return actionErr(KindPolicyDenied, "terminals are disabled for %s", c.User.UPN)
	}
	switch {
	case action == "new_terminal":
		var a newTermArgs
		_ = json.Unmarshal(args, &a)
		if a.Term > 0 {
			if _, err := s.reg.Get(c.Session, c.Location(), a.Term); err == nil {
				return nil
			}
		}
		if p.MaxTerms > 0 && s.reg.Count(c.User.UPN) >= p.MaxTerms {
			return actionErr(KindPolicyDenied, "limit of %d terminals reached", p.MaxTerms)
		}
	case writeActions[action]:
		rec, num, err := s.target(c, args)
		if err != nil {
			return err
		}
		if action == "kill_terminal" && rec.Viewer() {
			return nil
		}
		if !s.canWrite(c, rec) {
			return actionErr(KindPermissionDenied, "no write access to terminal %d", num)
		}
	}
	return nil
}

// clamp applies defaults and the policy's size limits.
func clamp(p config.TermPolicy, rows, cols int) (int, int) {
	if rows <= 0 {
		rows = defaultRows
	}
	if cols <= 0 {
		cols = defaultCols
	}
	if p.MaxRows > 0 && rows > p.MaxRows {
		rows = p.MaxRows
	}
	if p.MaxCols > 0 && cols > p.MaxCols {
		cols = p.MaxCols
	}
	return rows, cols
}

// canWrite reports whether c may change rec. Owners always can; viewers
// need write access on the share they attached through.
func (s *Server) canWrite(c *Conn, rec *registry.TermRecord) bool {
	if !rec.Viewer() {
		return c.User.Authenticated() && rec.Owner == c.User.UPN
	}
	sh, ok := s.shares.Get(rec.ShareID())
	return ok && sharing.CanWrite(sh, c.User)
}

// targetTerm reads the terminal an action is aimed at: a bare number, an
// object's "term" field, or else the focused terminal.
func (c *Conn) targetTerm(args json.RawMessage) int {
	var n int
	if json.Unmarshal(args, &n) == nil && n > 0 {
		return n
	}
	var obj struct {
		Term int `json:"term"`
	}
	if json.Unmarshal(args, &obj) == nil && obj.Term > 0 {
		return obj.Term
	}
	return c.Current()
}

// target resolves the terminal an action is aimed at in c's location.
func (s *Server) target(c *Conn, args json.RawMessage) (*registry.TermRecord, int, error) {
	num := c.targetTerm(args)
	if num <= 0 {
		return nil, 0, actionErr(KindNotFound, "no terminal selected")
	}
	rec, err := s.reg.Get(c.Session, c.Location(), num)
	if err != nil {
		return nil, num, actionErr(KindNotFound, "terminal %d not found", num)
	}
	return rec, num, nil
}
