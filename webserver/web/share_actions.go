package web

import (
	"encoding/json"
	"time"

	"github.com/mordilloSan/go-logger/logger"

	"github.com/liftoff/GateOne-sub000/common/session"
	"github.com/liftoff/GateOne-sub000/webserver/registry"
	"github.com/liftoff/GateOne-sub000/webserver/sharing"
)

type permArgs struct {
	Term int `json:"term"`
	sharing.Permissions
}

// ownedTarget resolves the action's terminal and checks c owns it.
func (s *Server) ownedTarget(c *Conn, args json.RawMessage) (*registry.TermRecord, registry.TermRef, error) {
	rec, num, err := s.target(c, args)
	if err != nil {
		return nil, registry.TermRef{}, err
	}
	if rec.Viewer() || rec.Owner != c.User.UPN {
		return nil, registry.TermRef{}, actionErr(KindPermissionDenied, "only the owner can share terminal %d", num)
	}
	return rec, registry.TermRef{Session: c.Session, Location: c.Location(), Term: num}, nil
}

// permissions sets who may read, write or watch one of c's terminals.
// Viewers that lose access are detached at once.
func (s *Server) permissions(c *Conn, args json.RawMessage) error {
	var a permArgs
	if err := decode(args, &a); err != nil {
		return err
	}
	rec, ref, err := s.ownedTarget(c, args)
	if err != nil {
		return err
	}
	before, _ := s.shares.ForTerm(ref)
	share, revoked, err := s.shares.SetPermissions(c.User.UPN, ref, a.Permissions)
	if err != nil {
		c.Send(s.sharingPermissionsMsg(ref.Term, err, before))
		return nil
	}
	for _, v := range revoked {
		s.revokeViewer(v)
	}
	if share != nil {
		rec.SetShareID(share.ID)
	} else {
		rec.SetShareID("")
	}
	s.reg.Persist(c.Session)
	c.Send(s.sharingPermissionsMsg(ref.Term, nil, share))
	s.pushShareLists(before, share)
	return nil
}

// newShareID renames the share of one of c's terminals, creating it if
// needed. A taken id is reported in the result field.
func (s *Server) newShareID(c *Conn, args json.RawMessage) error {
	var a struct {
		ShareID string `json:"share_id"`
	}
	if err := decode(args, &a); err != nil {
		return err
	}
	rec, ref, err := s.ownedTarget(c, args)
	if err != nil {
		return err
	}
	before, _ := s.shares.ForTerm(ref)
	id, err := s.shares.NewShareID(c.User.UPN, ref, a.ShareID)
	if err != nil {
		c.Send(s.sharingPermissionsMsg(ref.Term, err, before))
		return nil
	}
	rec.SetShareID(id)
	if before != nil && before.ID != id {
		for _, v := range s.shares.Viewers(id) {
			if vr, err := s.reg.Lookup(v.Record); err == nil {
				vr.SetShareID(id)
			}
		}
	}
	s.reg.Persist(c.Session)
	after, _ := s.shares.Get(id)
	c.Send(s.sharingPermissionsMsg(ref.Term, nil, after))
	s.pushShareLists(before, after)
	return nil
}

func (s *Server) sharingPermissionsMsg(term int, err error, sh *sharing.Share) Message {
	out := map[string]any{
		"term":      term,
		"result":    result(err),
		"read":      []string{},
		"write":     []string{},
		"broadcast": false,
	}
	if sh != nil {
		out["share_id"] = sh.ID
		out["read"] = sh.Read
		out["write"] = sh.Write
		out["broadcast"] = sh.Broadcast
		out["has_password"] = sh.HasPassword()
		out["viewers"] = len(sh.Viewers)
		if sh.BroadcastURL != "" {
			out["broadcast_url"] = sh.BroadcastURL
			if uri, err := s.shares.QRDataURI(sh.ID); err == nil {
				out["broadcast_qr"] = uri
			} else {
				logger.Warnf("[Router] QR code for %s: %v", sh.ID, err)
			}
		}
	}
	return termMsg("sharing_permissions", out)
}

// revokeViewer removes the record a viewer watched a share through.
func (s *Server) revokeViewer(v sharing.Viewer) {
	rec, err := s.reg.Remove(v.Record.Session, v.Record.Location, v.Record.Term)
	if err != nil {
		return
	}
	s.endRecord(v.Record, rec)
	s.hub.Deliver(notice(actionErr(KindPermissionDenied, "access to shared terminal %s was revoked", rec.ShareID())),
		"", v.Record.Session)
	logger.InfoKV("share access revoked", "share", rec.ShareID(), "user", v.User.UPN)
}

// endRecord tells every window showing ref that its terminal is gone.
func (s *Server) endRecord(ref registry.TermRef, rec *registry.TermRecord) {
	for _, c := range s.hub.Conns("", ref.Session) {
		if c.Location() != ref.Location {
			continue
		}
		c.detach(rec)
		c.forget(ref.Term)
		c.Send(termMsg("term_ended", map[string]any{"term": ref.Term}))
	}
}

type shareViewer struct {
	UPN      string    `json:"upn"`
	IP       string    `json:"ip,omitempty"`
	Attached time.Time `json:"attached"`
}

func shareUserListMsg(sh *sharing.Share, viewers []sharing.Viewer) Message {
	list := make([]shareViewer, 0, len(viewers))
	for _, v := range viewers {
		list = append(list, shareViewer{UPN: v.User.UPN, IP: v.User.IP, Attached: v.Attached})
	}
	return termMsg("share_user_list", map[string]any{"share_id": sh.ID, "viewers": list})
}

// notifyOwner sends the owner of share id its current viewer list.
func (s *Server) notifyOwner(id string) {
	sh, ok := s.shares.Get(id)
	if !ok {
		return
	}
	s.hub.Deliver(shareUserListMsg(sh, s.shares.Viewers(id)), sh.Owner, "")
}

func (s *Server) shareUserList(c *Conn, args json.RawMessage) error {
	var a struct {
		ShareID string `json:"share_id"`
	}
	_ = json.Unmarshal(args, &a)
	id := a.ShareID
	if id == "" {
		rec, num, err := s.target(c, args)
		if err != nil {
			return err
		}
		if id = rec.ShareID(); id == "" {
			return actionErr(KindNotFound, "terminal %d is not shared", num)
		}
	}
	sh, ok := s.shares.Get(id)
	if !ok {
		return sharing.ErrNotFound
	}
	if sh.Owner != c.User.UPN {
		return sharing.ErrPermissionDenied
	}
	c.Send(shareUserListMsg(sh, s.shares.Viewers(id)))
	return nil
}

func (s *Server) shareTitle(ref registry.TermRef) string {
	rec, err := s.reg.Lookup(ref)
	if err != nil {
		return ""
	}
	return rec.Title()
}

func (s *Server) sharedTerminalsMsg(u session.User) Message {
	return termMsg("shared_terminals", map[string]any{"terminals": s.shares.ListForUser(u, s.shareTitle)})
}

func (s *Server) listSharedTerminals(c *Conn, _ json.RawMessage) error {
	c.Send(s.sharedTerminalsMsg(c.User))
	return nil
}

func visibleTo(sh *sharing.Share, u session.User) bool {
	return sh != nil && sh.Owner != u.UPN && sharing.CanRead(sh, u)
}

// pushShareLists refreshes the shared terminal list of every connected user
// who could see the share before or after a change.
func (s *Server) pushShareLists(before, after *sharing.Share) {
	for _, u := range s.hub.Users() {
		if visibleTo(before, u) || visibleTo(after, u) {
			s.hub.Deliver(s.sharedTerminalsMsg(u), u.UPN, "")
		}
	}
}

type attachArgs struct {
	ShareID  string            `json:"share_id"`
	Password string            `json:"password"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) attachSharedTerminal(c *Conn, args json.RawMessage) error {
	var a attachArgs
	if err := decode(args, &a); err != nil {
		return err
	}
	if a.ShareID == "" {
		return badRequest("share_id is required")
	}
	_, err := s.attachShare(c, a)
	return err
}

// attachShare adds a viewer record for share a.ShareID to c's location and
// starts streaming it.
func (s *Server) attachShare(c *Conn, a attachArgs) (int, error) {
	share, err := s.shares.Attach(a.ShareID, c.User, a.Password)
	if err != nil {
		return 0, err
	}
	origin, err := s.reg.Lookup(share.Term)
	if err != nil || !origin.Multiplex.IsAlive() {
		return 0, actionErr(KindNotFound, "shared terminal %s is not running", share.ID)
	}
	loc := c.Location()
	for _, sum := range s.reg.ListTerminals(c.Session, loc) {
		if !sum.Shared || sum.ShareID != share.ID {
			continue
		}
		if rec, err := s.reg.Get(c.Session, loc, sum.Term); err == nil {
			c.Send(termMsg("term_exists", map[string]any{"term": sum.Term}))
			c.attach(rec, sum.Term)
			c.setCurrent(sum.Term)
			return sum.Term, nil
		}
	}

	term := share.Term
	rec := &registry.TermRecord{
		Multiplex: origin.Multiplex,
		Owner:     share.Owner,
		Created:   time.Now(),
		Command:   origin.Command,
		Origin:    &term,
	}
	rec.SetShareID(share.ID)
	rec.SetMetadata(a.Metadata)
	num := s.reg.AttachRecord(c.Session, loc, rec)
	ref := registry.TermRef{Session: c.Session, Location: loc, Term: num}
	if err := s.shares.AddViewer(share.ID, sharing.Viewer{User: c.User, Record: ref, Metadata: a.Metadata}); err != nil {
		_, _ = s.reg.Remove(c.Session, loc, num)
		return 0, err
	}

	c.Send(termMsg("new_terminal", map[string]any{
		"term":     num,
		"location": loc,
		"share_id": share.ID,
		"owner":    share.Owner,
		"title":    rec.Title(),
	}))
	c.attach(rec, num)
	c.setCurrent(num)
	logger.InfoKV("attached to shared terminal", "share", share.ID, "user", c.User.UPN, "owner", share.Owner)
	s.notifyOwner(share.ID)
	return num, nil
}

func (s *Server) detachSharedTerminal(c *Conn, args json.RawMessage) error {
	rec, num, err := s.target(c, args)
	if err != nil {
		return err
	}
	if !rec.Viewer() {
		return badRequest("terminal %d is not a shared terminal", num)
	}
	return s.detachViewer(c, rec, registry.TermRef{Session: c.Session, Location: c.Location(), Term: num})
}

// detachViewer drops a viewer record; the owner's terminal keeps running.
func (s *Server) detachViewer(_ *Conn, rec *registry.TermRecord, ref registry.TermRef) error {
	if _, err := s.reg.Remove(ref.Session, ref.Location, ref.Term); err != nil {
		return err
	}
	id := rec.ShareID()
	s.shares.Detach(id, ref)
	s.endRecord(ref, rec)
	s.notifyOwner(id)
	return nil
}
