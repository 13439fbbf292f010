package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/liftoff/GateOne-sub000/common/middleware"
)

type actionHandler = middleware.Handler[*Conn, json.RawMessage]

type actionGuard = middleware.Guard[*Conn, json.RawMessage]

// call is one action of a client message.
type call struct {
	name string
	args json.RawMessage
}

// decodeActions splits a client message into its actions, in the order the
// client wrote them. The "terminal:" prefix is optional.
func decodeActions(data []byte) ([]call, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("message must be a JSON object")
	}
	var calls []call
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errors.New("action name must be a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		calls = append(calls, call{name: strings.TrimPrefix(key, "terminal:"), args: raw})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return calls, nil
}

// decode unmarshals action arguments. Missing or null arguments leave v
// untouched.
func decode(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return badRequest("invalid arguments: %v", err)
	}
	return nil
}

// writeActions change the state of a terminal and need write access to it.
var writeActions = map[string]bool{
	"c":                 true,
	"write_chars":       true,
	"resize":            true,
	"reset_terminal":    true,
	"set_encoding":      true,
	"manual_title":      true,
	"set_keyboard_mode": true,
	"kill_terminal":     true,
}

func (s *Server) handle(name string, h actionHandler, guards ...actionGuard) {
	s.actions[name] = middleware.Guarded(name, h, guards...)
}

// registerActions builds the action table.
func (s *Server) registerActions() {
	auth, term := authenticated, s.policies("terminal")

	// Terminals
	s.handle("new_terminal", s.newTerminal, auth, term)
	s.handle("kill_terminal", s.killTerminal, term)
	s.handle("set_terminal", s.setTerminal)
	s.handle("move_terminal", s.moveTerminal, auth, term)
	s.handle("swap_terminals", s.swapTerminals, auth, term)
	s.handle("resize", s.resize, term)
	s.handle("write_chars", s.writeChars, term)
	s.handle("c", s.writeChars, term)
	s.handle("refresh", s.refresh)
	s.handle("full_refresh", s.fullRefresh)
	s.handle("manual_title", s.manualTitle, term)
	s.handle("reset_terminal", s.resetTerminal, term)
	s.handle("set_encoding", s.setEncoding, term)
	s.handle("set_keyboard_mode", s.setKeyboardMode, term)
	s.handle("get_locations", s.getLocations)
	s.handle("get_terminals", s.getTerminals)
	s.handle("start_capture", s.startCapture, auth, term)
	s.handle("stop_capture", s.stopCapture, auth)

	// Sharing
	s.handle("permissions", s.permissions, auth)
	s.handle("new_share_id", s.newShareID, auth)
	s.handle("share_user_list", s.shareUserList, auth)
	s.handle("list_shared_terminals", s.listSharedTerminals)
	s.handle("attach_shared_terminal", s.attachSharedTerminal)
	s.handle("detach_shared_terminal", s.detachSharedTerminal)
}

func authenticated(c *Conn, action string, _ json.RawMessage) error {
	if !c.User.Authenticated() {
		return actionErr(KindPolicyDenied, "%s requires an authenticated user", action)
	}
	return nil
}

// policies returns the guard for a policy scope.
func (s *Server) policies(scope string) actionGuard {
	switch scope {
	case "terminal":
		return s.terminalPolicy
	}
	return func(*Conn, string, json.RawMessage) error { return nil }
}
