// Package auth identifies the user behind an HTTP or WebSocket request.
// Credential checks happen in front of the server (a reverse proxy, PAM
// gateway or SSO); providers only read the result.
package auth

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode"

	"github.com/mordilloSan/go-logger/logger"

	"github.com/liftoff/GateOne-sub000/common/session"
)

// Provider maps a request to a user. Unidentified requests yield the
// anonymous user, not an error; errors are reserved for malformed input.
type Provider interface {
	Name() string
	Authenticate(r *http.Request) (session.User, error)
}

// DefaultHeader carries the user name set by an authenticating proxy.
const DefaultHeader = "X-Remote-User"

// LocalUser is the identity every client gets with the none provider.
const LocalUser = "gateone"

// None treats every client as the same local user.
type None struct {
	User string
}

func (None) Name() string { return "none" }

func (n None) Authenticate(r *http.Request) (session.User, error) {
	upn := n.User
	if upn == "" {
		upn = LocalUser
	}
	return session.User{UPN: upn, IP: ClientIP(r)}, nil
}

// Header trusts a request header set by a reverse proxy.
type Header struct {
	Header string
}

func (Header) Name() string { return "header" }

func (h Header) Authenticate(r *http.Request) (session.User, error) {
	name := h.Header
	if name == "" {
		name = DefaultHeader
	}
	ip := ClientIP(r)
	upn := strings.TrimSpace(r.Header.Get(name))
	if upn == "" {
		return session.User{UPN: session.Anonymous, IP: ip}, nil
	}
	if !validUPN(upn) {
		logger.WarnKV("rejected user header", "header", name, "ip", ip)
		return session.User{}, fmt.Errorf("invalid user %q", upn)
	}
	return session.User{UPN: upn, IP: ip}, nil
}

// validUPN accepts names usable as a directory under the user dir and as a
// single word in a command line. Sharing scope names are reserved.
func validUPN(upn string) bool {
	if upn == "." || upn == ".." || strings.ContainsAny(upn, "/\\\"'`") {
		return false
	}
	if strings.IndexFunc(upn, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return false
	}
	switch strings.ToUpper(upn) {
	case session.Anonymous, "AUTHENTICATED":
		return false
	}
	return len(upn) <= 256
}

// New returns the provider called name.
func New(name, header string) (Provider, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None{}, nil
	case "header":
		return Header{Header: header}, nil
	}
	return nil, fmt.Errorf("unknown auth provider %q", name)
}

// ClientIP returns the remote address of r without its port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
