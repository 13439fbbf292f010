package registry

import (
	"crypto/sha256"
	"encoding/base64"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// expand substitutes the %VAR% placeholders allowed in command lines.
func (r *Registry) expand(line, sess, upn string) string {
	if !strings.Contains(line, "%") {
		return line
	}
	userDir := r.cfg.UserDir
	if userDir != "" && upn != "" {
		userDir = filepath.Join(userDir, upn)
	}
	return strings.NewReplacer(
		"%USER%", upn,
		"%SESSION%", sess,
		"%SESSION_DIR%", r.cfg.SessionDir,
		"%SESSION_HASH%", sessionHash(sess),
		"%USERDIR%", userDir,
		"%TIME%", strconv.FormatInt(time.Now().UnixMilli(), 10),
	).Replace(line)
}

// sessionHash is a short stable token for a session id, safe for file names.
func sessionHash(sess string) string {
	sum := sha256.Sum256([]byte(sess))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:10]
}

// environment builds the variables injected into a child. extra (policy and
// request provided) wins over the defaults, so TERM can be overridden.
func (r *Registry) environment(sess, loc string, term int, upn string, extra map[string]string) map[string]string {
	env := map[string]string{
		"TERM":        r.cfg.Term,
		"GO_DIR":      r.cfg.GODir,
		"GO_USER":     upn,
		"GO_TERM":     strconv.Itoa(term),
		"GO_LOCATION": loc,
		"GO_SESSION":  sess,
	}
	if r.cfg.SettingsDir != "" {
		env["GO_SETTINGS_DIR"] = r.cfg.SettingsDir
	}
	if r.cfg.UserDir != "" {
		env["GO_USER_DIR"] = r.cfg.UserDir
	}
	if r.cfg.SessionDir != "" {
		env["GO_SESSION_DIR"] = r.cfg.SessionDir
		env["GO_USER_SESSION_DIR"] = filepath.Join(r.cfg.SessionDir, sess)
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}
