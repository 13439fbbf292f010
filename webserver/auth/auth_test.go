package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftoff/GateOne-sub000/common/session"
)

func TestNoneProvider(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "192.0.2.7:4711"

	u, err := None{}.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, session.User{UPN: LocalUser, IP: "192.0.2.7"}, u)
	assert.True(t, u.Authenticated())

	u, err = None{User: "ops"}.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "ops", u.UPN)
}

func TestHeaderProvider(t *testing.T) {
	p := Header{}
	req := httptest.NewRequest("GET", "/ws", nil)

	u, err := p.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, session.Anonymous, u.UPN)
	assert.False(t, u.Authenticated())

	req.Header.Set(DefaultHeader, " alice@example.com ")
	u, err = p.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.UPN)

	for _, bad := range []string{"../etc", "anonymous", "Authenticated", "..",
		"alice -c id", "alice\tbob", `al"ice`, "al'ice", "al`ice", "al\\ice", "al\x00ice"} {
		req.Header.Set(DefaultHeader, bad)
		_, err = p.Authenticate(req)
		assert.Error(t, err, bad)
	}

	custom := Header{Header: "X-Forwarded-User"}
	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("X-Forwarded-User", "bob")
	u, err = custom.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "bob", u.UPN)
}

func TestNew(t *testing.T) {
	p, err := New("", "")
	require.NoError(t, err)
	assert.Equal(t, "none", p.Name())

	p, err = New("Header", "X-User")
	require.NoError(t, err)
	assert.Equal(t, Header{Header: "X-User"}, p)

	_, err = New("pam", "")
	assert.Error(t, err)
}
