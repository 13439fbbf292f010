package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := DefaultSettings()
	assert.Empty(t, Validate(cfg))
	assert.Equal(t, 120*time.Hour, cfg.SessionTimeout())
	assert.Equal(t, 10*time.Second, cfg.CallbackGrace())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, `
terminal:
  max_terms: 3
  max_rows: 60
ratelimiter:
  msec_min: 20
  msec_max: 100
session:
  timeout: 30m
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Terminal.MaxTerms)
	assert.Equal(t, 60, cfg.Terminal.MaxRows)
	assert.Equal(t, 500, cfg.Terminal.MaxCols)
	assert.True(t, cfg.Terminal.Allow)
	assert.Equal(t, 20, cfg.Ratelimiter.MsecMin)
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, "terminal:\n  max_termz: 3\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, "ratelimiter:\n  msec_min: 200\n  msec_max: 100\nsession:\n  timeout: soon\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "msec_min")
	assert.Contains(t, err.Error(), "session.timeout")
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), cfg)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("2d")
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)

	d, err = ParseDuration(" 90s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDuration("xd")
	assert.Error(t, err)
}

func TestUserPolicy(t *testing.T) {
	dir := t.TempDir()
	base := DefaultSettings().BasePolicy()
	base.Commands["TOP"] = "/usr/bin/top"

	p, err := UserPolicy(dir, "nobody", base)
	require.NoError(t, err)
	assert.Equal(t, base, p)

	writeFile(t, filepath.Join(dir, "alice", PolicyFile), `
[terminal]
allow = false
max_terms = 2
default_command = TOP

[environment]
EDITOR = vi
`)
	p, err = UserPolicy(dir, "alice", base)
	require.NoError(t, err)
	assert.False(t, p.Allow)
	assert.Equal(t, 2, p.MaxTerms)
	assert.Equal(t, base.MaxRows, p.MaxRows)
	assert.Equal(t, "TOP", p.DefaultCommand)
	assert.Equal(t, "vi", p.Environment["EDITOR"])
	assert.Empty(t, base.Environment, "base must not be mutated")

	writeFile(t, filepath.Join(dir, "bob", PolicyFile), "[terminal]\nmax_terms = lots\n")
	_, err = UserPolicy(dir, "bob", base)
	assert.Error(t, err)
}
