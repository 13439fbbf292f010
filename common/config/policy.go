package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// PolicyFile is the per-user override file name under <user-dir>/<upn>/.
const PolicyFile = "policy.ini"

// TermPolicy is the effective terminal policy for one user.
type TermPolicy struct {
	Allow          bool
	MaxTerms       int
	MaxRows        int
	MaxCols        int
	DefaultCommand string
	Commands       map[string]string
	Environment    map[string]string
}

// BasePolicy derives the default policy from the settings file.
func (c *Settings) BasePolicy() TermPolicy {
	t := c.Terminal
	p := TermPolicy{
		Allow:          t.Allow,
		MaxTerms:       t.MaxTerms,
		MaxRows:        t.MaxRows,
		MaxCols:        t.MaxCols,
		DefaultCommand: t.DefaultCommand,
		Commands:       make(map[string]string, len(t.Commands)),
		Environment:    make(map[string]string, len(t.Environment)),
	}
	for k, v := range t.Commands {
		p.Commands[k] = v
	}
	for k, v := range t.Environment {
		p.Environment[k] = v
	}
	return p
}

// UserPolicy applies <userDir>/<upn>/policy.ini on top of base. A missing file
// yields base unchanged.
//
//	[terminal]
//	allow = true
//	max_terms = 4
//	default_command = SH
//
//	[environment]
//	EDITOR = vi
func UserPolicy(userDir, upn string, base TermPolicy) (TermPolicy, error) {
	path := filepath.Join(userDir, upn, PolicyFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return base, nil
	}
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: false}, path)
	if err != nil {
		return base, fmt.Errorf("load %s: %w", path, err)
	}

	p := base
	sec := f.Section("terminal")
	if sec.HasKey("allow") {
		if p.Allow, err = sec.Key("allow").Bool(); err != nil {
			return base, fmt.Errorf("%s: allow: %w", path, err)
		}
	}
	for key, dst := range map[string]*int{"max_terms": &p.MaxTerms, "max_rows": &p.MaxRows, "max_cols": &p.MaxCols} {
		if !sec.HasKey(key) {
			continue
		}
		if *dst, err = sec.Key(key).Int(); err != nil {
			return base, fmt.Errorf("%s: %s: %w", path, key, err)
		}
	}
	if sec.HasKey("default_command") {
		name := strings.TrimSpace(sec.Key("default_command").String())
		if _, ok := p.Commands[name]; !ok {
			return base, fmt.Errorf("%s: unknown command %q", path, name)
		}
		p.DefaultCommand = name
	}
	if env, err := f.GetSection("environment"); err == nil {
		merged := make(map[string]string, len(p.Environment)+len(env.Keys()))
		for k, v := range p.Environment {
			merged[k] = v
		}
		for _, k := range env.Keys() {
			merged[k.Name()] = k.String()
		}
		p.Environment = merged
	}
	return p, nil
}
