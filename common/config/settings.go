package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/mordilloSan/go-logger/logger"
)

// Settings is the server settings file.
type Settings struct {
	Terminal    TerminalSettings `yaml:"terminal"`
	Ratelimiter Ratelimiter      `yaml:"ratelimiter"`
	Session     SessionSettings  `yaml:"session"`
	Executors   Executors        `yaml:"executors"`
	Sharing     SharingSettings  `yaml:"sharing"`
}

// TerminalSettings is the terminal policy applied to every user unless
// overridden by their policy.ini.
type TerminalSettings struct {
	Allow          bool              `yaml:"allow"`
	MaxTerms       int               `yaml:"max_terms"`
	MaxRows        int               `yaml:"max_rows"`
	MaxCols        int               `yaml:"max_cols"`
	DefaultCommand string            `yaml:"default_command"`
	Commands       map[string]string `yaml:"commands"`
	Scrollback     int               `yaml:"scrollback"`
	Environment    map[string]string `yaml:"environment"`
	Term           string            `yaml:"term"`
}

// Ratelimiter controls how refreshes are coalesced.
type Ratelimiter struct {
	MsecMin        int     `yaml:"msec_min"`
	MsecMax        int     `yaml:"msec_max"`
	MaxRefreshRate float64 `yaml:"max_refresh_rate"`
	Burst          int     `yaml:"burst"`
}

type SessionSettings struct {
	Timeout       string `yaml:"timeout"`
	CallbackGrace string `yaml:"callback_grace"`
}

type Executors struct {
	IOWorkers int `yaml:"io_workers"`
}

type SharingSettings struct {
	// BroadcastBase is prefixed to /terminal/shared/{id} in broadcast URLs.
	BroadcastBase string `yaml:"broadcast_base"`
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() *Settings {
	return &Settings{
		Terminal: TerminalSettings{
			Allow:          true,
			MaxTerms:       100,
			MaxRows:        500,
			MaxCols:        500,
			DefaultCommand: "SH",
			Commands:       map[string]string{"SH": "/bin/sh -l"},
			Scrollback:     1000,
			Environment:    map[string]string{},
			Term:           "xterm-256color",
		},
		Ratelimiter: Ratelimiter{MsecMin: 50, MsecMax: 150, MaxRefreshRate: 20, Burst: 40},
		Session:     SessionSettings{Timeout: "5d", CallbackGrace: "10s"},
		Executors:   Executors{IOWorkers: 10},
	}
}

// Load reads a settings file on top of the defaults. Unknown keys are an error.
func Load(path string) (*Settings, error) {
	cfg := DefaultSettings()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw), yaml.Strict())
	if err := dec.Decode(cfg); err != nil {
		logYAMLError(err, path)
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if errs := Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid settings in %s: %s", path, strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Marshal renders settings as YAML.
func Marshal(cfg *Settings) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// logYAMLError extracts and logs detailed error information from goccy/go-yaml
func logYAMLError(err error, path string) {
	var syntaxErr *yaml.SyntaxError
	if errors.As(err, &syntaxErr) {
		if tok := syntaxErr.GetToken(); tok != nil {
			logger.Errorf("settings error in %s at line %d, column %d: %s",
				path,
				tok.Position.Line,
				tok.Position.Column,
				syntaxErr.GetMessage())
			return
		}
		logger.Errorf("settings error in %s: %s", path, syntaxErr.GetMessage())
		return
	}
	logger.Errorf("settings error in %s: %v", path, err)
}

// Validate returns a message for every invalid value.
func Validate(cfg *Settings) []string {
	var errs []string
	t := cfg.Terminal
	if t.MaxTerms < 0 {
		errs = append(errs, "terminal.max_terms must not be negative")
	}
	if t.MaxRows != 0 && t.MaxRows < 2 {
		errs = append(errs, "terminal.max_rows must be at least 2")
	}
	if t.MaxCols != 0 && t.MaxCols < 2 {
		errs = append(errs, "terminal.max_cols must be at least 2")
	}
	if t.DefaultCommand != "" {
		if _, ok := t.Commands[t.DefaultCommand]; !ok {
			errs = append(errs, fmt.Sprintf("terminal.default_command %q is not in terminal.commands", t.DefaultCommand))
		}
	}
	if t.Scrollback < 0 {
		errs = append(errs, "terminal.scrollback must not be negative")
	}
	r := cfg.Ratelimiter
	if r.MsecMin <= 0 || r.MsecMax < r.MsecMin {
		errs = append(errs, "ratelimiter needs 0 < msec_min <= msec_max")
	}
	if r.MaxRefreshRate <= 0 || r.Burst <= 0 {
		errs = append(errs, "ratelimiter.max_refresh_rate and burst must be positive")
	}
	if _, err := ParseDuration(cfg.Session.Timeout); err != nil {
		errs = append(errs, "session.timeout: "+err.Error())
	}
	if _, err := ParseDuration(cfg.Session.CallbackGrace); err != nil {
		errs = append(errs, "session.callback_grace: "+err.Error())
	}
	if cfg.Executors.IOWorkers <= 0 {
		errs = append(errs, "executors.io_workers must be positive")
	}
	return errs
}

// ParseDuration accepts time.ParseDuration syntax plus a plain day suffix ("5d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, ok := strings.CutSuffix(s, "d"); ok {
		d, err := time.ParseDuration(n + "h")
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return d * 24, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// SessionTimeout returns the parsed session timeout.
func (c *Settings) SessionTimeout() time.Duration {
	d, _ := ParseDuration(c.Session.Timeout)
	return d
}

// CallbackGrace returns the parsed timeout callback grace.
func (c *Settings) CallbackGrace() time.Duration {
	d, _ := ParseDuration(c.Session.CallbackGrace)
	return d
}
