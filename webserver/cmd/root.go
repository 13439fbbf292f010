package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/activation"
	"github.com/mordilloSan/go-logger/logger"
	"golang.org/x/sys/unix"

	"github.com/liftoff/GateOne-sub000/common/async"
	"github.com/liftoff/GateOne-sub000/common/config"
	"github.com/liftoff/GateOne-sub000/common/session"
	"github.com/liftoff/GateOne-sub000/webserver/auth"
	"github.com/liftoff/GateOne-sub000/webserver/multiplex"
	"github.com/liftoff/GateOne-sub000/webserver/registry"
	"github.com/liftoff/GateOne-sub000/webserver/sharing"
	"github.com/liftoff/GateOne-sub000/webserver/web"
)

const shutdownTimeout = 5 * time.Second

func RunServer(cfg ServerConfig) error {
	// -------------------------------------------------------------------------
	// Logging (from flags)
	// -------------------------------------------------------------------------
	if cfg.LogFilePrefix != "" {
		if err := redirectOutput(cfg.LogFilePrefix + ".log"); err != nil {
			return err
		}
	}
	var levels []logger.Level
	if cfg.Verbose {
		levels = logger.AllLevels() // Includes DEBUG
	} else {
		levels = []logger.Level{logger.InfoLevel, logger.WarnLevel, logger.ErrorLevel}
	}
	logger.Init(logger.Config{
		Levels: levels,
	})
	logger.InfoKV("server starting", "version", config.Version, "verbose", cfg.Verbose)

	settings, err := config.Load(cfg.Settings)
	if err != nil {
		return err
	}
	for _, dir := range []string{cfg.SessionDir, cfg.UserDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if cfg.PidFile != "" {
		if err := os.WriteFile(cfg.PidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer os.Remove(cfg.PidFile)
	}

	// -------------------------------------------------------------------------
	// Sessions, terminals and shares
	// -------------------------------------------------------------------------
	store, err := session.NewFileStore(filepath.Join(cfg.SessionDir, "sessions.json"))
	if err != nil {
		return err
	}
	defer store.Close()
	sm := session.NewManager(store, session.SessionConfig{
		IdleTimeout:   settings.SessionTimeout(),
		GCInterval:    session.DefaultConfig.GCInterval,
		CallbackGrace: settings.CallbackGrace(),
		Cookie: session.CookieConfig{
			Name:     session.DefaultConfig.Cookie.Name,
			Path:     cookiePath(cfg.URLPrefix),
			SameSite: http.SameSiteStrictMode,
			Secure:   true,
			HTTPOnly: true,
		},
	})

	runner := async.NewRunner("io", settings.Executors.IOWorkers)
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	reg := registry.New(registry.Config{
		GODir:          filepath.Dir(exe),
		SettingsDir:    settingsDir(cfg.Settings),
		SessionDir:     cfg.SessionDir,
		UserDir:        cfg.UserDir,
		Dtach:          cfg.Dtach,
		Exe:            exe,
		SessionLogging: cfg.SessionLogging,
		SyslogLogging:  cfg.SyslogSessionLogging,
		Term:           settings.Terminal.Term,
		Scrollback:     settings.Terminal.Scrollback,
		Rate: multiplex.RateConfig{
			MsecMin:        settings.Ratelimiter.MsecMin,
			MsecMax:        settings.Ratelimiter.MsecMax,
			MaxRefreshRate: settings.Ratelimiter.MaxRefreshRate,
			Burst:          settings.Ratelimiter.Burst,
		},
		Runner: runner,
	})

	// shares only outlive the process together with detached terminals
	sharesPath := ""
	if cfg.Dtach {
		sharesPath = filepath.Join(cfg.SessionDir, "shares.json")
	}
	shares, err := sharing.New(sharing.Config{
		Path:          sharesPath,
		BroadcastBase: broadcastBase(settings, cfg),
	})
	if err != nil {
		return err
	}

	provider, err := auth.New(cfg.Auth, cfg.AuthHeader)
	if err != nil {
		return err
	}
	logger.Infof("[Router] authentication: %s", provider.Name())

	// -------------------------------------------------------------------------
	// Router
	// -------------------------------------------------------------------------
	ws := web.New(web.Config{
		Settings:   settings,
		Sessions:   sm,
		Registry:   reg,
		Shares:     shares,
		Auth:       provider,
		Runner:     runner,
		UserDir:    cfg.UserDir,
		SessionDir: cfg.SessionDir,
		URLPrefix:  cfg.URLPrefix,
	})

	// -------------------------------------------------------------------------
	// HTTPS server
	// -------------------------------------------------------------------------
	cert, err := loadCert(cfg)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
		ErrorLog:          log.New(web.HTTPErrorLogAdapter{}, "", 0),
	}

	listeners, err := listen(cfg)
	if err != nil {
		return err
	}
	serveErr := make(chan error, len(listeners))
	for _, l := range listeners {
		go func(lis net.Listener) {
			serveErr <- srv.Serve(tls.NewListener(lis, srv.TLSConfig))
		}(l)
	}

	// -------------------------------------------------------------------------
	// Shutdown coordination
	// -------------------------------------------------------------------------
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		logger.Infof("🛑 Shutdown signal received (%v)", sig)
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			runErr = err
		}
	}

	srv.SetKeepAlivesEnabled(false)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warnf("Graceful HTTP shutdown timed out; forcing close of remaining connections.")
			if cerr := srv.Close(); cerr != nil && !errors.Is(cerr, http.ErrServerClosed) {
				logger.Warnf("HTTP server force-close error: %v", cerr)
			}
		} else {
			logger.Warnf("HTTP server shutdown error: %v", err)
		}
	} else {
		logger.Infof("HTTP server closed")
	}

	// detachable terminals keep running; the rest end with their sessions
	sm.KillAll(session.ReasonServerQuit)
	ws.Shutdown()
	for _, sid := range reg.Sessions() {
		reg.DetachSession(sid)
	}
	reg.Flush()
	runner.Close()
	sm.Close()

	logger.Infof("Server stopped.")
	return runErr
}

// listen returns the systemd-activated sockets, or binds address:port.
func listen(cfg ServerConfig) ([]net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		logger.Warnf("activation.Listeners error: %v", err)
	}
	var active []net.Listener
	for _, l := range listeners {
		if l != nil {
			active = append(active, l)
		}
	}
	if len(active) > 0 {
		logger.Infof("Socket-activated HTTPS server listening on %d inherited socket(s)", len(active))
		return active, nil
	}
	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	logger.Infof("HTTPS server listening at https://%s%s/", displayHost(cfg.Address, cfg.Port), cfg.URLPrefix)
	return []net.Listener{l}, nil
}

func loadCert(cfg ServerConfig) (tls.Certificate, error) {
	if cfg.Certificate != "" {
		return web.LoadOrCreateCert(cfg.Certificate, cfg.Keyfile)
	}
	cert, err := web.GenerateSelfSignedCert(cfg.Address)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate certificate: %w", err)
	}
	logger.Warnf("no -certificate given; using a generated self-signed certificate")
	return cert, nil
}

// redirectOutput points stdout and stderr, where the logger writes, at path.
func redirectOutput(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	for _, fd := range []int{int(os.Stdout.Fd()), int(os.Stderr.Fd())} {
		if err := unix.Dup2(int(f.Fd()), fd); err != nil {
			return fmt.Errorf("redirect output: %w", err)
		}
	}
	return nil
}

func settingsDir(settingsFile string) string {
	if settingsFile == "" {
		return config.DefaultSettingsDir
	}
	abs, err := filepath.Abs(settingsFile)
	if err != nil {
		return filepath.Dir(settingsFile)
	}
	return filepath.Dir(abs)
}

func cookiePath(prefix string) string {
	if prefix == "" {
		return "/"
	}
	return prefix
}

func displayHost(address string, port int) string {
	host := address
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// broadcastBase is the origin broadcast links point at.
func broadcastBase(s *config.Settings, cfg ServerConfig) string {
	if s.Sharing.BroadcastBase != "" {
		return s.Sharing.BroadcastBase
	}
	host := cfg.Address
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "localhost"
		}
	}
	return "https://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + cfg.URLPrefix
}
