package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mordilloSan/go-logger/logger"

	"github.com/liftoff/GateOne-sub000/common/config"
	"github.com/liftoff/GateOne-sub000/webserver/dtach"
	"github.com/liftoff/GateOne-sub000/webserver/multiplex"
)

// ServerConfig is the runtime config passed to the server.
type ServerConfig struct {
	Address       string
	Port          int
	Certificate   string
	Keyfile       string
	SessionDir    string
	UserDir       string
	Settings      string
	PidFile       string
	LogFilePrefix string
	URLPrefix     string
	Auth          string
	AuthHeader    string

	Dtach                bool
	SessionLogging       bool
	SyslogSessionLogging bool
	Verbose              bool
}

// test seams (override in tests)
var (
	runServerFunc = RunServer
	killAllFunc   = dtach.KillAll
	serveDtach    = dtach.Serve
)

// StartGateOne is the CLI entrypoint (called from main.go).
func StartGateOne() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs the subcommand in args and returns the exit code.
func Main(args []string) int {
	if len(args) == 0 {
		printGeneralUsage()
		return 2
	}

	switch args[0] {
	case "-h", "--help", "help":
		printGeneralUsage()
		return 0
	case "version", "--version", "-version":
		fmt.Printf("gateone %s\n", versionString())
		return 0
	case "run":
		cfg, ok := parseRun(args[1:])
		if !ok {
			return 2
		}
		if err := runServerFunc(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "gateone: %v\n", err)
			return 1
		}
		return 0
	case "kill-all":
		return runKillAll(args[1:])
	case "dtach":
		return runDtach(args[1:])
	case "playback":
		return runPlayback(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %q\n\n", args[0])
		printGeneralUsage()
		return 2
	}
}

func versionString() string {
	v := config.Version
	if config.CommitSHA != "" {
		v += " (" + config.CommitSHA + ")"
	}
	if config.BuildTime != "" {
		v += " built " + config.BuildTime
	}
	return v
}

func parseRun(args []string) (ServerConfig, bool) {
	runCmd := flag.NewFlagSet("run", flag.ContinueOnError)

	var cfg ServerConfig
	runCmd.StringVar(&cfg.Address, "address", "", "address to listen on (all interfaces when empty)")
	runCmd.IntVar(&cfg.Port, "port", config.DefaultPort, "HTTPS port (1-65535)")
	runCmd.StringVar(&cfg.Certificate, "certificate", "", "TLS certificate (PEM); generated when empty")
	runCmd.StringVar(&cfg.Keyfile, "keyfile", "", "TLS private key (PEM)")
	runCmd.StringVar(&cfg.SessionDir, "session-dir", config.DefaultSessionDir, "per-session state and dtach sockets")
	runCmd.StringVar(&cfg.UserDir, "user-dir", config.DefaultUserDir, "per-user logs and policy.ini files")
	runCmd.StringVar(&cfg.Settings, "settings", "", "settings file (YAML)")
	runCmd.StringVar(&cfg.PidFile, "pid-file", "", "write the server pid here")
	runCmd.StringVar(&cfg.LogFilePrefix, "log-file-prefix", "", "redirect server output to <prefix>.log")
	runCmd.StringVar(&cfg.URLPrefix, "url-prefix", "", "mount every route below this path")
	runCmd.StringVar(&cfg.Auth, "auth", "none", "authentication: none|header")
	runCmd.StringVar(&cfg.AuthHeader, "auth-header", "", "header carrying the user name for -auth header")
	runCmd.BoolVar(&cfg.Dtach, "dtach", true, "keep terminals alive across server restarts")
	runCmd.BoolVar(&cfg.SessionLogging, "session-logging", true, "record terminal output to .golog files")
	runCmd.BoolVar(&cfg.SyslogSessionLogging, "syslog-session-logging", false, "send terminal output to the journal")
	runCmd.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose logging (default false)")

	runCmd.Usage = func() {
		fmt.Fprintf(os.Stderr, "Gate One %s\n", config.Version)
		fmt.Fprintln(os.Stderr, "\nUsage:")
		fmt.Fprintln(os.Stderr, "  gateone run [flags]")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		runCmd.PrintDefaults()
	}

	if err := runCmd.Parse(args); err != nil {
		return cfg, false
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		fmt.Fprintln(os.Stderr, "invalid -port: must be between 1 and 65535")
		return cfg, false
	}
	if (cfg.Certificate == "") != (cfg.Keyfile == "") {
		fmt.Fprintln(os.Stderr, "-certificate and -keyfile must be given together")
		return cfg, false
	}
	if cfg.Auth != "none" && cfg.Auth != "header" {
		fmt.Fprintf(os.Stderr, "invalid -auth %q: must be none or header\n", cfg.Auth)
		return cfg, false
	}
	return cfg, true
}

func runKillAll(args []string) int {
	fs := flag.NewFlagSet("kill-all", flag.ContinueOnError)
	sessionDir := fs.String("session-dir", config.DefaultSessionDir, "session directory the daemons were started under")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	logger.Init(logger.Config{Levels: []logger.Level{logger.InfoLevel, logger.WarnLevel, logger.ErrorLevel}})
	n, err := killAllFunc(*sessionDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kill-all: %v\n", err)
		return 1
	}
	fmt.Printf("terminated %d detached terminal(s)\n", n)
	return 0
}

// runDtach is the detached daemon started by the server for each terminal.
func runDtach(args []string) int {
	fs := flag.NewFlagSet("dtach", flag.ContinueOnError)
	var opts dtach.Options
	fs.StringVar(&opts.Socket, "socket", "", "control socket path")
	fs.IntVar(&opts.Rows, "rows", 24, "initial rows")
	fs.IntVar(&opts.Cols, "cols", 80, "initial columns")
	fs.StringVar(&opts.Command.Dir, "dir", "", "working directory")
	verbose := fs.Bool("verbose", false, "enable verbose logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if opts.Socket == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: gateone dtach -socket <path> [-rows n] [-cols n] [-dir d] -- <command line>")
		return 2
	}
	opts.Command = multiplex.Command{Line: strings.Join(fs.Args(), " "), Dir: opts.Command.Dir}

	levels := []logger.Level{logger.WarnLevel, logger.ErrorLevel}
	if *verbose {
		levels = logger.AllLevels()
	}
	logger.Init(logger.Config{Levels: levels})

	// the server's signals must not reach the daemon; only SIGTERM ends it
	signal.Ignore(syscall.SIGINT, syscall.SIGHUP)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := serveDtach(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("[Dtach] %v", err)
		return 1
	}
	return 0
}

func printGeneralUsage() {
	fmt.Fprintf(os.Stderr, `Gate One %s

Usage:
  gateone <command> [flags]

Commands:
  run         Run the HTTPS/WebSocket server
  kill-all    Terminate every detached terminal and exit
  playback    Render a .golog session log to HTML or text
  version     Show version information
  help        Show this help

Examples:
  gateone run
  gateone run -port 8443 -auth header -verbose
  gateone kill-all -session-dir /tmp/gateone
  gateone playback -flat alice/logs/20240101120000127.0.0.1.golog

Use "gateone <command> -h" for more info about a command.
`, config.Version)
}
