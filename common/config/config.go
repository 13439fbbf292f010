package config

// Environment modes
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Installation paths (production)
const (
	BinDir             = "/usr/local/bin"
	DefaultGODir       = "/opt/gateone"
	DefaultSessionDir  = "/tmp/gateone"
	DefaultUserDir     = "/var/lib/gateone/users"
	DefaultSettingsDir = "/etc/gateone/conf.d"
	DefaultPort        = 10443
)

// Repository
const (
	RepoOwner = "liftoff"
	RepoName  = "GateOne"
)

// Build info - set at build time via ldflags:
// go build -ldflags "-X github.com/.../config.Version=v1.0.0"
var (
	Version   = "untracked"
	CommitSHA = ""
	BuildTime = ""
)
