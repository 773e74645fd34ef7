// Package config parses the dispatcher's three process flavors' command
// lines: manager, proxy, and the default (client) mode, per the external
// interface the top-level selector exposes.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LogJSON controls the ambient logging.Logger format for all three modes;
// read from the environment since it applies before flag parsing has a
// chance to run (needed to log flag-parse errors themselves).
func LogJSON() bool {
	return envBool("DISPATCHER_LOG_JSON", false)
}

// ManagerConfig is the manager subcommand's flag surface (§6).
type ManagerConfig struct {
	RootPath               string
	Backend                string // "fork" or "docker"
	Bind                   string
	SSLCert                string
	SSLKey                 string
	LeapProvider           string
	LeapProviderCA         string
	LeapProviderFingerprint string
	Daemon                 bool
	PIDFile                string

	AuditDBPath       string
	MemorySnapshotEvery string // cron schedule, e.g. "@every 5m"
	MetricsEnabled    bool

	WebhookURL string // optional lifecycle-event webhook sink, "" disables it

	DockerSock   string // used only when Backend == "docker"
	DockerImage  string // pull/build ref used only when Backend == "docker"
	DockerConfig string // ~/.docker/config.json fallback for registry auth
	PortMin      int
	PortMax      int

	AgentPath string // agent binary, used only when Backend == "fork"
}

// ParseManagerFlags parses args (normally os.Args[1:] after the "manager"
// subcommand has been stripped) into a ManagerConfig. Precedence, lowest to
// highest: builtin default, --config YAML file, environment variable, flag.
func ParseManagerFlags(args []string) (*ManagerConfig, error) {
	overrides := loadConfigFile(args)

	fs := flag.NewFlagSet("manager", flag.ContinueOnError)
	cfg := &ManagerConfig{}
	var configPath string
	fs.StringVar(&configPath, "config", "", "path to a YAML file of flag defaults")
	fs.StringVar(&cfg.RootPath, "root-path", envStr("DISPATCHER_ROOT_PATH", overrides.str("root-path", "/var/dispatcher")), "root directory for per-user state")
	fs.StringVar(&cfg.Backend, "backend", envStr("DISPATCHER_BACKEND", overrides.str("backend", "fork")), "provider backend: fork or docker")
	fs.StringVar(&cfg.Bind, "bind", envStr("DISPATCHER_MANAGER_BIND", overrides.str("bind", "127.0.0.1:6868")), "address the manager API listens on")
	fs.StringVar(&cfg.SSLCert, "sslcert", envStr("DISPATCHER_SSLCERT", ""), "TLS certificate path")
	fs.StringVar(&cfg.SSLKey, "sslkey", envStr("DISPATCHER_SSLKEY", ""), "TLS key path")
	fs.StringVar(&cfg.LeapProvider, "leap-provider", envStr("DISPATCHER_LEAP_PROVIDER", ""), "identity provider server name")
	fs.StringVar(&cfg.LeapProviderCA, "leap-provider-ca", envStr("DISPATCHER_LEAP_PROVIDER_CA", ""), "identity provider CA bundle path")
	fs.StringVar(&cfg.LeapProviderFingerprint, "leap-provider-fingerprint", envStr("DISPATCHER_LEAP_PROVIDER_FINGERPRINT", ""), "pinned SHA-256 fingerprint of the provider's leaf certificate")
	fs.BoolVar(&cfg.Daemon, "daemon", envBool("DISPATCHER_DAEMON", false), "accepted for compatibility; the process does not detach")
	fs.StringVar(&cfg.PIDFile, "pidfile", envStr("DISPATCHER_PIDFILE", ""), "path to write the process PID to")
	fs.StringVar(&cfg.AuditDBPath, "audit-db", envStr("DISPATCHER_AUDIT_DB", ""), "bbolt file for the lifecycle/memory audit log, \"\" disables it")
	fs.StringVar(&cfg.MemorySnapshotEvery, "memory-snapshot-every", envStr("DISPATCHER_MEMORY_SNAPSHOT_EVERY", "@every 5m"), "cron schedule for periodic memory_usage() snapshots")
	fs.BoolVar(&cfg.MetricsEnabled, "metrics", envBool("DISPATCHER_METRICS", true), "expose Prometheus metrics on /metrics")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", envStr("DISPATCHER_WEBHOOK_URL", ""), "URL to POST lifecycle events to, \"\" disables it")
	fs.StringVar(&cfg.DockerSock, "docker-sock", envStr("DISPATCHER_DOCKER_SOCK", "/var/run/docker.sock"), "Docker daemon socket path (or tcp://host:port), used only with --backend=docker")
	fs.StringVar(&cfg.DockerImage, "docker-image", envStr("DISPATCHER_DOCKER_IMAGE", "dispatcher-agent"), "agent image ref to pull or build, used only with --backend=docker")
	fs.StringVar(&cfg.DockerConfig, "docker-config", envStr("DISPATCHER_DOCKER_CONFIG", ""), "path to a docker config.json for private-registry auth, \"\" disables it")
	fs.IntVar(&cfg.PortMin, "port-min", 5000, "lowest port handed out by the port pool")
	fs.IntVar(&cfg.PortMax, "port-max", 5999, "highest port handed out by the port pool")
	fs.StringVar(&cfg.AgentPath, "agent-path", envStr("DISPATCHER_AGENT_PATH", "/usr/local/bin/dispatcher-agent"), "agent binary path, used only with --backend=fork")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the manager flag surface for invalid combinations.
func (c *ManagerConfig) Validate() error {
	var errs []error
	switch c.Backend {
	case "fork", "docker":
	default:
		errs = append(errs, fmt.Errorf("--backend must be fork or docker, got %q", c.Backend))
	}
	if c.RootPath == "" {
		errs = append(errs, errors.New("--root-path is required"))
	}
	if (c.SSLCert == "") != (c.SSLKey == "") {
		errs = append(errs, errors.New("--sslcert and --sslkey must both be set or both empty"))
	}
	if c.PortMin <= 0 || c.PortMax <= 0 || c.PortMin > c.PortMax {
		errs = append(errs, fmt.Errorf("invalid port range [%d, %d]", c.PortMin, c.PortMax))
	}
	return errors.Join(errs...)
}

// ProxyConfig is the proxy subcommand's flag surface (§6).
type ProxyConfig struct {
	Manager            string
	Bind               string
	SSLCert            string
	SSLKey             string
	Fingerprint        string
	DisableVerifyHostname bool
	Banner             string
	Daemon             bool
	PIDFile            string
	CookieSecure       bool
	SessionKeyFile     string
}

// ParseProxyFlags parses args into a ProxyConfig.
func ParseProxyFlags(args []string) (*ProxyConfig, error) {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	cfg := &ProxyConfig{}
	fs.StringVar(&cfg.Manager, "manager", envStr("DISPATCHER_MANAGER", "127.0.0.1:6868"), "manager API host:port")
	fs.StringVar(&cfg.Bind, "bind", envStr("DISPATCHER_PROXY_BIND", "0.0.0.0:6969"), "address the proxy listens on")
	fs.StringVar(&cfg.SSLCert, "sslcert", envStr("DISPATCHER_SSLCERT", ""), "TLS certificate path")
	fs.StringVar(&cfg.SSLKey, "sslkey", envStr("DISPATCHER_SSLKEY", ""), "TLS key path")
	fs.StringVar(&cfg.Fingerprint, "fingerprint", envStr("DISPATCHER_FINGERPRINT", ""), "pinned SHA-256 fingerprint of the manager's leaf certificate")
	fs.BoolVar(&cfg.DisableVerifyHostname, "disable-verifyhostname", envBool("DISPATCHER_DISABLE_VERIFYHOSTNAME", false), "skip hostname verification against the manager's certificate")
	fs.StringVar(&cfg.Banner, "banner", envStr("DISPATCHER_BANNER", ""), "operator banner shown on the login page")
	fs.BoolVar(&cfg.Daemon, "daemon", envBool("DISPATCHER_DAEMON", false), "accepted for compatibility; the process does not detach")
	fs.StringVar(&cfg.PIDFile, "pidfile", envStr("DISPATCHER_PIDFILE", ""), "path to write the process PID to")
	fs.BoolVar(&cfg.CookieSecure, "cookie-secure", envBool("DISPATCHER_COOKIE_SECURE", true), "set the Secure attribute on the session cookie")
	fs.StringVar(&cfg.SessionKeyFile, "session-key-file", envStr("DISPATCHER_SESSION_KEY_FILE", ""), "path to a persisted session-signing key; generated in memory if empty")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the proxy flag surface for invalid combinations.
func (c *ProxyConfig) Validate() error {
	var errs []error
	if c.Manager == "" {
		errs = append(errs, errors.New("--manager is required"))
	}
	if (c.SSLCert == "") != (c.SSLKey == "") {
		errs = append(errs, errors.New("--sslcert and --sslkey must both be set or both empty"))
	}
	return errors.Join(errs...)
}

// ClientConfig is the default (CLI client) mode's flag surface (§6).
type ClientConfig struct {
	Server            string
	NoCheckCertificate bool
	NoSSL             bool
}

// ParseClientFlags parses args into a ClientConfig, returning the remaining
// positional arguments (the subcommand and its own arguments, e.g.
// "add alice").
func ParseClientFlags(args []string) (*ClientConfig, []string, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	cfg := &ClientConfig{}
	fs.StringVar(&cfg.Server, "server", envStr("DISPATCHER_SERVER", "127.0.0.1:6868"), "manager host:port")
	fs.BoolVar(&cfg.NoCheckCertificate, "no-check-certificate", false, "skip hostname verification of the manager's certificate; the certificate chain is still verified")
	fs.BoolVar(&cfg.NoSSL, "no-ssl", false, "connect to the manager over plain HTTP")
	fs.BoolVar(&cfg.NoCheckCertificate, "k", false, "shorthand for --no-check-certificate")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

// fileOverrides holds flag-name -> value pairs read from a --config YAML
// file, consulted between a flag's builtin default and its environment
// variable.
type fileOverrides map[string]string

func (o fileOverrides) str(key, fallback string) string {
	if v, ok := o[key]; ok {
		return v
	}
	return fallback
}

// loadConfigFile scans args for --config (or -config) and, if present,
// parses the referenced YAML file into a flat flag-name -> value map. A
// missing or unreadable file yields no overrides rather than an error --
// --config is purely a convenience layer beneath flags and env vars.
func loadConfigFile(args []string) fileOverrides {
	var path string
	for i, a := range args {
		switch {
		case a == "--config" || a == "-config":
			if i+1 < len(args) {
				path = args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			path = strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			path = strings.TrimPrefix(a, "-config=")
		}
	}
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var m map[string]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
