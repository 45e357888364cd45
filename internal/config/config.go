// Package config loads turnipd's configuration from flags and environment
// variables, in the same flat flag.FlagSet + envOrDefault style the teacher
// used for its single role. turnipd has several roles (backend, virt,
// frontend, http, ssh, hook, maintain); each reads only the fields it needs
// and ignores the rest.
package config

import (
	"fmt"
	"flag"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds settings for every turnipd role.
type Config struct {
	// Shared
	LogLevel        string
	MetricsPath     string
	HealthPath      string
	AdminListenAddr string

	// backend: spawns git processes against repos on local disk
	BackendListenAddr string
	RepoRoot          string
	HookRPCSockPath   string
	StatsdEnvironment string
	UploadPackThreads int

	// virt: path translation + write gating in front of the backend
	VirtListenAddr   string
	VirtinfoEndpoint string
	VirtinfoTimeout  time.Duration
	BackendHost      string
	BackendPort      int

	// frontend: anonymous git:// TCP listener in front of virt
	FrontendListenAddr string

	// http: smart HTTP adaptor in front of virt
	HTTPListenAddr string
	GitVersion     string
	BuildVersion   string

	// ssh: smart SSH adaptor in front of virt
	SSHListenAddr  string
	SSHHostKeyPath string

	// maintain: one-shot repository maintenance pass
	MaintenanceRepo string
	MaintenanceFull bool

	// discovery: optional AWS self-registration, ambient ops tooling
	AWSCloudMapServiceID string
	Route53HostedZoneID  string
	Route53RecordName    string
}

func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("turnipd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level: debug,info,warn,error")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", envOrDefault("METRICS_PATH", "/metrics"), "path for Prometheus metrics")
	fs.StringVar(&cfg.HealthPath, "health-path", envOrDefault("HEALTH_PATH", "/healthz"), "path for health checks")
	fs.StringVar(&cfg.AdminListenAddr, "admin-listen-addr", envOrDefault("ADMIN_LISTEN_ADDR", "127.0.0.1:9090"), "listen address for /metrics and /healthz on roles that aren't already an HTTP server (backend, virt, frontend, ssh)")

	fs.StringVar(&cfg.BackendListenAddr, "backend-listen-addr", envOrDefault("BACKEND_LISTEN_ADDR", "127.0.0.1:9419"), "pack backend TCP listen address")
	fs.StringVar(&cfg.RepoRoot, "repo-root", envOrDefault("REPO_ROOT", "/srv/turnip/repos"), "root directory for bare repositories")
	fs.StringVar(&cfg.HookRPCSockPath, "hookrpc-sock", envOrDefault("HOOKRPC_SOCK", "/run/turnip/hookrpc.sock"), "path to the hook RPC UNIX socket")
	fs.StringVar(&cfg.StatsdEnvironment, "statsd-environment", envOrDefault("STATSD_ENVIRONMENT", "production"), "environment tag applied to git child resource-usage metrics")
	fs.IntVar(&cfg.UploadPackThreads, "upload-pack-threads", envOrDefaultInt("UPLOAD_PACK_THREADS", 0), "pack.threads to use for upload-pack (0 means git default)")

	fs.StringVar(&cfg.VirtListenAddr, "virt-listen-addr", envOrDefault("VIRT_LISTEN_ADDR", "127.0.0.1:9420"), "virt proxy TCP listen address")
	fs.StringVar(&cfg.VirtinfoEndpoint, "virtinfo-endpoint", envOrDefault("VIRTINFO_ENDPOINT", "http://localhost:8090/"), "authorisation service endpoint")
	virtinfoTimeoutStr := fs.String("virtinfo-timeout", envOrDefault("VIRTINFO_TIMEOUT", "15s"), "timeout for authorisation service RPCs")
	fs.StringVar(&cfg.BackendHost, "backend-host", envOrDefault("BACKEND_HOST", "127.0.0.1"), "pack backend host, as seen by the virt proxy")
	backendPortStr := fs.String("backend-port", envOrDefault("BACKEND_PORT", "9419"), "pack backend port")

	fs.StringVar(&cfg.FrontendListenAddr, "frontend-listen-addr", envOrDefault("FRONTEND_LISTEN_ADDR", "0.0.0.0:9418"), "anonymous git:// frontend TCP listen address")

	fs.StringVar(&cfg.HTTPListenAddr, "http-listen-addr", envOrDefault("HTTP_LISTEN_ADDR", ":8080"), "smart HTTP frontend listen address")
	fs.StringVar(&cfg.GitVersion, "git-version", envOrDefault("GIT_VERSION", "2.43.0"), "git version string advertised in capability lists")
	fs.StringVar(&cfg.BuildVersion, "build-version", envOrDefault("BUILD_VERSION", "dev"), "turnipd build version advertised in the agent capability")

	fs.StringVar(&cfg.SSHListenAddr, "ssh-listen-addr", envOrDefault("SSH_LISTEN_ADDR", "0.0.0.0:9422"), "smart SSH frontend listen address")
	fs.StringVar(&cfg.SSHHostKeyPath, "ssh-host-key", envOrDefault("SSH_HOST_KEY", "/etc/turnip/ssh_host_ed25519_key"), "path to the SSH host private key")

	fs.StringVar(&cfg.MaintenanceRepo, "maintenance-repo", envOrDefault("MAINTENANCE_REPO", ""), "if set, run maintenance on the given repo path (or \"all\") and exit")
	fs.BoolVar(&cfg.MaintenanceFull, "maintenance-full", envOrDefaultBool("MAINTENANCE_FULL", false), "run a full repack+bitmap pass instead of just midx/commit-graph")

	fs.StringVar(&cfg.AWSCloudMapServiceID, "aws-cloud-map-service-id", envOrDefault("AWS_CLOUD_MAP_SERVICE_ID", ""), "AWS Cloud Map service ID for self-registration and health heartbeat")
	fs.StringVar(&cfg.Route53HostedZoneID, "route53-hosted-zone-id", envOrDefault("ROUTE53_HOSTED_ZONE_ID", ""), "Route53 hosted zone ID for self-registration")
	fs.StringVar(&cfg.Route53RecordName, "route53-record-name", envOrDefault("ROUTE53_RECORD_NAME", ""), "Route53 record name (e.g. git.example.com)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if cfg.VirtinfoTimeout, err = time.ParseDuration(*virtinfoTimeoutStr); err != nil {
		return nil, fmt.Errorf("invalid virtinfo-timeout: %w", err)
	}
	if cfg.BackendPort, err = strconv.Atoi(*backendPortStr); err != nil {
		return nil, fmt.Errorf("invalid backend-port: %w", err)
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envOrDefaultInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}
