package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadArgs([]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendListenAddr != "127.0.0.1:9419" {
		t.Fatalf("backend listen addr default mismatch: %s", cfg.BackendListenAddr)
	}
	if cfg.RepoRoot == "" {
		t.Fatalf("repo root default empty")
	}
	if cfg.VirtinfoTimeout != 15*time.Second {
		t.Fatalf("virtinfo timeout default mismatch: %s", cfg.VirtinfoTimeout)
	}
	if cfg.BackendPort != 9419 {
		t.Fatalf("backend port default mismatch: %d", cfg.BackendPort)
	}
}

func TestInvalidVirtinfoTimeout(t *testing.T) {
	clearEnv(t)
	_, err := LoadArgs([]string{"-virtinfo-timeout=not-a-duration"})
	if err == nil {
		t.Fatalf("expected error for invalid virtinfo-timeout")
	}
}

func TestInvalidBackendPort(t *testing.T) {
	clearEnv(t)
	_, err := LoadArgs([]string{"-backend-port=not-a-port"})
	if err == nil {
		t.Fatalf("expected error for invalid backend-port")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("REPO_ROOT", "/custom/repos")
	t.Setenv("VIRTINFO_TIMEOUT", "30s")
	cfg, err := LoadArgs([]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RepoRoot != "/custom/repos" {
		t.Fatalf("expected repo root override, got %s", cfg.RepoRoot)
	}
	if cfg.VirtinfoTimeout != 30*time.Second {
		t.Fatalf("unexpected virtinfo timeout: %s", cfg.VirtinfoTimeout)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("BACKEND_LISTEN_ADDR", "127.0.0.1:1111")
	cfg, err := LoadArgs([]string{"-backend-listen-addr=127.0.0.1:2222"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendListenAddr != "127.0.0.1:2222" {
		t.Fatalf("expected flag to win over env, got %s", cfg.BackendListenAddr)
	}
}

func TestMaintenanceFullBoolParsing(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAINTENANCE_FULL", "yes")
	cfg, err := LoadArgs([]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.MaintenanceFull {
		t.Fatalf("expected maintenance-full true from env \"yes\"")
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LOG_LEVEL", "METRICS_PATH", "HEALTH_PATH", "ADMIN_LISTEN_ADDR",
		"BACKEND_LISTEN_ADDR", "REPO_ROOT", "HOOKRPC_SOCK", "STATSD_ENVIRONMENT", "UPLOAD_PACK_THREADS",
		"VIRT_LISTEN_ADDR", "VIRTINFO_ENDPOINT", "VIRTINFO_TIMEOUT", "BACKEND_HOST", "BACKEND_PORT",
		"FRONTEND_LISTEN_ADDR",
		"HTTP_LISTEN_ADDR", "GIT_VERSION", "BUILD_VERSION",
		"SSH_LISTEN_ADDR", "SSH_HOST_KEY",
		"MAINTENANCE_REPO", "MAINTENANCE_FULL",
		"AWS_CLOUD_MAP_SERVICE_ID", "ROUTE53_HOSTED_ZONE_ID", "ROUTE53_RECORD_NAME",
	} {
		_ = os.Unsetenv(k)
	}
}
