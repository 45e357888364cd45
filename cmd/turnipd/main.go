// Command turnipd is every turnip role in one binary: the pack backend, the
// virt proxy, the anonymous TCP frontend, the smart HTTP and SSH adaptors,
// the git hook executable, and the one-shot maintenance pass. Which role
// runs is chosen by the first argument, the same way git itself dispatches
// on argv[1]; each role reads only the config.Config fields it needs.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crohr/turnip-proxy/internal/authclient"
	"github.com/crohr/turnip-proxy/internal/config"
	"github.com/crohr/turnip-proxy/internal/discovery"
	"github.com/crohr/turnip-proxy/internal/githook"
	"github.com/crohr/turnip-proxy/internal/hookrpc"
	"github.com/crohr/turnip-proxy/internal/logging"
	"github.com/crohr/turnip-proxy/internal/metrics"
	"github.com/crohr/turnip-proxy/internal/packbackend"
	"github.com/crohr/turnip-proxy/internal/packfrontend"
	"github.com/crohr/turnip-proxy/internal/packvirt"
	"github.com/crohr/turnip-proxy/internal/repostore"
	"github.com/crohr/turnip-proxy/internal/smarthttp"
	"github.com/crohr/turnip-proxy/internal/smartssh"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	role := os.Args[1]
	args := os.Args[2:]

	// git hooks invoke "turnipd hook <hook-name> [args...]" with the ref
	// update lines already on stdin; it never touches config or logging.
	if role == "hook" {
		os.Exit(githook.Run(args, os.Stdin, os.Stderr))
	}

	cfg, err := config.LoadArgs(args)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	m := metrics.New()

	switch role {
	case "backend":
		runBackend(cfg, logger, m)
	case "virt":
		runVirt(cfg, logger, m)
	case "frontend":
		runFrontend(cfg, logger, m)
	case "http":
		runHTTP(cfg, logger, m)
	case "ssh":
		runSSH(cfg, logger, m)
	case "maintain":
		runMaintain(cfg, logger)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: turnipd <backend|virt|frontend|http|ssh|hook|maintain> [flags]")
}

// waitForShutdown blocks until SIGINT/SIGTERM, then calls stop with a
// bounded context, the way the teacher's single-role main did for its one
// http.Server.
func waitForShutdown(stop func(ctx context.Context)) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	stop(ctx)
}

// adminServer hosts /metrics and /healthz for roles that don't already run
// an http.Server of their own (backend, virt, frontend and ssh), the same two
// endpoints the teacher exposed inline on its single listener.
func adminServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.HealthPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	return &http.Server{Addr: cfg.AdminListenAddr, Handler: mux, ReadHeaderTimeout: 15 * time.Second}
}

func startAdminServer(cfg *config.Config, logger *slog.Logger) *http.Server {
	admin := adminServer(cfg)
	go func() {
		logger.Info("admin server listening", "addr", cfg.AdminListenAddr)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", "err", err)
		}
	}()
	return admin
}

// startDiscovery wires the optional AWS self-registration managers, gated
// purely on whether their config fields are set; the teacher carried both
// clients but never actually called either one from its own main, so there
// is no existing wiring pattern to follow here beyond the constructors
// themselves.
func startDiscovery(ctx context.Context, cfg *config.Config, healthURL string, logger *slog.Logger) (stop func()) {
	var stops []func()

	if cfg.AWSCloudMapServiceID != "" {
		cm, err := discovery.NewCloudMapManager(ctx, cfg.AWSCloudMapServiceID, healthURL, logger)
		if err != nil {
			logger.Error("cloud map init failed", "err", err)
		} else if err := cm.Start(ctx); err != nil {
			logger.Error("cloud map registration failed", "err", err)
		} else {
			stops = append(stops, func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				cm.Stop(sctx)
			})
		}
	}

	if cfg.Route53HostedZoneID != "" && cfg.Route53RecordName != "" {
		r53, err := discovery.NewRoute53Manager(ctx, cfg.Route53HostedZoneID, cfg.Route53RecordName, logger)
		if err != nil {
			logger.Error("route53 init failed", "err", err)
		} else if err := r53.Register(ctx); err != nil {
			logger.Error("route53 registration failed", "err", err)
		} else {
			stops = append(stops, func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = r53.Deregister(sctx)
			})
		}
	}

	return func() {
		for _, s := range stops {
			s()
		}
	}
}

func runBackend(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) {
	store, err := repostore.New(cfg.RepoRoot, logger)
	if err != nil {
		logger.Error("repo store init failed", "err", err)
		os.Exit(1)
	}

	auth := authclient.NewClient(cfg.VirtinfoEndpoint, cfg.VirtinfoTimeout, false, "turnipd-backend")
	hookReg := hookrpc.NewRegistry()
	hookSrv := hookrpc.NewServer(hookReg, auth, logger)

	_ = os.Remove(cfg.HookRPCSockPath)
	hookLn, err := net.Listen("unix", cfg.HookRPCSockPath)
	if err != nil {
		logger.Error("hook rpc socket listen failed", "err", err, "path", cfg.HookRPCSockPath)
		os.Exit(1)
	}

	backendLn, err := net.Listen("tcp", cfg.BackendListenAddr)
	if err != nil {
		logger.Error("backend listen failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := packbackend.New(store, hookReg, cfg.HookRPCSockPath, auth, m, logger, cfg.UploadPackThreads, cfg.StatsdEnvironment)
	admin := startAdminServer(cfg, logger)

	go func() {
		logger.Info("hook rpc listening", "path", cfg.HookRPCSockPath)
		if err := hookSrv.Serve(ctx, hookLn); err != nil {
			logger.Error("hook rpc server failed", "err", err)
		}
	}()
	go func() {
		logger.Info("backend listening", "addr", cfg.BackendListenAddr, "repo_root", cfg.RepoRoot)
		if err := srv.Serve(ctx, backendLn); err != nil {
			logger.Error("backend server failed", "err", err)
		}
	}()

	waitForShutdown(func(sctx context.Context) {
		cancel()
		_ = admin.Shutdown(sctx)
		_ = os.Remove(cfg.HookRPCSockPath)
	})
}

func runVirt(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) {
	auth := authclient.NewClient(cfg.VirtinfoEndpoint, cfg.VirtinfoTimeout, false, "turnipd-virt")
	srv := packvirt.New(auth, cfg.BackendHost, cfg.BackendPort, m, logger)

	ln, err := net.Listen("tcp", cfg.VirtListenAddr)
	if err != nil {
		logger.Error("virt listen failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	admin := startAdminServer(cfg, logger)
	stopDiscovery := startDiscovery(ctx, cfg, "http://"+cfg.AdminListenAddr+cfg.HealthPath, logger)

	go func() {
		logger.Info("virt listening", "addr", cfg.VirtListenAddr, "backend", fmt.Sprintf("%s:%d", cfg.BackendHost, cfg.BackendPort))
		if err := srv.Serve(ctx, ln); err != nil {
			logger.Error("virt server failed", "err", err)
		}
	}()

	waitForShutdown(func(sctx context.Context) {
		cancel()
		stopDiscovery()
		_ = admin.Shutdown(sctx)
	})
}

func runFrontend(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) {
	srv := packfrontend.New(cfg.VirtListenAddr, m, logger)

	ln, err := net.Listen("tcp", cfg.FrontendListenAddr)
	if err != nil {
		logger.Error("frontend listen failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	admin := startAdminServer(cfg, logger)
	stopDiscovery := startDiscovery(ctx, cfg, "http://"+cfg.AdminListenAddr+cfg.HealthPath, logger)

	go func() {
		logger.Info("frontend listening", "addr", cfg.FrontendListenAddr, "virt", cfg.VirtListenAddr)
		if err := srv.Serve(ctx, ln); err != nil {
			logger.Error("frontend server failed", "err", err)
		}
	}()

	waitForShutdown(func(sctx context.Context) {
		cancel()
		stopDiscovery()
		_ = admin.Shutdown(sctx)
	})
}

func runHTTP(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) {
	auth := authclient.NewClient(cfg.VirtinfoEndpoint, cfg.VirtinfoTimeout, false, "turnipd-http")
	srv := smarthttp.New(cfg.VirtListenAddr, auth, cfg.GitVersion, cfg.BuildVersion, m, logger)

	mux := http.NewServeMux()
	mux.Handle(cfg.HealthPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.Handle("/", srv.Handler())

	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux, ReadHeaderTimeout: 15 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	stopDiscovery := startDiscovery(ctx, cfg, "http://"+cfg.HTTPListenAddr+cfg.HealthPath, logger)

	go func() {
		logger.Info("http listening", "addr", cfg.HTTPListenAddr, "virt", cfg.VirtListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	waitForShutdown(func(sctx context.Context) {
		cancel()
		stopDiscovery()
		if err := httpServer.Shutdown(sctx); err != nil {
			logger.Error("graceful shutdown failed", "err", err)
		}
	})
}

func runSSH(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) {
	auth := authclient.NewClient(cfg.VirtinfoEndpoint, cfg.VirtinfoTimeout, false, "turnipd-ssh")
	srv := smartssh.New(cfg.VirtListenAddr, auth, cfg.SSHHostKeyPath, m, logger)

	ln, err := net.Listen("tcp", cfg.SSHListenAddr)
	if err != nil {
		logger.Error("ssh listen failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	admin := startAdminServer(cfg, logger)
	stopDiscovery := startDiscovery(ctx, cfg, "http://"+cfg.AdminListenAddr+cfg.HealthPath, logger)

	go func() {
		logger.Info("ssh listening", "addr", cfg.SSHListenAddr, "virt", cfg.VirtListenAddr)
		if err := srv.Serve(ctx, ln); err != nil {
			logger.Error("ssh server failed", "err", err)
		}
	}()

	waitForShutdown(func(sctx context.Context) {
		cancel()
		stopDiscovery()
		_ = admin.Shutdown(sctx)
	})
}

func runMaintain(cfg *config.Config, logger *slog.Logger) {
	store, err := repostore.New(cfg.RepoRoot, logger)
	if err != nil {
		logger.Error("repo store init failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	if cfg.MaintenanceRepo == "" || cfg.MaintenanceRepo == "all" {
		if err := store.MaintainAll(ctx, cfg.MaintenanceFull); err != nil {
			logger.Error("maintain all failed", "err", err)
			os.Exit(1)
		}
		return
	}

	path, err := store.Path(cfg.MaintenanceRepo)
	if err != nil {
		logger.Error("invalid maintenance repo", "err", err)
		os.Exit(1)
	}
	store.Maintain(ctx, path, cfg.MaintenanceFull)
}
