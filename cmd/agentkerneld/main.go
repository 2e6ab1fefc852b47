// Command agentkerneld is the sandbox daemon: it owns the warm pool
// and serves the newline-JSON control protocol over a per-user Unix
// socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/thrashr888/agentkernel/internal/audit"
	"github.com/thrashr888/agentkernel/internal/audit/policy"
	"github.com/thrashr888/agentkernel/internal/config"
	"github.com/thrashr888/agentkernel/internal/daemon"
	"github.com/thrashr888/agentkernel/internal/logger"
	"github.com/thrashr888/agentkernel/internal/permissions"
	"github.com/thrashr888/agentkernel/internal/pool"
	"github.com/thrashr888/agentkernel/internal/rootfs"
	"github.com/thrashr888/agentkernel/internal/sandbox"
	"github.com/thrashr888/agentkernel/internal/validation"
)

// runtimeImages maps a validated runtime tag to the OCI image
// reference a backend actually pulls.
// Requests never carry an image string directly — only the runtime
// tag — so the daemon, not the caller, owns this mapping.
var runtimeImages = map[string]string{
	"base":   "alpine:latest",
	"python": "python:3-slim",
	"node":   "node:20-slim",
	"go":     "golang:1.22-alpine",
	"rust":   "rust:1-slim",
	"ruby":   "ruby:3-slim",
	"java":   "eclipse-temurin:21-jre",
	"c":      "gcc:latest",
	"dotnet": "mcr.microsoft.com/dotnet/sdk:8.0",
}

func imageForRuntime(runtime string) (string, error) {
	image, ok := runtimeImages[runtime]
	if !ok {
		return "", fmt.Errorf("no image mapping for runtime %q", runtime)
	}
	if err := validation.DockerImage(image); err != nil {
		return "", err
	}
	return image, nil
}

func main() {
	// Must run before any other initialization: a process cannot apply
	// seccomp to itself from a parent, so the microVM launcher re-execs
	// this same binary with a hidden subcommand to install the filter
	// before exec-ing into firecracker. See internal/sandbox/microvm_linux.go.
	sandbox.MaybeRunHostInit()

	root := &cobra.Command{
		Use:   "agentkerneld",
		Short: "agentkernel sandbox daemon",
		RunE:  run,
	}

	root.Flags().String("socket", "", "unix socket path (default $HOME/.agentkernel/daemon.sock)")
	root.Flags().String("config", "", "project directory to load .agentkernel/settings from (default: nearest ancestor with .agentkernel or .git, else cwd)")
	root.Flags().Bool("foreground", true, "run in the foreground (the only supported mode)")
	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	root.Flags().String("log-file", "", "log file path, written in addition to stdout (default: stdout only)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFile, _ := cmd.Flags().GetString("log-file")
	if err := logger.Init(logLevel, logFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	userConfigDir, err := config.GetUserConfigDir()
	if err != nil {
		return fmt.Errorf("resolve user config dir: %w", err)
	}
	projectDir, _ := cmd.Flags().GetString("config")
	if projectDir == "" {
		projectDir, err = config.GetProjectDir()
		if err != nil {
			return fmt.Errorf("resolve project dir: %w", err)
		}
	}
	if err := config.EnsureConfigDirs(userConfigDir, projectDir); err != nil {
		return fmt.Errorf("ensure config dirs: %w", err)
	}

	mgr := config.NewManager()
	if err := mgr.Load(userConfigDir, projectDir); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()

	watchStop := make(chan struct{})
	defer close(watchStop)
	if err := mgr.Watch(userConfigDir, projectDir, watchStop); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	socketPath, _ := cmd.Flags().GetString("socket")
	if socketPath == "" {
		socketPath = cfg.SocketPath
	}

	auditPath := cfg.AuditPath
	if auditPath == "" {
		auditPath = audit.DefaultPath()
	}
	auditEnabled := cfg.AuditEnabled == nil || *cfg.AuditEnabled
	if v, ok := os.LookupEnv("AGENTKERNEL_AUDIT"); ok && (v == "0" || v == "false") {
		auditEnabled = false
	}
	var auditLog *audit.Log // nil drops every event
	if auditEnabled {
		auditLog = audit.NewAt(auditPath)
	}

	defaultPerms := permissions.FromProfile(permissions.ParseSecurityProfile(cfg.DefaultProfile))

	factory := buildFactory(cfg)
	limits := pool.Limits{MinWarm: cfg.Pool.MinWarm, MaxWarm: cfg.Pool.MaxWarm, InUseLimit: cfg.Pool.InUseLimit}
	p := pool.New(factory, defaultPerms, auditLog, limits)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pre-provision the default (oci-container, base, native) key so a
	// freshly started daemon already has warm capacity instead of
	// paying the first caller's boot latency.
	defaultKey := pool.Key{Backend: sandbox.BackendOCIContainer, Runtime: "base", CompatibilityMode: "native"}
	p.SetLimits(defaultKey, limits)
	p.Warm(ctx, []pool.Key{defaultKey})

	p.StartMaintenance(ctx, 30*time.Second)

	srv := daemon.NewServer(p, socketPath)
	if cfg.PolicyAuditPath != "" {
		srv.SetPolicyLogger(policy.New(cfg.PolicyAuditPath))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentkerneld listening", "socket", socketPath)
		errCh <- srv.ListenAndServe(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		p.Shutdown(shutdownCtx, 15*time.Second)
		time.Sleep(200 * time.Millisecond) // let the accept-loop goroutine observe ctx.Done()
		return nil
	case <-srv.ShutdownRequested():
		logger.Info("shutdown requested over the control socket")
		cancel()
		time.Sleep(200 * time.Millisecond)
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("daemon server: %w", err)
		}
		return nil
	}
}

// buildFactory wires the pool's abstract Factory hook to concrete
// sandbox construction: the microVM backend needs a converted rootfs
// per runtime image, everything else starts directly from the image
// reference.
func buildFactory(cfg *config.Config) pool.Factory {
	rootfsDir := cfg.RootfsCacheDir
	if rootfsDir == "" {
		dir, err := config.GetUserConfigDir()
		if err == nil {
			rootfsDir = dir + "/rootfs-cache"
		}
	}

	return func(ctx context.Context, key pool.Key) (sandbox.Driver, string, error) {
		name := "agentkernel-" + uuid.NewString()[:8]

		image, err := imageForRuntime(key.Runtime)
		if err != nil {
			return nil, "", err
		}

		switch key.Backend {
		case sandbox.BackendMicroVM:
			result, err := rootfs.ConvertImageToRootfs(ctx, image, rootfsDir, cfg.GuestAgentPath)
			if err != nil {
				return nil, "", err
			}
			driver, err := sandbox.New(key.Backend, sandbox.Config{
				Name:            name,
				RootfsDir:       result.RootfsPath,
				KernelImagePath: cfg.KernelImagePath,
				GuestAgentPath:  cfg.GuestAgentPath,
			})
			return driver, result.RootfsPath, err
		case sandbox.BackendOrchestrator:
			driver, err := sandbox.New(key.Backend, sandbox.Config{Name: name})
			return driver, image, err
		default:
			driver, err := sandbox.New(key.Backend, sandbox.Config{Name: name})
			return driver, image, err
		}
	}
}
