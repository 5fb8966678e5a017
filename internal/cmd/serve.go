package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/playpen-dev/playpen/internal/audit"
	"github.com/playpen-dev/playpen/internal/backend"
	"github.com/playpen-dev/playpen/internal/config"
	"github.com/playpen-dev/playpen/internal/daemon"
	"github.com/playpen-dev/playpen/internal/lifecycle"
	"github.com/playpen-dev/playpen/internal/logging"
	"github.com/playpen-dev/playpen/internal/mount"
	"github.com/playpen-dev/playpen/internal/proxy"
	"github.com/playpen-dev/playpen/internal/registry"
	"github.com/playpen-dev/playpen/internal/secret"
	"github.com/playpen-dev/playpen/internal/server"
	"github.com/playpen-dev/playpen/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the playpen daemon in the foreground",
	Long: `Run the control plane in the foreground: reconcile the registry
against the live engines, then serve the HTTP API until interrupted.

Normally launched in the background via 'playpen start'.`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind address (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	home, err := config.EnsureHome()
	if err != nil {
		return err
	}

	pidPath := daemon.Path(home)
	if err := daemon.WritePIDFile(pidPath, cfg.Server.Host, cfg.Server.Port); err != nil {
		return err
	}
	defer func() {
		if err := daemon.RemovePIDFile(pidPath); err != nil {
			logging.Logger.Warn("failed to remove pid file", "error", err)
		}
	}()

	store, err := registry.NewStore(filepath.Join(home, "registry.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	auditLog, err := audit.Open(filepath.Join(home, "audit.log"))
	if err != nil {
		return err
	}
	defer auditLog.Close()

	validator, err := mount.NewValidator(cfg.BlockedPaths)
	if err != nil {
		return err
	}
	secretsDir, err := config.SecretsDir()
	if err != nil {
		return err
	}

	drivers := map[session.Backend]backend.Driver{
		session.BackendContainer: backend.NewDockerDriver(),
		session.BackendVM:        backend.NewVMCloneDriver(),
	}

	orch := lifecycle.New(cfg, store, drivers, secret.NewResolver(secretsDir), validator, auditLog)
	qp := proxy.New(cfg, store, auditLog)
	srv := server.New(cfg, orch, qp, store, auditLog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditLog.Record(audit.Event{Category: audit.CategoryDaemon, Action: "start"})
	defer auditLog.Record(audit.Event{Category: audit.CategoryDaemon, Action: "stop"})

	if err := orch.Reconcile(ctx); err != nil {
		logging.Logger.Error("startup reconciliation failed", "error", err)
	}

	go lifecycle.NewMonitor(orch).Run(ctx)

	return srv.Run(ctx)
}
