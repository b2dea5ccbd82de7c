package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fentz26/warden/internal/agentexec"
	"github.com/fentz26/warden/internal/audit"
	"github.com/fentz26/warden/internal/config"
	"github.com/fentz26/warden/internal/controlplane"
	"github.com/fentz26/warden/internal/delivery"
	"github.com/fentz26/warden/internal/log"
	"github.com/fentz26/warden/internal/metrics"
	"github.com/fentz26/warden/internal/repocfg"
	"github.com/fentz26/warden/internal/runner"
	"github.com/fentz26/warden/internal/sandbox"
	"github.com/fentz26/warden/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the warden daemon",
	Long:  `Starts the warden daemon which provides the HTTP gateway for task orchestration.`,
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := log.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting warden daemon",
		zap.String("listen", cfg.ListenAddr),
		zap.String("repos_root", cfg.ReposRoot),
	)

	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	auditLog, err := audit.New(cfg.AuditPath)
	if err != nil {
		s.Close()
		return err
	}

	resolver := repocfg.NewResolver(cfg.ReposRoot)
	executor := agentexec.New(logger)
	validator := sandbox.New(resolver, logger)
	deliverer := delivery.New(logger)
	m := metrics.New()

	pipeline := runner.New(resolver, executor, validator, deliverer,
		cfg.AgentCommand, cfg.Policy, logger)

	inflight := make(map[string]struct{})
	service := controlplane.New(s, auditLog, resolver, pipeline, m, logger,
		cfg.BaseBranch, inflight)

	// Tasks left RUNNING by a previous process have no live run; close them
	// out before accepting traffic.
	if err := service.ReconcileStale(); err != nil {
		logger.Warn("stale task reconciliation failed", zap.Error(err))
	}

	server := controlplane.NewServer(service, logger, cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			s.Close()
			auditLog.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	if err := s.Close(); err != nil {
		logger.Warn("database close error", zap.Error(err))
	}
	if err := auditLog.Close(); err != nil {
		logger.Warn("audit log close error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
