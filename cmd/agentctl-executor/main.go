// Command agentctl-executor is the per-session child process: it serves the
// Executor HTTP Server for exactly one session, running one agent
// subprocess per job and persisting the job's event log.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workspace/agentctl/internal/config"
	"github.com/workspace/agentctl/internal/executorserver"
	"github.com/workspace/agentctl/internal/jobstore"
	"github.com/workspace/agentctl/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	cfg, err := config.LoadExecutor(os.Args[1:])
	if err != nil {
		log.Fatalf("agentctl-executor: failed to load configuration: %v", err)
	}

	dbPath := cfg.JobDBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.WorkspaceDir, ".agentctl-jobs.db")
	}
	store, err := jobstore.Open(dbPath)
	if err != nil {
		log.Fatalf("agentctl-executor: failed to open job store: %v", err)
	}
	defer store.Close()

	runner := &executorserver.AgentRunner{Command: cfg.AgentCommand, Args: cfg.AgentArgs}

	srv := executorserver.New(executorserver.Config{
		ExecID:       cfg.ExecID,
		Version:      version,
		AuthToken:    cfg.AuthToken,
		WorkspaceDir: cfg.WorkspaceDir,
	}, store, runner)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentctl-executor starting", "execId", cfg.ExecID, "listenAddr", cfg.ListenAddr, "workspaceDir", cfg.WorkspaceDir)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("agentctl-executor: server error: %v", err)
	case sig := <-sigCh:
		slog.Info("agentctl-executor received signal, shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("agentctl-executor: graceful HTTP shutdown failed", "error", err)
	}

	slog.Info("agentctl-executor stopped")
}
