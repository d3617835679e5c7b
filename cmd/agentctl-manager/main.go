// Command agentctl-manager runs the Session Manager: the public HTTP
// ingress that mints sessions, spawns executor children through the pool,
// and proxies job requests to them.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workspace/agentctl/internal/config"
	"github.com/workspace/agentctl/internal/logging"
	"github.com/workspace/agentctl/internal/managerserver"
	"github.com/workspace/agentctl/internal/pool"
	"github.com/workspace/agentctl/internal/registry"
	"github.com/workspace/agentctl/internal/token"
	"github.com/workspace/agentctl/internal/worktree"
)

// version is stamped at build time via -ldflags; "dev" otherwise, grounded
// on the teacher's cmd binaries not carrying a VCS-derived version either.
var version = "dev"

func main() {
	logging.Setup()

	cfg, err := config.LoadManager()
	if err != nil {
		log.Fatalf("agentctl-manager: failed to load configuration: %v", err)
	}

	prov := worktree.New(cfg.WorktreeBaseDir)
	p := pool.New(cfg.ExecutorBinaryPath, prov)

	toks, err := token.New(cfg.AuthToken)
	if err != nil {
		log.Fatalf("agentctl-manager: %v", err)
	}

	srv := managerserver.New(managerserver.Config{
		ManagerID:      cfg.ManagerID,
		Version:        version,
		AuthToken:      cfg.AuthToken,
		PoolSize:       cfg.PoolSize,
		AllowedOrigins: cfg.AllowedOrigins,
	}, p, prov, toks)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	reg := registry.New(cfg.InstancesDir, cfg.ManagerID, cfg.ListenAddr, version, []string{cfg.WorktreeBaseDir})
	reg.Start(cfg.HeartbeatInterval)
	defer reg.Stop()

	evictCtx, stopEviction := context.WithCancel(context.Background())
	defer stopEviction()
	go runEvictionLoop(evictCtx, p, cfg.IdleTimeout, cfg.EvictionInterval)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentctl-manager starting", "listenAddr", cfg.ListenAddr, "managerId", cfg.ManagerID, "poolSize", cfg.PoolSize)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("agentctl-manager: server error: %v", err)
	case sig := <-sigCh:
		slog.Info("agentctl-manager received signal, shutting down", "signal", sig.String())
	}

	stopEviction()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("agentctl-manager: graceful HTTP shutdown failed", "error", err)
	}

	p.ShutdownAll(context.Background())
	reg.Stop()

	slog.Info("agentctl-manager stopped")
}

// runEvictionLoop drives the pool's idle eviction on a fixed schedule until
// ctx is cancelled, per spec.md §4.7 ("background task runs at a configured
// interval").
func runEvictionLoop(ctx context.Context, p *pool.Pool, idleTimeout, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.EvictIdle(ctx, idleTimeout)
		}
	}
}
