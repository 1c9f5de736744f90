package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trustplane/trustplane/internal/access"
	"github.com/trustplane/trustplane/internal/api"
	"github.com/trustplane/trustplane/internal/audit"
	"github.com/trustplane/trustplane/internal/config"
	"github.com/trustplane/trustplane/internal/engine"
	"github.com/trustplane/trustplane/internal/infra"
	"github.com/trustplane/trustplane/internal/session"
)

// configuredCheckers builds the authorization checkers declared in the
// access section. Empty sections contribute no checker.
func configuredCheckers(ac config.AccessConfig) []access.Checker {
	var checkers []access.Checker
	if len(ac.PrincipalRoles) > 0 || len(ac.ResourceRoles) > 0 {
		checkers = append(checkers, &access.RoleChecker{
			PrincipalRoles: ac.PrincipalRoles,
			ResourceRoles:  ac.ResourceRoles,
		})
	}
	if len(ac.ResourceAttributes) > 0 {
		checkers = append(checkers, &access.AttributeChecker{
			ResourceAttributes: ac.ResourceAttributes,
		})
	}
	if len(ac.BlockedActions) > 0 || len(ac.AllowedHours) > 0 {
		checkers = append(checkers, &access.ContextualChecker{
			BlockedActions: ac.BlockedActions,
			AllowedHours:   ac.AllowedHours,
		})
	}
	return checkers
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using process environment")
	}

	configPath := os.Getenv("TRUSTPLANE_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("configuration rejected", "error", err)
		os.Exit(1)
	}

	// Optional Redis session snapshots; the in-memory registry is
	// authoritative when Redis is absent.
	var snapshots session.SnapshotStore
	if cfg.Redis.Addr != "" {
		store, err := infra.NewRedisSnapshotStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, 0)
		if err != nil {
			slog.Warn("redis unavailable, running without session snapshots", "error", err)
		} else {
			snapshots = store
			defer store.Close()
		}
	}

	// Optional Postgres audit trail with in-memory fallback.
	var auditSink audit.Sink
	if cfg.Audit.PostgresDSN != "" {
		sink, err := audit.NewPostgresSink(cfg.Audit.PostgresDSN, cfg.Audit.BufferSize)
		if err != nil {
			slog.Warn("postgres unavailable, auditing in memory", "error", err)
		} else {
			auditSink = sink
		}
	}
	if auditSink == nil {
		auditSink = audit.NewMemorySink(0)
	}

	alerts := audit.NewMemoryAlertSink(0)
	registry := prometheus.NewRegistry()

	core, err := engine.New(cfg, engine.Options{
		SnapshotStore: snapshots,
		AuditSink:     auditSink,
		AlertSink:     alerts,
		Registerer:    registry,
		Checkers:      configuredCheckers(cfg.Access),
	})
	if err != nil {
		slog.Error("engine construction failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := core.Activate(ctx); err != nil {
		slog.Error("engine activation failed", "error", err)
		os.Exit(1)
	}

	router := api.NewServer(core, alerts).Router(registry)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "error", err)
		}
		if err := core.Shutdown(shutdownCtx); err != nil {
			slog.Warn("engine shutdown error", "error", err)
		}
	}()

	slog.Info("trustplane listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
