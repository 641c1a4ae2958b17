package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"clipflow/internal/bootstrap"
	"clipflow/internal/config"
	"clipflow/internal/content"
	server "clipflow/internal/http"
	"clipflow/internal/migrate"
	"clipflow/internal/model"
	"clipflow/internal/provider"
	"clipflow/internal/ratelimit"
	"clipflow/internal/store"
	"clipflow/internal/sweeper"
	"clipflow/internal/workflow"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|sweeper|all")
	flag.Parse()

	cfg := config.Load(*configPath)

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN, cfg.Database.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Create a shared *sql.DB with pooling for the Store
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	// Basic pool settings; adjust as needed
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	st := store.New(db)

	// Set up logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	// Seed tenants and API keys declared in config
	if err := bootstrap.Run(context.Background(), cfg, st, logger); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	// One limiter per provider, shared between live submissions and
	// sweeper polls across every tenant.
	limiters := map[model.Stage]*ratelimit.Limiter{
		model.StageRender:  ratelimit.FromConfig(cfg.Providers.Render.Limit),
		model.StageCaption: ratelimit.FromConfig(cfg.Providers.Caption.Limit),
		model.StagePublish: ratelimit.FromConfig(cfg.Providers.Publish.Limit),
	}

	gws := provider.Gateways{
		Render:  provider.NewRender(cfg, limiters[model.StageRender]),
		Caption: provider.NewCaption(cfg, limiters[model.StageCaption]),
		Publish: provider.NewPublish(cfg, limiters[model.StagePublish]),
	}

	orch := workflow.New(st, gws, cfg, logger)
	sel := content.NewQueueSelector(st)
	sw := sweeper.New(cfg, st, orch, gws, limiters, logger)

	rootCtx := context.Background()

	switch *role {
	case "api":
		// API-only: webhook receivers and operator surface, no sweeper.
		s := server.NewServer(cfg, st, orch, sel, gws, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case "sweeper":
		// Sweeper-only: recovery loop and retention, no HTTP surface.
		sw.Start(rootCtx)
	case "all":
		// Default: run both in one process.
		go sw.Start(rootCtx)
		s := server.NewServer(cfg, st, orch, sel, gws, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	default:
		log.Fatalf("invalid role: %s (expected api|sweeper|all)", *role)
	}
}
