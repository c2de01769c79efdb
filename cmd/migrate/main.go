// Command migrate applies the PostgreSQL schema. Every statement is
// idempotent, so it is safe to run on each deploy.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/atmx/synth-engine/internal/config"
	"github.com/atmx/synth-engine/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		slog.Error("database.url is required (SYNTH_DATABASE_URL)")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := pgx.Connect(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer conn.Close(context.Background())

	// No arguments: pgx sends the script over the simple protocol, which
	// accepts multiple statements.
	if _, err := conn.Exec(ctx, store.Schema); err != nil {
		slog.Error("migration failed", "err", err)
		os.Exit(1)
	}
	slog.Info("schema applied")
}
