// Command quarry indexes repository working trees and answers
// branch-scoped hybrid search queries over them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/quarrydev/quarry/internal/chunker"
	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/internal/embedder"
	"github.com/quarrydev/quarry/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// apiKeyEnv names the environment variable carrying the embedding
// provider credential. A .env file in the working directory is honored.
const apiKeyEnv = "QUARRY_EMBEDDING_API_KEY"

func main() {
	_ = godotenv.Load()

	cliApp := &cli.App{
		Name:    "quarry",
		Usage:   "repository ingestion and branch-aware hybrid search",
		Version: fmt.Sprintf("%s (built %s, sqlite driver %s)", version, buildTime, store.DriverName),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to TOML configuration",
				EnvVars: []string{"QUARRY_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			indexCommand(),
			searchCommand(),
			askCommand(),
			serveCommand(),
			statusCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app bundles the dependencies every command builds from configuration.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	sqlite *store.SQLite
	meta   store.MetadataStore
	docs   store.DocumentStore
	emb    embedder.Embedder
}

// buildApp loads configuration and opens stores. Metadata always lives
// in SQLite; the postgres driver moves only the document index.
func buildApp(c *cli.Context) (*app, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	// Stdout carries command output; logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sqlite, err := store.OpenSQLite(cfg.Store.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		sqlite: sqlite,
		meta:   sqlite,
		docs:   sqlite,
	}

	if cfg.Store.Driver == "postgres" {
		pg, err := store.OpenPostgres(c.Context, cfg.Store.PostgresDSN, cfg.Embedding.Dimension)
		if err != nil {
			sqlite.Close()
			return nil, fmt.Errorf("failed to open document store: %w", err)
		}
		a.docs = pg
	}

	if cfg.Embedding.Endpoint != "" {
		a.emb = embedder.NewOpenAI(cfg.Embedding.Endpoint, cfg.Embedding.Model,
			os.Getenv(apiKeyEnv), cfg.Embedding.Dimension)
	} else {
		logger.Warn("no embedding endpoint configured, using deterministic local embedder")
		a.emb = embedder.NewMock(cfg.Embedding.Dimension)
	}

	return a, nil
}

func (a *app) Close() {
	if a.docs != a.sqlite {
		if err := a.docs.Close(); err != nil {
			a.logger.Warn("failed to close document store", "error", err)
		}
	}
	if err := a.sqlite.Close(); err != nil {
		a.logger.Warn("failed to close metadata store", "error", err)
	}
}

// strategy builds the configured chunking strategy.
func (a *app) strategy() chunker.Strategy {
	fixed := chunker.NewFixedToken(a.cfg.Chunker)
	if a.cfg.Chunker.Strategy == config.StrategyStructureAware {
		return chunker.NewStructureAware(a.cfg.Chunker, fixed)
	}
	return fixed
}
