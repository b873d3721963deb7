package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/fluxcapacitor2/easylink/app/anchor"
	"github.com/fluxcapacitor2/easylink/app/config"
	"github.com/fluxcapacitor2/easylink/app/database"
	"github.com/fluxcapacitor2/easylink/app/embedding"
	"github.com/fluxcapacitor2/easylink/app/filter"
	"github.com/fluxcapacitor2/easylink/app/index"
	"github.com/fluxcapacitor2/easylink/app/match"
	"github.com/fluxcapacitor2/easylink/app/pages"
	"github.com/urfave/cli/v2"
	slogctx "github.com/veqryn/slog-context"
)

func main() {
	app := &cli.App{
		Name:  "easylink",
		Usage: "Suggest internal links between the pages of a crawled site",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yml",
				EnvVars: []string{"EASYLINK_CONFIG"},
				Usage:   "path to the YAML configuration file",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print results as JSON",
			},
		},
		Commands: commands,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

// env holds everything a command needs. It's built once per invocation.
type env struct {
	config    *config.Config
	db        database.Database
	store     *pages.Store
	engine    *filter.Engine
	index     *index.Index
	ranker    *match.Ranker
	extractor *anchor.Extractor
}

func (e *env) Close() {
	if err := e.db.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}

// setup loads configuration, configures logging, and connects to the database.
// The returned context is canceled on SIGINT or SIGTERM.
func setup(c *cli.Context) (context.Context, context.CancelFunc, *env, error) {
	cfg, err := config.Read(c.String("config"))
	if errors.Is(err, fs.ErrNotExist) && !c.IsSet("config") {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := setupLogging(cfg.Log); err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)

	// Set up a database connection using the specified driver
	var db database.Database

	switch cfg.DB.Driver {
	case "sqlite":
		sqlite, err := database.SQLiteFromFile(cfg.DB.ConnectionString)
		if err != nil {
			cancel()
			return nil, nil, nil, fmt.Errorf("error opening SQLite database: %w", err)
		}
		db = sqlite
	case "postgres":
		postgres, err := database.PostgresFromDSN(cfg.DB.ConnectionString)
		if err != nil {
			cancel()
			return nil, nil, nil, fmt.Errorf("error opening Postgres database: %w", err)
		}
		db = postgres
	default:
		cancel()
		return nil, nil, nil, fmt.Errorf("unknown database driver: %v. Valid drivers include: sqlite, postgres", cfg.DB.Driver)
	}

	// Create DB tables if they don't exist
	if err := db.Setup(ctx); err != nil {
		cancel()
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to set up database: %w", err)
	}

	embedder, err := embedding.New(cfg.Embeddings)
	if err != nil {
		cancel()
		db.Close()
		return nil, nil, nil, err
	}
	extractor, err := anchor.New(cfg.Extraction)
	if err != nil {
		cancel()
		db.Close()
		return nil, nil, nil, err
	}

	store := pages.NewStore(db)
	idx := index.New(db, embedder, cfg.Embeddings.MaxTokens)

	return ctx, cancel, &env{
		config:    cfg,
		db:        db,
		store:     store,
		engine:    filter.NewEngine(db, store),
		index:     idx,
		ranker:    match.NewRanker(idx, store, extractor, cfg.Suggestions.SimilarityFloor),
		extractor: extractor,
	}, nil
}

func setupLogging(cfg config.Log) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q. Valid formats include: text, json", cfg.Format)
	}

	// Attributes appended to a context with `slogctx.Append` are added to every log line written with that context
	slog.SetDefault(slog.New(slogctx.NewHandler(handler, nil)))
	return nil
}
