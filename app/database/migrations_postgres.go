package database

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	slogctx "github.com/veqryn/slog-context"
)

// Migration is one versioned step of the PostgreSQL schema
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

var postgresMigrations = []Migration{
	{
		Version: 1,
		Name:    "create_pages_table",
		Up: `
			CREATE TABLE IF NOT EXISTS pages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				url TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				headings TEXT NOT NULL DEFAULT '[]',
				keywords TEXT NOT NULL DEFAULT '[]',
				content TEXT NOT NULL DEFAULT '',
				is_excluded BOOLEAN NOT NULL DEFAULT FALSE,
				crawled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (session_id, url)
			);
			CREATE INDEX IF NOT EXISTS pages_session_crawled ON pages (session_id, crawled_at DESC, id);
		`,
		Down: `
			DROP INDEX IF EXISTS pages_session_crawled;
			DROP TABLE IF EXISTS pages;
		`,
	},
	{
		Version: 2,
		Name:    "create_filter_blocks_table",
		Up: `
			CREATE TABLE IF NOT EXISTS filter_blocks (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				color TEXT NOT NULL DEFAULT '',
				rule TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS filter_blocks_session ON filter_blocks (session_id, created_at);

			CREATE TABLE IF NOT EXISTS page_exclusions (
				page_id TEXT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
				source TEXT NOT NULL,
				PRIMARY KEY (page_id, source)
			);
			CREATE INDEX IF NOT EXISTS page_exclusions_source ON page_exclusions (source);
		`,
		Down: `
			DROP TABLE IF EXISTS page_exclusions;
			DROP TABLE IF EXISTS filter_blocks;
		`,
	},
	{
		Version: 3,
		Name:    "create_page_embeddings_table",
		Up: `
			CREATE TABLE IF NOT EXISTS page_embeddings (
				page_id TEXT PRIMARY KEY REFERENCES pages(id) ON DELETE CASCADE,
				model TEXT NOT NULL,
				dimensions INTEGER NOT NULL,
				embedding REAL[] NOT NULL,
				generated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS page_embeddings_dimensions ON page_embeddings (dimensions);
		`,
		Down: `
			DROP TABLE IF EXISTS page_embeddings;
		`,
	},
	{
		Version: 4,
		Name:    "record_ingested_exclusions",
		Up: `
			INSERT INTO page_exclusions (page_id, source)
			SELECT p.id, 'manual' FROM pages p
			WHERE p.is_excluded AND NOT EXISTS (SELECT 1 FROM page_exclusions e WHERE e.page_id = p.id);
		`,
		// The backfilled rows can't be told apart from real manual exclusions, so they stay
		Down: `SELECT 1;`,
	},
}

// migrate runs every migration newer than the version recorded in `schema_version`.
func migrate(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		);
	`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := schemaVersion(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	slogctx.Debug(ctx, "Current schema version", "version", current)

	sorted := slices.Clone(postgresMigrations)
	slices.SortFunc(sorted, func(a, b Migration) int { return a.Version - b.Version })

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}

		slogctx.Info(ctx, "Running migration", "version", m.Version, "name", m.Name)
		if err := runMigration(ctx, conn, m); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", m.Version, m.Name, err)
		}
	}

	return nil
}

func schemaVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var version int
	err := conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}

func runMigration(ctx context.Context, conn *sql.DB, m Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version, name) VALUES ($1, $2)", m.Version, m.Name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// rollbackAll undoes every applied migration, newest first.
func rollbackAll(ctx context.Context, conn *sql.DB) error {
	current, err := schemaVersion(ctx, conn)
	if err != nil {
		return err
	}

	for i := len(postgresMigrations) - 1; i >= 0; i-- {
		m := postgresMigrations[i]
		if m.Version > current {
			continue
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.Down); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to roll back migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version WHERE version = $1", m.Version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		slogctx.Info(ctx, "Rolled back migration", "version", m.Version)
	}

	return nil
}
