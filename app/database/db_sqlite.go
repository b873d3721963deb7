package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "embed"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDatabase is a database driver that stores page vectors as BLOBs and
// ranks them with the sqlite-vec extension. For more info on sqlite-vec, see
// https://alexgarcia.xyz/sqlite-vec/
type SQLiteDatabase struct {
	sqlDatabase
}

//go:embed db_sqlite_setup.sql
var setupCommands string

var loadExtensions sync.Once

// Fixed-width so that timestamps sort lexically in chronological order
const sqliteTimeFormat = "2006-01-02 15:04:05.000000000"

func (db *SQLiteDatabase) Setup(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, setupCommands)
	return err
}

func (db *SQLiteDatabase) WriteEmbedding(ctx context.Context, embedding Embedding) error {
	blob, err := sqlite_vec.SerializeFloat32(embedding.Vector)
	if err != nil {
		return err
	}

	generatedAt := embedding.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO page_embeddings (page_id, model, dimensions, embedding, generated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (page_id) DO UPDATE SET
			model = excluded.model,
			dimensions = excluded.dimensions,
			embedding = excluded.embedding,
			generated_at = excluded.generated_at;
	`, embedding.PageID, embedding.Model, len(embedding.Vector), blob, db.timeValue(generatedAt))
	return err
}

func (db *SQLiteDatabase) Nearest(ctx context.Context, model string, vector []float32, topK int, floor float64) ([]Match, error) {
	if topK < 1 || len(vector) == 0 {
		return []Match{}, nil
	}

	query, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, err
	}

	// vec_distance_cosine fails on vectors of different lengths, so those rows are
	// given a NULL similarity (which never passes the floor) instead.
	rows, err := db.conn.QueryContext(ctx, `
		SELECT page_id, similarity FROM (
			SELECT e.page_id AS page_id,
				CASE WHEN e.dimensions = ? THEN 1.0 - vec_distance_cosine(e.embedding, ?) END AS similarity
			FROM page_embeddings e
			JOIN pages p ON p.id = e.page_id
			WHERE p.is_excluded = ? AND e.model = ?
		)
		WHERE similarity IS NOT NULL AND similarity >= ?
		ORDER BY similarity DESC, page_id ASC
		LIMIT ?;
	`, len(vector), query, false, model, floor, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		match := Match{}
		if err := rows.Scan(&match.PageID, &match.Similarity); err != nil {
			return nil, err
		}
		matches = append(matches, match)
	}
	return matches, rows.Err()
}

func SQLite(conn *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{sqlDatabase{
		conn:   conn,
		rebind: func(query string) string { return query },
		timeValue: func(t time.Time) any {
			return t.UTC().Format(sqliteTimeFormat)
		},
	}}
}

func SQLiteFromFile(fileName string) (*SQLiteDatabase, error) {
	// Registers sqlite-vec for every connection opened from now on
	loadExtensions.Do(sqlite_vec.Auto)

	dsn := fileName
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite allows a single writer; serializing connections avoids "database is locked" errors
	// when a read and a transaction overlap.
	conn.SetMaxOpenConns(1)

	return SQLite(conn), nil
}
