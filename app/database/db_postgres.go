package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresDatabase stores vectors as REAL[] columns and ranks them in Go, so it
// works on servers without a vector extension installed.
type PostgresDatabase struct {
	sqlDatabase
}

func (db *PostgresDatabase) Setup(ctx context.Context) error {
	return migrate(ctx, db.conn)
}

// GetPages passes the IDs as a single array parameter instead of an `IN` list.
func (db *PostgresDatabase) GetPages(ctx context.Context, ids []string) ([]Page, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+pageColumns+" FROM pages WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return nil, err
	}
	pages, err := scanPages(rows)
	if err != nil {
		return nil, err
	}

	sources, err := db.exclusionSources(ctx, "SELECT page_id, source FROM page_exclusions WHERE page_id = ANY(?)", pq.Array(ids))
	if err != nil {
		return nil, err
	}
	attachSources(pages, sources)

	return pages, nil
}

func (db *PostgresDatabase) WriteEmbedding(ctx context.Context, embedding Embedding) error {
	generatedAt := embedding.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO page_embeddings (page_id, model, dimensions, embedding, generated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (page_id) DO UPDATE SET
			model = excluded.model,
			dimensions = excluded.dimensions,
			embedding = excluded.embedding,
			generated_at = excluded.generated_at;
	`, embedding.PageID, embedding.Model, len(embedding.Vector), pq.Array(toFloat64(embedding.Vector)), generatedAt)
	return err
}

func (db *PostgresDatabase) Nearest(ctx context.Context, model string, vector []float32, topK int, floor float64) ([]Match, error) {
	if topK < 1 || len(vector) == 0 {
		return []Match{}, nil
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT e.page_id, e.embedding
		FROM page_embeddings e
		JOIN pages p ON p.id = e.page_id
		WHERE p.is_excluded = FALSE AND e.dimensions = $1 AND e.model = $2
	`, len(vector), model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		var pageID string
		var stored pq.Float64Array
		if err := rows.Scan(&pageID, &stored); err != nil {
			return nil, err
		}
		similarity := CosineSimilarity(vector, toFloat32(stored))
		if similarity >= floor {
			matches = append(matches, Match{PageID: pageID, Similarity: similarity})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	SortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// Rewrites `?` placeholders to PostgreSQL's `$1`, `$2`, ...
func rebindPostgres(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func Postgres(conn *sql.DB) *PostgresDatabase {
	return &PostgresDatabase{sqlDatabase{
		conn:      conn,
		rebind:    rebindPostgres,
		timeValue: func(t time.Time) any { return t.UTC() },
	}}
}

func PostgresFromDSN(dsn string) (*PostgresDatabase, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	return Postgres(conn), nil
}

var (
	_ Database = (*SQLiteDatabase)(nil)
	_ Database = (*PostgresDatabase)(nil)
)
