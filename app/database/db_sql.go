package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// sqlDatabase holds the queries that SQLite and PostgreSQL share. The drivers embed it and
// add the parts that differ: schema setup and vector storage/search.
type sqlDatabase struct {
	conn *sql.DB
	// Rewrites `?` placeholders for drivers that use numbered parameters
	rebind func(query string) string
	// Converts a time into the value the driver should store
	timeValue func(t time.Time) any
}

// The most parameters we put in a single `IN (...)` list
const maxInList = 500

func (db *sqlDatabase) Close() error {
	return db.conn.Close()
}

func (db *sqlDatabase) AddPages(ctx context.Context, pages []Page) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := db.rebind(`
		INSERT INTO pages (id, session_id, url, title, description, headings, keywords, content, is_excluded, crawled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			url = excluded.url,
			title = excluded.title,
			description = excluded.description,
			headings = excluded.headings,
			keywords = excluded.keywords,
			content = excluded.content,
			crawled_at = excluded.crawled_at;
	`)

	// A page that arrives excluded needs a source, or removing a filter block that also
	// matches it would make it eligible again
	sourceQuery := db.rebind(`
		INSERT INTO page_exclusions (page_id, source)
		SELECT id, CAST(? AS TEXT) FROM pages
		WHERE id = ? AND is_excluded = ? AND NOT EXISTS (SELECT 1 FROM page_exclusions WHERE page_id = ?);
	`)

	for _, page := range pages {
		headings, err := json.Marshal(nonNil(page.Headings))
		if err != nil {
			return err
		}
		keywords, err := json.Marshal(nonNil(page.Keywords))
		if err != nil {
			return err
		}

		crawledAt := page.CrawledAt
		if crawledAt.IsZero() {
			crawledAt = time.Now()
		}

		if _, err := tx.ExecContext(ctx, query, page.ID, page.SessionID, page.URL, page.Title, page.Description,
			string(headings), string(keywords), page.Content, page.Excluded, db.timeValue(crawledAt)); err != nil {
			return fmt.Errorf("failed to save page %v: %w", page.ID, err)
		}

		if page.Excluded {
			if _, err := tx.ExecContext(ctx, sourceQuery, ManualSource, page.ID, true, page.ID); err != nil {
				return fmt.Errorf("failed to save exclusion source of page %v: %w", page.ID, err)
			}
		}
	}

	return tx.Commit()
}

const pageColumns = "id, session_id, url, title, description, headings, keywords, content, is_excluded, crawled_at"

func (db *sqlDatabase) ListPages(ctx context.Context, sessionID string) ([]Page, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind("SELECT "+pageColumns+" FROM pages WHERE session_id = ? ORDER BY crawled_at DESC, id ASC"), sessionID)
	if err != nil {
		return nil, err
	}
	pages, err := scanPages(rows)
	if err != nil {
		return nil, err
	}

	sources, err := db.exclusionSources(ctx, "SELECT page_id, source FROM page_exclusions WHERE page_id IN (SELECT id FROM pages WHERE session_id = ?)", sessionID)
	if err != nil {
		return nil, err
	}
	attachSources(pages, sources)

	return pages, nil
}

func (db *sqlDatabase) GetPages(ctx context.Context, ids []string) ([]Page, error) {
	pages := make([]Page, 0, len(ids))

	for chunk := range slices.Chunk(ids, maxInList) {
		in, args := inList(chunk)

		rows, err := db.conn.QueryContext(ctx, db.rebind("SELECT "+pageColumns+" FROM pages WHERE id IN ("+in+")"), args...)
		if err != nil {
			return nil, err
		}
		found, err := scanPages(rows)
		if err != nil {
			return nil, err
		}

		sources, err := db.exclusionSources(ctx, "SELECT page_id, source FROM page_exclusions WHERE page_id IN ("+in+")", args...)
		if err != nil {
			return nil, err
		}
		attachSources(found, sources)

		pages = append(pages, found...)
	}

	return pages, nil
}

func scanPages(rows *sql.Rows) ([]Page, error) {
	defer rows.Close()

	pages := []Page{}
	for rows.Next() {
		page := Page{}
		var headings, keywords string
		if err := rows.Scan(&page.ID, &page.SessionID, &page.URL, &page.Title, &page.Description,
			&headings, &keywords, &page.Content, &page.Excluded, &page.CrawledAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(headings), &page.Headings); err != nil {
			return nil, fmt.Errorf("page %v has malformed headings: %w", page.ID, err)
		}
		if err := json.Unmarshal([]byte(keywords), &page.Keywords); err != nil {
			return nil, fmt.Errorf("page %v has malformed keywords: %w", page.ID, err)
		}
		page.CrawledAt = page.CrawledAt.UTC()
		pages = append(pages, page)
	}

	return pages, rows.Err()
}

func (db *sqlDatabase) exclusionSources(ctx context.Context, query string, args ...any) (map[string][]string, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sources := map[string][]string{}
	for rows.Next() {
		var pageID, source string
		if err := rows.Scan(&pageID, &source); err != nil {
			return nil, err
		}
		sources[pageID] = append(sources[pageID], source)
	}
	return sources, rows.Err()
}

func attachSources(pages []Page, sources map[string][]string) {
	for i := range pages {
		if s, ok := sources[pages[i].ID]; ok {
			slices.Sort(s)
			pages[i].ExcludedBy = s
		}
	}
}

type updateOutcome int8

const (
	outcomeUpdated updateOutcome = iota
	outcomeUnchanged
	outcomeMissing
)

// setExcluded applies one page's part of a bulk update inside `tx`.
func (db *sqlDatabase) setExcluded(ctx context.Context, tx *sql.Tx, source string, id string, excluded bool) (updateOutcome, error) {
	var current bool
	err := tx.QueryRowContext(ctx, db.rebind("SELECT is_excluded FROM pages WHERE id = ?"), id).Scan(&current)
	if err == sql.ErrNoRows {
		return outcomeMissing, nil
	}
	if err != nil {
		return 0, err
	}

	if excluded {
		if _, err := tx.ExecContext(ctx, db.rebind("INSERT INTO page_exclusions (page_id, source) VALUES (?, ?) ON CONFLICT DO NOTHING"), id, source); err != nil {
			return 0, err
		}
	} else {
		// Including a page by hand overrides every reason it was excluded for
		if _, err := tx.ExecContext(ctx, db.rebind("DELETE FROM page_exclusions WHERE page_id = ?"), id); err != nil {
			return 0, err
		}
	}

	if current == excluded {
		return outcomeUnchanged, nil
	}

	if _, err := tx.ExecContext(ctx, db.rebind("UPDATE pages SET is_excluded = ? WHERE id = ?"), excluded, id); err != nil {
		return 0, err
	}
	return outcomeUpdated, nil
}

func (db *sqlDatabase) applyChanges(ctx context.Context, tx *sql.Tx, source string, changes []EligibilityChange) (*BulkResult, error) {
	result := &BulkResult{Updated: []string{}, Unchanged: []string{}, Failed: []FailedID{}}

	for _, change := range changes {
		outcome, err := db.setExcluded(ctx, tx, source, change.ID, change.Excluded)
		if err != nil {
			return nil, fmt.Errorf("failed to update page %v: %w", change.ID, err)
		}
		switch outcome {
		case outcomeUpdated:
			result.Updated = append(result.Updated, change.ID)
		case outcomeUnchanged:
			result.Unchanged = append(result.Unchanged, change.ID)
		case outcomeMissing:
			result.Failed = append(result.Failed, FailedID{ID: change.ID, Reason: "page not found"})
		}
	}

	return result, nil
}

func (db *sqlDatabase) BulkUpdate(ctx context.Context, source string, ids []string, excluded bool) (*BulkResult, error) {
	return db.BulkSet(ctx, source, Changes(ids, excluded))
}

func (db *sqlDatabase) BulkSet(ctx context.Context, source string, changes []EligibilityChange) (*BulkResult, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := db.applyChanges(ctx, tx, source, changes)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (db *sqlDatabase) CreateBlock(ctx context.Context, block *FilterBlock, pageIDs []string) (*BulkResult, error) {
	rule, err := json.Marshal(block.Rule)
	if err != nil {
		return nil, err
	}
	if block.CreatedAt.IsZero() {
		block.CreatedAt = time.Now().UTC()
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, db.rebind("INSERT INTO filter_blocks (id, session_id, name, description, color, rule, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)"),
		block.ID, block.SessionID, block.Name, block.Description, block.Color, string(rule), db.timeValue(block.CreatedAt)); err != nil {
		return nil, fmt.Errorf("failed to save filter block: %w", err)
	}

	result, err := db.applyChanges(ctx, tx, block.ID, Changes(pageIDs, true))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

const blockColumns = "id, session_id, name, description, color, rule, created_at"

func (db *sqlDatabase) ListBlocks(ctx context.Context, sessionID string) ([]FilterBlock, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind("SELECT "+blockColumns+" FROM filter_blocks WHERE session_id = ? ORDER BY created_at, id"), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blocks := []FilterBlock{}
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, *block)
	}
	return blocks, rows.Err()
}

func (db *sqlDatabase) GetBlock(ctx context.Context, id string) (*FilterBlock, error) {
	row := db.conn.QueryRowContext(ctx, db.rebind("SELECT "+blockColumns+" FROM filter_blocks WHERE id = ?"), id)
	block, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return block, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(row scanner) (*FilterBlock, error) {
	block := &FilterBlock{}
	var rule string
	if err := row.Scan(&block.ID, &block.SessionID, &block.Name, &block.Description, &block.Color, &rule, &block.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rule), &block.Rule); err != nil {
		return nil, fmt.Errorf("filter block %v has a malformed rule: %w", block.ID, err)
	}
	block.CreatedAt = block.CreatedAt.UTC()
	return block, nil
}

func (db *sqlDatabase) DeleteBlock(ctx context.Context, id string) ([]string, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, db.rebind("SELECT page_id FROM page_exclusions WHERE source = ? ORDER BY page_id"), id)
	if err != nil {
		return nil, err
	}
	members := []string{}
	for rows.Next() {
		var pageID string
		if err := rows.Scan(&pageID); err != nil {
			rows.Close()
			return nil, err
		}
		members = append(members, pageID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, db.rebind("DELETE FROM page_exclusions WHERE source = ?"), id); err != nil {
		return nil, err
	}

	reincluded := []string{}
	for _, pageID := range members {
		// Only re-include the page if nothing else is still excluding it
		res, err := tx.ExecContext(ctx, db.rebind(`
			UPDATE pages SET is_excluded = ?
			WHERE id = ? AND is_excluded = ? AND NOT EXISTS (SELECT 1 FROM page_exclusions WHERE page_id = ?)
		`), false, pageID, true, pageID)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n > 0 {
			reincluded = append(reincluded, pageID)
		}
	}

	if _, err := tx.ExecContext(ctx, db.rebind("DELETE FROM filter_blocks WHERE id = ?"), id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return reincluded, nil
}

func (db *sqlDatabase) EmbeddingInventory(ctx context.Context, sessionID string) ([]InventoryItem, error) {
	query := `
		SELECT p.id, p.session_id, p.is_excluded, p.crawled_at, e.model, e.dimensions, e.generated_at
		FROM pages p
		LEFT JOIN page_embeddings e ON e.page_id = p.id`
	args := []any{}
	if sessionID != "" {
		query += " WHERE p.session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY p.id"

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []InventoryItem{}
	for rows.Next() {
		item := InventoryItem{}
		var model sql.NullString
		var dimensions sql.NullInt64
		var generatedAt sql.NullTime
		if err := rows.Scan(&item.PageID, &item.SessionID, &item.Excluded, &item.CrawledAt, &model, &dimensions, &generatedAt); err != nil {
			return nil, err
		}
		item.CrawledAt = item.CrawledAt.UTC()
		if model.Valid {
			item.HasEmbedding = true
			item.Model = model.String
			item.Dimensions = int(dimensions.Int64)
			item.GeneratedAt = generatedAt.Time.UTC()
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// inList returns a placeholder list and matching arguments for an `IN (...)` clause
func inList(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.Repeat("?, ", len(ids)-1) + "?", args
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
