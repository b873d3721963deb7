package database

import (
	"context"
	"time"
)

type Database interface {
	// Create necessary tables
	Setup(ctx context.Context) error
	Close() error

	// Insert or update crawled pages. The eligibility of pages that already exist is left alone.
	AddPages(ctx context.Context, pages []Page) error
	// Return every page in the crawl session, most recently crawled first
	ListPages(ctx context.Context, sessionID string) ([]Page, error)
	// Return the pages with the given IDs. IDs that don't exist are left out of the result.
	GetPages(ctx context.Context, ids []string) ([]Page, error)

	// Set the `excluded` flag on a batch of pages in a single transaction.
	// When `excluded` is true, `source` is recorded as one of the reasons the page is excluded.
	// When it's false, every recorded reason is cleared.
	BulkUpdate(ctx context.Context, source string, ids []string, excluded bool) (*BulkResult, error)
	// Like BulkUpdate, but each page has its own target. Every change is applied in the
	// same transaction.
	BulkSet(ctx context.Context, source string, changes []EligibilityChange) (*BulkResult, error)

	// Save a filter block and exclude the given pages on its behalf
	CreateBlock(ctx context.Context, block *FilterBlock, pageIDs []string) (*BulkResult, error)
	ListBlocks(ctx context.Context, sessionID string) ([]FilterBlock, error)
	// Returns nil if the block doesn't exist
	GetBlock(ctx context.Context, id string) (*FilterBlock, error)
	// Remove a filter block. Pages that it excluded become eligible again unless another
	// source still excludes them. Returns the IDs of the pages that were re-included.
	DeleteBlock(ctx context.Context, id string) ([]string, error)

	// Insert or replace the embedding for a page
	WriteEmbedding(ctx context.Context, embedding Embedding) error
	// List every page in the session (or every page, if sessionID is empty) alongside
	// metadata about its embedding, if it has one
	EmbeddingInventory(ctx context.Context, sessionID string) ([]InventoryItem, error)
	// Find the embeddings most similar to `vector`. Only embeddings of currently eligible pages
	// that were generated by `model` with the same dimensionality as `vector` are considered.
	Nearest(ctx context.Context, model string, vector []float32, topK int, floor float64) ([]Match, error)
}

type Page struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Headings    []string  `json:"headings"`
	Keywords    []string  `json:"keywords"`
	Content     string    `json:"-"`
	Excluded    bool      `json:"excluded"`
	ExcludedBy  []string  `json:"excludedBy,omitempty"`
	CrawledAt   time.Time `json:"crawledAt"`
}

// The exclusion source used for pages that were excluded by hand (or arrived excluded
// from the crawler) rather than by a filter block.
const ManualSource = "manual"

// EligibilityChange is one page's part of a BulkSet
type EligibilityChange struct {
	ID       string
	Excluded bool
}

// Changes sets every page in `ids` to the same target.
func Changes(ids []string, excluded bool) []EligibilityChange {
	changes := make([]EligibilityChange, len(ids))
	for i, id := range ids {
		changes[i] = EligibilityChange{ID: id, Excluded: excluded}
	}
	return changes
}

type FilterBlock struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Color       string    `json:"color"`
	Rule        Rule      `json:"rule"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Rule is the stored form of a filter block's matching rule. It's compiled and evaluated
// by the filter package.
type Rule struct {
	Field   string `json:"field"`
	Match   string `json:"match"`
	Pattern string `json:"pattern"`
}

type BulkResult struct {
	// IDs whose eligibility changed
	Updated []string `json:"updated"`
	// IDs that already had the requested eligibility
	Unchanged []string `json:"unchanged"`
	// IDs that could not be updated
	Failed []FailedID `json:"failed"`
}

type FailedID struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Succeeded returns every ID that is confirmed to have the requested eligibility.
func (r *BulkResult) Succeeded() []string {
	ids := make([]string, 0, len(r.Updated)+len(r.Unchanged))
	ids = append(ids, r.Updated...)
	return append(ids, r.Unchanged...)
}

func (r *BulkResult) FailedIDs() []string {
	ids := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.ID
	}
	return ids
}

type Embedding struct {
	PageID      string
	Model       string
	Vector      []float32
	GeneratedAt time.Time
}

type InventoryItem struct {
	PageID    string
	SessionID string
	Excluded  bool
	CrawledAt time.Time

	HasEmbedding bool
	Model        string
	Dimensions   int
	GeneratedAt  time.Time
}

type Match struct {
	PageID     string  `json:"pageId"`
	Similarity float64 `json:"similarity"`
}
