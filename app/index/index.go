// Package index keeps one embedding per eligible page and answers nearest-neighbor queries over them.
package index

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/database"
	"github.com/fluxcapacitor2/easylink/app/embedding"
	"github.com/fluxcapacitor2/easylink/app/metrics"
	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// The most results a single search returns, whatever the caller asks for
const MaxTopK = 10

var tracer = otel.Tracer("github.com/fluxcapacitor2/easylink/app/index")

type Index struct {
	db        database.Database
	embedder  embedding.Embedder
	maxTokens int
}

func New(db database.Database, embedder embedding.Embedder, maxTokens int) *Index {
	return &Index{db: db, embedder: embedder, maxTokens: maxTokens}
}

func (idx *Index) Embedder() embedding.Embedder {
	return idx.embedder
}

type GenerateResult struct {
	// Pages that got a new vector
	Generated int `json:"generated"`
	// Pages whose vector was already current
	Skipped int `json:"skipped"`
	// Excluded pages, which are never embedded
	Excluded int `json:"excluded"`
	// Pages whose vector could not be generated
	Failed         int                 `json:"failed"`
	FailuresByKind map[apperr.Kind]int `json:"failuresByKind"`
	// Pages that were left alone because the batch stopped early
	NotAttempted int `json:"notAttempted"`
	// Set when the batch stopped because the model is throttled or out of quota
	StoppedBy apperr.Kind `json:"stoppedBy,omitempty"`
}

// GenerateSession embeds every eligible page in the session that doesn't have a current vector.
func (idx *Index) GenerateSession(ctx context.Context, sessionID string) (*GenerateResult, error) {
	pages, err := idx.db.ListPages(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "failed to read pages", err)
	}
	if len(pages) == 0 {
		return nil, apperr.Newf(apperr.NotFound, "session %v does not exist", sessionID)
	}
	return idx.Generate(slogctx.Append(ctx, "sessionId", sessionID), pages)
}

// Generate computes and stores a vector for each page that is eligible and doesn't
// already have a current one. A page's failure is counted and the batch moves on, except
// when the model is throttled or out of quota: then the rest of the batch is skipped.
// Vectors that were written before a cancellation or error are kept.
func (idx *Index) Generate(ctx context.Context, pages []database.Page) (*GenerateResult, error) {
	ctx, span := tracer.Start(ctx, "index.Generate", trace.WithAttributes(attribute.Int("pages", len(pages))))
	defer span.End()

	result := &GenerateResult{FailuresByKind: map[apperr.Kind]int{}}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	inventory, err := idx.inventory(ctx, pages)
	if err != nil {
		return nil, err
	}

	// Eligibility comes from the store, in case the pages passed in are out of date
	needsVector := func(page database.Page) (bool, bool) {
		item, ok := inventory[page.ID]
		if page.Excluded || (ok && item.Excluded) {
			return false, true
		}
		return !ok || !idx.current(item), false
	}

	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			slogctx.Info(ctx, "Embedding generation canceled", "generated", result.Generated)
			return result, err
		}

		needed, excluded := needsVector(page)
		if excluded {
			result.Excluded++
			continue
		}
		if !needed {
			result.Skipped++
			continue
		}

		vector, err := idx.embedPage(ctx, page)
		if errors.Is(err, context.Canceled) {
			return result, err
		}
		if err != nil {
			kind := apperr.KindOf(err)
			result.Failed++
			result.FailuresByKind[kind]++
			metrics.EmbeddingFailures.WithLabelValues(string(kind)).Inc()
			slogctx.Warn(ctx, "Failed to embed page", "pageId", page.ID, "kind", kind, "error", err)

			if kind == apperr.RateLimited || kind == apperr.QuotaExceeded {
				result.StoppedBy = kind
				for _, rest := range pages[i+1:] {
					if needed, _ := needsVector(rest); needed {
						result.NotAttempted++
					}
				}
				slogctx.Warn(ctx, "Stopping embedding generation", "kind", kind, "notAttempted", result.NotAttempted)
				break
			}
			continue
		}

		err = idx.db.WriteEmbedding(ctx, database.Embedding{
			PageID:      page.ID,
			Model:       idx.embedder.Model(),
			Vector:      vector,
			GeneratedAt: time.Now().UTC(),
		})
		if err != nil {
			slogctx.Error(ctx, "Failed to save embedding", "pageId", page.ID, "error", err)
			return result, apperr.Wrap(apperr.Persistence, "failed to save embedding", err)
		}

		result.Generated++
		metrics.EmbeddingsGenerated.Inc()
	}

	slogctx.Info(ctx, "Finished embedding generation",
		"generated", result.Generated, "skipped", result.Skipped, "failed", result.Failed, "notAttempted", result.NotAttempted)
	return result, nil
}

func (idx *Index) embedPage(ctx context.Context, page database.Page) ([]float32, error) {
	text, err := embedding.PageText(page, idx.maxTokens)
	if err != nil {
		return nil, err
	}
	return idx.embedder.Embed(ctx, text)
}

// inventory returns the stored embedding metadata of every session the pages belong to, keyed by page ID.
func (idx *Index) inventory(ctx context.Context, pages []database.Page) (map[string]database.InventoryItem, error) {
	items := map[string]database.InventoryItem{}
	seen := map[string]bool{}

	for _, page := range pages {
		if seen[page.SessionID] {
			continue
		}
		seen[page.SessionID] = true

		list, err := idx.db.EmbeddingInventory(ctx, page.SessionID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Persistence, "failed to read embedding inventory", err)
		}
		for _, item := range list {
			items[item.PageID] = item
		}
	}
	return items, nil
}

// current reports whether the stored vector came from the configured model and was
// generated no earlier than the page's latest crawl.
func (idx *Index) current(item database.InventoryItem) bool {
	return item.HasEmbedding && idx.compatible(item) && !item.GeneratedAt.Before(item.CrawledAt)
}

func (idx *Index) compatible(item database.InventoryItem) bool {
	return item.Model == idx.embedder.Model() && item.Dimensions == idx.embedder.Dimensions()
}

type Coverage struct {
	// Eligible pages
	TotalPages int `json:"totalPages"`
	// Eligible pages with a vector from the configured model
	PagesWithEmbeddings int      `json:"pagesWithEmbeddings"`
	Issues              []string `json:"issues"`

	Missing           int `json:"missing"`
	Stale             int `json:"stale"`
	DimensionMismatch int `json:"dimensionMismatch"`
	ModelMismatch     int `json:"modelMismatch"`
	// Excluded pages that still have a vector. They're never returned by searches.
	Orphaned int `json:"orphaned"`
}

// Coverage reports how much of the eligible corpus has usable vectors, and anything that
// looks inconsistent. An empty session ID covers every session.
func (idx *Index) Coverage(ctx context.Context, sessionID string) (*Coverage, error) {
	items, err := idx.db.EmbeddingInventory(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "failed to read embedding inventory", err)
	}
	if sessionID != "" && len(items) == 0 {
		return nil, apperr.Newf(apperr.NotFound, "session %v does not exist", sessionID)
	}

	coverage := &Coverage{Issues: []string{}}
	dims := map[int]int{}
	models := map[string]int{}

	for _, item := range items {
		if item.Excluded {
			if item.HasEmbedding {
				coverage.Orphaned++
			}
			continue
		}

		coverage.TotalPages++

		switch {
		case !item.HasEmbedding:
			coverage.Missing++
		case item.Dimensions != idx.embedder.Dimensions():
			coverage.DimensionMismatch++
			dims[item.Dimensions]++
		case item.Model != idx.embedder.Model():
			coverage.ModelMismatch++
			models[item.Model]++
		default:
			coverage.PagesWithEmbeddings++
			if item.GeneratedAt.Before(item.CrawledAt) {
				coverage.Stale++
			}
		}
	}

	if coverage.Missing > 0 {
		coverage.Issues = append(coverage.Issues, fmt.Sprintf("%v eligible pages have no embedding", coverage.Missing))
	}
	for _, d := range slices.Sorted(maps.Keys(dims)) {
		coverage.Issues = append(coverage.Issues, fmt.Sprintf("%v embeddings have %v dimensions, but %v produces %v", dims[d], d, idx.embedder.Model(), idx.embedder.Dimensions()))
	}
	for _, m := range slices.Sorted(maps.Keys(models)) {
		coverage.Issues = append(coverage.Issues, fmt.Sprintf("%v embeddings were generated by %v instead of %v", models[m], m, idx.embedder.Model()))
	}
	if coverage.Stale > 0 {
		coverage.Issues = append(coverage.Issues, fmt.Sprintf("%v pages were recrawled after their embedding was generated", coverage.Stale))
	}
	if coverage.Orphaned > 0 {
		coverage.Issues = append(coverage.Issues, fmt.Sprintf("%v excluded pages still have embeddings", coverage.Orphaned))
	}

	return coverage, nil
}

// Search returns the eligible pages closest to `vector` by cosine similarity, most similar
// first with ties broken by page ID. `topK` is capped at MaxTopK.
func (idx *Index) Search(ctx context.Context, vector []float32, topK int, floor float64) ([]database.Match, error) {
	if len(vector) != idx.embedder.Dimensions() {
		return nil, apperr.Newf(apperr.Validation, "query vector has %v dimensions, expected %v", len(vector), idx.embedder.Dimensions())
	}
	var norm float64
	for _, x := range vector {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil, apperr.New(apperr.Validation, "query vector has non-finite values")
		}
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return nil, apperr.New(apperr.Validation, "query vector is zero")
	}
	if math.IsNaN(floor) || floor < 0 || floor > 1 {
		return nil, apperr.Newf(apperr.Validation, "similarity floor must be between 0 and 1, got %v", floor)
	}
	if topK < 1 {
		return nil, apperr.Newf(apperr.Validation, "topK must be positive, got %v", topK)
	}
	topK = min(topK, MaxTopK)

	matches, err := idx.db.Nearest(ctx, idx.embedder.Model(), vector, topK, floor)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "nearest-neighbor query failed", err)
	}

	database.SortMatches(matches)
	return matches, nil
}
