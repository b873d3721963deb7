package index

import (
	"context"
	"fmt"
	"math"
	"path"
	"reflect"
	"testing"
	"time"

	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/database"
	"github.com/fluxcapacitor2/easylink/app/embedding/embeddingtest"
)

func createDB(t *testing.T) database.Database {
	db, err := database.SQLiteFromFile(path.Join(t.TempDir(), "temp.db"))

	if err != nil {
		t.Fatalf("database creation failed: %v", err)
	}

	if err := db.Setup(context.Background()); err != nil {
		t.Fatalf("database setup failed: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

var crawled = time.Now().UTC().Add(-time.Hour)

func page(id string, content string, excluded bool) database.Page {
	return database.Page{
		ID:        id,
		SessionID: "s1",
		URL:       "https://example.com/" + id,
		Content:   content,
		Excluded:  excluded,
		CrawledAt: crawled,
	}
}

func addPages(t *testing.T, db database.Database, pages ...database.Page) []database.Page {
	if err := db.AddPages(context.Background(), pages); err != nil {
		t.Fatalf("failed to add pages: %v", err)
	}
	list, err := db.ListPages(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ListPages failed: %v", err)
	}
	return list
}

func TestGenerateSkipsExcludedAndCurrentPages(t *testing.T) {
	db := createDB(t)
	list := addPages(t, db,
		page("a", "sailing boats", false),
		page("b", "tomato gardening", false),
		page("c", "mountain hiking", true),
	)
	idx := New(db, embeddingtest.New(), 1000)
	ctx := context.Background()

	result, err := idx.Generate(ctx, list)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if result.Generated != 2 || result.Excluded != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	again, err := idx.Generate(ctx, list)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if again.Generated != 0 || again.Skipped != 2 {
		t.Fatalf("current vectors should be skipped: %+v", again)
	}
}

func TestGenerateUsesCurrentEligibility(t *testing.T) {
	db := createDB(t)
	list := addPages(t, db, page("a", "sailing boats", false))
	ctx := context.Background()

	// The page is excluded after `list` was read
	if _, err := db.BulkUpdate(ctx, database.ManualSource, []string{"a"}, true); err != nil {
		t.Fatalf("BulkUpdate failed: %v", err)
	}

	result, err := New(db, embeddingtest.New(), 1000).Generate(ctx, list)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if result.Generated != 0 || result.Excluded != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestGenerateContinuesAfterPageFailure(t *testing.T) {
	db := createDB(t)
	list := addPages(t, db,
		page("a", "sailing boats", false),
		database.Page{ID: "empty", SessionID: "s1", URL: "https://example.com/empty", CrawledAt: crawled},
		page("b", "tomato gardening", false),
	)

	result, err := New(db, embeddingtest.New(), 1000).Generate(context.Background(), list)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if result.Generated != 2 || result.Failed != 1 || result.FailuresByKind[apperr.EmbeddingFailed] != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestGenerateStopsWhenRateLimited(t *testing.T) {
	db := createDB(t)
	list := addPages(t, db,
		page("a", "sailing boats", false),
		page("b", "tomato gardening", false),
		page("c", "mountain hiking", false),
		page("d", "ignored", true),
	)

	embedder := embeddingtest.New()
	embedder.Err = apperr.Wrap(apperr.RateLimited, "embedding request failed", fmt.Errorf("429"))

	result, err := New(db, embedder, 1000).Generate(context.Background(), list)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if result.Failed != 1 || result.NotAttempted != 2 || result.StoppedBy != apperr.RateLimited {
		t.Fatalf("unexpected result: %+v", result)
	}
	if embedder.Calls() != 1 {
		t.Fatalf("wanted a single upstream call, got %v", embedder.Calls())
	}
}

func TestGenerateStopsWhenCanceled(t *testing.T) {
	db := createDB(t)
	list := addPages(t, db, page("a", "sailing boats", false))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := New(db, embeddingtest.New(), 1000).Generate(ctx, list)
	if err != context.Canceled {
		t.Fatalf("wanted %v, got %v", context.Canceled, err)
	}
	if result.Generated != 0 {
		t.Fatalf("nothing should have been generated: %+v", result)
	}
}

func TestRoundTrip(t *testing.T) {
	db := createDB(t)
	list := addPages(t, db,
		page("a", "sailing boats", false),
		page("b", "tomato gardening", false),
	)
	embedder := embeddingtest.New()
	idx := New(db, embedder, 1000)
	ctx := context.Background()

	if _, err := idx.Generate(ctx, list); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// The page's own vector
	vector, _ := embeddingtest.Vector("sailing boats", embedder.Dims)
	matches, err := idx.Search(ctx, vector, 5, 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if len(matches) == 0 || matches[0].PageID != "a" {
		t.Fatalf("wanted page a first, got %+v", matches)
	}
	if math.Abs(matches[0].Similarity-1) > 1e-6 {
		t.Fatalf("wanted a similarity of 1, got %v", matches[0].Similarity)
	}
}

func TestSearchIsDeterministicAndCapped(t *testing.T) {
	db := createDB(t)
	pages := []database.Page{}
	for i := range 15 {
		pages = append(pages, page(fmt.Sprintf("p%02d", i), "same words everywhere", false))
	}
	list := addPages(t, db, pages...)
	embedder := embeddingtest.New()
	idx := New(db, embedder, 1000)
	ctx := context.Background()

	if _, err := idx.Generate(ctx, list); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	vector, _ := embeddingtest.Vector("same words everywhere", embedder.Dims)
	first, err := idx.Search(ctx, vector, 1000, 0.5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(first) != MaxTopK {
		t.Fatalf("wanted %v results, got %v", MaxTopK, len(first))
	}
	// Every similarity is equal, so the order is by page ID
	if first[0].PageID != "p00" || first[9].PageID != "p09" {
		t.Fatalf("ties were not broken by page ID: %+v", first)
	}

	for range 3 {
		again, _ := idx.Search(ctx, vector, 1000, 0.5)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("search results changed between calls")
		}
	}
}

func TestSearchValidation(t *testing.T) {
	embedder := embeddingtest.New()
	idx := New(createDB(t), embedder, 1000)
	ctx := context.Background()
	valid, _ := embeddingtest.Vector("hello", embedder.Dims)

	table := []struct {
		vector []float32
		topK   int
		floor  float64
	}{
		{[]float32{1, 2}, 5, 0.5},
		{make([]float32, embedder.Dims), 5, 0.5},
		{valid, 0, 0.5},
		{valid, 5, -0.1},
		{valid, 5, 1.5},
		{valid, 5, math.NaN()},
	}

	for i, testCase := range table {
		if _, err := idx.Search(ctx, testCase.vector, testCase.topK, testCase.floor); !apperr.Is(err, apperr.Validation) {
			t.Fatalf("test case %v: wanted %v, got %v", i+1, apperr.Validation, err)
		}
	}
}

func TestCoverage(t *testing.T) {
	db := createDB(t)
	list := addPages(t, db,
		page("a", "sailing boats", false),
		page("b", "tomato gardening", false),
		page("c", "mountain hiking", false),
		page("d", "city cycling", false),
	)
	embedder := embeddingtest.New()
	idx := New(db, embedder, 1000)
	ctx := context.Background()

	if _, err := idx.Generate(ctx, list[:3]); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// b is excluded after it was embedded
	if _, err := db.BulkUpdate(ctx, database.ManualSource, []string{"b"}, true); err != nil {
		t.Fatalf("BulkUpdate failed: %v", err)
	}
	// c is recrawled
	recrawl := page("c", "mountain hiking", false)
	recrawl.CrawledAt = time.Now().UTC().Add(time.Hour)
	addPages(t, db, recrawl)
	// d has a vector from some other model
	if err := db.WriteEmbedding(ctx, database.Embedding{PageID: "d", Model: "other", Vector: []float32{1, 2, 3}}); err != nil {
		t.Fatalf("WriteEmbedding failed: %v", err)
	}

	coverage, err := idx.Coverage(ctx, "s1")
	if err != nil {
		t.Fatalf("Coverage failed: %v", err)
	}

	if coverage.TotalPages != 3 || coverage.PagesWithEmbeddings != 2 {
		t.Fatalf("unexpected totals: %+v", coverage)
	}
	if coverage.Orphaned != 1 || coverage.Stale != 1 || coverage.DimensionMismatch != 1 {
		t.Fatalf("unexpected issue counts: %+v", coverage)
	}
	if len(coverage.Issues) != 3 {
		t.Fatalf("wanted 3 issues, got %v", coverage.Issues)
	}

	if _, err := idx.Coverage(ctx, "missing"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("wanted %v, got %v", apperr.NotFound, err)
	}
}

func TestSearchIgnoresOtherModels(t *testing.T) {
	db := createDB(t)
	list := addPages(t, db, page("a", "sailing boats", false))
	ctx := context.Background()

	if _, err := New(db, embeddingtest.New(), 1000).Generate(ctx, list); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// A different model that happens to produce vectors of the same length
	other := &embeddingtest.Embedder{Dims: embeddingtest.New().Dims, ModelName: "other"}
	idx := New(db, other, 1000)

	vector, _ := embeddingtest.Vector("sailing boats", other.Dims)
	matches, err := idx.Search(ctx, vector, 5, 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("wanted no matches, got %+v", matches)
	}

	coverage, err := idx.Coverage(ctx, "s1")
	if err != nil {
		t.Fatalf("Coverage failed: %v", err)
	}
	if coverage.ModelMismatch != 1 || coverage.PagesWithEmbeddings != 0 {
		t.Fatalf("unexpected coverage: %+v", coverage)
	}
}
