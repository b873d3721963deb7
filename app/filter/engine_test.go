package filter

import (
	"context"
	"errors"
	"fmt"
	"path"
	"reflect"
	"testing"
	"time"

	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/database"
	"github.com/fluxcapacitor2/easylink/app/pages"
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

// seed adds pages p1..pN to session s1
func seed(t *testing.T, db database.Database, n int) {
	now := time.Now().UTC()
	list := make([]database.Page, n)
	for i := range list {
		list[i] = database.Page{
			ID:        fmt.Sprintf("p%v", i+1),
			SessionID: "s1",
			URL:       fmt.Sprintf("https://example.com/blog/%v", i+1),
			Title:     fmt.Sprintf("Post %v", i+1),
			CrawledAt: now.Add(-time.Duration(i) * time.Minute),
		}
	}
	if err := db.AddPages(context.Background(), list); err != nil {
		t.Fatalf("failed to add pages: %v", err)
	}
}

func createEngine(t *testing.T, db database.Database) *Engine {
	return NewEngine(db, pages.NewStore(db))
}

func excludedIDs(list []database.Page) []string {
	ids := []string{}
	for _, p := range list {
		if p.Excluded {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// failingDB rejects writes for some page IDs, or every write if `err` is set.
type failingDB struct {
	database.Database
	fail   map[string]bool
	err    error
	writes int
}

func (f *failingDB) BulkSet(ctx context.Context, source string, changes []database.EligibilityChange) (*database.BulkResult, error) {
	f.writes++
	if f.err != nil {
		return nil, f.err
	}

	passed := []database.EligibilityChange{}
	failed := []database.FailedID{}
	for _, change := range changes {
		if f.fail[change.ID] {
			failed = append(failed, database.FailedID{ID: change.ID, Reason: "write rejected"})
		} else {
			passed = append(passed, change)
		}
	}

	result, err := f.Database.BulkSet(ctx, source, passed)
	if err != nil {
		return nil, err
	}
	result.Failed = append(result.Failed, failed...)
	return result, nil
}

func TestApplyExclusionsIsIdempotent(t *testing.T) {
	db := createDB(t)
	seed(t, db, 3)
	engine := createEngine(t, db)
	ctx := context.Background()

	first, err := engine.ApplyExclusions(ctx, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("ApplyExclusions failed: %v", err)
	}
	list, _ := engine.Pages(ctx, "s1")
	afterFirst := excludedIDs(list)

	second, err := engine.ApplyExclusions(ctx, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("ApplyExclusions failed: %v", err)
	}
	list, _ = engine.Pages(ctx, "s1")

	if !reflect.DeepEqual(afterFirst, excludedIDs(list)) {
		t.Fatalf("wanted %v, got %v", afterFirst, excludedIDs(list))
	}
	if first.SucceededCount != 2 || len(first.Updated) != 2 {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if len(second.Updated) != 0 || len(second.Unchanged) != 2 {
		t.Fatalf("unexpected second result: %+v", second)
	}
}

func TestRemoveExclusionsIgnoresEligiblePages(t *testing.T) {
	db := createDB(t)
	seed(t, db, 3)
	engine := createEngine(t, db)
	ctx := context.Background()

	if _, err := engine.ApplyExclusions(ctx, []string{"p1"}); err != nil {
		t.Fatalf("ApplyExclusions failed: %v", err)
	}

	result, err := engine.RemoveExclusions(ctx, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("RemoveExclusions failed: %v", err)
	}
	if !reflect.DeepEqual(result.Updated, []string{"p1"}) || !reflect.DeepEqual(result.Unchanged, []string{"p2"}) {
		t.Fatalf("unexpected result: %+v", result)
	}

	list, _ := engine.Pages(ctx, "s1")
	if got := excludedIDs(list); len(got) != 0 {
		t.Fatalf("wanted no excluded pages, got %v", got)
	}
}

func TestRemovingOneOfTwoBlocksKeepsPageExcluded(t *testing.T) {
	db := createDB(t)
	seed(t, db, 3)
	engine := createEngine(t, db)
	ctx := context.Background()

	// Both rules match p1; only the first matches p2
	broad, _, err := engine.AddBlock(ctx, "s1", BlockInput{Name: "blog", Rule: database.Rule{Field: FieldPath, Match: MatchGlob, Pattern: "/blog/[12]"}})
	if err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}
	narrow, _, err := engine.AddBlock(ctx, "s1", BlockInput{Name: "first", Rule: database.Rule{Field: FieldTitle, Match: MatchExact, Pattern: "post 1"}})
	if err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}

	if broad.MatchCount != 2 {
		t.Fatalf("wanted the first block to newly exclude 2 pages, got %v", broad.MatchCount)
	}
	if narrow.MatchCount != 0 {
		t.Fatalf("wanted the second block to newly exclude 0 pages, got %v", narrow.MatchCount)
	}

	result, err := engine.RemoveBlock(ctx, broad.ID)
	if err != nil {
		t.Fatalf("RemoveBlock failed: %v", err)
	}
	if !reflect.DeepEqual(result.Updated, []string{"p2"}) {
		t.Fatalf("wanted only p2 re-included, got %v", result.Updated)
	}

	list, _ := engine.Pages(ctx, "s1")
	if want, got := []string{"p1"}, excludedIDs(list); !reflect.DeepEqual(want, got) {
		t.Fatalf("wanted %v excluded, got %v", want, got)
	}

	if _, err := engine.RemoveBlock(ctx, broad.ID); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("wanted %v for a removed block, got %v", apperr.NotFound, err)
	}
}

func TestListBlocksRecomputesMatchCount(t *testing.T) {
	db := createDB(t)
	seed(t, db, 3)
	engine := createEngine(t, db)
	ctx := context.Background()

	block, _, err := engine.AddBlock(ctx, "s1", BlockInput{Name: "all", Rule: database.Rule{Field: FieldURL, Match: MatchContains, Pattern: "/blog/"}})
	if err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}

	blocks, err := engine.ListBlocks(ctx, "s1")
	if err != nil {
		t.Fatalf("ListBlocks failed: %v", err)
	}
	if len(blocks) != 1 || blocks[0].MatchCount != 3 {
		t.Fatalf("wanted one block matching 3 pages, got %+v", blocks)
	}

	// A manual exclusion means the block no longer newly excludes p3
	if _, err := engine.ApplyExclusions(ctx, []string{"p3"}); err != nil {
		t.Fatalf("ApplyExclusions failed: %v", err)
	}

	blocks, _ = engine.ListBlocks(ctx, "s1")
	if blocks[0].ID != block.ID || blocks[0].MatchCount != 2 {
		t.Fatalf("wanted a match count of 2, got %+v", blocks[0])
	}

	count, err := engine.PreviewBlock(ctx, "s1", database.Rule{Field: FieldURL, Match: MatchContains, Pattern: "/blog/"})
	if err != nil {
		t.Fatalf("PreviewBlock failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("every page is already excluded, wanted 0, got %v", count)
	}
}

func TestPartialFailureRollsBackView(t *testing.T) {
	db := createDB(t)
	seed(t, db, 5)
	failing := &failingDB{Database: db, fail: map[string]bool{"p2": true, "p4": true}}
	engine := createEngine(t, failing)
	ctx := context.Background()

	before, err := engine.Pages(ctx, "s1")
	if err != nil {
		t.Fatalf("Pages failed: %v", err)
	}

	result, err := engine.ApplyExclusions(ctx, []string{"p1", "p2", "p3", "p4", "p5"})
	if !apperr.Is(err, apperr.Persistence) {
		t.Fatalf("wanted %v, got %v", apperr.Persistence, err)
	}
	if want := []string{"p2", "p4"}; !reflect.DeepEqual(want, result.FailedIDs()) {
		t.Fatalf("wanted %v to fail, got %v", want, result.FailedIDs())
	}
	if result.SucceededCount != 3 || result.FailedCount != 2 {
		t.Fatalf("unexpected counts: %+v", result)
	}

	view := engine.View("s1")
	if !reflect.DeepEqual(before, view.Pages()) {
		t.Fatalf("view was not rolled back:\nwanted %+v\ngot    %+v", before, view.Pages())
	}
	if !view.Stale() {
		t.Fatalf("view should be marked for reconciliation")
	}

	// Reading again reconciles with what was actually stored
	after, _ := engine.Pages(ctx, "s1")
	if want, got := []string{"p1", "p3", "p5"}, excludedIDs(after); !reflect.DeepEqual(want, got) {
		t.Fatalf("wanted %v, got %v", want, got)
	}
}

func TestFailedWriteRestoresView(t *testing.T) {
	db := createDB(t)
	seed(t, db, 2)
	failing := &failingDB{Database: db, err: errors.New("disk I/O error")}
	engine := createEngine(t, failing)
	ctx := context.Background()

	before, _ := engine.Pages(ctx, "s1")

	result, err := engine.ApplyExclusions(ctx, []string{"p1"})
	if !apperr.Is(err, apperr.Persistence) || result != nil {
		t.Fatalf("wanted a %v and no result, got %+v, %v", apperr.Persistence, result, err)
	}

	if !reflect.DeepEqual(before, engine.View("s1").Pages()) {
		t.Fatalf("view was not restored")
	}
	if engine.View("s1").Stale() {
		t.Fatalf("nothing was written, so the view should not need reconciling")
	}
}

func TestRestoreAfterConcurrentChange(t *testing.T) {
	view := newView("s1", []database.Page{{ID: "a"}, {ID: "b"}})

	snap, version, ok := view.speculate(func(p *database.Page) bool {
		if p.ID != "a" {
			return false
		}
		p.Excluded = true
		return true
	})
	if !ok {
		t.Fatalf("speculate reported no change")
	}

	// Another mutation lands before the first one is rolled back
	view.speculate(func(p *database.Page) bool {
		if p.ID != "b" {
			return false
		}
		p.Excluded = true
		return true
	})

	if view.restore(snap, version) {
		t.Fatalf("restore should refuse an outdated snapshot")
	}
}

func TestApplyBulk(t *testing.T) {
	db := createDB(t)
	seed(t, db, 3)
	counting := &failingDB{Database: db}
	engine := createEngine(t, counting)
	ctx := context.Background()

	if _, err := engine.ApplyExclusions(ctx, []string{"p2"}); err != nil {
		t.Fatalf("ApplyExclusions failed: %v", err)
	}
	counting.writes = 0

	yes, no := true, false
	updates := []EligibilityUpdate{
		{ID: "p1", Excluded: &yes},
		{ID: "p2", Excluded: &no},
		{ID: "missing", Excluded: &yes},
	}
	result, err := engine.ApplyBulk(ctx, updates)
	if !apperr.Is(err, apperr.Persistence) {
		t.Fatalf("wanted %v, got %v", apperr.Persistence, err)
	}

	if counting.writes != 1 {
		t.Fatalf("wanted a single write, got %v", counting.writes)
	}
	if want := []string{"p1", "p2"}; !reflect.DeepEqual(want, result.Updated) {
		t.Fatalf("wanted %v updated, got %v", want, result.Updated)
	}
	if !reflect.DeepEqual(result.FailedIDs(), []string{"missing"}) {
		t.Fatalf("wanted [missing] to fail, got %v", result.FailedIDs())
	}
	// Every page in the payload is accounted for
	if result.SucceededCount+result.FailedCount != len(updates) {
		t.Fatalf("wanted %v pages reported, got %+v", len(updates), result)
	}

	stored, _ := db.ListPages(ctx, "s1")
	if want := []string{"p1"}; !reflect.DeepEqual(want, excludedIDs(stored)) {
		t.Fatalf("wanted %v excluded, got %v", want, excludedIDs(stored))
	}
}

func TestRemovingBlockKeepsIngestedExclusion(t *testing.T) {
	db := createDB(t)
	seed(t, db, 1)
	ctx := context.Background()

	// p2 was already excluded when it was crawled
	if err := db.AddPages(ctx, []database.Page{{
		ID:        "p2",
		SessionID: "s1",
		URL:       "https://example.com/blog/2",
		Title:     "Post 2",
		Excluded:  true,
		CrawledAt: time.Now().UTC().Add(-time.Hour),
	}}); err != nil {
		t.Fatalf("failed to add pages: %v", err)
	}

	engine := createEngine(t, db)
	block, _, err := engine.AddBlock(ctx, "s1", BlockInput{
		Name: "Blog",
		Rule: database.Rule{Field: "url", Match: "contains", Pattern: "/blog/"},
	})
	if err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}

	if _, err := engine.RemoveBlock(ctx, block.ID); err != nil {
		t.Fatalf("RemoveBlock failed: %v", err)
	}

	list, err := engine.Pages(ctx, "s1")
	if err != nil {
		t.Fatalf("Pages failed: %v", err)
	}
	if want := []string{"p2"}; !reflect.DeepEqual(want, excludedIDs(list)) {
		t.Fatalf("wanted %v excluded, got %v", want, excludedIDs(list))
	}
}

func TestExcludeSelection(t *testing.T) {
	db := createDB(t)
	seed(t, db, 3)
	engine := createEngine(t, db)
	ctx := context.Background()

	if _, err := engine.ExcludeSelection(ctx, "s1"); !apperr.Is(err, apperr.Validation) {
		t.Fatalf("wanted %v for an empty selection, got %v", apperr.Validation, err)
	}

	engine.ToggleSelection("s1", "p1")
	engine.ToggleSelection("s1", "p2")
	engine.ToggleSelection("s1", "p3")
	if selected, _ := engine.ToggleSelection("s1", "p3"); selected {
		t.Fatalf("toggling twice should deselect")
	}
	if want := []string{"p1", "p2"}; !reflect.DeepEqual(want, engine.Selected("s1")) {
		t.Fatalf("wanted %v, got %v", want, engine.Selected("s1"))
	}

	if _, err := engine.ExcludeSelection(ctx, "s1"); err != nil {
		t.Fatalf("ExcludeSelection failed: %v", err)
	}
	if got := engine.Selected("s1"); len(got) != 0 {
		t.Fatalf("selection should be empty, got %v", got)
	}

	list, _ := engine.Pages(ctx, "s1")
	if want, got := []string{"p1", "p2"}, excludedIDs(list); !reflect.DeepEqual(want, got) {
		t.Fatalf("wanted %v, got %v", want, got)
	}

	engine.ToggleSelection("s1", "p3")
	engine.ClearSelection("s1")
	if got := engine.Selected("s1"); len(got) != 0 {
		t.Fatalf("selection should be empty, got %v", got)
	}
}
