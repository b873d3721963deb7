// Package filter decides which crawled pages are eligible link targets. Operators
// exclude pages by hand or through filter blocks (saved rules), and every change is
// applied to a cached view of the session first, then persisted in one batch.
package filter

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/database"
	"github.com/fluxcapacitor2/easylink/app/metrics"
	"github.com/fluxcapacitor2/easylink/app/pages"
	"github.com/google/uuid"
	slogctx "github.com/veqryn/slog-context"
)

const (
	OperationApply       = "apply"
	OperationRemove      = "remove"
	OperationBulk        = "bulk"
	OperationAddBlock    = "add_block"
	OperationRemoveBlock = "remove_block"
)

type Engine struct {
	db    database.Database
	store *pages.Store

	mu         sync.Mutex
	views      map[string]*View
	selections map[string]*Selection
}

func NewEngine(db database.Database, store *pages.Store) *Engine {
	return &Engine{
		db:         db,
		store:      store,
		views:      map[string]*View{},
		selections: map[string]*Selection{},
	}
}

// Result reports the outcome of one eligibility change for every requested page.
type Result struct {
	Operation string              `json:"operation"`
	Excluded  bool                `json:"excluded"`
	Updated   []string            `json:"updated"`
	Unchanged []string            `json:"unchanged"`
	Failed    []database.FailedID `json:"failed"`

	SucceededCount int `json:"succeededCount"`
	FailedCount    int `json:"failedCount"`
}

func newResult(operation string, excluded bool, bulk *database.BulkResult) *Result {
	result := &Result{
		Operation: operation,
		Excluded:  excluded,
		Updated:   []string{},
		Unchanged: []string{},
		Failed:    []database.FailedID{},
	}
	if bulk != nil {
		result.Updated = append(result.Updated, bulk.Updated...)
		result.Unchanged = append(result.Unchanged, bulk.Unchanged...)
		result.Failed = append(result.Failed, bulk.Failed...)
	}
	result.count()
	return result
}

func (r *Result) count() {
	r.SucceededCount = len(r.Updated) + len(r.Unchanged)
	r.FailedCount = len(r.Failed)
}

func (r *Result) FailedIDs() []string {
	ids := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.ID
	}
	return ids
}

// Pages returns the session's pages from the cached view, loading it from the store
// the first time (or when a failed reconciliation left it stale).
func (e *Engine) Pages(ctx context.Context, sessionID string) ([]database.Page, error) {
	ctx = slogctx.Append(ctx, "sessionId", sessionID)

	if view := e.View(sessionID); view != nil && !view.Stale() {
		return view.Pages(), nil
	}

	current, err := e.store.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	view, ok := e.views[sessionID]
	if !ok {
		view = newView(sessionID, current)
		e.views[sessionID] = view
	}
	e.mu.Unlock()

	if ok {
		view.replace(current)
	}
	return view.Pages(), nil
}

// View returns the cached view of a session, or nil if it hasn't been loaded.
func (e *Engine) View(sessionID string) *View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.views[sessionID]
}

// ApplyExclusions makes the given pages ineligible. Pages that are already excluded are left as they are.
func (e *Engine) ApplyExclusions(ctx context.Context, pageIDs []string) (*Result, error) {
	changeSet, err := NewChangeSet(pageIDs, true)
	if err != nil {
		return nil, err
	}
	return e.ApplyChangeSet(ctx, OperationApply, changeSet)
}

// RemoveExclusions makes sure the given pages are eligible, whatever excluded them.
// Pages that aren't excluded are left alone.
func (e *Engine) RemoveExclusions(ctx context.Context, pageIDs []string) (*Result, error) {
	changeSet, err := NewChangeSet(pageIDs, false)
	if err != nil {
		return nil, err
	}
	return e.ApplyChangeSet(ctx, OperationRemove, changeSet)
}

// ApplyBulk validates a mixed list of updates and applies all of them in a single write.
// Each page has its own target, so the result's `excluded` is always false.
func (e *Engine) ApplyBulk(ctx context.Context, updates []EligibilityUpdate) (*Result, error) {
	changes, err := ValidateBulk(updates)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, OperationBulk, false, changes)
}

func (e *Engine) ApplyChangeSet(ctx context.Context, operation string, changeSet ChangeSet) (*Result, error) {
	return e.apply(ctx, operation, changeSet.Excluded, database.Changes(changeSet.PageIDs, changeSet.Excluded))
}

func (e *Engine) apply(ctx context.Context, operation string, excluded bool, changes []database.EligibilityChange) (*Result, error) {
	ctx = slogctx.Append(ctx, "operation", operation)

	targets := make(map[string]bool, len(changes))
	for _, change := range changes {
		targets[change.ID] = change.Excluded
	}

	pending := e.speculate(func(page *database.Page) bool {
		target, ok := targets[page.ID]
		if !ok {
			return false
		}
		if target {
			return addSource(page, database.ManualSource)
		}
		changed := page.Excluded || len(page.ExcludedBy) > 0
		page.Excluded = false
		page.ExcludedBy = nil
		return changed
	})

	bulk, err := e.db.BulkSet(ctx, database.ManualSource, changes)
	return e.settle(ctx, operation, excluded, pending, bulk, err)
}

// Block is a filter block along with the number of pages it would newly exclude
// from the session as it currently stands.
type Block struct {
	database.FilterBlock
	MatchCount int `json:"matchCount"`
}

type BlockInput struct {
	Name        string        `json:"name" validate:"required,max=100"`
	Description string        `json:"description" validate:"max=500"`
	Color       string        `json:"color" validate:"max=32"`
	Rule        database.Rule `json:"rule"`
}

// PreviewBlock returns how many pages the rule would newly exclude, without changing anything.
func (e *Engine) PreviewBlock(ctx context.Context, sessionID string, rule database.Rule) (int, error) {
	compiled, err := CompileRule(rule)
	if err != nil {
		return 0, err
	}

	current, err := e.store.List(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	return ComputeMatchCount(compiled, current), nil
}

// AddBlock saves a filter block and excludes every page its rule matches. Pages that
// are already excluded are recorded as members too, so that removing an overlapping
// block later doesn't re-include them.
func (e *Engine) AddBlock(ctx context.Context, sessionID string, input BlockInput) (*Block, *Result, error) {
	ctx = slogctx.Append(ctx, "sessionId", sessionID)

	if err := validate.Struct(input); err != nil {
		return nil, nil, apperr.Wrap(apperr.Validation, "invalid filter block", err)
	}
	compiled, err := CompileRule(input.Rule)
	if err != nil {
		return nil, nil, err
	}

	current, err := e.store.List(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	matchCount := ComputeMatchCount(compiled, current)
	matching := matchingIDs(compiled, current)

	block := &database.FilterBlock{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Name:        strings.TrimSpace(input.Name),
		Description: input.Description,
		Color:       input.Color,
		Rule:        input.Rule,
		CreatedAt:   time.Now().UTC(),
	}
	ctx = slogctx.Append(ctx, "blockId", block.ID)

	ids := toSet(matching)
	pending := e.speculate(func(page *database.Page) bool {
		if !ids[page.ID] {
			return false
		}
		return addSource(page, block.ID)
	})

	bulk, err := e.db.CreateBlock(ctx, block, matching)
	result, err := e.settle(ctx, OperationAddBlock, true, pending, bulk, err)
	if err != nil {
		return nil, result, err
	}

	slogctx.Info(ctx, "Added filter block", "matches", len(matching), "newlyExcluded", matchCount)
	return &Block{FilterBlock: *block, MatchCount: matchCount}, result, nil
}

// RemoveBlock deletes a filter block. Only pages that no other block (and no manual
// exclusion) still excludes become eligible again.
func (e *Engine) RemoveBlock(ctx context.Context, blockID string) (*Result, error) {
	ctx = slogctx.Append(ctx, "blockId", blockID)

	block, err := e.db.GetBlock(ctx, blockID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "failed to read filter block", err)
	}
	if block == nil {
		return nil, apperr.Newf(apperr.NotFound, "filter block %v does not exist", blockID)
	}

	pending := e.speculate(func(page *database.Page) bool {
		if !slices.Contains(page.ExcludedBy, blockID) {
			return false
		}
		page.ExcludedBy = removeString(page.ExcludedBy, blockID)
		if len(page.ExcludedBy) == 0 {
			page.ExcludedBy = nil
			page.Excluded = false
		}
		return true
	})

	var bulk *database.BulkResult
	reincluded, err := e.db.DeleteBlock(ctx, blockID)
	if err == nil {
		bulk = &database.BulkResult{Updated: reincluded}
	}
	return e.settle(ctx, OperationRemoveBlock, false, pending, bulk, err)
}

// ListBlocks returns the session's filter blocks. Each block's match count is worked out
// against the session as it would be without that block, so it changes whenever other
// blocks or exclusions change.
func (e *Engine) ListBlocks(ctx context.Context, sessionID string) ([]Block, error) {
	blocks, err := e.db.ListBlocks(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "failed to read filter blocks", err)
	}
	if len(blocks) == 0 {
		return []Block{}, nil
	}

	current, err := e.store.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]Block, 0, len(blocks))
	for _, block := range blocks {
		compiled, err := CompileRule(block.Rule)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, fmt.Sprintf("filter block %v has an invalid rule", block.ID), err)
		}
		out = append(out, Block{
			FilterBlock: block,
			MatchCount:  ComputeMatchCount(compiled, withoutSource(current, block.ID)),
		})
	}
	return out, nil
}

func (e *Engine) selection(sessionID string) *Selection {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.selections[sessionID]
	if !ok {
		s = NewSelection()
		e.selections[sessionID] = s
	}
	return s
}

func (e *Engine) ToggleSelection(sessionID string, pageID string) (bool, error) {
	if sessionID == "" || pageID == "" {
		return false, apperr.New(apperr.Validation, "sessionId and pageId are required")
	}
	return e.selection(sessionID).Toggle(pageID), nil
}

func (e *Engine) ClearSelection(sessionID string) {
	e.selection(sessionID).Clear()
}

func (e *Engine) Selected(sessionID string) []string {
	return e.selection(sessionID).IDs()
}

// ExcludeSelection excludes every selected page. Pages that were confirmed excluded are
// deselected; failed pages stay selected so the operator can retry them.
func (e *Engine) ExcludeSelection(ctx context.Context, sessionID string) (*Result, error) {
	selection := e.selection(sessionID)

	ids := selection.IDs()
	if len(ids) == 0 {
		return nil, apperr.New(apperr.Validation, "no pages are selected")
	}

	result, err := e.ApplyExclusions(ctx, ids)
	if result != nil {
		selection.Remove(result.Updated...)
		selection.Remove(result.Unchanged...)
	}
	return result, err
}

type pendingChange struct {
	view    *View
	snap    snapshot
	version uint64
}

// speculate applies `change` to every cached view and remembers how to undo it.
func (e *Engine) speculate(change func(page *database.Page) bool) []pendingChange {
	e.mu.Lock()
	views := slices.Collect(maps.Values(e.views))
	e.mu.Unlock()

	pending := []pendingChange{}
	for _, view := range views {
		if snap, version, ok := view.speculate(change); ok {
			pending = append(pending, pendingChange{view: view, snap: snap, version: version})
		}
	}
	return pending
}

// settle reconciles the speculative views with the outcome of the write. On success the
// views are replaced with the store's state. On any failure, including a partial one,
// they go back to their snapshots.
func (e *Engine) settle(ctx context.Context, operation string, excluded bool, pending []pendingChange, bulk *database.BulkResult, err error) (*Result, error) {
	if err != nil {
		e.rollback(ctx, pending, false)
		metrics.ExclusionUpdates.WithLabelValues(operation, "error").Inc()
		slogctx.Error(ctx, "Failed to persist eligibility change", "error", err)
		return nil, apperr.Wrap(apperr.Persistence, "failed to update pages", err)
	}

	result := newResult(operation, excluded, bulk)

	if len(result.Failed) > 0 {
		// The pages that did persist will show up the next time the view is read
		e.rollback(ctx, pending, true)
		metrics.ExclusionUpdates.WithLabelValues(operation, "partial").Inc()
		slogctx.Warn(ctx, "Eligibility change partially failed", "failed", result.FailedIDs(), "succeeded", result.SucceededCount)
		return result, apperr.Newf(apperr.Persistence, "%v of %v pages could not be updated: %v",
			result.FailedCount, result.FailedCount+result.SucceededCount, strings.Join(result.FailedIDs(), ", "))
	}

	for _, p := range pending {
		e.reload(ctx, p.view)
	}
	metrics.ExclusionUpdates.WithLabelValues(operation, "success").Inc()
	slogctx.Debug(ctx, "Persisted eligibility change", "updated", len(result.Updated), "unchanged", len(result.Unchanged))
	return result, nil
}

func (e *Engine) rollback(ctx context.Context, pending []pendingChange, stale bool) {
	for _, p := range pending {
		if !p.view.restore(p.snap, p.version) {
			// Another mutation touched the view after ours, so the snapshot is outdated too
			e.reload(ctx, p.view)
			continue
		}
		if stale {
			p.view.markStale()
		}
	}
}

func (e *Engine) reload(ctx context.Context, view *View) {
	current, err := e.db.ListPages(ctx, view.SessionID())
	if err != nil {
		slogctx.Warn(ctx, "Failed to reload cached pages", "sessionId", view.SessionID(), "error", err)
		view.markStale()
		return
	}
	view.replace(current)
}

// addSource marks the page excluded by `source`. Returns false if it already was.
func addSource(page *database.Page, source string) bool {
	if page.Excluded && slices.Contains(page.ExcludedBy, source) {
		return false
	}
	page.Excluded = true
	if !slices.Contains(page.ExcludedBy, source) {
		page.ExcludedBy = append(page.ExcludedBy, source)
		slices.Sort(page.ExcludedBy)
	}
	return true
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
