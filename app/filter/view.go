package filter

import (
	"slices"
	"sync"

	"github.com/fluxcapacitor2/easylink/app/database"
)

// View is a cached copy of one session's pages. Mutations are applied to it
// speculatively before they're persisted. Afterwards it is either replaced with the
// store's state or restored from a snapshot, never patched piece by piece.
type View struct {
	mu        sync.Mutex
	sessionID string
	pages     []database.Page
	// Incremented on every change, so a rollback can tell whether someone else changed the view since its snapshot
	version uint64
	// Set when the view may no longer match the store and must be reloaded before it's read again
	stale bool
}

type snapshot struct {
	pages   []database.Page
	version uint64
}

func newView(sessionID string, pages []database.Page) *View {
	return &View{sessionID: sessionID, pages: clonePages(pages)}
}

func (v *View) SessionID() string {
	return v.sessionID
}

// Pages returns a copy of the pages as the view currently has them.
func (v *View) Pages() []database.Page {
	v.mu.Lock()
	defer v.mu.Unlock()
	return clonePages(v.pages)
}

func (v *View) Version() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}

func (v *View) Stale() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stale
}

// speculate takes a snapshot and then applies `change` to every page. It returns the
// snapshot and the version the view had after the change, or ok=false if nothing changed.
func (v *View) speculate(change func(page *database.Page) bool) (snap snapshot, version uint64, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	snap = snapshot{pages: clonePages(v.pages), version: v.version}

	changed := false
	for i := range v.pages {
		if change(&v.pages[i]) {
			changed = true
		}
	}
	if !changed {
		return snapshot{}, 0, false
	}

	v.version++
	return snap, v.version, true
}

// restore puts the snapshot back, but only if the view is still at `expected`.
// Returns false if another mutation got there first.
func (v *View) restore(snap snapshot, expected uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.version != expected {
		return false
	}
	v.pages = snap.pages
	v.version++
	return true
}

// replace swaps in the authoritative state from the store.
func (v *View) replace(pages []database.Page) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pages = clonePages(pages)
	v.version++
	v.stale = false
}

func (v *View) markStale() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stale = true
}

func clonePages(pages []database.Page) []database.Page {
	out := make([]database.Page, len(pages))
	for i, p := range pages {
		out[i] = p
		out[i].ExcludedBy = slices.Clone(p.ExcludedBy)
	}
	return out
}
