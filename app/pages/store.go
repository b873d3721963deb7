// Package pages is the read side of the crawl: listing a session's pages and
// looking up single pages. Eligibility is only ever changed through the filter package.
package pages

import (
	"context"

	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/database"
)

type Store struct {
	db database.Database
}

func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

// List returns every page in the session, most recently crawled first.
func (s *Store) List(ctx context.Context, sessionID string) ([]database.Page, error) {
	if sessionID == "" {
		return nil, apperr.New(apperr.Validation, "sessionId is required")
	}

	pages, err := s.db.ListPages(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "failed to read pages", err)
	}

	// Sessions only exist through their pages
	if len(pages) == 0 {
		return nil, apperr.Newf(apperr.NotFound, "session %v does not exist", sessionID)
	}

	return pages, nil
}

func (s *Store) Get(ctx context.Context, pageID string) (*database.Page, error) {
	if pageID == "" {
		return nil, apperr.New(apperr.Validation, "pageId is required")
	}

	pages, err := s.db.GetPages(ctx, []string{pageID})
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "failed to read page", err)
	}
	if len(pages) == 0 {
		return nil, apperr.Newf(apperr.NotFound, "page %v does not exist", pageID)
	}

	return &pages[0], nil
}

// GetMany returns the pages that exist out of `ids`, keyed by ID.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]database.Page, error) {
	found := make(map[string]database.Page, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	pages, err := s.db.GetPages(ctx, ids)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "failed to read pages", err)
	}
	for _, p := range pages {
		found[p.ID] = p
	}
	return found, nil
}
