// Package match ranks the pages an anchor phrase could link to.
package match

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fluxcapacitor2/easylink/app/anchor"
	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/config"
	"github.com/fluxcapacitor2/easylink/app/index"
	"github.com/fluxcapacitor2/easylink/app/metrics"
	"github.com/fluxcapacitor2/easylink/app/pages"
	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/sync/singleflight"
)

// Longest anchor text, in characters, that can be matched
const MaxAnchorLength = 200

type Suggestion struct {
	PageID     string  `json:"pageId"`
	URL        string  `json:"url"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
	// 1-based position in the result list
	Rank int `json:"rank"`
}

type Ranker struct {
	index     *index.Index
	store     *pages.Store
	extractor *anchor.Extractor
	floor     float64

	// Concurrent requests for the same anchor share one embedding request
	group singleflight.Group
}

// NewRanker creates a ranker that drops matches below `floor`. The extractor is only
// needed for SuggestAll and may be nil.
func NewRanker(idx *index.Index, store *pages.Store, extractor *anchor.Extractor, floor float64) *Ranker {
	return &Ranker{index: idx, store: store, extractor: extractor, floor: floor}
}

// Suggest returns up to `maxSuggestions` (at most 10) eligible pages for the anchor,
// most similar first. Finding nothing above the similarity floor is not an error.
func (r *Ranker) Suggest(ctx context.Context, anchorText string, maxSuggestions int) ([]Suggestion, error) {
	start := time.Now()
	defer func() { metrics.SuggestDuration.Observe(time.Since(start).Seconds()) }()

	suggestions, err := r.suggest(ctx, anchorText, maxSuggestions)
	switch {
	case err != nil:
		metrics.SuggestionsServed.WithLabelValues("error").Inc()
	case len(suggestions) == 0:
		metrics.SuggestionsServed.WithLabelValues("empty").Inc()
	default:
		metrics.SuggestionsServed.WithLabelValues("matched").Inc()
	}
	return suggestions, err
}

func (r *Ranker) suggest(ctx context.Context, anchorText string, maxSuggestions int) ([]Suggestion, error) {
	anchorText = strings.TrimSpace(anchorText)
	if anchorText == "" {
		return nil, apperr.New(apperr.Validation, "anchor text is empty")
	}
	if n := utf8.RuneCountInString(anchorText); n > MaxAnchorLength {
		return nil, apperr.Newf(apperr.Validation, "anchor text is %v characters long, the limit is %v", n, MaxAnchorLength)
	}
	if maxSuggestions < 1 {
		return nil, apperr.Newf(apperr.Validation, "maxSuggestions must be positive, got %v", maxSuggestions)
	}
	maxSuggestions = min(maxSuggestions, config.MaxSuggestions)

	vector, err := r.embed(ctx, anchorText)
	if err != nil {
		return nil, err
	}

	matches, err := r.index.Search(ctx, vector, maxSuggestions, r.floor)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.PageID
	}
	found, err := r.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	suggestions := []Suggestion{}
	seen := map[string]bool{}
	for _, m := range matches {
		page, ok := found[m.PageID]
		// The page may have been excluded (or removed) since the index was last regenerated
		if !ok || page.Excluded {
			slogctx.Debug(ctx, "Dropping ineligible match", "pageId", m.PageID)
			continue
		}
		if seen[m.PageID] {
			continue
		}
		seen[m.PageID] = true

		suggestions = append(suggestions, Suggestion{
			PageID:     page.ID,
			URL:        page.URL,
			Title:      page.Title,
			Similarity: m.Similarity,
			Rank:       len(suggestions) + 1,
		})
	}

	return suggestions, nil
}

// embed returns the anchor's vector. Callers that ask for the same anchor at the same time
// wait for one shared request, and each can give up on it without canceling it for the others.
func (r *Ranker) embed(ctx context.Context, anchorText string) ([]float32, error) {
	embedder := r.index.Embedder()
	// Every caller sharing a key gets the vector of exactly that text
	text := normalize(anchorText)
	key := embedder.Model() + "\x00" + text

	results := r.group.DoChan(key, func() (any, error) {
		return embedder.Embed(context.WithoutCancel(ctx), text)
	})

	select {
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.([]float32), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// normalize collapses runs of whitespace. Case is significant to the model and is kept.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type AnchorSuggestions struct {
	Anchor      string       `json:"anchor"`
	Suggestions []Suggestion `json:"suggestions"`
}

// SuggestAll extracts anchor candidates from `text` and ranks pages for each one in turn.
// If ranking fails part way through, the anchors that were already ranked are returned with the error.
func (r *Ranker) SuggestAll(ctx context.Context, text string, maxCandidates int, maxSuggestions int) ([]AnchorSuggestions, error) {
	if r.extractor == nil {
		return nil, apperr.New(apperr.Internal, "anchor extraction is not configured")
	}

	candidates, err := r.extractor.Extract(ctx, text, maxCandidates)
	if err != nil {
		return nil, err
	}

	results := make([]AnchorSuggestions, 0, len(candidates))
	for _, candidate := range candidates {
		suggestions, err := r.Suggest(ctx, candidate, maxSuggestions)
		if err != nil {
			return results, err
		}
		results = append(results, AnchorSuggestions{Anchor: candidate, Suggestions: suggestions})
	}
	return results, nil
}
