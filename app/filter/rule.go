package filter

import (
	"net/url"
	"strings"

	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/database"
	"github.com/gobwas/glob"
)

const (
	FieldURL   = "url"
	FieldPath  = "path"
	FieldTitle = "title"

	MatchGlob     = "glob"
	MatchPrefix   = "prefix"
	MatchContains = "contains"
	MatchExact    = "exact"
)

// CompiledRule is a validated rule that can be evaluated against pages.
type CompiledRule struct {
	Rule    database.Rule
	matches func(value string) bool
}

// CompileRule validates `rule` and prepares it for matching. URL and path rules are
// case-sensitive and treat `/` as the glob separator; title rules ignore case.
func CompileRule(rule database.Rule) (*CompiledRule, error) {
	switch rule.Field {
	case FieldURL, FieldPath, FieldTitle:
	default:
		return nil, apperr.Newf(apperr.Validation, "unknown rule field %q. Valid fields include: url, path, title", rule.Field)
	}

	if strings.TrimSpace(rule.Pattern) == "" {
		return nil, apperr.New(apperr.Validation, "rule pattern is empty")
	}

	pattern := rule.Pattern
	fold := rule.Field == FieldTitle
	if fold {
		pattern = strings.ToLower(pattern)
	}

	var matches func(string) bool

	switch rule.Match {
	case MatchGlob:
		var g glob.Glob
		var err error
		if fold {
			g, err = glob.Compile(pattern)
		} else {
			g, err = glob.Compile(pattern, '/')
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.Validation, "invalid glob pattern", err)
		}
		matches = g.Match
	case MatchPrefix:
		matches = func(v string) bool { return strings.HasPrefix(v, pattern) }
	case MatchContains:
		matches = func(v string) bool { return strings.Contains(v, pattern) }
	case MatchExact:
		matches = func(v string) bool { return v == pattern }
	default:
		return nil, apperr.Newf(apperr.Validation, "unknown rule match %q. Valid matches include: glob, prefix, contains, exact", rule.Match)
	}

	if fold {
		inner := matches
		matches = func(v string) bool { return inner(strings.ToLower(v)) }
	}

	return &CompiledRule{Rule: rule, matches: matches}, nil
}

func (r *CompiledRule) Matches(page database.Page) bool {
	switch r.Rule.Field {
	case FieldURL:
		return r.matches(page.URL)
	case FieldPath:
		return r.matches(pagePath(page.URL))
	case FieldTitle:
		return r.matches(page.Title)
	}
	return false
}

func pagePath(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if parsed.Path == "" {
		return "/"
	}
	return parsed.Path
}

// ComputeMatchCount returns how many of `pages` the rule would newly exclude,
// i.e. pages it matches that are not excluded already.
func ComputeMatchCount(rule *CompiledRule, pages []database.Page) int {
	count := 0
	for _, page := range pages {
		if !page.Excluded && rule.Matches(page) {
			count++
		}
	}
	return count
}

// matchingIDs returns every page the rule matches, whether or not it's excluded.
func matchingIDs(rule *CompiledRule, pages []database.Page) []string {
	ids := []string{}
	for _, page := range pages {
		if rule.Matches(page) {
			ids = append(ids, page.ID)
		}
	}
	return ids
}

// withoutSource returns a copy of `pages` with `source` taken out of every page's
// exclusion sources, as if it had never been applied.
func withoutSource(pages []database.Page, source string) []database.Page {
	out := make([]database.Page, len(pages))
	for i, page := range pages {
		out[i] = page
		if !page.Excluded || len(page.ExcludedBy) == 0 {
			// Pages excluded at ingestion have no recorded source and stay excluded
			continue
		}
		remaining := removeString(page.ExcludedBy, source)
		out[i].ExcludedBy = remaining
		out[i].Excluded = len(remaining) > 0
	}
	return out
}

func removeString(values []string, s string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
