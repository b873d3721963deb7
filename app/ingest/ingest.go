// Package ingest turns crawl records into pages. It never fetches anything itself.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/database"
	"github.com/go-playground/validator/v10"
	"github.com/go-shiori/go-readability"
	"github.com/google/uuid"
	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/net/html"
)

// Record is one line of a crawl export.
type Record struct {
	SessionID string    `json:"sessionId" validate:"required,max=256"`
	URL       string    `json:"url" validate:"required,url"`
	HTML      string    `json:"html"`
	CrawledAt time.Time `json:"crawledAt"`
	Excluded  bool      `json:"excluded"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Lines longer than this are rejected
const maxLineSize = 16 * 1024 * 1024

const batchSize = 100

type Result struct {
	Read   int `json:"read"`
	Stored int `json:"stored"`
	// Line number and reason for every record that couldn't be used
	Rejected []Rejection `json:"rejected"`
}

type Rejection struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// PageID returns the deterministic ID of the page at `pageURL` in a session, so
// re-ingesting the same crawl updates pages instead of duplicating them.
func PageID(sessionID string, pageURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(sessionID+"|"+pageURL)).String()
}

// Ingest reads JSON-lines records from `r` and stores them as pages. When `sessionID` is set,
// it overrides the session of every record. Bad records are skipped and reported; a failed
// write stops the import.
func Ingest(ctx context.Context, db database.Database, r io.Reader, sessionID string) (*Result, error) {
	result := &Result{Rejected: []Rejection{}}
	batch := make([]database.Page, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := db.AddPages(ctx, batch); err != nil {
			return apperr.Wrap(apperr.Persistence, "failed to save pages", err)
		}
		result.Stored += len(batch)
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return result, err
		}

		data := strings.TrimSpace(scanner.Text())
		if data == "" {
			continue
		}
		result.Read++

		var record Record
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			result.Rejected = append(result.Rejected, Rejection{Line: line, Reason: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}
		if sessionID != "" {
			record.SessionID = sessionID
		}

		page, err := Parse(record)
		if err != nil {
			slogctx.Debug(ctx, "Skipping crawl record", "line", line, "error", err)
			result.Rejected = append(result.Rejected, Rejection{Line: line, Reason: apperr.Detail(err)})
			continue
		}

		batch = append(batch, *page)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return result, apperr.Wrap(apperr.Validation, fmt.Sprintf("failed to read line %v", line+1), err)
	}
	if err := flush(); err != nil {
		return result, err
	}

	slogctx.Info(ctx, "Finished ingesting crawl records", "read", result.Read, "stored", result.Stored, "rejected", len(result.Rejected))
	return result, nil
}

// Parse validates a crawl record and extracts the page's SEO fields and readable text.
func Parse(record Record) (*database.Page, error) {
	if err := validate.Struct(record); err != nil {
		return nil, apperr.Wrap(apperr.Validation, fmt.Sprintf("invalid crawl record: %v", err), err)
	}

	parsedURL, err := url.Parse(record.URL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid page URL", err)
	}
	canonical := Canonicalize(parsedURL)

	crawledAt := record.CrawledAt
	if crawledAt.IsZero() {
		crawledAt = time.Now()
	}

	page := &database.Page{
		ID:        PageID(record.SessionID, canonical.String()),
		SessionID: record.SessionID,
		URL:       canonical.String(),
		Headings:  []string{},
		Keywords:  []string{},
		Excluded:  record.Excluded,
		CrawledAt: crawledAt.UTC(),
	}

	if strings.TrimSpace(record.HTML) == "" {
		return page, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(record.HTML))
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "failed to parse HTML", err)
	}

	page.Title = collapse(doc.Find("title").First().Text())
	page.Description, _ = doc.Find("meta[name=description]").Attr("content")
	page.Description = collapse(page.Description)

	if keywords, exists := doc.Find("meta[name=keywords]").Attr("content"); exists {
		for _, keyword := range strings.Split(keywords, ",") {
			if keyword = collapse(keyword); keyword != "" && !slices.Contains(page.Keywords, keyword) {
				page.Keywords = append(page.Keywords, keyword)
			}
		}
	}

	doc.Find("h1, h2, h3").Each(func(i int, heading *goquery.Selection) {
		if text := collapse(heading.Text()); text != "" {
			page.Headings = append(page.Headings, text)
		}
	})

	article, err := readability.FromDocument(doc.Get(0), canonical)

	// Readability's text content runs block elements together, so walk its HTML output instead
	content := ""
	if err == nil {
		if node, err := html.Parse(strings.NewReader(article.Content)); err == nil {
			content = getText(node)
		}
	}
	if content == "" {
		// Readability couldn't find an article. Fall back to all of the page's text.
		for _, node := range doc.Nodes {
			content += getText(node)
		}
	} else if page.Title == "" {
		page.Title = collapse(article.Title)
	}
	page.Content = collapse(content)

	return page, nil
}

var nonTextElements = []string{"head", "meta", "script", "style", "noscript", "object", "svg", "template"}

// getText returns the text inside `node`, with a space between adjacent elements.
func getText(node *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && slices.Contains(nonTextElements, n.Data) {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return strings.TrimSpace(b.String())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Canonicalize formats URLs to keep them as consistent as possible.
func Canonicalize(u *url.URL) *url.URL {
	canonical := *u
	canonical.Host = strings.ToLower(canonical.Host)
	canonical.Scheme = strings.ToLower(canonical.Scheme)

	// Strip trailing slashes
	canonical.Path = strings.TrimSuffix(canonical.Path, "/")
	canonical.RawPath = ""

	if canonical.Fragment != "" {
		// Fragments with slashes might be needed for client-side routing, so they're kept
		if !strings.Contains(canonical.Fragment, "/") {
			canonical.Fragment = ""
			canonical.RawFragment = ""
		}
	}

	// Query parameters are sorted by key
	if canonical.RawQuery != "" {
		canonical.RawQuery = canonical.Query().Encode()
	}

	return &canonical
}
