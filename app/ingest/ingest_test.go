package ingest

import (
	"context"
	"net/url"
	"path"
	"reflect"
	"strings"
	"testing"

	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/database"
	"golang.org/x/net/html"
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

const article = `<!DOCTYPE html>
<html>
<head>
	<title>  Growing Tomatoes  </title>
	<meta name="description" content="How to grow tomatoes at home">
	<meta name="keywords" content="tomatoes, gardening,  , tomatoes">
	<script>var tracking = true;</script>
</head>
<body>
	<nav><a href="/">Home</a></nav>
	<h1>Growing Tomatoes</h1>
	<p>Tomatoes need plenty of sun. Plant them after the last frost and water them deeply once a week.</p>
	<h2>Soil</h2>
	<p>Use well-drained soil that is rich in organic matter. Add compost before planting.</p>
	<h3>Pests</h3>
	<p>Watch for hornworms.</p>
</body>
</html>`

func TestCanonicalize(t *testing.T) {
	table := []struct {
		in  string
		out string
	}{
		{"https://example.com/blog/", "https://example.com/blog"},
		{"https://Example.COM/blog#comments", "https://example.com/blog"},
		{"https://example.com/app#/settings", "https://example.com/app#/settings"},
		{"https://example.com/search?q=x&a=1", "https://example.com/search?a=1&q=x"},
		{"https://example.com/", "https://example.com"},
	}

	for i, testCase := range table {
		u, err := url.Parse(testCase.in)
		if err != nil {
			t.Fatalf("test case %v failed: %v", i+1, err)
		}
		if got := Canonicalize(u).String(); got != testCase.out {
			t.Fatalf("test case %v failed: wanted %v, got %v", i+1, testCase.out, got)
		}
	}
}

func TestPageIDIsStable(t *testing.T) {
	a := PageID("s1", "https://example.com/a")
	if a != PageID("s1", "https://example.com/a") {
		t.Fatalf("page IDs should be deterministic")
	}
	if a == PageID("s2", "https://example.com/a") {
		t.Fatalf("page IDs should differ between sessions")
	}
}

func TestParse(t *testing.T) {
	page, err := Parse(Record{SessionID: "s1", URL: "https://example.com/tomatoes/", HTML: article})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if page.URL != "https://example.com/tomatoes" || page.ID != PageID("s1", "https://example.com/tomatoes") {
		t.Fatalf("unexpected URL or ID: %v, %v", page.URL, page.ID)
	}
	if page.Title != "Growing Tomatoes" {
		t.Fatalf("wanted title %q, got %q", "Growing Tomatoes", page.Title)
	}
	if page.Description != "How to grow tomatoes at home" {
		t.Fatalf("unexpected description: %q", page.Description)
	}
	if !reflect.DeepEqual(page.Keywords, []string{"tomatoes", "gardening"}) {
		t.Fatalf("unexpected keywords: %v", page.Keywords)
	}
	if !reflect.DeepEqual(page.Headings, []string{"Growing Tomatoes", "Soil", "Pests"}) {
		t.Fatalf("unexpected headings: %v", page.Headings)
	}
	if !strings.Contains(page.Content, "Tomatoes need plenty of sun.") || !strings.Contains(page.Content, "organic matter") {
		t.Fatalf("content is missing the page text: %q", page.Content)
	}
	if strings.Contains(page.Content, "tracking") {
		t.Fatalf("content should not include scripts: %q", page.Content)
	}
	if page.CrawledAt.IsZero() {
		t.Fatalf("crawl time should default to now")
	}
}

func TestParseRejectsBadRecords(t *testing.T) {
	table := []Record{
		{URL: "https://example.com"},
		{SessionID: "s1"},
		{SessionID: "s1", URL: "not a url"},
	}

	for i, record := range table {
		if _, err := Parse(record); !apperr.Is(err, apperr.Validation) {
			t.Fatalf("test case %v failed: wanted %v, got %v", i+1, apperr.Validation, err)
		}
	}
}

func TestGetText(t *testing.T) {
	node, err := html.Parse(strings.NewReader(`<div><p>One</p><p>Two</p><style>p{}</style><span>Three</span></div>`))
	if err != nil {
		t.Fatalf("failed to parse HTML: %v", err)
	}

	if text := collapse(getText(node)); text != "One Two Three" {
		t.Fatalf("wanted %q, got %q", "One Two Three", text)
	}
}

func TestIngest(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	input := strings.Join([]string{
		`{"sessionId": "s1", "url": "https://example.com/a", "html": "<title>A</title><p>Sailing boats</p>", "crawledAt": "2024-05-01T10:00:00Z"}`,
		``,
		`{"sessionId": "s1", "url": "https://example.com/b/", "html": "<title>B</title><p>Tomato gardening</p>", "excluded": true}`,
		`not json`,
		`{"sessionId": "s1", "url": ""}`,
	}, "\n")

	result, err := Ingest(ctx, db, strings.NewReader(input), "")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if result.Read != 4 || result.Stored != 2 || len(result.Rejected) != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Rejected[0].Line != 4 || result.Rejected[1].Line != 5 {
		t.Fatalf("rejections have the wrong line numbers: %+v", result.Rejected)
	}

	pages, err := db.ListPages(ctx, "s1")
	if err != nil {
		t.Fatalf("ListPages failed: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("wanted 2 pages, got %v", len(pages))
	}

	byURL := map[string]database.Page{}
	for _, p := range pages {
		byURL[p.URL] = p
	}
	if byURL["https://example.com/a"].Title != "A" || byURL["https://example.com/a"].Excluded {
		t.Fatalf("unexpected page a: %+v", byURL["https://example.com/a"])
	}
	if !byURL["https://example.com/b"].Excluded {
		t.Fatalf("page b should be excluded: %+v", byURL["https://example.com/b"])
	}
}

func TestIngestOverridesSession(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	input := `{"sessionId": "ignored", "url": "https://example.com/a", "html": "<p>Hello</p>"}`
	if _, err := Ingest(ctx, db, strings.NewReader(input), "s2"); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// Ingesting again updates the page in place
	if _, err := Ingest(ctx, db, strings.NewReader(input), "s2"); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	pages, _ := db.ListPages(ctx, "s2")
	if len(pages) != 1 || pages[0].ID != PageID("s2", "https://example.com/a") {
		t.Fatalf("unexpected pages: %+v", pages)
	}
}
