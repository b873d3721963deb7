package embedding

import (
	"strings"

	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/database"
)

// PageText builds the text that represents a page in the index: its title, description,
// headings and keywords followed by the body, cut down to the model's token budget.
func PageText(page database.Page, maxTokens int) (string, error) {
	parts := []string{}
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}

	add(page.Title)
	add(page.Description)
	add(strings.Join(page.Headings, "\n"))
	add(strings.Join(page.Keywords, ", "))
	add(page.Content)

	if len(parts) == 0 {
		return "", apperr.Newf(apperr.EmbeddingFailed, "page %v has no text to embed", page.ID)
	}

	text, err := Truncate(strings.Join(parts, "\n\n"), maxTokens)
	if err != nil {
		return "", apperr.Wrap(apperr.EmbeddingFailed, "failed to truncate page text", err)
	}
	return text, nil
}
