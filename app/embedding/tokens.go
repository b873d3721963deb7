package embedding

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/tmc/langchaingo/textsplitter"
)

var encoder *tiktoken.Tiktoken

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	var err error
	encoder, err = tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		panic(fmt.Sprintf("error loading encoding: %v", err))
	}
}

// Split points, most preferred first. Text is cut at a paragraph break if one fits,
// then a line break, and so on down to individual characters.
var separators = []string{
	"\n\n",
	"\n",
	". ",
	" ",
	",",
	"。", // Ideographic full stop
	"，", // Fullwidth comma
	"",
}

func CountTokens(s string) int {
	return len(encoder.Encode(s, nil, nil))
}

// Truncate shortens `text` to at most `maxTokens` tokens, cutting at the latest natural
// boundary that fits. Text that's already short enough is returned unchanged.
func Truncate(text string, maxTokens int) (string, error) {
	if maxTokens < 1 {
		return "", fmt.Errorf("token budget must be positive, got %v", maxTokens)
	}
	if CountTokens(text) <= maxTokens {
		return text, nil
	}

	splitter := textsplitter.NewRecursiveCharacter()
	splitter.ChunkSize = maxTokens
	splitter.ChunkOverlap = 0
	splitter.KeepSeparator = false
	splitter.Separators = separators
	splitter.LenFunc = CountTokens

	chunks, err := splitter.SplitText(text)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", nil
	}
	return chunks[0], nil
}
