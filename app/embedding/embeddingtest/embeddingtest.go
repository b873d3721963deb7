// Package embeddingtest provides a deterministic Embedder for tests.
package embeddingtest

import (
	"context"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/fluxcapacitor2/easylink/app/apperr"
)

// Embedder hashes each word of the input into a bag-of-words vector, so texts that
// share words are similar and texts that don't are (almost always) orthogonal.
type Embedder struct {
	Dims      int
	ModelName string
	// Returned from every call when set
	Err error
	// When set, calls wait until it's closed (or their context ends)
	Gate chan struct{}

	mu     sync.Mutex
	calls  int
	inputs []string
}

func New() *Embedder {
	return &Embedder{Dims: 1024, ModelName: "bag-of-words"}
}

func (e *Embedder) Model() string {
	return e.ModelName
}

func (e *Embedder) Dimensions() int {
	return e.Dims
}

// Inputs returns the text of every Embed call so far, in call order.
func (e *Embedder) Inputs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.inputs)
}

// Calls returns how many times Embed has been called.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.inputs = append(e.inputs, text)
	e.mu.Unlock()

	if e.Gate != nil {
		select {
		case <-e.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.Err != nil {
		return nil, e.Err
	}

	return Vector(text, e.Dims)
}

// Vector returns the bag-of-words vector for `text`.
func Vector(text string, dims int) ([]float32, error) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		return nil, apperr.New(apperr.EmbeddingFailed, "nothing to embed")
	}

	vector := make([]float32, dims)
	for _, word := range words {
		h := fnv.New32a()
		h.Write([]byte(word))
		vector[h.Sum32()%uint32(dims)]++
	}
	return vector, nil
}
