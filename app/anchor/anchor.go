// Package anchor picks short phrases out of a piece of text that would work as link anchors.
package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/config"
	"github.com/fluxcapacitor2/easylink/app/metrics"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Generator is the part of a langchaingo model that extraction needs. Any llms.Model satisfies it.
type Generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Candidates must be longer than this many characters
const minPhraseLength = 2

var tracer = otel.Tracer("github.com/fluxcapacitor2/easylink/app/anchor")

type Extractor struct {
	generator       Generator
	maxTextLength   int
	maxPhraseLength int
	timeout         time.Duration
}

// New creates an extractor for the text-generation model in `cfg`.
func New(cfg config.Extraction) (*Extractor, error) {
	var generator Generator

	switch cfg.Provider {
	case "openai":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = "-"
		}
		llm, err := openai.New(openai.WithBaseURL(cfg.BaseURL), openai.WithModel(cfg.Model), openai.WithToken(apiKey))
		if err != nil {
			return nil, fmt.Errorf("error setting up LLM for anchor extraction: %w", err)
		}
		generator = llm
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("error setting up LLM for anchor extraction: %w", err)
		}
		generator = llm
	default:
		return nil, fmt.Errorf("unknown extraction provider: %v", cfg.Provider)
	}

	return NewExtractor(generator, cfg.MaxTextLength, cfg.MaxPhraseLength, cfg.Timeout), nil
}

func NewExtractor(generator Generator, maxTextLength int, maxPhraseLength int, timeout time.Duration) *Extractor {
	return &Extractor{
		generator:       generator,
		maxTextLength:   maxTextLength,
		maxPhraseLength: maxPhraseLength,
		timeout:         timeout,
	}
}

const instructions = `You find anchor text for internal links.
From the text the user sends, pick short phrases (ideally one to five words) that appear in the text word for word and that a reader would expect to link to a page about that topic.
Prefer specific topics, products, and concepts over generic words.
Respond with a JSON array of strings and nothing else. Return at most %v phrases.`

// Extract asks the model for up to `maxCandidates` anchor phrases in `text`. The phrases
// themselves are up to the model; what comes back is always trimmed, between the minimum
// and maximum phrase length, and free of case-insensitive duplicates. A response with no
// usable phrase at all is an ExtractionFailed error.
func (e *Extractor) Extract(ctx context.Context, text string, maxCandidates int) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.New(apperr.Validation, "text is empty")
	}
	if n := utf8.RuneCountInString(text); n > e.maxTextLength {
		return nil, apperr.Newf(apperr.Validation, "text is %v characters long, the limit is %v", n, e.maxTextLength)
	}
	if maxCandidates < 1 {
		return nil, apperr.Newf(apperr.Validation, "maxCandidates must be positive, got %v", maxCandidates)
	}
	maxCandidates = min(maxCandidates, config.MaxCandidates)

	ctx, span := tracer.Start(ctx, "anchor.Extract", trace.WithAttributes(attribute.Int("chars", len(text))))
	defer span.End()

	content, err := e.generate(ctx, text, maxCandidates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		if kind := apperr.KindOf(err); kind != apperr.Internal {
			metrics.UpstreamErrors.WithLabelValues("extraction", string(kind)).Inc()
		}
		return nil, err
	}

	phrases, err := parse(content)
	if err != nil {
		slogctx.Warn(ctx, "Model returned malformed anchors", "error", err)
		metrics.UpstreamErrors.WithLabelValues("extraction", string(apperr.ExtractionFailed)).Inc()
		return nil, err
	}

	candidates := e.filter(phrases, maxCandidates)
	if len(candidates) == 0 {
		slogctx.Warn(ctx, "Model returned no usable anchors", "phrases", len(phrases))
		metrics.UpstreamErrors.WithLabelValues("extraction", string(apperr.ExtractionFailed)).Inc()
		return nil, apperr.Newf(apperr.ExtractionFailed, "none of the %v phrases the model returned are between %v and %v characters long",
			len(phrases), minPhraseLength+1, e.maxPhraseLength-1)
	}

	metrics.AnchorsExtracted.Add(float64(len(candidates)))
	return candidates, nil
}

func (e *Extractor) generate(ctx context.Context, text string, maxCandidates int) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	response, err := e.generator.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, fmt.Sprintf(instructions, maxCandidates)),
		llms.TextParts(llms.ChatMessageTypeHuman, text),
	}, llms.WithTemperature(0))
	if err != nil {
		return "", apperr.FromUpstream(ctx, apperr.ExtractionFailed, "text generation request failed", err)
	}

	if response == nil || len(response.Choices) == 0 {
		return "", apperr.New(apperr.ExtractionFailed, "model returned no choices")
	}
	return response.Choices[0].Content, nil
}

// parse decodes the model's answer, which must be a JSON array of strings. A Markdown
// code fence around it is allowed.
func parse(content string) ([]string, error) {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
		// Drop the language tag, if any
		if i := strings.IndexByte(content, '\n'); i >= 0 {
			content = content[i+1:]
		}
		content = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(content), "```"))
	}

	var phrases []string
	if err := json.Unmarshal([]byte(content), &phrases); err != nil {
		return nil, apperr.Wrap(apperr.ExtractionFailed, "model response is not a JSON array of strings", err)
	}
	if phrases == nil {
		return nil, apperr.New(apperr.ExtractionFailed, "model response is not a JSON array of strings")
	}
	return phrases, nil
}

func (e *Extractor) filter(phrases []string, maxCandidates int) []string {
	seen := map[string]bool{}
	candidates := []string{}

	for _, phrase := range phrases {
		phrase = strings.TrimSpace(phrase)
		n := utf8.RuneCountInString(phrase)
		if n <= minPhraseLength || n >= e.maxPhraseLength {
			continue
		}

		key := strings.ToLower(phrase)
		if seen[key] {
			continue
		}
		seen[key] = true

		candidates = append(candidates, phrase)
		if len(candidates) == maxCandidates {
			break
		}
	}
	return candidates
}
