// Package embedding turns text into vectors through an embedding model.
package embedding

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/config"
	"github.com/fluxcapacitor2/easylink/app/metrics"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Embedder produces one fixed-length vector per piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// The model that produced the vectors. Vectors from different models can't be compared.
	Model() string
	Dimensions() int
}

var tracer = otel.Tracer("github.com/fluxcapacitor2/easylink/app/embedding")

// Client is an Embedder backed by a langchaingo embedding model.
type Client struct {
	embedder   embeddings.Embedder
	model      string
	dimensions int
	timeout    time.Duration
}

// New creates a client for the provider in `cfg`.
func New(cfg config.Embeddings) (*Client, error) {
	var client embeddings.EmbedderClient

	switch cfg.Provider {
	case "openai":
		apiKey := cfg.APIKey
		if apiKey == "" {
			// `langchaingo` emits an error when the OpenAI API key is empty, even if the API URL has been changed to one that doesn't require authentication.
			apiKey = "-"
		}
		llm, err := openai.New(openai.WithBaseURL(cfg.BaseURL), openai.WithEmbeddingModel(cfg.Model), openai.WithToken(apiKey))
		if err != nil {
			return nil, fmt.Errorf("error setting up LLM for embedding: %w", err)
		}
		client = llm
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("error setting up LLM for embedding: %w", err)
		}
		client = llm
	default:
		return nil, fmt.Errorf("unknown embedding provider: %v", cfg.Provider)
	}

	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("error creating embedder: %w", err)
	}

	return NewClient(embedder, cfg.Model, cfg.Dimensions, cfg.Timeout), nil
}

func NewClient(embedder embeddings.Embedder, model string, dimensions int, timeout time.Duration) *Client {
	return &Client{embedder: embedder, model: model, dimensions: dimensions, timeout: timeout}
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) Dimensions() int {
	return c.dimensions
}

// Embed sends one request to the model. The request is bounded by the configured
// timeout and is never retried.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "embedding.Embed", trace.WithAttributes(
		attribute.String("model", c.model),
		attribute.Int("chars", len(text)),
	))
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	vector, err := c.embedder.EmbedQuery(ctx, text)
	if err == nil {
		err = c.check(vector)
	} else {
		err = apperr.FromUpstream(ctx, apperr.EmbeddingFailed, "embedding request failed", err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		if kind := apperr.KindOf(err); kind != apperr.Internal {
			metrics.UpstreamErrors.WithLabelValues("embedding", string(kind)).Inc()
		}
		return nil, err
	}

	return vector, nil
}

// check rejects vectors that can't be compared with the rest of the index.
func (c *Client) check(vector []float32) error {
	if len(vector) != c.dimensions {
		return apperr.Newf(apperr.EmbeddingFailed, "model returned %v dimensions, expected %v", len(vector), c.dimensions)
	}

	zero := true
	for _, x := range vector {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return apperr.New(apperr.EmbeddingFailed, "model returned a vector with non-finite values")
		}
		if x != 0 {
			zero = false
		}
	}
	if zero {
		return apperr.New(apperr.EmbeddingFailed, "model returned a zero vector")
	}
	return nil
}
