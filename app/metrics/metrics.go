// Package metrics holds the Prometheus collectors shared by the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "easylink"

var (
	ExclusionUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exclusion_updates_total",
		Help:      "Bulk eligibility updates, by operation and outcome.",
	}, []string{"operation", "outcome"})

	EmbeddingsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embeddings_generated_total",
		Help:      "Page embeddings written to the index.",
	})

	EmbeddingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_failures_total",
		Help:      "Pages whose embedding could not be generated, by error kind.",
	}, []string{"kind"})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_errors_total",
		Help:      "Classified failures of the embedding and text-generation dependencies.",
	}, []string{"operation", "kind"})

	SuggestionsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suggestions_total",
		Help:      "Suggest calls, by outcome (matched, empty, error).",
	}, []string{"outcome"})

	SuggestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "suggest_duration_seconds",
		Help:      "Time spent answering a single suggest call.",
		Buckets:   prometheus.DefBuckets,
	})

	AnchorsExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anchors_extracted_total",
		Help:      "Anchor candidates returned after filtering.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "API requests, by route and status code.",
	}, []string{"route", "status"})
)

// Handler serves every registered collector in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
