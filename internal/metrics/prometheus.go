package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defi_guard_pages_fetched_total",
			Help: "Pages fetched by source and outcome",
		},
		[]string{"source", "status"},
	)

	ExtractionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defi_guard_extraction_failures_total",
			Help: "Articles dropped because a required field could not be extracted",
		},
		[]string{"source", "field"},
	)

	ClassifierCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defi_guard_classifier_calls_total",
			Help: "Protocol classifications by resolution method",
		},
		[]string{"method"},
	)

	RelevanceRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defi_guard_relevance_rejections_total",
			Help: "Candidates dropped by the relevance gate",
		},
		[]string{"source"},
	)

	RecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defi_guard_records_ingested_total",
			Help: "Corpus writes by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	IngestionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defi_guard_ingestion_errors_total",
			Help: "Failed adapter runs by source and stage",
		},
		[]string{"source", "stage"},
	)

	ScrapeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "defi_guard_scrape_duration_seconds",
			Help:    "Scrape and ingest duration per source",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"source"},
	)

	ClassificationConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "defi_guard_classification_confidence",
			Help:    "Relevance confidence of classified candidates",
			Buckets: []float64{0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defi_guard_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defi_guard_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	ProjectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defi_guard_projection_failures_total",
			Help: "Post-commit projection failures by projector",
		},
		[]string{"projector"},
	)

	CorpusSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "defi_guard_corpus_records",
			Help: "Threat records in the corpus at last maintenance",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PagesFetched,
			ExtractionFailures,
			ClassifierCalls,
			RelevanceRejections,
			RecordsIngested,
			IngestionErrors,
			ScrapeDuration,
			ClassificationConfidence,
			CacheHits,
			CacheMisses,
			ProjectionFailures,
			CorpusSize,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
