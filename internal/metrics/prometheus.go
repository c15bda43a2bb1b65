package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_query_duration_seconds",
			Help:    "Retrieval query duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"query_type"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_query_total",
			Help: "Total number of retrieval queries by outcome",
		},
		[]string{"query_type", "status"},
	)

	ResultsCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_results_count",
			Help:    "Number of results returned per source",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"source"},
	)

	BackendState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_backend_degraded",
			Help: "1 when the store is served by its fallback or mock backend",
		},
		[]string{"store"},
	)

	BackendTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_backend_transitions_total",
			Help: "State transitions of the vector and graph adapters",
		},
		[]string{"store", "to"},
	)

	BackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_backend_errors_total",
			Help: "Errors returned by store backends",
		},
		[]string{"store", "operation"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_documents_ingested_total",
			Help: "Documents processed by the ingestion pipeline by outcome",
		},
		[]string{"outcome"},
	)

	DocumentsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_documents_rejected_total",
			Help: "Documents rejected by the quality filter by reason",
		},
		[]string{"reason"},
	)

	QualityScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_quality_score",
			Help:    "Quality scores of evaluated documents",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	IngestionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_ingestion_batch_duration_seconds",
			Help:    "Ingestion batch duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(QueryDuration)
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(ResultsCount)
		prometheus.MustRegister(BackendState)
		prometheus.MustRegister(BackendTransitions)
		prometheus.MustRegister(BackendErrors)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(DocumentsIngested)
		prometheus.MustRegister(DocumentsRejected)
		prometheus.MustRegister(QualityScore)
		prometheus.MustRegister(IngestionDuration)
	})
}

// ObserveTransition is wired as the failover OnStateChange hook for a store.
func ObserveTransition(store string, degraded bool, to string) {
	BackendTransitions.WithLabelValues(store, to).Inc()
	if degraded {
		BackendState.WithLabelValues(store).Set(1)
	} else {
		BackendState.WithLabelValues(store).Set(0)
	}
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
