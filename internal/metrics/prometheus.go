package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChatDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "widgetrag_chat_duration_seconds",
			Help:    "Chat request processing duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"response_method"},
	)

	ChatTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetrag_chat_total",
			Help: "Total number of chat requests by outcome",
		},
		[]string{"outcome"},
	)

	AdmissionRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetrag_admission_rejected_total",
			Help: "Requests rejected by quota window",
		},
		[]string{"window"},
	)

	AdmissionDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "widgetrag_admission_degraded_total",
			Help: "Admissions decided by the durable store because Redis was unreachable",
		},
	)

	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetrag_response_cache_lookups_total",
			Help: "Response cache lookups by result",
		},
		[]string{"result"},
	)

	RetrievalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetrag_retrieval_total",
			Help: "Retrievals by search method",
		},
		[]string{"method"},
	)

	RetrievalResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "widgetrag_retrieval_results_count",
			Help:    "Number of context documents per retrieval",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 10},
		},
	)

	GenerationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetrag_generation_attempts_total",
			Help: "Model attempts by model and result",
		},
		[]string{"model", "result"},
	)

	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "widgetrag_generation_duration_seconds",
			Help:    "Duration of each model attempt",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"model"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetrag_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "widgetrag_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	TrainingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetrag_training_runs_total",
			Help: "Training runs by final status",
		},
		[]string{"status"},
	)

	DocumentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetrag_documents_processed_total",
			Help: "Training documents processed by content type and result",
		},
		[]string{"content_type", "result"},
	)

	ChunksUpserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "widgetrag_chunks_upserted_total",
			Help: "Chunks written to the vector store",
		},
	)

	UpsertBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetrag_upsert_batches_total",
			Help: "Vector upsert batches by result",
		},
		[]string{"result"},
	)

	UsageDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "widgetrag_usage_records_dropped_total",
			Help: "Usage records dropped because the recorder was saturated or failed",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ChatDuration,
			ChatTotal,
			AdmissionRejected,
			AdmissionDegraded,
			CacheLookups,
			RetrievalTotal,
			RetrievalResults,
			GenerationAttempts,
			GenerationDuration,
			LLMTokensUsed,
			CircuitState,
			TrainingRuns,
			DocumentsProcessed,
			ChunksUpserted,
			UpsertBatches,
			UsageDropped,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
