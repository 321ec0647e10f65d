// Package metrics defines the Prometheus instrumentation surface. Metrics
// are registered once at init via promauto and updated through the Record
// helpers so call sites stay one-liners.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline.

	PipelineRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aviary_pipeline_runs_total",
		Help: "Chat pipeline executions by terminal status",
	}, []string{"status"})

	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aviary_pipeline_duration_seconds",
		Help:    "End-to-end chat pipeline duration",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"query_type"})

	CancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aviary_cancellations_total",
		Help: "Pipeline runs aborted by user cancellation, by stage detected",
	}, []string{"stage"})

	// Retrieval.

	RetrievalSearchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aviary_retrieval_searches_total",
		Help: "Document index searches by outcome",
	}, []string{"outcome"})

	RetrievalHits = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aviary_retrieval_hits",
		Help:    "Documents returned per search",
		Buckets: []float64{0, 1, 2, 3, 5, 10},
	})

	// Generation.

	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aviary_generation_duration_seconds",
		Help:    "LLM generation call duration",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	StreamFragmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aviary_stream_fragments_total",
		Help: "Streamed generation fragments persisted",
	})

	// Translation.

	TranslationAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aviary_translation_attempts_total",
		Help: "Translation attempts by outcome",
	}, []string{"outcome"})

	// Queue.

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aviary_queue_depth",
		Help: "Jobs waiting in the work queue",
	})

	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aviary_jobs_processed_total",
		Help: "Queue jobs processed by type and outcome",
	}, []string{"type", "outcome"})
)

func RecordPipelineRun(status string, queryType string, start time.Time) {
	PipelineRunsTotal.WithLabelValues(status).Inc()
	PipelineDuration.WithLabelValues(queryType).Observe(time.Since(start).Seconds())
}

func RecordCancellation(stage string) {
	CancellationsTotal.WithLabelValues(stage).Inc()
}

func RecordRetrieval(hits int, err error) {
	if err != nil {
		RetrievalSearchesTotal.WithLabelValues("error").Inc()
		return
	}
	RetrievalSearchesTotal.WithLabelValues("ok").Inc()
	RetrievalHits.Observe(float64(hits))
}

func RecordGeneration(kind string, start time.Time) {
	GenerationDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func RecordTranslation(ok bool) {
	if ok {
		TranslationAttemptsTotal.WithLabelValues("ok").Inc()
		return
	}
	TranslationAttemptsTotal.WithLabelValues("fallback").Inc()
}

func RecordJob(jobType string, outcome string) {
	JobsProcessedTotal.WithLabelValues(jobType, outcome).Inc()
}
