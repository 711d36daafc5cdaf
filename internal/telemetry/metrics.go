package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BooksUploaded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "books_uploaded_total", Help: "Books accepted for conversion"})
	ChunksProduced   = prometheus.NewCounter(prometheus.CounterOpts{Name: "chunks_produced_total", Help: "Audio chunks appended to the chunk store"})
	StageSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "stage_success_total", Help: "Stage executions that succeeded"})
	StageTransient   = prometheus.NewCounter(prometheus.CounterOpts{Name: "stage_transient_failures_total", Help: "Stage executions that failed transiently"})
	StagePermanent   = prometheus.NewCounter(prometheus.CounterOpts{Name: "stage_permanent_failures_total", Help: "Stage executions that failed permanently"})
	StaleSignals     = prometheus.NewCounter(prometheus.CounterOpts{Name: "stale_signals_dropped_total", Help: "Redelivered stage signals discarded by attempt token"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_rate_limit_rejects_total", Help: "Uploads rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Ready queue depth across stages"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_inflight", Help: "Stage jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BooksUploaded,
			ChunksProduced,
			StageSuccess,
			StageTransient,
			StagePermanent,
			StaleSignals,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
