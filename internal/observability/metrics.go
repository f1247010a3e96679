package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	swapRequestsTotal *prometheus.CounterVec

	reconcileTotal *prometheus.CounterVec
	rebindDuration prometheus.Histogram

	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	laneDepth    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec

	activeConversations  prometheus.Gauge
	fragmentsTotal       prometheus.Counter
	transcriptLoadTimer  prometheus.Histogram
	transcriptWriteTimer prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			swapRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "swap_requests_total",
					Help: "Total configuration swap requests by source and field.",
				},
				[]string{"source", "field"},
			),
			reconcileTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reconcile_total",
					Help: "Total binding reconciliations by outcome.",
				},
				[]string{"outcome"},
			),
			rebindDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "rebind_duration_seconds",
					Help:    "Model client rebind duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total agent turns by provider and status.",
				},
				[]string{"provider", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Agent turn duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			laneDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "turn_lane_depth",
					Help: "Queued turns by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_enqueue_total",
					Help: "Total turn enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_dequeue_total",
					Help: "Total turn completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			activeConversations: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_conversations",
					Help: "Current conversation state entries held in memory.",
				},
			),
			fragmentsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "response_fragments_total",
					Help: "Total response fragments streamed to control-channel clients.",
				},
			),
			transcriptLoadTimer: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "transcript_load_duration_seconds",
					Help:    "Transcript load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			transcriptWriteTimer: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "transcript_write_duration_seconds",
					Help:    "Transcript append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.swapRequestsTotal,
			m.reconcileTotal,
			m.rebindDuration,
			m.turnTotal,
			m.turnDuration,
			m.laneDepth,
			m.enqueueTotal,
			m.dequeueTotal,
			m.activeConversations,
			m.fragmentsTotal,
			m.transcriptLoadTimer,
			m.transcriptWriteTimer,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordSwapRequest counts a configuration swap request. Source is "tool"
// for model-initiated calls and "control" for channel-issued instructions.
func RecordSwapRequest(source, field string) {
	getMetrics().swapRequestsTotal.WithLabelValues(source, field).Inc()
}

// RecordReconcile counts a reconciliation by outcome (rebind, noop, error).
func RecordReconcile(outcome string) {
	getMetrics().reconcileTotal.WithLabelValues(outcome).Inc()
}

// RecordRebind observes the duration of a model client rebind.
func RecordRebind(duration time.Duration) {
	getMetrics().rebindDuration.Observe(duration.Seconds())
}

// RecordTurn counts a completed agent turn.
func RecordTurn(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.turnTotal.WithLabelValues(provider, status).Inc()
	m.turnDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordLaneEnqueue counts an enqueue and updates lane depth.
func RecordLaneEnqueue(lane string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

// RecordLaneCompletion counts a completion and updates lane depth.
func RecordLaneCompletion(lane string, success bool, depth int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

// SetLaneDepth sets the queued-turn gauge for a lane.
func SetLaneDepth(lane string, depth int) {
	getMetrics().laneDepth.WithLabelValues(lane).Set(float64(depth))
}

// SetActiveConversations sets the in-memory conversation state gauge.
func SetActiveConversations(count int) {
	getMetrics().activeConversations.Set(float64(count))
}

// RecordFragment counts one streamed response fragment.
func RecordFragment() {
	getMetrics().fragmentsTotal.Inc()
}

// RecordTranscriptLoad observes a transcript load duration.
func RecordTranscriptLoad(duration time.Duration) {
	getMetrics().transcriptLoadTimer.Observe(duration.Seconds())
}

// RecordTranscriptWrite observes a transcript append duration.
func RecordTranscriptWrite(duration time.Duration) {
	getMetrics().transcriptWriteTimer.Observe(duration.Seconds())
}
