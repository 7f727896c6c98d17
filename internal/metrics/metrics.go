package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrun_emails_sent_total",
			Help: "Total number of emails delivered successfully",
		},
		[]string{"sender"},
	)

	retriedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrun_emails_retried_total",
			Help: "Total number of transient failures scheduled for retry",
		},
		[]string{"sender"},
	)

	deadLetteredCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrun_emails_dead_lettered_total",
			Help: "Total number of emails abandoned after permanent failure or exhausted retries",
		},
		[]string{"sender", "reason"},
	)

	releasedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrun_tasks_released_total",
			Help: "Total number of tasks released back for reassignment",
		},
		[]string{"sender"},
	)

	queueDepthGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailrun_queue_depth",
			Help: "Number of tasks not yet in a terminal state",
		},
	)
)

// PrometheusRecorder exposes delivery outcomes as Prometheus counters
type PrometheusRecorder struct{}

// NewPrometheusRecorder creates the Prometheus-backed recorder
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{}
}

// IncrSent counts a successful delivery
func (r *PrometheusRecorder) IncrSent(_ context.Context, senderID string) {
	sentCounter.WithLabelValues(senderID).Inc()
}

// IncrRetried counts a transient failure scheduled for retry
func (r *PrometheusRecorder) IncrRetried(_ context.Context, senderID string) {
	retriedCounter.WithLabelValues(senderID).Inc()
}

// IncrDeadLettered counts an abandoned task
func (r *PrometheusRecorder) IncrDeadLettered(_ context.Context, senderID, reason string) {
	label := "permanent_failure"
	if reason == "retries exhausted" {
		label = "retries_exhausted"
	}
	deadLetteredCounter.WithLabelValues(senderID, label).Inc()
}

// IncrReleased counts a task released back for reassignment
func (r *PrometheusRecorder) IncrReleased(_ context.Context, senderID string) {
	releasedCounter.WithLabelValues(senderID).Inc()
}

// SetQueueDepth records the number of non-terminal tasks
func SetQueueDepth(n int) {
	queueDepthGauge.Set(float64(n))
}
