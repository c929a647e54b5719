package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_sessions",
		Help: "Number of registered sessions by state",
	}, []string{"state"})

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_reconnects_total",
		Help: "Reconnection attempts by outcome",
	}, []string{"outcome"})

	webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_webhook_deliveries_total",
		Help: "Webhook posts by event type and result",
	}, []string{"event", "result"})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_messages_sent_total",
		Help: "Outbound messages by kind and result",
	}, []string{"kind", "result"})

	sendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_send_duration_seconds",
		Help:    "Time spent in the outbound pipeline, pacing included",
		Buckets: []float64{0.5, 1, 2, 3, 5, 10, 30},
	})

	transcodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_transcode_duration_seconds",
		Help:    "Time taken to transcode audio",
		Buckets: prometheus.DefBuckets,
	})

	transcodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_transcode_failures_total",
		Help: "Audio transcodes that failed",
	})
)

// SetSessionCounts replaces the per-state session gauge with counts.
func SetSessionCounts(counts map[string]int) {
	sessionsByState.Reset()
	for state, n := range counts {
		sessionsByState.WithLabelValues(state).Set(float64(n))
	}
}

// Reconnect counts one reconnection decision, e.g. "scheduled" or "exhausted".
func Reconnect(outcome string) {
	reconnects.WithLabelValues(outcome).Inc()
}

func WebhookDelivery(event, result string) {
	webhookDeliveries.WithLabelValues(event, result).Inc()
}

func MessageSent(kind string, ok bool, elapsed time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	messagesSent.WithLabelValues(kind, result).Inc()
	sendDuration.Observe(elapsed.Seconds())
}

func Transcode(elapsed time.Duration, err error) {
	transcodeDuration.Observe(elapsed.Seconds())
	if err != nil {
		transcodeFailures.Inc()
	}
}

// Handler exposes the default registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
