// Package metrics holds the Prometheus collectors for the command pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_commands_total",
		Help: "Commands finished, by origin and outcome.",
	}, []string{"origin", "outcome"})

	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intercom_dispatch_latency_seconds",
		Help:    "Round trip to the command service.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin"})

	ClassificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_classifications_total",
		Help: "Classified responses, by payload shape and verdict.",
	}, []string{"shape", "understood"})

	PlaybacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_playbacks_total",
		Help: "Audio playback attempts, by reference kind and outcome.",
	}, []string{"kind", "outcome"})

	TransientURLs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intercom_transient_audio_urls",
		Help: "Decoded audio resources currently held.",
	})

	PreferenceSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_preference_sync_total",
		Help: "Remote preference store operations, by operation and outcome.",
	}, []string{"op", "outcome"})
)

// Outcome converts an error into a metric label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
