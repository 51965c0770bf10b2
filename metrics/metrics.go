// Package metrics exposes Prometheus collectors for the Midjourney
// client. Collectors register on the default registry; callers that
// want them served mount promhttp.Handler themselves.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gatewayEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mj",
		Subsystem: "gateway",
		Name:      "events_total",
		Help:      "Dispatch events received from the gateway, by type.",
	}, []string{"type"})

	gatewayReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mj",
		Subsystem: "gateway",
		Name:      "reconnects_total",
		Help:      "Gateway reconnection attempts.",
	})

	heartbeatLatency = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mj",
		Subsystem: "gateway",
		Name:      "heartbeat_latency_seconds",
		Help:      "Round trip time between heartbeat send and ack.",
	})

	generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mj",
		Subsystem: "client",
		Name:      "generations_total",
		Help:      "Completed generations, by outcome kind.",
	}, []string{"outcome"})

	upscales = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mj",
		Subsystem: "client",
		Name:      "upscales_total",
		Help:      "Completed upscale variants, by outcome kind.",
	}, []string{"outcome"})

	rateLimitWait = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mj",
		Subsystem: "rest",
		Name:      "rate_limit_wait_seconds_total",
		Help:      "Total time spent waiting on the rate limiter.",
	})

	artifactsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mj",
		Subsystem: "storage",
		Name:      "artifacts_total",
		Help:      "Artifacts persisted, by kind.",
	}, []string{"kind"})
)

// GatewayEvent counts one dispatch event.
func GatewayEvent(eventType string) {
	gatewayEvents.WithLabelValues(eventType).Inc()
}

// GatewayReconnect counts one reconnection attempt.
func GatewayReconnect() {
	gatewayReconnects.Inc()
}

// HeartbeatLatency records the most recent heartbeat round trip.
func HeartbeatLatency(d time.Duration) {
	heartbeatLatency.Set(d.Seconds())
}

// Generation counts one finished generation.
func Generation(outcome string) {
	generations.WithLabelValues(outcome).Inc()
}

// Upscale counts one finished upscale variant.
func Upscale(outcome string) {
	upscales.WithLabelValues(outcome).Inc()
}

// RateLimitWait accumulates limiter wait time.
func RateLimitWait(d time.Duration) {
	rateLimitWait.Add(d.Seconds())
}

// ArtifactStored counts one persisted artifact.
func ArtifactStored(kind string) {
	artifactsStored.WithLabelValues(kind).Inc()
}
