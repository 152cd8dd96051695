package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WSOpen tracks open duplex connections, authenticated or not
	WSOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "ws_open_connections", Help: "Open WebSocket connections."},
	)
	// WSConnections tracks registered (authenticated) connections by role
	WSConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "ws_connections", Help: "Registered WebSocket connections by role."},
		[]string{"role"},
	)
	// WSMessagesSent counts envelopes written to clients by type
	WSMessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ws_messages_sent_total", Help: "Envelopes delivered to clients by type."},
		[]string{"type"},
	)
	// WSMessagesSkipped counts fan-out targets skipped because the transport was not open or the write failed
	WSMessagesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ws_messages_skipped_total", Help: "Envelopes not delivered by type."},
		[]string{"type"},
	)
	// WSInbound counts client messages by type and outcome (ok, ignored, invalid, failed)
	WSInbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ws_inbound_total", Help: "Client messages by type and result."},
		[]string{"type", "result"},
	)
	// NotifyEvents counts notification triggers by kind and source (local, redis)
	NotifyEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notify_events_total", Help: "Notification triggers by kind and source."},
		[]string{"kind", "source"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WSOpen)
		Registry.MustRegister(WSConnections)
		Registry.MustRegister(WSMessagesSent)
		Registry.MustRegister(WSMessagesSkipped)
		Registry.MustRegister(WSInbound)
		Registry.MustRegister(NotifyEvents)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
