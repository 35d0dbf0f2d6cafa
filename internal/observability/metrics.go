package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "private_dispatch", Name: "operations_total", Help: "Mutating operations by result code"},
		[]string{"op", "code"},
	)
	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "private_dispatch", Name: "operation_latency_seconds", Help: "Mutating operation latency", Buckets: prometheus.DefBuckets},
		[]string{"op"},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "private_dispatch", Name: "events_published_total", Help: "Committed events handed to publishers"},
		[]string{"sink", "result"},
	)
	GatewayHalted  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "private_dispatch", Name: "gateway_halted", Help: "1 while the gateway is halted"})
	DriversOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "private_dispatch", Name: "drivers_available", Help: "Number of available drivers"})
	MatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "private_dispatch", Name: "matches_total", Help: "Total number of accepted offers"})
	RelayCalls     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "private_dispatch", Name: "relay_calls_total", Help: "Forwarded collaborator calls"}, []string{"transport", "result"})
	WSSessions     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "private_dispatch", Name: "ws_sessions", Help: "Connected websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "private_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "private_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
