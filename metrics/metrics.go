package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerconnect_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peerconnect_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	// Discovery metrics
	PeersKnown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerconnect_peers_known",
			Help: "Peers currently in the registry",
		},
	)

	ScanTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerconnect_scan_ticks_total",
			Help: "Discovery scans by result",
		},
		[]string{"result"}, // "ok" or "error"
	)

	DiscoveryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerconnect_discovery_events_total",
			Help: "Discovery events by type",
		},
		[]string{"type"},
	)

	// Connection metrics
	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerconnect_connection_transitions_total",
			Help: "Connection state transitions",
		},
		[]string{"to", "reason"},
	)

	PeersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerconnect_peers_connected",
			Help: "Peers currently connected",
		},
	)

	// Relay metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peerconnect_messages_sent_total",
			Help: "Messages relayed",
		},
	)

	MessageHops = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "peerconnect_message_hops",
			Help:    "Simulated hop count per message",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7},
		},
	)

	// Call metrics
	CallsEnded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peerconnect_calls_ended_total",
			Help: "Calls ended",
		},
	)

	CallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "peerconnect_call_duration_seconds",
			Help:    "Call duration",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerconnect_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	// Event stream metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerconnect_stream_subscribers",
			Help: "Open event stream connections",
		},
	)

	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peerconnect_stream_events_dropped_total",
			Help: "Session events dropped for slow subscribers",
		},
	)
)
