package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "statusync"

var (
	// ConnectionState is 1 for the manager's current state and 0 for the others.
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection manager state",
		},
		[]string{"state"},
	)

	// ConnectAttempts counts CONNECT handshakes by result
	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "CONNECT handshakes by result",
		},
		[]string{"result"},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Connections re-established after a drop",
		},
	)

	FramesIn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by command",
		},
		[]string{"command"},
	)

	FramesOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames by command",
		},
		[]string{"command"},
	)

	ActiveTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_topics",
			Help:      "Topics with at least one local subscriber",
		},
	)

	// DecodeDrops counts payloads rejected at the typed stream boundary
	DecodeDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_drops_total",
			Help:      "Messages dropped because they failed decoding or validation",
		},
		[]string{"topic"},
	)

	PollRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_requests_total",
			Help:      "Progress polls by outcome",
		},
		[]string{"outcome"},
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Progress poll latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// TasksFinished counts trackers by terminal state
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tracked tasks by terminal state",
		},
		[]string{"family", "state"},
	)

	ServerSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_sessions",
			Help:      "Open broker sessions by transport",
		},
		[]string{"transport"},
	)
)

// SetState marks current as the only active connection state.
func SetState(current string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
