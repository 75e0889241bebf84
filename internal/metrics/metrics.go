// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections is the number of attached client connections.
	Connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chai_relay_connections",
			Help: "Number of attached client connections",
		},
		[]string{"relay_id"},
	)

	// FramesTotal counts processed frames by type and direction.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chai_relay_frames_total",
			Help: "Total number of frames processed",
		},
		[]string{"relay_id", "frame_type", "direction"},
	)

	// MessagesStored counts persisted envelopes.
	MessagesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chai_relay_messages_stored_total",
			Help: "Total number of envelopes persisted",
		},
	)

	// MessagesDelivered counts envelopes by delivery path.
	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chai_relay_messages_delivered_total",
			Help: "Total number of envelopes delivered to recipients",
		},
		[]string{"delivery_type"}, // live, drain
	)

	// PrekeysRemaining tracks each user's unused one-time prekey stock.
	PrekeysRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chai_prekeys_remaining",
			Help: "Number of unused one-time prekeys remaining per user",
		},
		[]string{"user_id"},
	)

	// LowPrekeyNotices counts LowPrekeys frames emitted.
	LowPrekeyNotices = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chai_prekeys_low_notices_total",
			Help: "Total number of LowPrekeys notifications emitted",
		},
	)

	// BackpressureCloses counts connections closed for slow consumption.
	BackpressureCloses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chai_relay_backpressure_closes_total",
			Help: "Total number of connections closed due to outbound queue overflow",
		},
	)

	// ReplacedCloses counts connections closed by a newer attach.
	ReplacedCloses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chai_relay_replaced_closes_total",
			Help: "Total number of connections closed because the user attached again",
		},
	)

	// SkippedKeyEvictions counts silent oldest-key evictions in client
	// ratchet sessions (observed via the crypto layer's hook).
	SkippedKeyEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chai_ratchet_skipped_key_evictions_total",
			Help: "Total number of skipped message keys evicted from session caches",
		},
	)
)
