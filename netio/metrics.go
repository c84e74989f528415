package netio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values.
const (
	DirectionRx = "rx"
	DirectionTx = "tx"

	YieldNoData   = "no_data"
	YieldRingFull = "ring_full"

	DiscardSender = "sender"
	DiscardTag    = "tag"
)

// Metrics are the daemon counters.
type Metrics struct {
	Frames    *prometheus.CounterVec
	Bytes     *prometheus.CounterVec
	Yields    *prometheus.CounterVec
	Discarded *prometheus.CounterVec
	Fragments prometheus.Counter
}

// NewMetrics creates the daemon counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Frames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nicring_frames_total",
				Help: "Frames moved between the driver and the network stack",
			},
			[]string{"direction"},
		),
		Bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nicring_bytes_total",
				Help: "Payload bytes moved between the driver and the network stack",
			},
			[]string{"direction"},
		),
		Yields: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nicring_yields_total",
				Help: "Times a daemon yielded the processor waiting on a ring",
			},
			[]string{"reason"},
		),
		Discarded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nicring_discarded_total",
				Help: "Output requests dropped before reaching the driver",
			},
			[]string{"reason"},
		),
		Fragments: f.NewCounter(
			prometheus.CounterOpts{
				Name: "nicring_tx_fragments_total",
				Help: "Transmit descriptors queued by the output daemon",
			},
		),
	}
}
