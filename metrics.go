package kastchei

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics contains the socket level prometheus collectors
type Metrics struct {
	FramesSent      prometheus.Counter
	FramesReceived  *prometheus.CounterVec
	DecodeFailures  prometheus.Counter
	Heartbeats      prometheus.Counter
	QueueDepth      prometheus.Gauge
	State           prometheus.Gauge
	LiveChannels    prometheus.Gauge
	TransportErrors *prometheus.CounterVec
}

// NewMetrics creates a new, unregistered Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		FramesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "kastchei",
				Subsystem: "frames",
				Name:      "sent_total",
				Help:      "Total number of frames written to the transport",
			},
		),

		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kastchei",
				Subsystem: "frames",
				Name:      "received_total",
				Help:      "Total number of frames received, by kind (reply, event)",
			},
			[]string{"kind"},
		),

		DecodeFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "kastchei",
				Subsystem: "frames",
				Name:      "decode_failures_total",
				Help:      "Total number of inbound messages that could not be parsed",
			},
		),

		Heartbeats: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "kastchei",
				Subsystem: "socket",
				Name:      "heartbeats_total",
				Help:      "Total number of heartbeats enqueued",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kastchei",
				Subsystem: "socket",
				Name:      "queue_depth",
				Help:      "Frames waiting in the outbound queue",
			},
		),

		State: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kastchei",
				Subsystem: "socket",
				Name:      "state",
				Help:      "Socket state (0=none, 1=opening, 2=open, 3=closing, 4=closed, 5=errored)",
			},
		),

		LiveChannels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kastchei",
				Subsystem: "socket",
				Name:      "live_channels",
				Help:      "Channels currently holding the connection open",
			},
		),

		TransportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kastchei",
				Subsystem: "transport",
				Name:      "errors_total",
				Help:      "Total number of transport errors, by class",
			},
			[]string{"class"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesSent,
		m.FramesReceived,
		m.DecodeFailures,
		m.Heartbeats,
		m.QueueDepth,
		m.State,
		m.LiveChannels,
		m.TransportErrors,
	}
}

// Register registers all collectors with reg. Collectors already registered
// by another socket are left in place and reported.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newSocketMetrics builds the metrics for a socket and registers them when a
// registerer was configured.
func newSocketMetrics(reg prometheus.Registerer, logger *zap.Logger) *Metrics {
	m := NewMetrics()
	if reg == nil {
		return m
	}
	if err := m.Register(reg); err != nil {
		logger.Warn("metrics registration incomplete", zap.Error(err))
	}
	return m
}
