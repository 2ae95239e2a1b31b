package realtime

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "timeweaver"

// Channel labels.
const (
	ChannelRoom   = "room"
	ChannelStream = "stream"
)

// Metrics holds the realtime collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	connectionsOpened *prometheus.CounterVec
	connectionsClosed *prometheus.CounterVec
	envelopesSent     *prometheus.CounterVec
	sendFailures      *prometheus.CounterVec
	operations        *prometheus.CounterVec
}

// NewMetrics constructs the collectors and registers them when registerer is non-nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		connectionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "connections_opened_total",
			Help:      "Connections registered, by channel",
		}, []string{"channel"}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "connections_closed_total",
			Help:      "Connections removed, by channel and reason (closed, evicted, replaced, send_failed)",
		}, []string{"channel", "reason"}),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "envelopes_sent_total",
			Help:      "Envelopes enqueued to connections, by channel and type",
		}, []string{"channel", "type"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "send_failures_total",
			Help:      "Envelopes that could not be enqueued, by channel",
		}, []string{"channel"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "operations_total",
			Help:      "Engine operations, by component, operation and outcome",
		}, []string{"component", "operation", "outcome"}),
	}
	if registerer != nil {
		registerer.MustRegister(
			metrics.connectionsOpened,
			metrics.connectionsClosed,
			metrics.envelopesSent,
			metrics.sendFailures,
			metrics.operations,
		)
	}
	return metrics
}

// RegisterGauge exposes fn as a gauge under the realtime subsystem.
func RegisterGauge(registerer prometheus.Registerer, name, help string, fn func() float64) error {
	if registerer == nil {
		return nil
	}
	return registerer.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "realtime",
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) ConnectionOpened(channel string) {
	if m == nil {
		return
	}
	m.connectionsOpened.WithLabelValues(channel).Inc()
}

func (m *Metrics) ConnectionClosed(channel, reason string) {
	if m == nil {
		return
	}
	m.connectionsClosed.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) EnvelopesSent(channel, eventType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.envelopesSent.WithLabelValues(channel, eventType).Add(float64(count))
}

func (m *Metrics) SendFailures(channel string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sendFailures.WithLabelValues(channel).Add(float64(count))
}

func (m *Metrics) Operation(component, operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(component, operation, outcome).Inc()
}
