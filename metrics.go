package mqttv5

import (
	"strconv"
	"time"
)

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics is the collector the client reports to. Calls with the same name
// and labels must return the same instrument.
type Metrics interface {
	Counter(name string, labels MetricLabels) Counter
	Gauge(name string, labels MetricLabels) Gauge
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Value() float64
}

// Histogram tracks the distribution of observed values.
type Histogram interface {
	Observe(value float64)
	ObserveDuration(d time.Duration)
	Count() uint64
	Sum() float64
}

// NoOpMetrics discards every measurement.
type NoOpMetrics struct{}

func (NoOpMetrics) Counter(string, MetricLabels) Counter     { return &noOpCounter{} }
func (NoOpMetrics) Gauge(string, MetricLabels) Gauge         { return &noOpGauge{} }
func (NoOpMetrics) Histogram(string, MetricLabels) Histogram { return &noOpHistogram{} }

type noOpCounter struct{}

func (*noOpCounter) Inc()           {}
func (*noOpCounter) Add(float64)    {}
func (*noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (*noOpGauge) Set(float64)    {}
func (*noOpGauge) Inc()           {}
func (*noOpGauge) Dec()           {}
func (*noOpGauge) Add(float64)    {}
func (*noOpGauge) Value() float64 { return 0 }

type noOpHistogram struct{}

func (*noOpHistogram) Observe(float64)               {}
func (*noOpHistogram) ObserveDuration(time.Duration) {}
func (*noOpHistogram) Count() uint64                 { return 0 }
func (*noOpHistogram) Sum() float64                  { return 0 }

// Metric names reported by the client.
const (
	MetricConnects           = "mqtt_client_connects_total"
	MetricConnectFailures    = "mqtt_client_connect_failures_total"
	MetricConnectionsLost    = "mqtt_client_connections_lost_total"
	MetricMessagesReceived   = "mqtt_client_messages_received_total"
	MetricMessagesSent       = "mqtt_client_messages_sent_total"
	MetricDispatchFailures   = "mqtt_client_dispatch_failures_total"
	MetricProtocolViolations = "mqtt_client_protocol_violations_total"
	MetricEventsDropped      = "mqtt_client_events_dropped_total"
	MetricInflight           = "mqtt_client_inflight"
	MetricAckLatency         = "mqtt_client_ack_latency_seconds"
)

// Metric labels.
const (
	LabelQoS        = "qos"
	LabelPacketType = "packet_type"
	LabelEventKind  = "event_kind"
)

// clientMetrics resolves the client's instruments once so the hot paths do
// not go through the Metrics lookup.
type clientMetrics struct {
	connects        Counter
	connectFailures Counter
	lost            Counter
	received        [3]Counter
	sent            [3]Counter
	dispatchFailed  Counter
	violations      Counter
	dropped         [eventKindCount]Counter
	inflight        Gauge
	ackLatency      Histogram
}

func newClientMetrics(m Metrics) *clientMetrics {
	if m == nil {
		m = NoOpMetrics{}
	}
	cm := &clientMetrics{
		connects:        m.Counter(MetricConnects, nil),
		connectFailures: m.Counter(MetricConnectFailures, nil),
		lost:            m.Counter(MetricConnectionsLost, nil),
		dispatchFailed:  m.Counter(MetricDispatchFailures, nil),
		violations:      m.Counter(MetricProtocolViolations, nil),
		inflight:        m.Gauge(MetricInflight, nil),
		ackLatency:      m.Histogram(MetricAckLatency, nil),
	}
	for kind := range eventKindCount {
		cm.dropped[kind] = m.Counter(MetricEventsDropped, MetricLabels{LabelEventKind: kind.String()})
	}
	for qos := range 3 {
		labels := MetricLabels{LabelQoS: strconv.Itoa(qos)}
		cm.received[qos] = m.Counter(MetricMessagesReceived, labels)
		cm.sent[qos] = m.Counter(MetricMessagesSent, labels)
	}
	return cm
}

func (cm *clientMetrics) messageReceived(qos byte) {
	if qos < 3 {
		cm.received[qos].Inc()
	}
}

func (cm *clientMetrics) messageSent(qos byte) {
	if qos < 3 {
		cm.sent[qos].Inc()
	}
}
