package mqttv5

import (
	"expvar"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpMetrics(t *testing.T) {
	var m Metrics = NoOpMetrics{}

	c := m.Counter("c", nil)
	c.Inc()
	c.Add(3)
	assert.Zero(t, c.Value())

	g := m.Gauge("g", nil)
	g.Set(5)
	g.Inc()
	g.Dec()
	g.Add(1)
	assert.Zero(t, g.Value())

	h := m.Histogram("h", nil)
	h.Observe(1)
	h.ObserveDuration(time.Second)
	assert.Zero(t, h.Count())
	assert.Zero(t, h.Sum())
}

var expvarSeq atomic.Int32

func newTestExpvarMetrics() (*ExpvarMetrics, string) {
	name := "mqttv5_test_" + strconv.Itoa(int(expvarSeq.Add(1)))
	return NewExpvarMetrics(name), name
}

func TestExpvarMetrics(t *testing.T) {
	m, name := newTestExpvarMetrics()

	m.Counter(MetricConnects, nil).Inc()
	m.Counter(MetricConnects, nil).Add(2)
	m.Gauge(MetricInflight, nil).Set(4)
	m.Gauge(MetricInflight, nil).Dec()
	h := m.Histogram(MetricAckLatency, MetricLabels{LabelQoS: "1"})
	h.Observe(0.25)
	h.ObserveDuration(250 * time.Millisecond)

	assert.Equal(t, float64(3), m.Counter(MetricConnects, nil).Value())
	assert.Equal(t, float64(3), m.Gauge(MetricInflight, nil).Value())
	assert.Equal(t, uint64(2), h.Count())
	assert.InDelta(t, 0.5, h.Sum(), 1e-9)

	root, ok := expvar.Get(name).(*expvar.Map)
	require.True(t, ok)
	assert.Equal(t, "3", root.Get(MetricConnects).String())
	assert.Equal(t, "2", root.Get(MetricAckLatency+"|qos=1_count").String())
}

func TestClientMetrics(t *testing.T) {
	m := NewMemoryMetrics()
	cm := newClientMetrics(m)

	cm.messageSent(QoS1)
	cm.messageSent(QoS1)
	cm.messageReceived(QoS2)
	cm.messageReceived(7)
	cm.connects.Inc()

	assert.Equal(t, float64(2), m.CounterValue(MetricMessagesSent, MetricLabels{LabelQoS: "1"}))
	assert.Equal(t, float64(1), m.CounterValue(MetricMessagesReceived, MetricLabels{LabelQoS: "2"}))
	assert.Equal(t, float64(1), m.CounterValue(MetricConnects, nil))

	assert.NotPanics(t, func() { newClientMetrics(nil).messageSent(QoS0) })
}
