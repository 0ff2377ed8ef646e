package mqttv5

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryMetrics(t *testing.T) {
	t.Run("counter operations", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		counter := metrics.Counter("test_counter", nil)

		counter.Inc()
		assert.Equal(t, float64(1), counter.Value())

		counter.Add(5)
		assert.Equal(t, float64(6), counter.Value())

		counter.Add(-3)
		assert.Equal(t, float64(6), counter.Value(), "counters never decrease")
	})

	t.Run("gauge operations", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		gauge := metrics.Gauge("test_gauge", nil)

		gauge.Set(100)
		gauge.Inc()
		gauge.Dec()
		gauge.Add(-30)
		assert.Equal(t, float64(70), gauge.Value())
		assert.Equal(t, float64(70), metrics.GaugeValue("test_gauge", nil))
	})

	t.Run("histogram operations", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		histogram := metrics.Histogram("latency", nil)

		histogram.Observe(1.5)
		histogram.ObserveDuration(500 * time.Millisecond)

		assert.Equal(t, uint64(2), histogram.Count())
		assert.Equal(t, float64(2), histogram.Sum())
		assert.Equal(t, uint64(2), metrics.HistogramCount("latency", nil))
	})

	t.Run("same name and labels share an instrument", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		metrics.Counter(MetricMessagesSent, MetricLabels{LabelQoS: "1"}).Inc()
		metrics.Counter(MetricMessagesSent, MetricLabels{LabelQoS: "1"}).Inc()
		metrics.Counter(MetricMessagesSent, MetricLabels{LabelQoS: "2"}).Inc()

		assert.Equal(t, float64(2), metrics.CounterValue(MetricMessagesSent, MetricLabels{LabelQoS: "1"}))
		assert.Equal(t, float64(1), metrics.CounterValue(MetricMessagesSent, MetricLabels{LabelQoS: "2"}))
		assert.Zero(t, metrics.CounterValue(MetricMessagesSent, nil))
	})

	t.Run("unknown instruments read as zero", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		assert.Zero(t, metrics.CounterValue("missing", nil))
		assert.Zero(t, metrics.GaugeValue("missing", nil))
		assert.Zero(t, metrics.HistogramCount("missing", nil))
	})
}

func TestMemoryMetricsConcurrency(t *testing.T) {
	metrics := NewMemoryMetrics()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				metrics.Counter("ops", nil).Inc()
				metrics.Gauge("level", nil).Add(1)
				metrics.Histogram("sizes", nil).Observe(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(2000), metrics.CounterValue("ops", nil))
	assert.Equal(t, float64(2000), metrics.GaugeValue("level", nil))
	assert.Equal(t, uint64(2000), metrics.HistogramCount("sizes", nil))
}

func TestMetricKey(t *testing.T) {
	assert.Equal(t, "name", metricKey("name", nil))
	assert.Equal(t, "name|a=1|b=2", metricKey("name", MetricLabels{"b": "2", "a": "1"}))
}
