package mqttv5

import (
	"expvar"
	"sync"
	"time"
)

// ExpvarMetrics publishes instruments under a single expvar map, visible at
// /debug/vars when the expvar handler is mounted. Each instrument is one key
// of the map, named like MemoryMetrics keys ("name|label=value").
type ExpvarMetrics struct {
	root *expvar.Map

	mu         sync.Mutex
	histograms map[string]*memoryHistogram
}

// NewExpvarMetrics publishes a new map under name. expvar panics when a name
// is published twice, so reuse the returned value.
func NewExpvarMetrics(name string) *ExpvarMetrics {
	return &ExpvarMetrics{
		root:       expvar.NewMap(name),
		histograms: make(map[string]*memoryHistogram),
	}
}

func (e *ExpvarMetrics) float(key string) *expvar.Float {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.root.Get(key).(*expvar.Float); ok {
		return v
	}
	v := new(expvar.Float)
	e.root.Set(key, v)
	return v
}

func (e *ExpvarMetrics) Counter(name string, labels MetricLabels) Counter {
	return expvarCounter{e.float(metricKey(name, labels))}
}

func (e *ExpvarMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return expvarGauge{e.float(metricKey(name, labels))}
}

// Histogram exports the observation count and sum as two keys suffixed
// _count and _sum.
func (e *ExpvarMetrics) Histogram(name string, labels MetricLabels) Histogram {
	key := metricKey(name, labels)
	count := e.float(key + "_count")
	sum := e.float(key + "_sum")
	h := instrument(&e.mu, e.histograms, key)
	return &expvarHistogram{h: h, count: count, sum: sum}
}

type expvarCounter struct{ v *expvar.Float }

func (c expvarCounter) Inc() { c.v.Add(1) }

func (c expvarCounter) Add(delta float64) {
	if delta > 0 {
		c.v.Add(delta)
	}
}

func (c expvarCounter) Value() float64 { return c.v.Value() }

type expvarGauge struct{ v *expvar.Float }

func (g expvarGauge) Set(value float64) { g.v.Set(value) }
func (g expvarGauge) Inc()              { g.v.Add(1) }
func (g expvarGauge) Dec()              { g.v.Add(-1) }
func (g expvarGauge) Add(delta float64) { g.v.Add(delta) }
func (g expvarGauge) Value() float64    { return g.v.Value() }

type expvarHistogram struct {
	h          *memoryHistogram
	count, sum *expvar.Float
}

func (x *expvarHistogram) Observe(value float64) {
	x.h.Observe(value)
	x.count.Add(1)
	x.sum.Add(value)
}

func (x *expvarHistogram) ObserveDuration(d time.Duration) { x.Observe(d.Seconds()) }
func (x *expvarHistogram) Count() uint64                   { return x.h.Count() }
func (x *expvarHistogram) Sum() float64                    { return x.h.Sum() }
