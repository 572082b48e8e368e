// Package metrics exposes grouped counters, gauges and stopwatches on a
// dedicated prometheus registry.
//
// Series are created lazily on first use. The label names of a series are
// fixed by the first call; later calls with a different label set are dropped.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type collectorSet struct {
	mu         sync.Mutex
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func newCollectorSet() *collectorSet {
	return &collectorSet{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

var _default = newCollectorSet()

// Registry returns the registry all series are registered on.
func Registry() *prometheus.Registry {
	return _default.registry
}

// Handler serves Registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(_default.registry, promhttp.HandlerOpts{})
}

// Reset drops every series. Only meant for tests.
func Reset() {
	_default = newCollectorSet()
}

func fqName(group, name string) string {
	group = strings.ReplaceAll(group, ".", "_")
	return prometheus.BuildFQName("", group, name)
}

func labelNames(dim Dimension) []string {
	names := make([]string, 0, len(dim))
	for k := range dim {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (s *collectorSet) counter(group, name string, dim Dimension) prometheus.Counter {
	fq := fqName(group, name)

	s.mu.Lock()
	vec, ok := s.counters[fq]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: fq, Help: fq}, labelNames(dim))
		if err := s.registry.Register(vec); err != nil {
			s.mu.Unlock()
			return nil
		}
		s.counters[fq] = vec
	}
	s.mu.Unlock()

	c, err := vec.GetMetricWith(prometheus.Labels(dim))
	if err != nil {
		return nil
	}
	return c
}

func (s *collectorSet) gauge(group, name string, dim Dimension) prometheus.Gauge {
	fq := fqName(group, name)

	s.mu.Lock()
	vec, ok := s.gauges[fq]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: fq, Help: fq}, labelNames(dim))
		if err := s.registry.Register(vec); err != nil {
			s.mu.Unlock()
			return nil
		}
		s.gauges[fq] = vec
	}
	s.mu.Unlock()

	g, err := vec.GetMetricWith(prometheus.Labels(dim))
	if err != nil {
		return nil
	}
	return g
}

func (s *collectorSet) histogram(group, name string, dim Dimension) prometheus.Observer {
	fq := fqName(group, name)

	s.mu.Lock()
	vec, ok := s.histograms[fq]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    fq,
			Help:    fq,
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, labelNames(dim))
		if err := s.registry.Register(vec); err != nil {
			s.mu.Unlock()
			return nil
		}
		s.histograms[fq] = vec
	}
	s.mu.Unlock()

	o, err := vec.GetMetricWith(prometheus.Labels(dim))
	if err != nil {
		return nil
	}
	return o
}

// IncrCounterWithGroup adds v to the counter group_name. Negative values are ignored.
func IncrCounterWithGroup(group, name string, v Value) {
	IncrCounterWithDimGroup(group, name, v, nil)
}

// IncrCounterWithDimGroup adds v to the counter group_name{dim}.
func IncrCounterWithDimGroup(group, name string, v Value, dim Dimension) {
	if v < 0 {
		return
	}
	if c := _default.counter(group, name, dim); c != nil {
		c.Add(float64(v))
	}
}

// UpdateGaugeWithGroup sets the gauge group_name to v.
func UpdateGaugeWithGroup(group, name string, v Value) {
	UpdateGaugeWithDimGroup(group, name, v, nil)
}

func UpdateGaugeWithDimGroup(group, name string, v Value, dim Dimension) {
	if g := _default.gauge(group, name, dim); g != nil {
		g.Set(float64(v))
	}
}

// AddGaugeWithGroup moves the gauge group_name by delta.
func AddGaugeWithGroup(group, name string, delta Value) {
	if g := _default.gauge(group, name, nil); g != nil {
		g.Add(float64(delta))
	}
}

// RecordStopwatchWithGroup observes d, in seconds, on the histogram group_name.
func RecordStopwatchWithGroup(group, name string, d time.Duration) {
	RecordStopwatchWithDimGroup(group, name, d, nil)
}

func RecordStopwatchWithDimGroup(group, name string, d time.Duration, dim Dimension) {
	if o := _default.histogram(group, name, dim); o != nil {
		o.Observe(d.Seconds())
	}
}
