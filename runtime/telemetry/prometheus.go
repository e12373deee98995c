package telemetry

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromMetrics implements Metrics on a Prometheus registry. Collectors are
// created on first use; the label set of a metric is fixed by its first
// observation and later observations with different keys are dropped.
type PromMetrics struct {
	reg        *prometheus.Registry
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPromMetrics returns a recorder backed by reg. A nil reg creates a
// private registry.
func NewPromMetrics(reg *prometheus.Registry) *PromMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &PromMetrics{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (m *PromMetrics) Gatherer() prometheus.Gatherer {
	return m.reg
}

// IncCounter adds value to the named counter.
func (m *PromMetrics) IncCounter(name string, value float64, tags ...string) {
	keys, vals := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: promName(name), Help: name}, keys)
		vec = register(m.reg, vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()
	c, err := vec.GetMetricWithLabelValues(vals...)
	if err != nil {
		return
	}
	c.Add(value)
}

// RecordTimer observes duration in seconds on the named histogram.
func (m *PromMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	keys, vals := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    promName(name) + "_seconds",
			Help:    name,
			Buckets: prometheus.DefBuckets,
		}, keys)
		vec = register(m.reg, vec)
		m.histograms[name] = vec
	}
	m.mu.Unlock()
	h, err := vec.GetMetricWithLabelValues(vals...)
	if err != nil {
		return
	}
	h.Observe(duration.Seconds())
}

// RecordGauge sets the named gauge.
func (m *PromMetrics) RecordGauge(name string, value float64, tags ...string) {
	keys, vals := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: promName(name), Help: name}, keys)
		vec = register(m.reg, vec)
		m.gauges[name] = vec
	}
	m.mu.Unlock()
	g, err := vec.GetMetricWithLabelValues(vals...)
	if err != nil {
		return
	}
	g.Set(value)
}

func register[C prometheus.Collector](reg *prometheus.Registry, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func splitTags(tags []string) ([]string, []string) {
	keys := make([]string, 0, (len(tags)+1)/2)
	vals := make([]string, 0, (len(tags)+1)/2)
	for i := 0; i < len(tags); i += 2 {
		keys = append(keys, promName(tags[i]))
		if i+1 < len(tags) {
			vals = append(vals, tags[i+1])
		} else {
			vals = append(vals, "")
		}
	}
	return keys, vals
}

func promName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
