package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/andrebq/authbox/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type (
	metrics struct {
		registry       *prometheus.Registry
		requestTotal   *prometheus.CounterVec
		requestLatency *prometheus.HistogramVec
	}
)

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
)

func newMetrics(reg *prometheus.Registry, eventStats func() events.Stats) (*metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		registry: reg,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authbox",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "authbox",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
	}
	collectors := []prometheus.Collector{m.requestTotal, m.requestLatency}
	if eventStats != nil {
		collectors = append(collectors,
			eventCounter("published", "Events delivered to the broker", func(s events.Stats) uint64 { return s.Published }, eventStats),
			eventCounter("dropped", "Events dropped because the queue was full", func(s events.Stats) uint64 { return s.Dropped }, eventStats),
			eventCounter("failed", "Events the broker refused or timed out", func(s events.Stats) uint64 { return s.Failed }, eventStats),
		)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			switch v := are.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				m.requestTotal = v
			case *prometheus.HistogramVec:
				m.requestLatency = v
			}
		}
	}
	return m, nil
}

func eventCounter(name, help string, pick func(events.Stats) uint64, stats func() events.Stats) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "authbox",
		Subsystem: "events",
		Name:      name + "_total",
		Help:      help,
	}, func() float64 {
		return float64(pick(stats()))
	})
}

func (m *metrics) record(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
