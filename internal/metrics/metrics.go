// Package metrics exports Prometheus counters fed from the event bus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"groupcast/internal/eventbus"
)

const namespace = "groupcast"

type Metrics struct {
	reg *prometheus.Registry

	transitions   *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
	broadcastTime prometheus.Histogram
	authenticated prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New builds the collectors on a private registry, so several instances can
// coexist in one process.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_transitions_total",
			Help:      "Persisted schedule status changes by resulting status.",
		}, []string{"status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-target delivery outcomes.",
		}, []string{"result"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast attempts by outcome (ok, partial, auth_lost).",
		}, []string{"result"}),
		broadcastTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Wall time of one broadcast batch, pacing included.",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_authenticated",
			Help:      "1 when the channel session is authenticated.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.reg.MustRegister(
		m.transitions, m.deliveries, m.broadcasts, m.broadcastTime, m.authenticated,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveHTTP records one served request. route is the matched pattern, not the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, took time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.ScheduleStatus:
		m.transitions.WithLabelValues(d.Status).Inc()
	case eventbus.DispatchFinished:
		m.deliveries.WithLabelValues("sent").Add(float64(d.Sent))
		m.deliveries.WithLabelValues("failed").Add(float64(d.Failed))
		result := "ok"
		switch {
		case d.AuthLost:
			result = "auth_lost"
		case d.Failed > 0:
			result = "partial"
		}
		m.broadcasts.WithLabelValues(result).Inc()
		m.broadcastTime.Observe(d.Took.Seconds())
	case eventbus.ChannelState:
		if d.Authenticated {
			m.authenticated.Set(1)
		} else {
			m.authenticated.Set(0)
		}
	}
}
