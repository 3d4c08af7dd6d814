// Package metrics holds the gateway's prometheus collectors. Each Metrics
// value owns a private registry so tests and multiple gateways in one
// process do not collide. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mountgw"

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	rewritesTotal   *prometheus.CounterVec
	cacheEvents     *prometheus.CounterVec
	reloadsTotal    prometheus.Counter
	routesEnabled   prometheus.Gauge
	tableGeneration prometheus.Gauge
	lastReload      prometheus.Gauge
	tunnelsActive   prometheus.Gauge
	tunnelsTotal    *prometheus.CounterVec
	probesTotal     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by the gateway by route and status code",
		}, []string{"route", "status_code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		upstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed upstream calls by route and category",
		}, []string{"route", "category"}),
		rewritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewrites_total",
			Help:      "Rewritten response bodies by route, content kind and result",
		}, []string{"route", "kind", "result"}),
		cacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_cache_events_total",
			Help:      "Proxy instance cache hits, misses, builds and purges",
		}, []string{"event"}),
		reloadsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_table_reloads_total",
			Help:      "Route table swaps",
		}),
		routesEnabled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes_enabled",
			Help:      "Enabled routes in the current table",
		}),
		tableGeneration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "route_table_generation",
			Help:      "Generation of the current route table",
		}),
		lastReload: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "route_table_last_reload_timestamp_seconds",
			Help:      "Timestamp of the last route table swap",
		}),
		tunnelsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_tunnels_active",
			Help:      "Open WebSocket tunnels",
		}),
		tunnelsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_tunnels_total",
			Help:      "WebSocket upgrade attempts by result",
		}, []string{"result"}),
		probesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Health probes by result",
		}, []string{"status"}),
	}
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) UpstreamError(route, category string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(route, category).Inc()
}

func (m *Metrics) Rewrite(route, kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.rewritesTotal.WithLabelValues(route, kind, result).Inc()
}

func (m *Metrics) CacheEvent(event string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) TableSwapped(generation uint64, enabled int) {
	if m == nil {
		return
	}
	m.reloadsTotal.Inc()
	m.routesEnabled.Set(float64(enabled))
	m.tableGeneration.Set(float64(generation))
	m.lastReload.SetToCurrentTime()
}

// TunnelOpened marks a tunnel as active. Call the returned func on close.
func (m *Metrics) TunnelOpened() func() {
	if m == nil {
		return func() {}
	}
	m.tunnelsTotal.WithLabelValues("bridged").Inc()
	m.tunnelsActive.Inc()
	return m.tunnelsActive.Dec
}

func (m *Metrics) TunnelRejected(result string) {
	if m == nil {
		return
	}
	m.tunnelsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Probe(status string) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(status).Inc()
}
