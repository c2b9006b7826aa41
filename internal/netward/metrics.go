package netward

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Values of the "result" label.
const (
	resultHit         = "hit"
	resultNotModified = "not-modified"
	resultMiss        = "miss"
	resultBypass      = "bypass"
	resultForbidden   = "forbidden"
	resultBadGateway  = "bad-gateway"
)

type metrics struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	originDuration  prometheus.Histogram
}

func newMetrics(cache *ResponseCache, hosts *HostResolver) *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &metrics{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netward_requests_total",
			Help: "Proxied requests by outcome.",
		}, []string{"result"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "netward_request_duration_seconds",
			Help:    "Time from request receipt to the last byte written, by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		originDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "netward_origin_duration_seconds",
			Help:    "Time until origin response headers arrived.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "netward_cache_entries",
		Help: "Responses currently cached.",
	}, func() float64 { return float64(cache.Stats().Entries) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "netward_cache_weight_bytes",
		Help: "Summed weight of cached responses.",
	}, func() float64 { return float64(cache.Stats().Weight) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "netward_cache_max_weight_bytes",
		Help: "Configured weight bound of the response cache.",
	}, func() float64 { return float64(cache.Stats().MaxWeight) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "netward_cache_hits_total",
		Help: "Lookups answered from the response cache.",
	}, func() float64 { return float64(cache.Stats().Hits) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "netward_cache_misses_total",
		Help: "Lookups that found no fresh response.",
	}, func() float64 { return float64(cache.Stats().Misses) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "netward_cache_evictions_total",
		Help: "Responses removed for capacity or age.",
	}, func() float64 { return float64(cache.Stats().Evictions) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "netward_cache_rejections_total",
		Help: "Responses refused by cache admission.",
	}, func() float64 { return float64(cache.Stats().Rejected) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "netward_host_cache_entries",
		Help: "Host resolutions currently cached.",
	}, func() float64 { return float64(hosts.Stats().Entries) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "netward_directory_lookups_total",
		Help: "Lookups sent to the origin directory.",
	}, func() float64 { return float64(hosts.Stats().Lookups) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "netward_directory_errors_total",
		Help: "Directory lookups that failed.",
	}, func() float64 { return float64(hosts.Stats().Errors) })

	return m
}

func (m *metrics) observe(result string, start time.Time) {
	m.requests.WithLabelValues(result).Inc()
	m.requestDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
