package gatex

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRulesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatex_rules_total",
		Help: "Number of routing rules in the active table",
	})

	metricTableVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatex_routing_table_version",
		Help: "Version of the active routing table",
	})

	metricTableLoadTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatex_routing_table_load_timestamp_seconds",
		Help: "Timestamp of the last successful routing table load",
	})

	metricReloadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatex_reload_total",
		Help: "Total number of reload attempts",
	})

	metricReloadErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatex_reload_errors_total",
		Help: "Total number of failed reload attempts",
	})

	metricWatcherRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatex_watcher_restarts_total",
		Help: "Total number of routing document watcher restarts",
	})

	metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatex_requests_total",
		Help: "Total number of forwarded requests by rule, upstream and status code",
	}, []string{"host", "prefix", "upstream", "code"})

	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gatex_request_duration_seconds",
		Help:    "Forwarded request duration in seconds by rule and upstream",
		Buckets: prometheus.DefBuckets,
	}, []string{"host", "prefix", "upstream"})

	metricUpstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatex_upstream_errors_total",
		Help: "Total number of upstream failures by rule, upstream and kind",
	}, []string{"host", "prefix", "upstream", "kind"})

	metricNoRouteTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatex_no_route_total",
		Help: "Total number of requests that matched no routing rule",
	})
)

func observeForward(rule *Rule, code int, duration time.Duration) {
	metricRequestsTotal.WithLabelValues(rule.Host, rule.Prefix, rule.Upstream, strconv.Itoa(code)).Inc()
	metricRequestDuration.WithLabelValues(rule.Host, rule.Prefix, rule.Upstream).Observe(duration.Seconds())
}

func observeUpstreamError(rule *Rule, kind string) {
	metricUpstreamErrorsTotal.WithLabelValues(rule.Host, rule.Prefix, rule.Upstream, kind).Inc()
}
