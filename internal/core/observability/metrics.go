package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type BuildInfo struct {
	Version   string
	Revision  string
	Branch    string
	BuildDate string
}

type set struct {
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	buildsTotal        *prometheus.CounterVec
	buildDuration      prometheus.Histogram
	ruleEvaluations    *prometheus.CounterVec
	retainedRatio      prometheus.Histogram
	viewReads          *prometheus.CounterVec
	indexCacheResults  *prometheus.CounterVec
	cacheOpDuration    *prometheus.HistogramVec
	invalidations      *prometheus.CounterVec
	kafkaConsumerErrs  *prometheus.CounterVec
	eventsDroppedTotal prometheus.Counter

	buildInfo *prometheus.GaugeVec
}

var current atomic.Pointer[set]

func init() {
	Init(nil, true)
}

// Init (re)binds every metric to reg. A nil reg means the default registerer;
// enabled=false binds to a private registry that is never scraped.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled {
		reg = prometheus.NewRegistry()
	} else if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	current.Store(newSet(reg))
}

func newSet(reg prometheus.Registerer) *set {
	return &set{
		httpRequestsTotal: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		)),
		httpRequestDurationSeconds: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
			[]string{"method", "route", "status"},
		)),
		buildsTotal: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selection_builds_total",
				Help: "Selection builds by outcome.",
			},
			[]string{"outcome"},
		)),
		buildDuration: register(reg, prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "selection_build_duration_seconds",
				Help:    "Time to evaluate and compose all rules of a selection.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		)),
		ruleEvaluations: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selection_rule_evaluations_total",
				Help: "Rule evaluations by rule and outcome.",
			},
			[]string{"rule", "outcome"},
		)),
		retainedRatio: register(reg, prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "selection_points_retained_ratio",
				Help:    "Fraction of the original points kept by a selection.",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			},
		)),
		viewReads: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "view_reads_total",
				Help: "Reads served through selected views.",
			},
			[]string{"op", "outcome"},
		)),
		indexCacheResults: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_cache_results_total",
				Help: "Index map cache lookups by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		)),
		cacheOpDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cache_op_duration_seconds",
				Help:    "Redis operation latency in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"op", "outcome"},
		)),
		invalidations: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invalidations_total",
				Help: "Dataset invalidation events by op and outcome.",
			},
			[]string{"op", "outcome"},
		)),
		kafkaConsumerErrs: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_consumer_errors_total",
				Help: "Kafka consumer errors by kind.",
			},
			[]string{"kind"},
		)),
		eventsDroppedTotal: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "selection_events_dropped_total",
				Help: "Build events dropped because the publish queue was full.",
			},
		)),
		buildInfo: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "app_build_info",
				Help: "Build info for this binary (value is always 1).",
			},
			[]string{"version", "revision", "branch", "build_date"},
		)),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	m := current.Load()
	st := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// ObserveBuild records one pipeline build. outcome is "ok", "cached" or an
// error kind.
func ObserveBuild(outcome string, durationSeconds float64, original, retained int) {
	m := current.Load()
	m.buildsTotal.WithLabelValues(outcome).Inc()
	m.buildDuration.Observe(durationSeconds)
	if original > 0 {
		m.retainedRatio.Observe(float64(retained) / float64(original))
	}
}

func IncBuildError(kind string) {
	current.Load().buildsTotal.WithLabelValues(kind).Inc()
}

func IncRuleEvaluation(rule string, err error) {
	current.Load().ruleEvaluations.WithLabelValues(rule, outcome(err)).Inc()
}

func AddViewReads(op string, n int, err error) {
	if n <= 0 {
		return
	}
	current.Load().viewReads.WithLabelValues(op, outcome(err)).Add(float64(n))
}

// IncIndexCache counts a lookup; tier is "lru" or "redis", outcome "hit",
// "miss" or "error".
func IncIndexCache(tier, outcome string) {
	current.Load().indexCacheResults.WithLabelValues(tier, outcome).Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	current.Load().cacheOpDuration.WithLabelValues(op, outcome(err)).Observe(durationSeconds)
}

func IncInvalidation(op, outcome string) {
	current.Load().invalidations.WithLabelValues(op, outcome).Inc()
}

func IncKafkaConsumerError(kind string) {
	current.Load().kafkaConsumerErrs.WithLabelValues(kind).Inc()
}

func IncEventsDropped() {
	current.Load().eventsDroppedTotal.Inc()
}

func ExposeBuildInfo(b BuildInfo) {
	if b.Version == "" {
		b.Version = "dev"
	}
	current.Load().buildInfo.WithLabelValues(b.Version, b.Revision, b.Branch, b.BuildDate).Set(1)
}
