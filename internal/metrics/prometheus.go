// Package metrics provides a Prometheus metrics registry for the dispatch
// engine.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler(), served
// through fasthttpadaptor.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// powerproxy_inflight_requests
	inFlight prometheus.Gauge

	// powerproxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// powerproxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// powerproxy_target_attempts_total{target,outcome}
	targetAttempts *prometheus.CounterVec

	// powerproxy_target_attempt_duration_seconds{target,outcome}
	targetDuration *prometheus.HistogramVec

	// powerproxy_target_cooldowns_total{target}
	targetCooldowns *prometheus.CounterVec

	// powerproxy_target_cooling_down{target} — 1 while on cooldown, 0 otherwise
	targetCoolingDown *prometheus.GaugeVec

	// powerproxy_plugin_hook_total{hook,plugin,outcome}
	pluginHooks *prometheus.CounterVec

	// powerproxy_ratelimit_decisions_total{client,result}
	rateLimitDecisions *prometheus.CounterVec

	// powerproxy_usage_records_total{sink,result}
	usageRecords *prometheus.CounterVec

	// powerproxy_tokens_total{client,direction}
	tokensTotal *prometheus.CounterVec

	// powerproxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	// powerproxy_endpoint_reachable{endpoint} — 1 if the last background
	// probe succeeded, 0 otherwise
	endpointReachable *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New builds a Registry with its own private prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "powerproxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerproxy_http_requests_total",
				Help: "Total number of HTTP requests handled, by route and final status",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "powerproxy_http_request_duration_seconds",
				Help:    "End-to-end HTTP request duration in seconds, including target-selection retries",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		targetAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerproxy_target_attempts_total",
				Help: "Total target-selection loop attempts, by target and outcome",
			},
			[]string{"target", "outcome"},
		),

		targetDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "powerproxy_target_attempt_duration_seconds",
				Help:    "Per-target upstream attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"target", "outcome"},
		),

		targetCooldowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerproxy_target_cooldowns_total",
				Help: "Total number of times a target entered cooldown",
			},
			[]string{"target"},
		),

		targetCoolingDown: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "powerproxy_target_cooling_down",
				Help: "1 while a target is within its cooldown window, 0 otherwise",
			},
			[]string{"target"},
		),

		pluginHooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerproxy_plugin_hook_total",
				Help: "Plugin hook invocations, by hook name, plugin, and outcome (ok, immediate, error)",
			},
			[]string{"hook", "plugin", "outcome"},
		),

		rateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerproxy_ratelimit_decisions_total",
				Help: "LimitUsage plugin decisions, by client and result (allow, block)",
			},
			[]string{"client", "result"},
		),

		usageRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerproxy_usage_records_total",
				Help: "LogUsage sink writes, by sink and result (ok, error)",
			},
			[]string{"sink", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerproxy_tokens_total",
				Help: "Token usage totals derived from upstream responses, by client and direction",
			},
			[]string{"client", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "powerproxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),

		endpointReachable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "powerproxy_endpoint_reachable",
				Help: "1 if the last background liveness probe of the endpoint succeeded, 0 otherwise",
			},
			[]string{"endpoint"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.targetAttempts,
		r.targetDuration,
		r.targetCooldowns,
		r.targetCoolingDown,
		r.pluginHooks,
		r.rateLimitDecisions,
		r.usageRecords,
		r.tokensTotal,
		r.buildInfo,
		r.endpointReachable,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one completed request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveTargetAttempt records one target-selection loop attempt.
func (r *Registry) ObserveTargetAttempt(target, outcome string, dur time.Duration) {
	r.targetAttempts.WithLabelValues(target, outcome).Inc()
	r.targetDuration.WithLabelValues(target, outcome).Observe(dur.Seconds())
}

// IncCooldown records a target entering cooldown and raises its gauge.
func (r *Registry) IncCooldown(target string) {
	r.targetCooldowns.WithLabelValues(target).Inc()
	r.targetCoolingDown.WithLabelValues(target).Set(1)
}

// SetCoolingDown sets whether target is currently within its cooldown
// window, for periodic gauge refresh.
func (r *Registry) SetCoolingDown(target string, down bool) {
	v := 0.0
	if down {
		v = 1
	}
	r.targetCoolingDown.WithLabelValues(target).Set(v)
}

// ObservePluginHook records one hook invocation outcome across a plugin.
func (r *Registry) ObservePluginHook(hook, plugin, outcome string) {
	r.pluginHooks.WithLabelValues(hook, plugin, outcome).Inc()
}

// RecordRateLimitDecision records one LimitUsage allow/block decision.
func (r *Registry) RecordRateLimitDecision(client, result string) {
	r.rateLimitDecisions.WithLabelValues(client, result).Inc()
}

// RecordUsageRecord records one LogUsage sink write outcome.
func (r *Registry) RecordUsageRecord(sink, result string) {
	r.usageRecords.WithLabelValues(sink, result).Inc()
}

// AddTokens records prompt/completion tokens observed for a client.
func (r *Registry) AddTokens(client string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(client, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(client, "completion").Add(float64(completionTokens))
	}
}

// SetBuildInfo sets the build-info gauge so the time series always exists.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetEndpointReachable records the outcome of one background liveness probe.
// This is observability only; it never gates target selection.
func (r *Registry) SetEndpointReachable(endpoint string, reachable bool) {
	v := 0.0
	if reachable {
		v = 1
	}
	r.endpointReachable.WithLabelValues(endpoint).Set(v)
}

// Handler returns the fasthttp handler serving the Prometheus exposition
// format for this registry.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// PromRegistry exposes the underlying private registry, e.g. for tests that
// want to assert on collected metric families directly.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
