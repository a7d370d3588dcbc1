package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "compreg"

var (
	Registry = prometheus.NewRegistry()

	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Dispatcher calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Latency of blocking dispatcher calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"method"},
	)

	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by result code.",
		},
		[]string{"result"},
	)

	DeregistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deregistrations_total",
			Help:      "Completed phase-one deregistrations.",
		},
	)

	Components = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "components",
			Help:      "Records in the registration table by recovery state.",
		},
		[]string{"recovery_state"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats received by result.",
		},
		[]string{"result"},
	)

	ReaperCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_cycles_total",
			Help:      "Completed liveness reaper cycles.",
		},
	)

	ReaperPeriod = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reaper_period_seconds",
			Help:      "Current reaper sampling period.",
		},
	)

	RecoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Relaunch attempts by result.",
		},
		[]string{"result"},
	)

	RecoveryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_outcomes_total",
			Help:      "Finished recovery jobs by final state.",
		},
		[]string{"state"},
	)

	RecoveryInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_jobs_in_flight",
			Help:      "Recovery jobs queued or running.",
		},
	)

	FederationPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "federation_peers",
			Help:      "Known peer registries.",
		},
	)

	NotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "New-component notifications dispatched.",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status class.",
		},
		[]string{"route", "status"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		CallsTotal, CallDuration,
		RegistrationsTotal, DeregistrationsTotal, Components, HeartbeatsTotal,
		ReaperCycles, ReaperPeriod,
		RecoveryAttempts, RecoveryOutcomes, RecoveryInFlight,
		FederationPeers, NotificationsTotal, HTTPRequestsTotal,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes the registry metrics in Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

// ObserveCall records one dispatcher call. Detached calls carry no duration.
func ObserveCall(method, outcome string, elapsed time.Duration) {
	CallsTotal.WithLabelValues(method, outcome).Inc()
	if elapsed > 0 {
		CallDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	}
}

// ObserveHTTP records one HTTP API request.
func ObserveHTTP(route string, status int) {
	HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status/100)+"xx").Inc()
}
