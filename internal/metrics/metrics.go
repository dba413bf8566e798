package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hostd"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Backend start attempts by outcome.",
		}, []string{"result"},
	)
	backendRecoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "recoveries_total",
			Help:      "Recovery attempts triggered by the monitor, by outcome.",
		}, []string{"result"},
	)
	backendStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "stops_total",
			Help:      "Explicit backend stops.",
		},
	)
	backendExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "exits_total",
			Help:      "Backend process exits, split by whether a stop was requested.",
		}, []string{"expected"},
	)
	startDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn to the first healthy probe.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "health_checks_total",
			Help:      "Liveness probes by result.",
		}, []string{"result"},
	)
	probeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "health_probe_seconds",
			Help:      "Liveness probe latency.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	backendRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "rss_bytes",
			Help:      "Resident memory of the backend process.",
		},
	)
	backendCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "cpu_percent",
			Help:      "CPU usage of the backend process.",
		},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a consumer was not keeping up.",
		}, []string{"consumer"},
	)
	storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Local record store operations by op and result.",
		}, []string{"op", "result"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		backendStarts, backendRecoveries, backendStops, backendExits, startDuration,
		healthChecks, probeLatency, stateTransitions, currentState, backendRSS, backendCPU,
		eventsDropped, storeOps,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func ObserveStart(ok bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	backendStarts.WithLabelValues(result(ok)).Inc()
	if ok {
		startDuration.Observe(seconds)
	}
}

func IncRecovery(ok bool) {
	if regOK.Load() {
		backendRecoveries.WithLabelValues(result(ok)).Inc()
	}
}

func IncStop() {
	if regOK.Load() {
		backendStops.Inc()
	}
}

func IncExit(expected bool) {
	if regOK.Load() {
		if expected {
			backendExits.WithLabelValues("true").Inc()
		} else {
			backendExits.WithLabelValues("false").Inc()
		}
	}
}

func ObserveHealthCheck(ok bool, seconds float64) {
	if regOK.Load() {
		healthChecks.WithLabelValues(result(ok)).Inc()
		probeLatency.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
		currentState.WithLabelValues(from).Set(0)
		currentState.WithLabelValues(to).Set(1)
	}
}

func SetBackendUsage(rss uint64, cpu float64) {
	if regOK.Load() {
		backendRSS.Set(float64(rss))
		backendCPU.Set(cpu)
	}
}

func IncEventsDropped(consumer string) {
	if regOK.Load() {
		eventsDropped.WithLabelValues(consumer).Inc()
	}
}

func ObserveStoreOp(op string, err error) {
	if regOK.Load() {
		storeOps.WithLabelValues(op, result(err == nil)).Inc()
	}
}
