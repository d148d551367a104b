package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "papa"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful spawns.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts scheduled after an unexpected exit.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of requested stops, labelled by how the run ended.",
		}, []string{"name", "mode"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "spawn_failures_total",
			Help:      "Number of runs that could not be started.",
		}, []string{"name"},
	)
	fatalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "fatal_total",
			Help:      "Number of times a process gave up after exhausting its retries.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different process states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of processes (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	outputBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "bytes_total",
			Help:      "Bytes captured from process output streams.",
		}, []string{"name", "stream"},
	)
	droppedChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "dropped_chunks_total",
			Help:      "Output chunks not delivered to a slow subscriber.",
		}, []string{"name", "stream"},
	)
	rssBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "rss_bytes",
			Help:      "Resident set size of the live run, sampled on status.",
		}, []string{"name"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of the live run, sampled on status.",
		}, []string{"name"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		processStarts, processRestarts, processStops, spawnFailures, fatalTotal,
		stateTransitions, currentStates, outputBytes, droppedChunks, rssBytes, cpuPercent,
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


// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}

// IncStop counts a requested stop; forced reports whether SIGKILL was needed.
func IncStop(name string, forced bool) {
	if regOK.Load() {
		mode := "graceful"
		if forced {
			mode = "killed"
		}
		processStops.WithLabelValues(name, mode).Inc()
	}
}

func IncSpawnFailure(name string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(name).Inc()
	}
}

func IncFatal(name string) {
	if regOK.Load() {
		fatalTotal.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetCurrentState marks state as the active one for name and clears the previous.
func SetCurrentState(name, from, to string) {
	if regOK.Load() {
		if from != "" && from != to {
			currentStates.WithLabelValues(name, from).Set(0)
		}
		currentStates.WithLabelValues(name, to).Set(1)
	}
}

func AddOutputBytes(name, stream string, n int) {
	if regOK.Load() && n > 0 {
		outputBytes.WithLabelValues(name, stream).Add(float64(n))
	}
}

func IncDropped(name, stream string) {
	if regOK.Load() {
		droppedChunks.WithLabelValues(name, stream).Inc()
	}
}

func SetResourceUsage(name string, rss uint64, cpu float64) {
	if regOK.Load() {
		rssBytes.WithLabelValues(name).Set(float64(rss))
		cpuPercent.WithLabelValues(name).Set(cpu)
	}
}

// Forget drops every series labelled with name, used when a process is removed.
func Forget(name string) {
	if !regOK.Load() {
		return
	}
	l := prometheus.Labels{"name": name}
	for _, v := range []*prometheus.CounterVec{processStarts, processRestarts, processStops, spawnFailures, fatalTotal, stateTransitions, outputBytes, droppedChunks} {
		v.DeletePartialMatch(l)
	}
	for _, v := range []*prometheus.GaugeVec{currentStates, rssBytes, cpuPercent} {
		v.DeletePartialMatch(l)
	}
}
