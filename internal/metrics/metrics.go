package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	clientStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frpvisor",
			Subsystem: "client",
			Name:      "starts_total",
			Help:      "Number of client start attempts by result.",
		}, []string{"client", "result"},
	)
	clientStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frpvisor",
			Subsystem: "client",
			Name:      "stops_total",
			Help:      "Number of client stops, split by whether a kill was needed.",
		}, []string{"client", "mode"},
	)
	clientRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frpvisor",
			Subsystem: "client",
			Name:      "restarts_total",
			Help:      "Number of restart attempts by trigger and result.",
		}, []string{"client", "trigger", "result"},
	)
	clientUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "frpvisor",
			Subsystem: "client",
			Name:      "up",
			Help:      "Observed liveness per client (1 = running).",
		}, []string{"client"},
	)
	zombies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frpvisor",
			Subsystem: "client",
			Name:      "zombie_observations_total",
			Help:      "Probes that matched a process whose admin port was not listening.",
		}, []string{"client"},
	)
	alertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frpvisor",
			Subsystem: "alert",
			Name:      "sent_total",
			Help:      "Alerts emitted by type.",
		}, []string{"type"},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "frpvisor",
			Subsystem: "supervisor",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one reconciliation tick.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	tickPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "frpvisor",
			Subsystem: "supervisor",
			Name:      "client_panics_total",
			Help:      "Per-client panics recovered during reconciliation.",
		},
	)
	rotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frpvisor",
			Subsystem: "log",
			Name:      "rotations_total",
			Help:      "Log rotations by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		clientStarts, clientStops, clientRestarts, clientUp, zombies,
		alertsSent, tickDuration, tickPanics, rotations,
		clientCPU, clientRSS, clientThreads,
	}
	for _, c := range cs {
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

func IncStart(client, result string) {
	if regOK.Load() {
		clientStarts.WithLabelValues(client, result).Inc()
	}
}

func IncStop(client, mode string) {
	if regOK.Load() {
		clientStops.WithLabelValues(client, mode).Inc()
	}
}

func IncRestart(client, trigger, result string) {
	if regOK.Load() {
		clientRestarts.WithLabelValues(client, trigger, result).Inc()
	}
}

func SetUp(client string, up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1
		}
		clientUp.WithLabelValues(client).Set(v)
	}
}

func IncZombie(client string) {
	if regOK.Load() {
		zombies.WithLabelValues(client).Inc()
	}
}

func IncAlert(alertType string) {
	if regOK.Load() {
		alertsSent.WithLabelValues(alertType).Inc()
	}
}

func ObserveTick(seconds float64) {
	if regOK.Load() {
		tickDuration.Observe(seconds)
	}
}

func IncPanic() {
	if regOK.Load() {
		tickPanics.Inc()
	}
}

func IncRotation(result string) {
	if regOK.Load() {
		rotations.WithLabelValues(result).Inc()
	}
}
