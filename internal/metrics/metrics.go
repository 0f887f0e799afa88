// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "cmdrelay_"

var (
	registerOnce sync.Once
	registry     *prometheus.Registry

	commandsEnqueued   prometheus.Counter
	commandTransitions *prometheus.CounterVec
	framesDropped      *prometheus.CounterVec
	broadcastFailures  prometheus.Counter
	storeSaveFailures  prometheus.Counter
	sessionsOnline     *prometheus.GaugeVec
)

// Init registers the relay metrics on a dedicated registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		registry = prometheus.NewRegistry()

		commandsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "commands_enqueued_total",
			Help: "Total commands enqueued",
		})
		commandTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_transitions_total",
				Help: "Total command status transitions by resulting status",
			},
			[]string{"status"},
		)
		framesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "frames_dropped_total",
				Help: "Inbound frames dropped by reason",
			},
			[]string{"reason"},
		)
		broadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "broadcast_send_failures_total",
			Help: "Controller sends that could not be queued",
		})
		storeSaveFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "store_save_failures_total",
			Help: "Queue snapshot saves that failed",
		})
		sessionsOnline = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "sessions_online",
				Help: "Live sessions by role",
			},
			[]string{"role"},
		)

		registry.MustRegister(
			commandsEnqueued,
			commandTransitions,
			framesDropped,
			broadcastFailures,
			storeSaveFailures,
			sessionsOnline,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registered metrics in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// CommandEnqueued counts one new command.
func CommandEnqueued() {
	if commandsEnqueued != nil {
		commandsEnqueued.Inc()
	}
}

// CommandTransition counts a status change.
func CommandTransition(status string) {
	if commandTransitions != nil {
		commandTransitions.WithLabelValues(status).Inc()
	}
}

// FrameDropped counts an inbound frame discarded for reason.
func FrameDropped(reason string) {
	if framesDropped != nil {
		framesDropped.WithLabelValues(reason).Inc()
	}
}

// BroadcastFailure counts a controller send that was not queued.
func BroadcastFailure() {
	if broadcastFailures != nil {
		broadcastFailures.Inc()
	}
}

// StoreSaveFailure counts a failed snapshot save.
func StoreSaveFailure() {
	if storeSaveFailures != nil {
		storeSaveFailures.Inc()
	}
}

// SetSessionsOnline records the live session count for role
// ("target" or "controller").
func SetSessionsOnline(role string, n int) {
	if sessionsOnline != nil {
		sessionsOnline.WithLabelValues(role).Set(float64(n))
	}
}
