// Package metrics exposes Prometheus collectors for the session pipeline.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level collectors, registered via Register.
var (
	regOK atomic.Bool

	sessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentdeck",
			Subsystem: "session",
			Name:      "starts_total",
			Help:      "Number of session starts, by agent kind.",
		}, []string{"agent"},
	)
	sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentdeck",
			Subsystem: "session",
			Name:      "ends_total",
			Help:      "Number of session terminations, by terminal status.",
		}, []string{"status"},
	)
	sessionsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentdeck",
			Subsystem: "session",
			Name:      "running",
			Help:      "Sessions currently in the running state.",
		},
	)
	eventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentdeck",
			Subsystem: "journal",
			Name:      "events_appended_total",
			Help:      "Events committed to the journal, by kind.",
		}, []string{"kind"},
	)
	subscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentdeck",
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Live viewer subscriptions.",
		},
	)
	subscribersSaturated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentdeck",
			Subsystem: "hub",
			Name:      "saturations_total",
			Help:      "Subscribers dropped to resync because their queue overflowed.",
		},
	)
)

// Register registers all collectors with the given registerer (or the
// default one when nil). Safe to call once; duplicate registration errors
// are returned.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		sessionsStarted, sessionsEnded, sessionsRunning,
		eventsAppended, subscribersActive, subscribersSaturated,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
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

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// The helpers below are no-ops until Register succeeds so that library use
// without a metrics endpoint stays silent.

func SessionStarted(agent string) {
	if regOK.Load() {
		sessionsStarted.WithLabelValues(agent).Inc()
		sessionsRunning.Inc()
	}
}

func SessionEnded(status string) {
	if regOK.Load() {
		sessionsEnded.WithLabelValues(status).Inc()
		sessionsRunning.Dec()
	}
}

func EventAppended(kind string) {
	if regOK.Load() {
		eventsAppended.WithLabelValues(kind).Inc()
	}
}

func SubscriberAdded() {
	if regOK.Load() {
		subscribersActive.Inc()
	}
}

func SubscriberRemoved() {
	if regOK.Load() {
		subscribersActive.Dec()
	}
}

func SubscriberSaturated() {
	if regOK.Load() {
		subscribersSaturated.Inc()
	}
}
