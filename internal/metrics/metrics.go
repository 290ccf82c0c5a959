// Package metrics exposes prometheus instruments for the offer lifecycle.
// Counters are emitted at coordinator decision points instead of hanging
// observability off the scheduler's internal events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offerflow_offers_created_total",
		Help: "Offers created.",
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offerflow_transitions_total",
		Help: "Status transition attempts by target state and outcome.",
	}, []string{"to", "outcome"}) // outcome: won, lost, error

	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offerflow_compensations_total",
		Help: "Ephemeral rollbacks after a failed durable update.",
	}, []string{"op"})

	NotificationsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offerflow_notifications_recorded_total",
		Help: "Notification history entries appended.",
	})

	BreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offerflow_breaker_open",
		Help: "1 while the named dependency breaker is open.",
	}, []string{"dependency"})
)

// BreakerStateHook adapts the gauge to the breaker's state-change callback.
func BreakerStateHook(name string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	BreakerOpen.WithLabelValues(name).Set(v)
}
