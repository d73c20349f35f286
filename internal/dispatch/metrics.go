package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "webpushnotify"

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Delivery calls by message kind and final class",
		},
		[]string{"kind", "class"},
	)

	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Individual push attempts by outcome class",
		},
		[]string{"class"},
	)

	removalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "removals_total",
			Help:      "Destinations pruned by the dispatcher",
		},
		[]string{"reason"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "delivery_duration_seconds",
			Help:      "Time from first attempt to final outcome, retries included",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)
)

func recordDelivery(kind, class string, d time.Duration) {
	deliveriesTotal.WithLabelValues(kind, class).Inc()
	deliveryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func recordAttempt(class string) {
	attemptsTotal.WithLabelValues(class).Inc()
}

func recordRemoval(reason string) {
	removalsTotal.WithLabelValues(reason).Inc()
}
