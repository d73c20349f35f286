package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "webpushnotify"

var (
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks by result",
		},
		[]string{"result"},
	)

	selectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "selections_total",
			Help:      "Messages selected by the policy",
		},
		[]string{"action"},
	)

	tickDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_deliveries_total",
			Help:      "Scheduled deliveries by outcome, counted when a tick settles",
		},
		[]string{"outcome"},
	)
)

func recordTick(result string) {
	ticksTotal.WithLabelValues(result).Inc()
}

func recordSelections(fixed, filler int) {
	selectionsTotal.WithLabelValues("fixed").Add(float64(fixed))
	selectionsTotal.WithLabelValues("filler").Add(float64(filler))
}

func recordTickOutcome(sent, failed int) {
	tickDeliveries.WithLabelValues("sent").Add(float64(sent))
	tickDeliveries.WithLabelValues("failed").Add(float64(failed))
}
