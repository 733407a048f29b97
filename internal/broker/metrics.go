package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promptsRoutedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptrelay_prompts_routed_total",
		Help: "Prompts successfully dispatched to a consumer",
	})

	submissionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptrelay_submissions_rejected_total",
		Help: "Prompt submissions rejected before dispatch, by error code",
	}, []string{"code"})

	connectedConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "promptrelay_connected_consumers",
		Help: "Currently registered consumer connections",
	})

	framesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptrelay_frames_dropped_total",
		Help: "Inbound frames dropped without closing the connection, by reason",
	}, []string{"reason"})
)
