package service

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "service",
		Name:      "sessions_active",
		Help:      "Sessions holding a live inference context",
	})

	sessionsParkedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "service",
		Name:      "sessions_parked_total",
		Help:      "Idle sessions closed to free a sequence slot",
	})

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "service",
			Name:      "requests_total",
			Help:      "Generation requests by mode and result",
		},
		[]string{"mode", "result"},
	)
)

func init() {
	prometheus.MustRegister(sessionsActive, sessionsParkedTotal, requestsTotal)
}

func observeRequest(mode string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	requestsTotal.WithLabelValues(mode, result).Inc()
}
