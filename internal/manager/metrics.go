package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	kvCacheFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "kv_cache",
			Name:      "files",
			Help:      "Session KV cache files tracked on disk",
		},
	)

	kvEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "kv_cache",
			Name:      "evictions_total",
			Help:      "Session KV caches removed by LRU eviction",
		},
	)

	kvOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "kv_cache",
			Name:      "operations_total",
			Help:      "Session KV cache operations by kind and result",
		},
		[]string{"op", "result"},
	)

	modelLoadSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "model",
			Name:      "load_seconds",
			Help:      "Time spent loading model weights",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
)

func init() {
	prometheus.MustRegister(kvCacheFiles, kvEvictionsTotal, kvOpsTotal, modelLoadSeconds)
}

func observeKV(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	kvOpsTotal.WithLabelValues(op, result).Inc()
}
