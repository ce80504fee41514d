package generator

import "github.com/prometheus/client_golang/prometheus"

var (
	tokensGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "generator",
			Name:      "tokens_generated_total",
			Help:      "Tokens generated, by mode",
		},
		[]string{"mode"},
	)

	promptTokensDecodedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "generator",
			Name:      "prompt_tokens_decoded_total",
			Help:      "Prompt tokens submitted to the decoder",
		},
	)

	promptTokensReusedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "generator",
			Name:      "prompt_tokens_reused_total",
			Help:      "Prompt tokens served from the KV cache without decoding",
		},
	)

	finishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "generator",
			Name:      "finished_total",
			Help:      "Completed generations by finish reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(tokensGeneratedTotal, promptTokensDecodedTotal, promptTokensReusedTotal, finishTotal)
}
