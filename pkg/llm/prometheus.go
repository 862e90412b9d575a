package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legisref",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "LLM generation calls by agent and outcome.",
	}, []string{"agent", "model", "outcome"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "legisref",
		Subsystem: "llm",
		Name:      "call_duration_seconds",
		Help:      "LLM generation call latency by agent.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"agent"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legisref",
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Tokens consumed by agent and direction.",
	}, []string{"agent", "direction"})
)

func observeCall(agent, model string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	callsTotal.WithLabelValues(agent, model, outcome).Inc()
	callDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func observeTokens(agent string, prompt, response int) {
	tokensTotal.WithLabelValues(agent, "prompt").Add(float64(prompt))
	tokensTotal.WithLabelValues(agent, "response").Add(float64(response))
}
