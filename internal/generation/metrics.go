package generation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seqgen",
			Subsystem: "generation",
			Name:      "runs_total",
			Help:      "Total number of generation runs",
		},
		[]string{"mode", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "seqgen",
			Subsystem: "generation",
			Name:      "run_duration_seconds",
			Help:      "Duration of generation runs in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	generatedTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seqgen",
			Subsystem: "generation",
			Name:      "generated_tokens_total",
			Help:      "Total number of tokens appended to returned sequences",
		},
		[]string{"mode"},
	)

	forwardPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seqgen",
			Subsystem: "generation",
			Name:      "forward_passes_total",
			Help:      "Total number of model forward passes",
		},
		[]string{"mode", "model"},
	)

	assistedTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seqgen",
			Subsystem: "generation",
			Name:      "assisted_tokens_total",
			Help:      "Assistant draft tokens by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal, runDuration, generatedTokens, forwardPasses, assistedTokens)
}

func observeRun(mode Mode, st Stats, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	runsTotal.WithLabelValues(mode.String(), status).Inc()
	if err != nil {
		return
	}
	runDuration.WithLabelValues(mode.String()).Observe(st.Duration.Seconds())
	generatedTokens.WithLabelValues(mode.String()).Add(float64(st.TokensGenerated))
}

func finishStats(st *Stats, start time.Time, promptLen int, sequences [][]int) {
	st.Duration = time.Since(start)
	for _, seq := range sequences {
		st.TokensGenerated += max(len(seq)-promptLen, 0)
	}
	if st.Duration.Seconds() > 0 {
		st.TPS = float64(st.TokensGenerated) / st.Duration.Seconds()
	}
}
