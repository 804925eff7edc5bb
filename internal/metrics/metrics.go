package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Message outcomes.
const (
	OutcomeHandled   = "handled"
	OutcomeDiscarded = "discarded"
	OutcomeFailed    = "failed"
)

// Pipeline outcomes.
const (
	OutcomeRecommended = "recommended"
	OutcomeNoMatch     = "no_match"
	OutcomeMismatch    = "selection_mismatch"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeLate        = "late_result"
)

// Metrics holds the service's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	messages         *prometheus.CounterVec
	pipelineRuns     *prometheus.CounterVec
	pipelineDuration prometheus.Histogram
	lateResults      prometheus.Counter
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nutribot_messages_total",
				Help: "Inbound chat messages by outcome",
			},
			[]string{"outcome"},
		),
		pipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nutribot_pipeline_runs_total",
				Help: "Recommendation pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		pipelineDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nutribot_pipeline_duration_seconds",
				Help:    "Duration of recommendation pipeline runs",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60},
			},
		),
		lateResults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nutribot_late_results_total",
				Help: "Pipeline results dropped because the session moved on or expired",
			},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.messages, m.pipelineRuns, m.pipelineDuration, m.lateResults} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Message(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PipelineRun(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(outcome).Inc()
	m.pipelineDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) LateResult() {
	if m == nil {
		return
	}
	m.lateResults.Inc()
	m.pipelineRuns.WithLabelValues(OutcomeLate).Inc()
}
