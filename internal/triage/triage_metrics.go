package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	StageDuration   *prometheus.HistogramVec
	StageFallbacks  *prometheus.CounterVec
	PolicyFlags     *prometheus.CounterVec
	AutoEscalations prometheus.Counter
	AppendsTotal    *prometheus.CounterVec
	NotifiesTotal   *prometheus.CounterVec
	LLMCallsTotal   *prometheus.CounterVec
	LLMTokensIn     prometheus.Counter
	LLMTokensOut    prometheus.Counter
	LLMDuration     prometheus.Histogram
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketwarden_triage_runs_total",
			Help: "Total pipeline runs by review outcome.",
		}, []string{"review"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ticketwarden_triage_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticketwarden_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"stage"}),
		StageFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketwarden_stage_fallbacks_total",
			Help: "Stages that failed and used their fallback output.",
		}, []string{"stage"}),
		PolicyFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketwarden_policy_flags_total",
			Help: "Policy flags raised, by flag.",
		}, []string{"flag"}),
		AutoEscalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketwarden_auto_escalations_total",
			Help: "Runs that triggered automatic escalation.",
		}),
		AppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketwarden_decision_appends_total",
			Help: "Decision record appends by result.",
		}, []string{"result"}),
		NotifiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketwarden_review_notifications_total",
			Help: "Human-review notifications by result.",
		}, []string{"result"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketwarden_llm_calls_total",
			Help: "Total LLM provider calls by operation and result.",
		}, []string{"operation", "result"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketwarden_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketwarden_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ticketwarden_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s .. ~64s
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.StageDuration,
		m.StageFallbacks,
		m.PolicyFlags,
		m.AutoEscalations,
		m.AppendsTotal,
		m.NotifiesTotal,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnStage: func(stage Stage, duration float64, fellBack bool) {
			m.StageDuration.WithLabelValues(stage.String()).Observe(duration)
			if fellBack {
				m.StageFallbacks.WithLabelValues(stage.String()).Inc()
			}
		},
		OnComplete: func(e *CompleteEvent) {
			review := "false"
			if e.RequiresHumanReview {
				review = "true"
			}
			m.RunsTotal.WithLabelValues(review).Inc()
			m.RunDuration.Observe(e.Duration)
			for _, f := range e.Flags {
				m.PolicyFlags.WithLabelValues(f).Inc()
			}
			if e.AutoEscalate {
				m.AutoEscalations.Inc()
			}
		},
	}
}

// ServiceHooks returns a ServiceHooks that counts append and notify outcomes.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnAppend: func(err error) {
			m.AppendsTotal.WithLabelValues(resultLabel(err)).Inc()
		},
		OnNotify: func(err error) {
			m.NotifiesTotal.WithLabelValues(resultLabel(err)).Inc()
		},
	}
}

// ObserveLLMCall records one provider call. Its signature matches the
// claude client's call hook.
func (m *Metrics) ObserveLLMCall(operation string, inputTokens, outputTokens int64, duration float64, err error) {
	m.LLMCallsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
	m.LLMTokensIn.Add(float64(inputTokens))
	m.LLMTokensOut.Add(float64(outputTokens))
	m.LLMDuration.Observe(duration)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
