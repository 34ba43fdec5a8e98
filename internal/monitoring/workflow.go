package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkflowMetrics provides observability for the KYC workflow engine.
// A nil *WorkflowMetrics is valid and records nothing.
type WorkflowMetrics struct {
	// Committed transitions by edge
	Transitions *prometheus.CounterVec

	// Rejected or failed transition attempts by error kind
	TransitionErrors *prometheus.CounterVec

	// Overdue documents seen by the last sweep
	OverdueDocuments prometheus.Gauge

	// Escalation attempts by result ("ok", "failed")
	Escalations *prometheus.CounterVec

	// Pending automatic transitions by outcome ("executed", "skipped", "failed")
	AutoTransitions *prometheus.CounterVec

	NotificationFailures prometheus.Counter
	PromotionFailures    prometheus.Counter

	SweepDuration prometheus.Histogram
	BulkSize      prometheus.Histogram
}

// NewWorkflowMetrics registers the workflow metrics on reg. A nil reg uses
// the default registerer.
func NewWorkflowMetrics(reg prometheus.Registerer) *WorkflowMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &WorkflowMetrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_workflow_transitions_total",
			Help: "Committed KYC document transitions by source and target state",
		}, []string{"from", "to"}),

		TransitionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_workflow_transition_errors_total",
			Help: "Transition attempts that did not commit, by error kind",
		}, []string{"kind"}),

		OverdueDocuments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kyc_workflow_overdue_documents",
			Help: "Documents past their state SLA at the last sweep",
		}),

		Escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_workflow_escalations_total",
			Help: "SLA escalations by result",
		}, []string{"result"}),

		AutoTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_workflow_auto_transitions_total",
			Help: "Scheduled automatic transitions processed by the sweep, by outcome",
		}, []string{"outcome"}),

		NotificationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "kyc_workflow_notification_failures_total",
			Help: "Workflow notifications that could not be delivered",
		}),

		PromotionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "kyc_workflow_role_promotion_failures_total",
			Help: "Approved documents whose owner could not be granted the vendor role",
		}),

		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kyc_workflow_sweep_duration_seconds",
			Help:    "Duration of a full scheduled sweep",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		BulkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kyc_workflow_bulk_transition_size",
			Help:    "Number of documents per bulk transition request",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
	}
}

// IncrementTransition records a committed transition.
func (m *WorkflowMetrics) IncrementTransition(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

// IncrementTransitionError records a transition that did not commit.
func (m *WorkflowMetrics) IncrementTransitionError(kind string) {
	if m != nil {
		m.TransitionErrors.WithLabelValues(kind).Inc()
	}
}

func (m *WorkflowMetrics) SetOverdue(n int) {
	if m != nil {
		m.OverdueDocuments.Set(float64(n))
	}
}

func (m *WorkflowMetrics) IncrementEscalation(result string) {
	if m != nil {
		m.Escalations.WithLabelValues(result).Inc()
	}
}

func (m *WorkflowMetrics) IncrementAutoTransition(outcome string) {
	if m != nil {
		m.AutoTransitions.WithLabelValues(outcome).Inc()
	}
}

func (m *WorkflowMetrics) IncrementNotificationFailure() {
	if m != nil {
		m.NotificationFailures.Inc()
	}
}

func (m *WorkflowMetrics) IncrementPromotionFailure() {
	if m != nil {
		m.PromotionFailures.Inc()
	}
}

// ObserveSweep records the duration of one sweep.
func (m *WorkflowMetrics) ObserveSweep(d time.Duration) {
	if m != nil {
		m.SweepDuration.Observe(d.Seconds())
	}
}

func (m *WorkflowMetrics) ObserveBulkSize(n int) {
	if m != nil {
		m.BulkSize.Observe(float64(n))
	}
}
