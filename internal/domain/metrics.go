package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MetricsQuery selects documents created in [StartDate, EndDate).
type MetricsQuery struct {
	StartDate    time.Time `json:"start_date" validate:"required"`
	EndDate      time.Time `json:"end_date" validate:"required,gtefield=StartDate"`
	DocumentType string    `json:"document_type,omitempty"`
}

// Bottleneck is the mean dwell time in one state across the documents that
// visited it.
type Bottleneck struct {
	State        DocumentState   `json:"state"`
	AverageHours decimal.Decimal `json:"average_hours"`
	Documents    int             `json:"documents"`
}

// TypePerformance aggregates review outcomes for one document type.
type TypePerformance struct {
	Total                 int             `json:"total"`
	Completed             int             `json:"completed"`
	AverageProcessingTime decimal.Decimal `json:"average_processing_time"`
	// ApprovalRate is approved/(approved+rejected), a ratio in [0,1].
	ApprovalRate decimal.Decimal `json:"approval_rate"`
}

// WorkflowMetrics is a read model over a date window.
type WorkflowMetrics struct {
	StartDate             time.Time                  `json:"start_date"`
	EndDate               time.Time                  `json:"end_date"`
	DocumentType          string                     `json:"document_type,omitempty"`
	TotalDocuments        int                        `json:"total_documents"`
	StatusDistribution    map[DocumentState]int      `json:"status_distribution"`
	AverageProcessingTime decimal.Decimal            `json:"average_processing_time"`
	SLAViolations         int                        `json:"sla_violations"`
	SLAComplianceRate     decimal.Decimal            `json:"sla_compliance_rate"`
	Bottlenecks           []Bottleneck               `json:"bottlenecks"`
	PerformanceByType     map[string]TypePerformance `json:"performance_by_type"`
	GeneratedAt           time.Time                  `json:"generated_at"`
}
