// ==============================================================================
// METRICS ANALYZER - internal/kyc/metrics_analyzer.go
// ==============================================================================
// Workflow health over a creation window: distribution, SLA compliance,
// processing times, bottlenecks and per-type performance
// ==============================================================================

package kyc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"kycflow/internal/domain"
	kyderrors "kycflow/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxBottlenecks is how many states GetWorkflowMetrics reports.
const MaxBottlenecks = 5

var (
	hundred     = decimal.NewFromInt(100)
	hourNanos   = decimal.NewFromInt(int64(time.Hour))
	metricsPrec = int32(2)
)

// GetWorkflowMetrics aggregates active documents created in
// [q.StartDate, q.EndDate), optionally of one type.
func (s *WorkflowService) GetWorkflowMetrics(ctx context.Context, q domain.MetricsQuery) (*domain.WorkflowMetrics, error) {
	const op = "kyc.GetWorkflowMetrics"

	if q.StartDate.IsZero() || q.EndDate.IsZero() {
		return nil, kyderrors.New(kyderrors.KindValidation, op, uuid.Nil, "start_date and end_date are required")
	}
	if q.EndDate.Before(q.StartDate) {
		return nil, &kyderrors.WorkflowError{
			Kind: kyderrors.KindValidation, Op: op,
			Message: kyderrors.ErrInvalidMetricsRange.Error(), Err: kyderrors.ErrInvalidMetricsRange,
		}
	}

	key := metricsCacheKey(q)
	if s.cache != nil {
		var cached domain.WorkflowMetrics
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	start, end := q.StartDate, q.EndDate
	docs, err := s.repo.ListDocuments(ctx, domain.DocumentFilter{
		CreatedFrom:  &start,
		CreatedTo:    &end,
		DocumentType: q.DocumentType,
		ActiveOnly:   true,
	})
	if err != nil {
		return nil, kyderrors.Infrastructure(op, uuid.Nil, err)
	}

	ids := make([]uuid.UUID, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	dwell := map[uuid.UUID]map[domain.DocumentState]time.Duration{}
	if len(ids) > 0 {
		dwell, err = s.repo.StateDwellByDocument(ctx, ids)
		if err != nil {
			return nil, kyderrors.Infrastructure(op, uuid.Nil, err)
		}
	}

	m := analyze(docs, dwell, s.CheckSLACompliance, s.clock())
	m.StartDate = q.StartDate
	m.EndDate = q.EndDate
	m.DocumentType = q.DocumentType

	if s.cache != nil && s.opts.MetricsCacheTTL > 0 {
		if err := s.cache.Set(ctx, key, m, s.opts.MetricsCacheTTL); err != nil {
			s.logger.Warn("Failed to cache workflow metrics", map[string]interface{}{
				"key":   key,
				"error": err,
			})
		}
	}
	return m, nil
}

func metricsCacheKey(q domain.MetricsQuery) string {
	return fmt.Sprintf("kyc:workflow:metrics:%d:%d:%s",
		q.StartDate.UTC().Unix(), q.EndDate.UTC().Unix(), q.DocumentType)
}

type typeTally struct {
	total, approved, rejected int
	processing                time.Duration
}

// analyze is the pure part of GetWorkflowMetrics.
func analyze(
	docs []*domain.KYCDocument,
	dwell map[uuid.UUID]map[domain.DocumentState]time.Duration,
	check func(*domain.KYCDocument, time.Time) domain.SLATracking,
	now time.Time,
) *domain.WorkflowMetrics {
	m := &domain.WorkflowMetrics{
		TotalDocuments:     len(docs),
		StatusDistribution: make(map[domain.DocumentState]int),
		PerformanceByType:  make(map[string]domain.TypePerformance),
		Bottlenecks:        []domain.Bottleneck{},
		GeneratedAt:        now,
	}

	var (
		processing time.Duration
		completed  int
		tallies    = map[string]*typeTally{}
	)
	for _, d := range docs {
		m.StatusDistribution[d.State]++
		if check(d, now).IsOverdue {
			m.SLAViolations++
		}

		t := tallies[d.DocumentType]
		if t == nil {
			t = &typeTally{}
			tallies[d.DocumentType] = t
		}
		t.total++

		if !d.State.IsReviewOutcome() {
			continue
		}
		elapsed := d.UpdatedAt.Sub(d.CreatedAt)
		processing += elapsed
		completed++
		t.processing += elapsed
		if d.State == domain.StateApproved {
			t.approved++
		} else {
			t.rejected++
		}
	}

	m.AverageProcessingTime = averageHours(processing, completed)
	m.SLAComplianceRate = complianceRate(m.TotalDocuments, m.SLAViolations)
	m.Bottlenecks = bottlenecks(docs, dwell)

	for docType, t := range tallies {
		done := t.approved + t.rejected
		perf := domain.TypePerformance{
			Total:                 t.total,
			Completed:             done,
			AverageProcessingTime: averageHours(t.processing, done),
			ApprovalRate:          decimal.Zero,
		}
		if done > 0 {
			perf.ApprovalRate = decimal.NewFromInt(int64(t.approved)).
				Div(decimal.NewFromInt(int64(done))).
				Round(metricsPrec)
		}
		m.PerformanceByType[docType] = perf
	}
	return m
}

// bottlenecks averages each state's per-document dwell across the documents
// that visited it and returns the slowest states.
func bottlenecks(docs []*domain.KYCDocument, dwell map[uuid.UUID]map[domain.DocumentState]time.Duration) []domain.Bottleneck {
	totals := map[domain.DocumentState]time.Duration{}
	visits := map[domain.DocumentState]int{}
	for _, d := range docs {
		for state, dur := range dwell[d.ID] {
			totals[state] += dur
			visits[state]++
		}
	}

	out := make([]domain.Bottleneck, 0, len(totals))
	for state, total := range totals {
		out = append(out, domain.Bottleneck{
			State:        state,
			AverageHours: averageHours(total, visits[state]),
			Documents:    visits[state],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].AverageHours.Cmp(out[j].AverageHours); c != 0 {
			return c > 0
		}
		return out[i].State < out[j].State
	})
	if len(out) > MaxBottlenecks {
		out = out[:MaxBottlenecks]
	}
	return out
}

func averageHours(total time.Duration, n int) decimal.Decimal {
	if n == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(total)).
		Div(hourNanos).
		Div(decimal.NewFromInt(int64(n))).
		Round(metricsPrec)
}

// complianceRate is the share of documents within SLA as a percentage; an
// empty window is fully compliant.
func complianceRate(total, violations int) decimal.Decimal {
	if total == 0 {
		return hundred
	}
	return decimal.NewFromInt(int64(total - violations)).
		Div(decimal.NewFromInt(int64(total))).
		Mul(hundred).
		Round(metricsPrec)
}
