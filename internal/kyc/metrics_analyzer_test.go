package kyc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"kycflow/internal/domain"
	kyderrors "kycflow/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockMetricsCache struct {
	mock.Mock
}

func (m *MockMetricsCache) Get(ctx context.Context, key string, dest interface{}) error {
	args := m.Called(ctx, key, dest)
	return args.Error(0)
}

func (m *MockMetricsCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	args := m.Called(ctx, key, value, expiration)
	return args.Error(0)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

// seedMetrics leaves two passport reviews finished after 10h and 20h, one
// passport under review and one utility bill stuck in draft. The clock ends
// at t0+20h.
func seedMetrics(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()

	a := h.underReview(t, "passport", nil)
	b := h.underReview(t, "passport", nil)
	h.underReview(t, "passport", nil)
	h.register(t, "utility_bill", nil)

	h.clock.Advance(10 * time.Hour)
	h.move(t, a.ID, domain.StateApproved)
	h.clock.Advance(10 * time.Hour)
	_, err := h.svc.TransitionStatus(ctx, TransitionRequest{
		DocumentID: b.ID, TargetState: domain.StateRejected, Actor: domain.HumanActor(h.reviewer),
	})
	require.NoError(t, err)
}

func TestGetWorkflowMetrics(t *testing.T) {
	h := newHarness(t, nil, nil)
	seedMetrics(t, h)

	m, err := h.svc.GetWorkflowMetrics(context.Background(), domain.MetricsQuery{
		StartDate: t0, EndDate: t0.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, 4, m.TotalDocuments)
	sum := 0
	for _, n := range m.StatusDistribution {
		sum += n
	}
	assert.Equal(t, m.TotalDocuments, sum)
	assert.Equal(t, 1, m.StatusDistribution[domain.StateApproved])
	assert.Equal(t, 1, m.StatusDistribution[domain.StateRejected])
	assert.Equal(t, 1, m.StatusDistribution[domain.StateUnderReview])
	assert.Equal(t, 1, m.StatusDistribution[domain.StateDraft])

	// mean of 10h and 20h
	assertDecimal(t, "15", m.AverageProcessingTime)

	// only the forgotten draft is past its SLA
	assert.Equal(t, 1, m.SLAViolations)
	assertDecimal(t, "75", m.SLAComplianceRate)

	require.NotEmpty(t, m.Bottlenecks)
	assert.LessOrEqual(t, len(m.Bottlenecks), MaxBottlenecks)
	assert.Equal(t, domain.StateUnderReview, m.Bottlenecks[0].State)
	assertDecimal(t, "15", m.Bottlenecks[0].AverageHours)
	assert.Equal(t, 2, m.Bottlenecks[0].Documents)

	passport := m.PerformanceByType["passport"]
	assert.Equal(t, 3, passport.Total)
	assert.Equal(t, 2, passport.Completed)
	assertDecimal(t, "0.5", passport.ApprovalRate)
	assertDecimal(t, "15", passport.AverageProcessingTime)

	bills := m.PerformanceByType["utility_bill"]
	assert.Equal(t, 1, bills.Total)
	assert.True(t, bills.ApprovalRate.IsZero())
}

func TestGetWorkflowMetrics_FiltersAndWindow(t *testing.T) {
	h := newHarness(t, nil, nil)
	seedMetrics(t, h)
	ctx := context.Background()

	m, err := h.svc.GetWorkflowMetrics(ctx, domain.MetricsQuery{
		StartDate: t0, EndDate: t0.Add(24 * time.Hour), DocumentType: "utility_bill",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m.TotalDocuments)
	assert.True(t, m.AverageProcessingTime.IsZero())

	// end is exclusive
	m, err = h.svc.GetWorkflowMetrics(ctx, domain.MetricsQuery{StartDate: t0.Add(-time.Hour), EndDate: t0})
	require.NoError(t, err)
	assert.Equal(t, 0, m.TotalDocuments)
	assertDecimal(t, "100", m.SLAComplianceRate)
	assert.Empty(t, m.Bottlenecks)
}

func TestGetWorkflowMetrics_Validation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	_, err := h.svc.GetWorkflowMetrics(ctx, domain.MetricsQuery{StartDate: t0, EndDate: t0.Add(-time.Hour)})
	assert.True(t, kyderrors.IsKind(err, kyderrors.KindValidation))
	assert.ErrorIs(t, err, kyderrors.ErrInvalidMetricsRange)

	_, err = h.svc.GetWorkflowMetrics(ctx, domain.MetricsQuery{StartDate: t0})
	assert.True(t, kyderrors.IsKind(err, kyderrors.KindValidation))
}

func TestGetWorkflowMetrics_Cache(t *testing.T) {
	q := domain.MetricsQuery{StartDate: t0, EndDate: t0.Add(24 * time.Hour)}
	key := fmt.Sprintf("kyc:workflow:metrics:%d:%d:", t0.Unix(), t0.Add(24*time.Hour).Unix())

	t.Run("miss computes and stores", func(t *testing.T) {
		cache := new(MockMetricsCache)
		cache.On("Get", mock.Anything, key, mock.Anything).Return(errors.New("cache miss"))
		cache.On("Set", mock.Anything, key, mock.Anything, 5*time.Minute).Return(nil)

		h := newHarness(t, nil, nil, WithMetricsCache(cache))
		h.register(t, "passport", nil)

		m, err := h.svc.GetWorkflowMetrics(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, 1, m.TotalDocuments)
		cache.AssertExpectations(t)
	})

	t.Run("hit skips the store", func(t *testing.T) {
		cache := new(MockMetricsCache)
		cache.On("Get", mock.Anything, key, mock.Anything).
			Run(func(args mock.Arguments) {
				dest := args.Get(2).(*domain.WorkflowMetrics)
				*dest = domain.WorkflowMetrics{TotalDocuments: 42}
			}).
			Return(nil)

		h := newHarness(t, nil, nil, WithMetricsCache(cache))
		h.register(t, "passport", nil)

		m, err := h.svc.GetWorkflowMetrics(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, 42, m.TotalDocuments)
		cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("set failure is not fatal", func(t *testing.T) {
		cache := new(MockMetricsCache)
		cache.On("Get", mock.Anything, key, mock.Anything).Return(errors.New("cache miss"))
		cache.On("Set", mock.Anything, key, mock.Anything, mock.Anything).Return(errors.New("redis down"))

		h := newHarness(t, nil, nil, WithMetricsCache(cache))
		_, err := h.svc.GetWorkflowMetrics(context.Background(), q)
		require.NoError(t, err)
	})
}

func TestBottlenecks_TopFiveBySlowest(t *testing.T) {
	a := &domain.KYCDocument{ID: uuid.New()}
	b := &domain.KYCDocument{ID: uuid.New()}
	dwell := map[uuid.UUID]map[domain.DocumentState]time.Duration{
		a.ID: {
			domain.StateDraft:                 time.Hour,
			domain.StateSubmitted:             2 * time.Hour,
			domain.StateUnderReview:           6 * time.Hour,
			domain.StateRequiresClarification: 3 * time.Hour,
			domain.StateApproved:              5 * time.Hour,
			domain.StateSuspended:             90 * time.Minute,
		},
		b.ID: {
			domain.StateUnderReview: 2 * time.Hour,
		},
	}

	got := bottlenecks([]*domain.KYCDocument{a, b}, dwell)
	require.Len(t, got, MaxBottlenecks)
	assert.Equal(t, domain.StateApproved, got[0].State)
	assert.Equal(t, domain.StateUnderReview, got[1].State)
	assertDecimal(t, "4", got[1].AverageHours)
	assert.Equal(t, 2, got[1].Documents)
	for _, bn := range got {
		assert.NotEqual(t, domain.StateDraft, bn.State)
	}
}
