package kyc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kycflow/internal/domain"
	"kycflow/internal/kyc/rules"
	"kycflow/internal/repository/memory"
	"kycflow/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// ==============================================================================
// MOCKS
// ==============================================================================

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, n domain.WorkflowNotification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

type MockEscalationHandler struct {
	mock.Mock
}

func (m *MockEscalationHandler) Escalate(ctx context.Context, record domain.SLAMonitoringRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

type MockRoleStore struct {
	mock.Mock
}

func (m *MockRoleStore) GrantRole(ctx context.Context, userID uuid.UUID, role string) error {
	args := m.Called(ctx, userID, role)
	return args.Error(0)
}

// racingStore holds the first two document reads until both have happened,
// so two transitions start from the same version.
type racingStore struct {
	*memory.KYCStore
	arrivals atomic.Int32
	gate     chan struct{}
}

func newRacingStore(inner *memory.KYCStore) *racingStore {
	return &racingStore{KYCStore: inner, gate: make(chan struct{})}
}

func (r *racingStore) FindDocumentByID(ctx context.Context, id uuid.UUID) (*domain.KYCDocument, error) {
	doc, err := r.KYCStore.FindDocumentByID(ctx, id)
	if n := r.arrivals.Add(1); n <= 2 {
		if n == 2 {
			close(r.gate)
		}
		<-r.gate
	}
	return doc, err
}

// ==============================================================================
// HARNESS
// ==============================================================================

type harness struct {
	svc      *WorkflowService
	store    *memory.KYCStore
	roles    *memory.UserRoleStore
	clock    *fakeClock
	reviewer uuid.UUID
}

func newHarness(t *testing.T, notifier Notifier, escalation EscalationHandler, extra ...Option) *harness {
	t.Helper()
	return newHarnessWithRepo(t, memory.NewKYCStore(), nil, notifier, escalation, extra...)
}

func newHarnessWithRepo(
	t *testing.T,
	store *memory.KYCStore,
	repo Repository,
	notifier Notifier,
	escalation EscalationHandler,
	extra ...Option,
) *harness {
	t.Helper()
	if repo == nil {
		repo = store
	}
	roles := memory.NewUserRoleStore()
	clock := &fakeClock{t: t0}
	reviewer := uuid.New()
	require.NoError(t, roles.GrantRole(context.Background(), reviewer, "reviewer"))

	options := append([]Option{
		WithRoleResolver(roles),
		WithRoleStore(roles),
		WithClock(clock.Now),
	}, extra...)

	svc := NewWorkflowService(repo, rules.Default(), notifier, escalation, logger.NewNop(), DefaultOptions(), options...)
	t.Cleanup(svc.Wait)

	return &harness{svc: svc, store: store, roles: roles, clock: clock, reviewer: reviewer}
}

func (h *harness) register(t *testing.T, docType string, expiry *time.Time) *domain.KYCDocument {
	t.Helper()
	doc, err := h.svc.RegisterDocument(context.Background(), NewDocumentRequest{
		UserID:       uuid.New(),
		DocumentType: docType,
		ExpiryDate:   expiry,
	})
	require.NoError(t, err)
	return doc
}

func (h *harness) move(t *testing.T, id uuid.UUID, to domain.DocumentState) *domain.KYCDocument {
	t.Helper()
	doc, err := h.svc.TransitionStatus(context.Background(), TransitionRequest{
		DocumentID:  id,
		TargetState: to,
		Actor:       domain.HumanActor(h.reviewer),
		Reason:      "test",
	})
	require.NoError(t, err)
	return doc
}

// underReview registers a document and walks it to under_review.
func (h *harness) underReview(t *testing.T, docType string, expiry *time.Time) *domain.KYCDocument {
	t.Helper()
	doc := h.register(t, docType, expiry)
	_, err := h.svc.InitializeWorkflow(context.Background(), doc.ID)
	require.NoError(t, err)
	return h.move(t, doc.ID, domain.StateUnderReview)
}

func ptr[T any](v T) *T {
	return &v
}
