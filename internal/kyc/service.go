// ==============================================================================
// KYC WORKFLOW SERVICE - internal/kyc/service.go
// ==============================================================================
// Workflow engine, SLA monitor and metrics analyzer for KYC documents
// ==============================================================================

package kyc

import (
	"context"
	"sync"
	"time"

	"kycflow/internal/domain"
	"kycflow/internal/kyc/rules"
	"kycflow/internal/monitoring"
	"kycflow/pkg/config"
	"kycflow/pkg/logger"

	"github.com/google/uuid"
)

// ==============================================================================
// REPOSITORY INTERFACES
// ==============================================================================

// Repository defines the persistence the workflow needs. CreateDocument and
// ApplyTransition write the whole TransitionChange atomically; ApplyTransition
// fails with errors.ErrVersionConflict when the stored version differs from
// ExpectedVersion or CompletesPending is no longer pending, and cancels the
// document's other pending transitions. UpdateSLATracking and
// UpdatePendingTransition are guarded the same way: a stale version yields
// ErrVersionConflict, a settled row ErrPendingSettled.
type Repository interface {
	// Document operations
	CreateDocument(ctx context.Context, change domain.TransitionChange) error
	FindDocumentByID(ctx context.Context, id uuid.UUID) (*domain.KYCDocument, error)
	ListDocuments(ctx context.Context, filter domain.DocumentFilter) ([]*domain.KYCDocument, error)
	ApplyTransition(ctx context.Context, change domain.TransitionChange) error
	UpdateSLATracking(ctx context.Context, id uuid.UUID, version int64, tracking *domain.SLATracking) error

	// Status log
	ListStatusLog(ctx context.Context, documentID uuid.UUID) ([]domain.StatusLogEntry, error)

	// Scheduled automatic transitions
	FindDuePendingTransitions(ctx context.Context, now time.Time, limit int) ([]domain.PendingTransition, error)
	UpdatePendingTransition(ctx context.Context, p domain.PendingTransition) error

	// Dwell aggregate, summed per document and state
	StateDwellByDocument(ctx context.Context, documentIDs []uuid.UUID) (map[uuid.UUID]map[domain.DocumentState]time.Duration, error)
}

// RoleResolver answers whether a user holds a role.
type RoleResolver interface {
	HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error)
}

// RoleStore grants roles to users.
type RoleStore interface {
	GrantRole(ctx context.Context, userID uuid.UUID, role string) error
}

// Notifier delivers workflow notifications to their audiences.
type Notifier interface {
	Notify(ctx context.Context, n domain.WorkflowNotification) error
}

// EscalationHandler is told about every overdue document on each sweep.
type EscalationHandler interface {
	Escalate(ctx context.Context, record domain.SLAMonitoringRecord) error
}

// MetricsCache stores computed workflow metrics. pkg/cache.RedisCache
// satisfies it.
type MetricsCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// ==============================================================================
// OPTIONS
// ==============================================================================

// Options tunes the workflow service.
type Options struct {
	RenewalLeadTime    time.Duration
	BulkConcurrency    int
	BulkMaxDocuments   int
	NotifyTimeout      time.Duration
	MetricsCacheTTL    time.Duration
	SweepBatchSize     int
	ApprovedVendorRole string
	// MaxAutoAttempts is how often the sweep retries a failing scheduled
	// transition before marking it failed.
	MaxAutoAttempts int
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		RenewalLeadTime:    30 * 24 * time.Hour,
		BulkConcurrency:    8,
		BulkMaxDocuments:   500,
		NotifyTimeout:      10 * time.Second,
		MetricsCacheTTL:    5 * time.Minute,
		SweepBatchSize:     500,
		ApprovedVendorRole: "approved_vendor",
		MaxAutoAttempts:    3,
	}
}

// OptionsFromConfig maps the workflow config section onto Options.
func OptionsFromConfig(cfg config.WorkflowConfig) Options {
	opts := DefaultOptions()
	opts.RenewalLeadTime = cfg.RenewalLeadTime
	opts.BulkConcurrency = cfg.BulkConcurrency
	opts.BulkMaxDocuments = cfg.BulkMaxDocuments
	opts.NotifyTimeout = cfg.NotifyTimeout
	opts.MetricsCacheTTL = cfg.MetricsCacheTTL
	opts.SweepBatchSize = cfg.SweepBatchSize
	if cfg.ApprovedVendorRole != "" {
		opts.ApprovedVendorRole = cfg.ApprovedVendorRole
	}
	return opts
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.BulkConcurrency < 1 {
		o.BulkConcurrency = def.BulkConcurrency
	}
	if o.BulkMaxDocuments < 1 {
		o.BulkMaxDocuments = def.BulkMaxDocuments
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = def.NotifyTimeout
	}
	if o.SweepBatchSize < 1 {
		o.SweepBatchSize = def.SweepBatchSize
	}
	if o.ApprovedVendorRole == "" {
		o.ApprovedVendorRole = def.ApprovedVendorRole
	}
	if o.MaxAutoAttempts < 1 {
		o.MaxAutoAttempts = def.MaxAutoAttempts
	}
	if o.RenewalLeadTime < 0 {
		o.RenewalLeadTime = 0
	}
	return o
}

// Option configures optional collaborators.
type Option func(*WorkflowService)

// WithRoleResolver enables the required-roles check on manual rules.
func WithRoleResolver(r RoleResolver) Option {
	return func(s *WorkflowService) { s.roles = r }
}

// WithRoleStore enables vendor role promotion on approval.
func WithRoleStore(r RoleStore) Option {
	return func(s *WorkflowService) { s.roleStore = r }
}

// WithMetricsCache caches GetWorkflowMetrics results.
func WithMetricsCache(c MetricsCache) Option {
	return func(s *WorkflowService) { s.cache = c }
}

// WithInstrumentation records Prometheus metrics.
func WithInstrumentation(m *monitoring.WorkflowMetrics) Option {
	return func(s *WorkflowService) { s.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *WorkflowService) { s.now = now }
}

// ==============================================================================
// WORKFLOW SERVICE
// ==============================================================================

// WorkflowService drives KYC documents through the rule table.
type WorkflowService struct {
	repo       Repository
	rules      *rules.Table
	notifier   Notifier
	escalation EscalationHandler
	roles      RoleResolver
	roleStore  RoleStore
	cache      MetricsCache
	metrics    *monitoring.WorkflowMetrics
	logger     logger.Logger
	opts       Options
	now        func() time.Time

	// in-flight notification deliveries
	pending sync.WaitGroup
}

// NewWorkflowService creates the workflow service. notifier and escalation
// may be nil, in which case those side effects are skipped.
func NewWorkflowService(
	repo Repository,
	table *rules.Table,
	notifier Notifier,
	escalation EscalationHandler,
	log logger.Logger,
	opts Options,
	options ...Option,
) *WorkflowService {
	if table == nil {
		table = rules.Default()
	}
	if log == nil {
		log = logger.NewNop()
	}
	s := &WorkflowService{
		repo:       repo,
		rules:      table,
		notifier:   notifier,
		escalation: escalation,
		logger:     log.With(map[string]interface{}{"component": "kyc_workflow"}),
		opts:       opts.normalized(),
		now:        time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Rules exposes the loaded rule table.
func (s *WorkflowService) Rules() *rules.Table {
	return s.rules
}

// Wait blocks until in-flight notifications have finished.
func (s *WorkflowService) Wait() {
	s.pending.Wait()
}

func (s *WorkflowService) clock() time.Time {
	return s.now().UTC()
}
