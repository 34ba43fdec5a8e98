// ==============================================================================
// STATUS TRANSITION MANAGEMENT - internal/kyc/status_transition.go
// ==============================================================================
// Rule-driven state changes, role gate, side effects and bulk transitions
// ==============================================================================

package kyc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kycflow/internal/domain"
	kyderrors "kycflow/pkg/errors"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Metadata keys read from transition requests.
const (
	MetaReviewNotes          = "review_notes"
	MetaReviewNotesLocalized = "review_notes_localized"
	MetaRequiredRoles        = "required_roles"
	MetaAutomatic            = "automatic"
)

// ==============================================================================
// REQUEST & RESULT TYPES
// ==============================================================================

// NewDocumentRequest registers a document in draft.
type NewDocumentRequest struct {
	UserID       uuid.UUID       `json:"user_id" validate:"required"`
	DocumentType string          `json:"document_type" validate:"required,max=64"`
	ExpiryDate   *time.Time      `json:"expiry_date,omitempty"`
	Metadata     domain.Metadata `json:"metadata,omitempty"`
}

// TransitionRequest asks for one document to move to TargetState.
type TransitionRequest struct {
	DocumentID      uuid.UUID            `json:"document_id"`
	TargetState     domain.DocumentState `json:"target_state"`
	Actor           domain.Actor         `json:"actor"`
	Reason          string               `json:"reason,omitempty"`
	ReasonLocalized string               `json:"reason_localized,omitempty"`
	Metadata        domain.Metadata      `json:"metadata,omitempty"`

	// set by the sweep when executing a scheduled transition
	pendingID uuid.UUID
}

// BulkTransitionRequest applies the same transition to many documents.
type BulkTransitionRequest struct {
	DocumentIDs     []uuid.UUID          `json:"document_ids"`
	TargetState     domain.DocumentState `json:"target_state"`
	Actor           domain.Actor         `json:"actor"`
	Reason          string               `json:"reason,omitempty"`
	ReasonLocalized string               `json:"reason_localized,omitempty"`
	Metadata        domain.Metadata      `json:"metadata,omitempty"`
}

// BulkFailure is one document a bulk transition could not move.
type BulkFailure struct {
	DocumentID uuid.UUID      `json:"document_id"`
	Error      string         `json:"error"`
	Kind       kyderrors.Kind `json:"kind"`
}

// BulkTransitionResult preserves input order in both lists.
type BulkTransitionResult struct {
	Succeeded []uuid.UUID   `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// ==============================================================================
// DOCUMENT REGISTRATION
// ==============================================================================

// RegisterDocument stores a new document in draft together with its initial
// log entry and any automatic transitions out of draft. The owner is
// recorded as the actor.
func (s *WorkflowService) RegisterDocument(ctx context.Context, req NewDocumentRequest) (*domain.KYCDocument, error) {
	const op = "kyc.RegisterDocument"

	if req.UserID == uuid.Nil {
		return nil, kyderrors.New(kyderrors.KindValidation, op, uuid.Nil, "user_id is required")
	}
	docType := strings.TrimSpace(req.DocumentType)
	if docType == "" {
		return nil, kyderrors.New(kyderrors.KindValidation, op, uuid.Nil, "document_type is required")
	}

	now := s.clock()
	doc := &domain.KYCDocument{
		ID:           uuid.New(),
		UserID:       req.UserID,
		DocumentType: docType,
		State:        domain.StateDraft,
		Version:      1,
		ExpiryDate:   req.ExpiryDate,
		IsActive:     true,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if doc.Metadata == nil {
		doc.Metadata = domain.Metadata{}
	}
	if sla, ok := s.rules.StateSLA(domain.StateDraft); ok {
		tracking := ComputeSLATracking(now, sla, now)
		doc.SLATracking = &tracking
	}

	entry := domain.StatusLogEntry{
		ID:          uuid.New(),
		DocumentID:  doc.ID,
		ToState:     domain.StateDraft,
		Description: domain.LocalizedText{Default: "Document created", Localized: "تم إنشاء المستند"},
		Actor:       domain.HumanActor(req.UserID),
		Metadata:    domain.Metadata{},
		CreatedAt:   now,
	}

	change := domain.TransitionChange{
		Document: doc,
		Entry:    entry,
		Schedule: s.schedule(doc, now),
	}
	if err := s.repo.CreateDocument(ctx, change); err != nil {
		return nil, kyderrors.Infrastructure(op, doc.ID, err)
	}

	s.logger.Info("KYC document registered", map[string]interface{}{
		"document_id":   doc.ID.String(),
		"user_id":       doc.UserID.String(),
		"document_type": doc.DocumentType,
	})
	return doc, nil
}

// ==============================================================================
// WORKFLOW OPERATIONS
// ==============================================================================

// InitializeWorkflow submits a draft document as the system actor. Calling it
// again, or on a document already past draft, returns the document unchanged.
func (s *WorkflowService) InitializeWorkflow(ctx context.Context, documentID uuid.UUID) (*domain.KYCDocument, error) {
	const op = "kyc.InitializeWorkflow"

	doc, err := s.loadActive(ctx, op, documentID)
	if err != nil {
		return nil, err
	}
	if doc.State != domain.StateDraft {
		return doc, nil
	}

	updated, err := s.TransitionStatus(ctx, TransitionRequest{
		DocumentID:      documentID,
		TargetState:     domain.StateSubmitted,
		Actor:           domain.SystemActor(),
		Reason:          "Verification workflow initialized",
		ReasonLocalized: "تم بدء سير عمل التحقق",
	})
	if err == nil {
		return updated, nil
	}
	// Another caller initialized it first.
	if kyderrors.IsKind(err, kyderrors.KindConflict) {
		return s.loadActive(ctx, op, documentID)
	}
	return nil, err
}

// TransitionStatus moves one document along a rule-table edge.
func (s *WorkflowService) TransitionStatus(ctx context.Context, req TransitionRequest) (*domain.KYCDocument, error) {
	const op = "kyc.TransitionStatus"

	updated, err := s.transition(ctx, op, req)
	if err != nil {
		s.metrics.IncrementTransitionError(string(kyderrors.KindOf(err)))
		return nil, err
	}
	return updated, nil
}

func (s *WorkflowService) transition(ctx context.Context, op string, req TransitionRequest) (*domain.KYCDocument, error) {
	if !req.Actor.Valid() {
		return nil, kyderrors.New(kyderrors.KindValidation, op, req.DocumentID, "actor is required")
	}
	if !req.TargetState.IsValid() {
		return nil, kyderrors.New(kyderrors.KindValidation, op, req.DocumentID,
			fmt.Sprintf("unknown target state %q", req.TargetState))
	}

	doc, err := s.loadActive(ctx, op, req.DocumentID)
	if err != nil {
		return nil, err
	}

	rule, ok := s.rules.Lookup(doc.State, req.TargetState)
	if !ok {
		return nil, kyderrors.New(kyderrors.KindInvalidTransition, op, doc.ID,
			fmt.Sprintf("transition from %s to %s is not allowed", doc.State, req.TargetState))
	}

	if err := s.authorize(ctx, op, doc, rule, req.Actor); err != nil {
		return nil, err
	}

	now := s.clock()
	change := s.buildChange(doc, rule, req, now)

	if err := s.repo.ApplyTransition(ctx, change); err != nil {
		switch {
		case kyderrors.Is(err, kyderrors.ErrVersionConflict):
			return nil, &kyderrors.WorkflowError{
				Kind: kyderrors.KindConflict, Op: op, DocumentID: doc.ID,
				Message: "document was modified concurrently", Err: err,
			}
		case kyderrors.Is(err, kyderrors.ErrDocumentNotFound):
			return nil, &kyderrors.WorkflowError{
				Kind: kyderrors.KindNotFound, Op: op, DocumentID: doc.ID,
				Message: "document not found", Err: err,
			}
		default:
			return nil, kyderrors.Infrastructure(op, doc.ID, err)
		}
	}

	updated := change.Document
	s.metrics.IncrementTransition(string(rule.From), string(rule.To))
	s.logger.Info("KYC document transitioned", map[string]interface{}{
		"document_id": updated.ID.String(),
		"from":        string(rule.From),
		"to":          string(rule.To),
		"actor":       req.Actor.String(),
		"version":     updated.Version,
		"scheduled":   len(change.Schedule),
	})

	if rule.To == domain.StateApproved {
		s.promoteOwner(ctx, updated)
	}
	s.dispatchNotification(ctx, updated, rule, req, now)

	return updated, nil
}

// BulkTransition runs independent transitions with bounded concurrency. One
// document's failure never affects another, and every id lands in exactly
// one of Succeeded or Failed. Batch size limits belong to the caller; see
// BulkLimit.
func (s *WorkflowService) BulkTransition(ctx context.Context, req BulkTransitionRequest) (*BulkTransitionResult, error) {
	const op = "kyc.BulkTransition"

	if !req.Actor.Valid() {
		return nil, kyderrors.New(kyderrors.KindValidation, op, uuid.Nil, "actor is required")
	}
	s.metrics.ObserveBulkSize(len(req.DocumentIDs))

	started := s.clock()
	errs := make([]error, len(req.DocumentIDs))

	var g errgroup.Group
	g.SetLimit(s.opts.BulkConcurrency)
	for i, id := range req.DocumentIDs {
		g.Go(func() error {
			_, errs[i] = s.TransitionStatus(ctx, TransitionRequest{
				DocumentID:      id,
				TargetState:     req.TargetState,
				Actor:           req.Actor,
				Reason:          req.Reason,
				ReasonLocalized: req.ReasonLocalized,
				Metadata:        req.Metadata,
			})
			return nil
		})
	}
	_ = g.Wait()

	result := &BulkTransitionResult{
		Succeeded: make([]uuid.UUID, 0, len(req.DocumentIDs)),
		Failed:    make([]BulkFailure, 0),
	}
	for i, id := range req.DocumentIDs {
		if errs[i] == nil {
			result.Succeeded = append(result.Succeeded, id)
			continue
		}
		result.Failed = append(result.Failed, BulkFailure{
			DocumentID: id,
			Error:      errs[i].Error(),
			Kind:       kyderrors.KindOf(errs[i]),
		})
	}

	s.logger.Info("Bulk status transition completed", map[string]interface{}{
		"target_state": string(req.TargetState),
		"total":        len(req.DocumentIDs),
		"successful":   len(result.Succeeded),
		"failed":       len(result.Failed),
		"duration_ms":  s.clock().Sub(started).Milliseconds(),
	})
	return result, nil
}

// BulkLimit is the configured maximum batch accepted from API callers.
func (s *WorkflowService) BulkLimit() int {
	return s.opts.BulkMaxDocuments
}

// GetStatusHistory returns the document's log, oldest first.
func (s *WorkflowService) GetStatusHistory(ctx context.Context, documentID uuid.UUID) ([]domain.StatusLogEntry, error) {
	const op = "kyc.GetStatusHistory"

	if _, err := s.load(ctx, op, documentID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListStatusLog(ctx, documentID)
	if err != nil {
		return nil, kyderrors.Infrastructure(op, documentID, err)
	}
	return entries, nil
}

// GetAvailableTransitions lists the rules leaving the document's current
// state.
func (s *WorkflowService) GetAvailableTransitions(ctx context.Context, documentID uuid.UUID) ([]domain.TransitionRule, error) {
	const op = "kyc.GetAvailableTransitions"

	doc, err := s.loadActive(ctx, op, documentID)
	if err != nil {
		return nil, err
	}
	return s.rules.Outgoing(doc.State), nil
}

// GetDocument returns a document regardless of its active flag.
func (s *WorkflowService) GetDocument(ctx context.Context, documentID uuid.UUID) (*domain.KYCDocument, error) {
	return s.load(ctx, "kyc.GetDocument", documentID)
}

// ==============================================================================
// HELPERS
// ==============================================================================

func (s *WorkflowService) load(ctx context.Context, op string, id uuid.UUID) (*domain.KYCDocument, error) {
	doc, err := s.repo.FindDocumentByID(ctx, id)
	if err != nil {
		if kyderrors.Is(err, kyderrors.ErrDocumentNotFound) {
			return nil, &kyderrors.WorkflowError{
				Kind: kyderrors.KindNotFound, Op: op, DocumentID: id,
				Message: "document not found", Err: err,
			}
		}
		return nil, kyderrors.Infrastructure(op, id, err)
	}
	return doc, nil
}

func (s *WorkflowService) loadActive(ctx context.Context, op string, id uuid.UUID) (*domain.KYCDocument, error) {
	doc, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !doc.IsActive {
		return nil, &kyderrors.WorkflowError{
			Kind: kyderrors.KindNotFound, Op: op, DocumentID: id,
			Message: "document is inactive", Err: kyderrors.ErrDocumentNotFound,
		}
	}
	return doc, nil
}

// authorize applies the role gate. Automatic rules are open to any actor;
// manual rules need a human who, when a resolver is configured, holds one of
// the rule's roles.
func (s *WorkflowService) authorize(ctx context.Context, op string, doc *domain.KYCDocument, rule domain.TransitionRule, actor domain.Actor) error {
	if rule.IsAutomatic {
		return nil
	}
	userID, ok := actor.ID()
	if !ok {
		return kyderrors.New(kyderrors.KindForbidden, op, doc.ID,
			fmt.Sprintf("transition %s to %s requires a human actor", rule.From, rule.To))
	}
	if s.roles == nil || len(rule.RequiredRoles) == 0 {
		return nil
	}
	for _, role := range rule.RequiredRoles {
		has, err := s.roles.HasRole(ctx, userID, role)
		if err != nil {
			return kyderrors.Infrastructure(op, doc.ID, kyderrors.Wrap(err, "resolve role"))
		}
		if has {
			return nil
		}
	}
	return kyderrors.New(kyderrors.KindForbidden, op, doc.ID,
		fmt.Sprintf("actor lacks required role (one of: %s)", strings.Join(rule.RequiredRoles, ", ")))
}

// buildChange computes the updated document and everything written with it.
func (s *WorkflowService) buildChange(
	doc *domain.KYCDocument,
	rule domain.TransitionRule,
	req TransitionRequest,
	now time.Time,
) domain.TransitionChange {
	updated := doc.Clone()
	updated.State = rule.To
	updated.Version = doc.Version + 1
	updated.UpdatedAt = now

	if rule.To.IsReviewOutcome() {
		updated.ReviewedBy = req.Actor.IDPtr()
		reviewedAt := now
		updated.ReviewedAt = &reviewedAt
		updated.ReviewNotes = reviewNotes(req)
	}

	if rule.To == domain.StateApproved {
		updated.ExpiresAt = nil
		updated.RenewalRequiredAt = nil
		if doc.ExpiryDate != nil {
			expires := *doc.ExpiryDate
			renewal := expires.Add(-s.opts.RenewalLeadTime)
			updated.ExpiresAt = &expires
			updated.RenewalRequiredAt = &renewal
		}
	}

	if sla, ok := s.rules.StateSLA(rule.To); ok {
		tracking := ComputeSLATracking(now, sla, now)
		updated.SLATracking = &tracking
	} else {
		updated.SLATracking = nil
	}

	meta := domain.Metadata{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta[MetaAutomatic] = rule.IsAutomatic
	if len(rule.RequiredRoles) > 0 {
		roles := make([]string, len(rule.RequiredRoles))
		copy(roles, rule.RequiredRoles)
		meta[MetaRequiredRoles] = roles
	}

	from := doc.State
	description := domain.LocalizedText{Default: req.Reason, Localized: req.ReasonLocalized}
	if description.Default == "" {
		description.Default = rule.DisplayName.Default
	}
	if description.Localized == "" {
		description.Localized = rule.DisplayName.Localized
	}

	dwell := now.Sub(doc.UpdatedAt)
	if dwell < 0 {
		dwell = 0
	}

	return domain.TransitionChange{
		Document:        updated,
		ExpectedVersion: doc.Version,
		Entry: domain.StatusLogEntry{
			ID:          uuid.New(),
			DocumentID:  doc.ID,
			FromState:   &from,
			ToState:     rule.To,
			Description: description,
			Actor:       req.Actor,
			Metadata:    meta,
			CreatedAt:   now,
		},
		Dwell: &domain.StateDwell{
			DocumentID: doc.ID,
			State:      from,
			Duration:   dwell,
			ExitedAt:   now,
		},
		Schedule:         s.schedule(updated, now),
		CompletesPending: req.pendingID,
	}
}

// schedule plans the automatic transitions out of doc's new state.
func (s *WorkflowService) schedule(doc *domain.KYCDocument, now time.Time) []domain.PendingTransition {
	var out []domain.PendingTransition
	for _, r := range s.rules.Automatic(doc.State) {
		var due time.Time
		switch r.Trigger {
		case domain.TriggerExpiry:
			if doc.ExpiresAt == nil {
				continue
			}
			due = *doc.ExpiresAt
		default:
			due = now.Add(r.SLA())
		}
		out = append(out, domain.PendingTransition{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			FromState:  r.From,
			ToState:    r.To,
			DueAt:      due,
			Status:     domain.PendingStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return out
}

func reviewNotes(req TransitionRequest) domain.LocalizedText {
	notes := domain.LocalizedText{
		Default:   req.Metadata.String(MetaReviewNotes),
		Localized: req.Metadata.String(MetaReviewNotesLocalized),
	}
	if notes.Default == "" {
		notes.Default = req.Reason
	}
	if notes.Localized == "" {
		notes.Localized = req.ReasonLocalized
	}
	return notes
}

// promoteOwner grants the vendor role after an approval commits. Failures
// are logged and counted; the approval stands.
func (s *WorkflowService) promoteOwner(ctx context.Context, doc *domain.KYCDocument) {
	if s.roleStore == nil {
		return
	}
	role := s.opts.ApprovedVendorRole
	if err := s.roleStore.GrantRole(ctx, doc.UserID, role); err != nil {
		s.metrics.IncrementPromotionFailure()
		s.logger.Error("Failed to promote document owner", map[string]interface{}{
			"document_id": doc.ID.String(),
			"user_id":     doc.UserID.String(),
			"role":        role,
			"error":       err,
		})
		return
	}
	s.logger.Info("Document owner promoted", map[string]interface{}{
		"document_id": doc.ID.String(),
		"user_id":     doc.UserID.String(),
		"role":        role,
	})
}

// dispatchNotification delivers in the background with its own timeout so
// the caller never waits on the notifier.
func (s *WorkflowService) dispatchNotification(
	ctx context.Context,
	doc *domain.KYCDocument,
	rule domain.TransitionRule,
	req TransitionRequest,
	now time.Time,
) {
	if s.notifier == nil || len(rule.NotificationAudiences) == 0 {
		return
	}
	audiences := make([]domain.Audience, len(rule.NotificationAudiences))
	copy(audiences, rule.NotificationAudiences)

	n := domain.WorkflowNotification{
		DocumentID:   doc.ID,
		UserID:       doc.UserID,
		DocumentType: doc.DocumentType,
		FromState:    rule.From,
		ToState:      rule.To,
		Audiences:    audiences,
		Title:        rule.DisplayName,
		Reason:       domain.LocalizedText{Default: req.Reason, Localized: req.ReasonLocalized},
		Actor:        req.Actor,
		OccurredAt:   now,
		Metadata:     doc.Metadata.Clone(),
	}

	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.NotifyTimeout)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer cancel()
		if err := s.notifier.Notify(deliverCtx, n); err != nil {
			s.metrics.IncrementNotificationFailure()
			s.logger.Warn("Workflow notification failed", map[string]interface{}{
				"document_id": n.DocumentID.String(),
				"to":          string(n.ToState),
				"error":       err,
			})
		}
	}()
}
