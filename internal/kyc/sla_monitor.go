// ==============================================================================
// SLA MONITOR - internal/kyc/sla_monitor.go
// ==============================================================================
// SLA evaluation, overdue detection and the scheduled sweep
// ==============================================================================

package kyc

import (
	"context"
	"sort"
	"time"

	"kycflow/internal/domain"
	kyderrors "kycflow/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxEscalationLevel caps escalation at one level per full day overdue.
const MaxEscalationLevel = 3

// SweepReport summarizes one RunScheduledSweep pass.
type SweepReport struct {
	Overdue            int       `json:"overdue"`
	OverdueSkipped     int       `json:"overdue_skipped"`
	Escalated          int       `json:"escalated"`
	EscalationFailures int       `json:"escalation_failures"`
	AutoExecuted       int       `json:"auto_executed"`
	AutoSkipped        int       `json:"auto_skipped"`
	AutoFailed         int       `json:"auto_failed"`
	Expired            int       `json:"expired"`
	ExpiryFailures     int       `json:"expiry_failures"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
}

// ComputeSLATracking evaluates an SLA of slaHours that started at enteredAt.
// Hours overdue round up; the escalation level is one per whole day overdue,
// capped at MaxEscalationLevel.
func ComputeSLATracking(enteredAt time.Time, slaHours decimal.Decimal, now time.Time) domain.SLATracking {
	expected := enteredAt.Add(domain.HoursToDuration(slaHours))
	checked := now
	t := domain.SLATracking{
		SLAHours:               slaHours,
		ExpectedTransitionTime: expected,
		LastCheckedAt:          &checked,
	}
	if !now.After(expected) {
		return t
	}

	late := now.Sub(expected)
	hours := int64(late / time.Hour)
	if late%time.Hour != 0 {
		hours++
	}
	level := int(hours / 24)
	if level > MaxEscalationLevel {
		level = MaxEscalationLevel
	}

	t.IsOverdue = true
	t.HoursOverdue = hours
	t.EscalationLevel = level
	return t
}

// CheckSLACompliance evaluates doc against the SLA governing its current
// state. States without an SLA are never overdue.
func (s *WorkflowService) CheckSLACompliance(doc *domain.KYCDocument, now time.Time) domain.SLATracking {
	sla, ok := s.rules.StateSLA(doc.State)
	if !ok {
		checked := now
		return domain.SLATracking{LastCheckedAt: &checked}
	}
	return ComputeSLATracking(doc.UpdatedAt, sla, now)
}

// GetOverdueDocuments returns active documents past their state SLA, most
// overdue first.
func (s *WorkflowService) GetOverdueDocuments(ctx context.Context) ([]domain.SLAMonitoringRecord, error) {
	const op = "kyc.GetOverdueDocuments"

	states := s.rules.SLAStates()
	if len(states) == 0 {
		return []domain.SLAMonitoringRecord{}, nil
	}
	docs, err := s.repo.ListDocuments(ctx, domain.DocumentFilter{States: states, ActiveOnly: true})
	if err != nil {
		return nil, kyderrors.Infrastructure(op, uuid.Nil, err)
	}

	now := s.clock()
	records := make([]domain.SLAMonitoringRecord, 0)
	for _, doc := range docs {
		tracking := s.CheckSLACompliance(doc, now)
		if !tracking.IsOverdue {
			continue
		}
		records = append(records, domain.SLAMonitoringRecord{
			DocumentID:   doc.ID,
			UserID:       doc.UserID,
			DocumentType: doc.DocumentType,
			State:        doc.State,
			Version:      doc.Version,
			SLATracking:  tracking,
			CheckedAt:    now,
		})
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].SLATracking.HoursOverdue > records[j].SLATracking.HoursOverdue
	})
	return records, nil
}

// RunScheduledSweep escalates overdue documents, executes due automatic
// transitions and expires approvals whose expiry has passed. Every change
// goes through TransitionStatus, so a concurrent sweep or reviewer only
// causes skips.
func (s *WorkflowService) RunScheduledSweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{StartedAt: s.clock()}
	defer func() {
		report.FinishedAt = s.clock()
		s.metrics.ObserveSweep(report.FinishedAt.Sub(report.StartedAt))
	}()

	if err := s.sweepOverdue(ctx, report); err != nil {
		return report, err
	}
	if err := s.sweepPending(ctx, report); err != nil {
		return report, err
	}
	if err := s.sweepExpired(ctx, report); err != nil {
		return report, err
	}

	s.logger.Info("KYC workflow sweep completed", map[string]interface{}{
		"overdue":             report.Overdue,
		"overdue_skipped":     report.OverdueSkipped,
		"escalated":           report.Escalated,
		"escalation_failures": report.EscalationFailures,
		"auto_executed":       report.AutoExecuted,
		"auto_skipped":        report.AutoSkipped,
		"auto_failed":         report.AutoFailed,
		"expired":             report.Expired,
		"expiry_failures":     report.ExpiryFailures,
	})
	return report, nil
}

func (s *WorkflowService) sweepOverdue(ctx context.Context, report *SweepReport) error {
	records, err := s.GetOverdueDocuments(ctx)
	if err != nil {
		return err
	}
	report.Overdue = len(records)
	s.metrics.SetOverdue(len(records))

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		tracking := rec.SLATracking
		err := s.repo.UpdateSLATracking(ctx, rec.DocumentID, rec.Version, &tracking)
		switch {
		case err == nil:
		case kyderrors.Is(err, kyderrors.ErrVersionConflict), kyderrors.Is(err, kyderrors.ErrDocumentNotFound):
			// moved on since the overdue scan; the record no longer describes it
			report.OverdueSkipped++
			s.logger.Debug("Overdue document changed during sweep", map[string]interface{}{
				"document_id": rec.DocumentID.String(),
				"state":       string(rec.State),
				"version":     rec.Version,
			})
			continue
		default:
			s.logger.Warn("Failed to refresh SLA tracking", map[string]interface{}{
				"document_id": rec.DocumentID.String(),
				"error":       err,
			})
		}
		if s.escalation == nil {
			continue
		}
		if err := s.escalation.Escalate(ctx, rec); err != nil {
			report.EscalationFailures++
			s.metrics.IncrementEscalation("failed")
			s.logger.Error("SLA escalation failed", map[string]interface{}{
				"document_id":      rec.DocumentID.String(),
				"state":            string(rec.State),
				"hours_overdue":    rec.SLATracking.HoursOverdue,
				"escalation_level": rec.SLATracking.EscalationLevel,
				"error":            err,
			})
			continue
		}
		report.Escalated++
		s.metrics.IncrementEscalation("ok")
	}
	return nil
}

func (s *WorkflowService) sweepPending(ctx context.Context, report *SweepReport) error {
	const op = "kyc.RunScheduledSweep"

	due, err := s.repo.FindDuePendingTransitions(ctx, s.clock(), s.opts.SweepBatchSize)
	if err != nil {
		return kyderrors.Infrastructure(op, uuid.Nil, err)
	}

	for _, p := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome := s.executePending(ctx, p)
		switch outcome {
		case domain.PendingStatusCompleted:
			report.AutoExecuted++
			s.metrics.IncrementAutoTransition("executed")
		case domain.PendingStatusCancelled:
			report.AutoSkipped++
			s.metrics.IncrementAutoTransition("skipped")
		default:
			report.AutoFailed++
			s.metrics.IncrementAutoTransition("failed")
		}
	}
	return nil
}

// executePending runs one scheduled transition and records its outcome on
// the row. A failure reports PendingStatusFailed even when the row stays
// pending for another attempt.
func (s *WorkflowService) executePending(ctx context.Context, p domain.PendingTransition) domain.PendingStatus {
	doc, err := s.repo.FindDocumentByID(ctx, p.DocumentID)
	switch {
	case err != nil && !kyderrors.Is(err, kyderrors.ErrDocumentNotFound):
		return s.recordPendingFailure(ctx, p, err)
	case err != nil, !doc.IsActive, doc.State != p.FromState:
		return s.finishPending(ctx, p, domain.PendingStatusCancelled, "")
	}

	_, err = s.TransitionStatus(ctx, TransitionRequest{
		DocumentID:      p.DocumentID,
		TargetState:     p.ToState,
		Actor:           domain.SystemActor(),
		Reason:          "Automatic transition",
		ReasonLocalized: "انتقال تلقائي",
		pendingID:       p.ID,
	})
	if err == nil {
		// completed inside the transition's unit of work
		return domain.PendingStatusCompleted
	}
	if skippable(err) {
		return s.finishPending(ctx, p, domain.PendingStatusCancelled, err.Error())
	}
	return s.recordPendingFailure(ctx, p, err)
}

func (s *WorkflowService) recordPendingFailure(ctx context.Context, p domain.PendingTransition, cause error) domain.PendingStatus {
	p.Attempts++
	status := domain.PendingStatusPending
	if p.Attempts >= s.opts.MaxAutoAttempts {
		status = domain.PendingStatusFailed
	}
	s.logger.Error("Automatic transition failed", map[string]interface{}{
		"pending_id":  p.ID.String(),
		"document_id": p.DocumentID.String(),
		"from":        string(p.FromState),
		"to":          string(p.ToState),
		"attempts":    p.Attempts,
		"error":       cause,
	})
	if s.finishPending(ctx, p, status, cause.Error()) == domain.PendingStatusCancelled {
		return domain.PendingStatusCancelled
	}
	return domain.PendingStatusFailed
}

func (s *WorkflowService) finishPending(ctx context.Context, p domain.PendingTransition, status domain.PendingStatus, lastError string) domain.PendingStatus {
	p.Status = status
	p.LastError = lastError
	p.UpdatedAt = s.clock()
	err := s.repo.UpdatePendingTransition(ctx, p)
	switch {
	case err == nil:
	case kyderrors.Is(err, kyderrors.ErrPendingSettled):
		// another sweep settled the row first; its outcome stands
		return domain.PendingStatusCancelled
	default:
		s.logger.Warn("Failed to record pending transition outcome", map[string]interface{}{
			"pending_id": p.ID.String(),
			"status":     string(status),
			"error":      err,
		})
	}
	return status
}

func (s *WorkflowService) sweepExpired(ctx context.Context, report *SweepReport) error {
	const op = "kyc.RunScheduledSweep"

	if _, ok := s.rules.Lookup(domain.StateApproved, domain.StateExpired); !ok {
		return nil
	}

	now := s.clock()
	docs, err := s.repo.ListDocuments(ctx, domain.DocumentFilter{
		States:        []domain.DocumentState{domain.StateApproved},
		ExpiresBefore: &now,
		ActiveOnly:    true,
		Limit:         s.opts.SweepBatchSize,
	})
	if err != nil {
		return kyderrors.Infrastructure(op, uuid.Nil, err)
	}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.TransitionStatus(ctx, TransitionRequest{
			DocumentID:      doc.ID,
			TargetState:     domain.StateExpired,
			Actor:           domain.SystemActor(),
			Reason:          "Document expired",
			ReasonLocalized: "انتهت صلاحية المستند",
		})
		switch {
		case err == nil:
			report.Expired++
		case skippable(err):
			report.AutoSkipped++
		default:
			report.ExpiryFailures++
			s.logger.Error("Failed to expire document", map[string]interface{}{
				"document_id": doc.ID.String(),
				"error":       err,
			})
		}
	}
	return nil
}

// skippable errors mean another actor already moved the document.
func skippable(err error) bool {
	switch kyderrors.KindOf(err) {
	case kyderrors.KindInvalidTransition, kyderrors.KindConflict, kyderrors.KindNotFound:
		return true
	}
	return false
}
