// Package notification delivers workflow notifications and SLA escalations
// to the live feed and to e-mail distribution lists.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kycflow/internal/domain"
	"kycflow/pkg/config"
	"kycflow/pkg/logger"
)

// Mailer sends a plain-text message. pkg/mailer.Mailer satisfies it.
type Mailer interface {
	Enabled() bool
	Send(ctx context.Context, to []string, subject, body string) error
}

// Publisher receives live feed events. *Hub satisfies it.
type Publisher interface {
	Publish(ev Event)
}

// MetaContactEmail is the document metadata key holding the owner's
// address for user-audience mail.
const MetaContactEmail = "contact_email"

// Recipients maps staff audiences to distribution lists.
type Recipients struct {
	Reviewers  []string
	Admins     []string
	Compliance []string
}

// RecipientsFromConfig reads the distribution lists from config.
func RecipientsFromConfig(cfg config.NotificationConfig) Recipients {
	return Recipients{
		Reviewers:  cfg.ReviewerEmails,
		Admins:     cfg.AdminEmails,
		Compliance: cfg.ComplianceEmails,
	}
}

func (r Recipients) forAudience(a domain.Audience) []string {
	switch a {
	case domain.AudienceReviewer:
		return r.Reviewers
	case domain.AudienceAdmin:
		return r.Admins
	case domain.AudienceCompliance:
		return r.Compliance
	}
	return nil
}

// Service is the workflow's Notifier and EscalationHandler.
type Service struct {
	logger     logger.Logger
	mailer     Mailer
	publisher  Publisher
	recipients Recipients
}

// NewService creates a new notification service. mailer and publisher may be
// nil; the matching channel is then skipped.
func NewService(log logger.Logger, mailer Mailer, publisher Publisher, recipients Recipients) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		logger:     log.With(map[string]interface{}{"component": "notification"}),
		mailer:     mailer,
		publisher:  publisher,
		recipients: recipients,
	}
}

// Notify publishes the transition and e-mails each audience. Every channel
// is attempted; the joined error reports the ones that failed.
func (s *Service) Notify(ctx context.Context, n domain.WorkflowNotification) error {
	s.logger.Info("Notification Sent", map[string]interface{}{
		"document_id":   n.DocumentID.String(),
		"user_id":       n.UserID.String(),
		"document_type": n.DocumentType,
		"from":          string(n.FromState),
		"to":            string(n.ToState),
		"audiences":     n.Audiences,
		"actor":         n.Actor.String(),
	})

	if s.publisher != nil {
		s.publisher.Publish(Event{
			Type:       EventTransition,
			DocumentID: n.DocumentID,
			UserID:     n.UserID,
			Data: map[string]interface{}{
				"from":          n.FromState,
				"to":            n.ToState,
				"document_type": n.DocumentType,
				"title":         n.Title,
				"reason":        n.Reason,
				"audiences":     n.Audiences,
			},
			Timestamp: n.OccurredAt,
		})
	}

	if s.mailer == nil || !s.mailer.Enabled() {
		return nil
	}

	subject := fmt.Sprintf("[KYC] %s: %s", n.DocumentType, n.Title.Default)
	body := transitionBody(n)

	var errs []error
	for _, audience := range n.Audiences {
		to := s.addresses(audience, n)
		if len(to) == 0 {
			continue
		}
		if err := s.mailer.Send(ctx, to, subject, body); err != nil {
			errs = append(errs, fmt.Errorf("mail %s: %w", audience, err))
		}
	}
	return errors.Join(errs...)
}

// Escalate alerts on an overdue document. Level 0 is published only; level 1
// and above mail the admins, level 2 and above also compliance.
func (s *Service) Escalate(ctx context.Context, rec domain.SLAMonitoringRecord) error {
	t := rec.SLATracking
	s.logger.Warn("KYC document overdue", map[string]interface{}{
		"document_id":      rec.DocumentID.String(),
		"state":            string(rec.State),
		"hours_overdue":    t.HoursOverdue,
		"escalation_level": t.EscalationLevel,
	})

	if s.publisher != nil {
		s.publisher.Publish(Event{
			Type:       EventEscalation,
			DocumentID: rec.DocumentID,
			UserID:     rec.UserID,
			Data: map[string]interface{}{
				"state":            rec.State,
				"hours_overdue":    t.HoursOverdue,
				"escalation_level": t.EscalationLevel,
				"expected_at":      t.ExpectedTransitionTime,
			},
			Timestamp: rec.CheckedAt,
		})
	}

	if t.EscalationLevel == 0 || s.mailer == nil || !s.mailer.Enabled() {
		return nil
	}

	to := append([]string{}, s.recipients.Admins...)
	if t.EscalationLevel >= 2 {
		to = append(to, s.recipients.Compliance...)
	}
	if len(to) == 0 {
		return nil
	}

	subject := fmt.Sprintf("[KYC] Escalation level %d: document %s overdue", t.EscalationLevel, rec.DocumentID)
	body := fmt.Sprintf(
		"Document %s (%s) has been in %s for %d hours past its SLA.\nExpected transition: %s\n",
		rec.DocumentID, rec.DocumentType, rec.State, t.HoursOverdue,
		t.ExpectedTransitionTime.Format("2006-01-02 15:04 MST"),
	)
	return s.mailer.Send(ctx, to, subject, body)
}

func (s *Service) addresses(audience domain.Audience, n domain.WorkflowNotification) []string {
	if audience != domain.AudienceOwner {
		return s.recipients.forAudience(audience)
	}
	if email := strings.TrimSpace(n.Metadata.String(MetaContactEmail)); email != "" {
		return []string{email}
	}
	return nil
}

func transitionBody(n domain.WorkflowNotification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", n.Title.Default)
	if n.Title.Localized != "" {
		fmt.Fprintf(&b, "%s\n", n.Title.Localized)
	}
	fmt.Fprintf(&b, "\nDocument: %s (%s)\n", n.DocumentID, n.DocumentType)
	fmt.Fprintf(&b, "Status: %s -> %s\n", n.FromState, n.ToState)
	if n.Reason.Default != "" {
		fmt.Fprintf(&b, "Reason: %s\n", n.Reason.Default)
	}
	if n.Reason.Localized != "" {
		fmt.Fprintf(&b, "%s\n", n.Reason.Localized)
	}
	return b.String()
}
