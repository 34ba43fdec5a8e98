package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StatusLogEntry records one state change. The log is append-only.
type StatusLogEntry struct {
	ID          uuid.UUID      `json:"id"`
	DocumentID  uuid.UUID      `json:"document_id"`
	FromState   *DocumentState `json:"from_state,omitempty"`
	ToState     DocumentState  `json:"to_state"`
	Description LocalizedText  `json:"description"`
	Actor       Actor          `json:"actor"`
	Metadata    Metadata       `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Trigger selects what makes an automatic rule due.
type Trigger string

const (
	// TriggerElapsed fires after the rule's SLA has elapsed in the source state.
	TriggerElapsed Trigger = "elapsed"
	// TriggerExpiry fires when the document's ExpiresAt passes.
	TriggerExpiry Trigger = "expiry"
)

// Audience is a notification recipient group.
type Audience string

const (
	AudienceOwner      Audience = "user"
	AudienceReviewer   Audience = "reviewer"
	AudienceAdmin      Audience = "admin"
	AudienceCompliance Audience = "compliance"
)

// TransitionRule is one edge of the workflow graph.
type TransitionRule struct {
	From                  DocumentState   `json:"from"`
	To                    DocumentState   `json:"to"`
	IsAutomatic           bool            `json:"is_automatic"`
	Trigger               Trigger         `json:"trigger"`
	RequiredRoles         []string        `json:"required_roles,omitempty"`
	SLAHours              decimal.Decimal `json:"sla_hours"`
	NotificationAudiences []Audience      `json:"notification_audiences,omitempty"`
	DisplayName           LocalizedText   `json:"display_name"`
}

// SLA returns SLAHours as a Duration.
func (r TransitionRule) SLA() time.Duration {
	return HoursToDuration(r.SLAHours)
}

// ==============================================================================
// DURABLE SCHEDULING & AGGREGATES
// ==============================================================================

type PendingStatus string

const (
	PendingStatusPending   PendingStatus = "pending"
	PendingStatusCompleted PendingStatus = "completed"
	PendingStatusCancelled PendingStatus = "cancelled"
	PendingStatusFailed    PendingStatus = "failed"
)

// PendingTransition is an automatic transition persisted for later execution
// by the sweep.
type PendingTransition struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	DocumentID uuid.UUID     `json:"document_id" db:"document_id"`
	FromState  DocumentState `json:"from_state" db:"from_state"`
	ToState    DocumentState `json:"to_state" db:"to_state"`
	DueAt      time.Time     `json:"due_at" db:"due_at"`
	Status     PendingStatus `json:"status" db:"status"`
	Attempts   int           `json:"attempts" db:"attempts"`
	LastError  string        `json:"last_error,omitempty" db:"last_error"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at" db:"updated_at"`
}

// StateDwell is time a document spent in one state before leaving it.
type StateDwell struct {
	DocumentID uuid.UUID     `json:"document_id"`
	State      DocumentState `json:"state"`
	Duration   time.Duration `json:"duration"`
	ExitedAt   time.Time     `json:"exited_at"`
}

// TransitionChange is everything one transition writes. Stores apply it as
// a single unit of work, guarded by ExpectedVersion.
type TransitionChange struct {
	Document        *KYCDocument
	ExpectedVersion int64
	Entry           StatusLogEntry
	Dwell           *StateDwell
	Schedule        []PendingTransition

	// CompletesPending is the scheduled transition this change executes. It
	// is marked completed in the same unit of work and must still be pending.
	CompletesPending uuid.UUID
}

// ==============================================================================
// MONITORING & NOTIFICATION
// ==============================================================================

// SLAMonitoringRecord is one overdue document as seen by the SLA monitor.
type SLAMonitoringRecord struct {
	DocumentID   uuid.UUID     `json:"document_id"`
	UserID       uuid.UUID     `json:"user_id"`
	DocumentType string        `json:"document_type"`
	State        DocumentState `json:"state"`
	Version      int64         `json:"version"`
	SLATracking  SLATracking   `json:"sla_tracking"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// WorkflowNotification is handed to the notifier after a committed
// transition.
type WorkflowNotification struct {
	DocumentID   uuid.UUID     `json:"document_id"`
	UserID       uuid.UUID     `json:"user_id"`
	DocumentType string        `json:"document_type"`
	FromState    DocumentState `json:"from_state"`
	ToState      DocumentState `json:"to_state"`
	Audiences    []Audience    `json:"audiences"`
	Title        LocalizedText `json:"title"`
	Reason       LocalizedText `json:"reason"`
	Actor        Actor         `json:"actor"`
	OccurredAt   time.Time     `json:"occurred_at"`
	Metadata     Metadata      `json:"metadata,omitempty"`
}
