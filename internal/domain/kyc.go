// Package domain defines the core entities of the KYC verification workflow.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ==============================================================================
// ENUMS & STATUS TYPES
// ==============================================================================

// DocumentState is the workflow position of a KYC document.
type DocumentState string

const (
	StateDraft                 DocumentState = "draft"
	StateSubmitted             DocumentState = "submitted"
	StateUnderReview           DocumentState = "under_review"
	StateRequiresClarification DocumentState = "requires_clarification"
	StateApproved              DocumentState = "approved"
	StateRejected              DocumentState = "rejected"
	StateExpired               DocumentState = "expired"
	StateSuspended             DocumentState = "suspended"
)

// AllStates lists every defined state in workflow order.
var AllStates = []DocumentState{
	StateDraft,
	StateSubmitted,
	StateUnderReview,
	StateRequiresClarification,
	StateApproved,
	StateRejected,
	StateExpired,
	StateSuspended,
}

// IsValid reports whether s is one of the defined states.
func (s DocumentState) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsReviewOutcome reports whether s closes a review (approved or rejected).
func (s DocumentState) IsReviewOutcome() bool {
	return s == StateApproved || s == StateRejected
}

// StateNames returns the string values of AllStates.
func StateNames() []string {
	out := make([]string, len(AllStates))
	for i, s := range AllStates {
		out[i] = string(s)
	}
	return out
}

// ==============================================================================
// VALUE TYPES
// ==============================================================================

// LocalizedText is a bilingual string pair: the default language and its
// localized counterpart.
type LocalizedText struct {
	Default   string `json:"default"`
	Localized string `json:"localized,omitempty"`
}

// IsZero reports whether both variants are empty.
func (t LocalizedText) IsZero() bool {
	return t.Default == "" && t.Localized == ""
}

func (t LocalizedText) Value() (driver.Value, error) {
	return json.Marshal(t)
}

func (t *LocalizedText) Scan(value interface{}) error {
	return scanJSON(value, t)
}

// Metadata is a JSON-compatible map
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(value interface{}) error {
	return scanJSON(value, m)
}

// String returns the string value stored under key, or "".
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

// SLATracking is derived from the document's state, UpdatedAt and the rule
// table. It is a cached view, never the source of truth.
type SLATracking struct {
	SLAHours               decimal.Decimal `json:"sla_hours"`
	ExpectedTransitionTime time.Time       `json:"expected_transition_time"`
	IsOverdue              bool            `json:"is_overdue"`
	HoursOverdue           int64           `json:"hours_overdue"`
	EscalationLevel        int             `json:"escalation_level"`
	LastCheckedAt          *time.Time      `json:"last_checked_at,omitempty"`
}

func (s SLATracking) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *SLATracking) Scan(value interface{}) error {
	return scanJSON(value, s)
}

// HoursToDuration converts a fractional hour count into a Duration.
func HoursToDuration(hours decimal.Decimal) time.Duration {
	return time.Duration(hours.Mul(decimal.NewFromInt(int64(time.Hour))).IntPart())
}

// ==============================================================================
// DOMAIN MODELS
// ==============================================================================

// KYCDocument is a compliance document moving through the review workflow.
// It is owned by UserID and only mutated through the workflow service.
type KYCDocument struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	UserID       uuid.UUID     `json:"user_id" db:"user_id"`
	DocumentType string        `json:"document_type" db:"document_type"`
	State        DocumentState `json:"state" db:"state"`
	Version      int64         `json:"version" db:"version"`

	SLATracking *SLATracking `json:"sla_tracking,omitempty" db:"sla_tracking"`

	// Review outcome, set only on approved/rejected.
	ReviewedBy  *uuid.UUID    `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt  *time.Time    `json:"reviewed_at,omitempty" db:"reviewed_at"`
	ReviewNotes LocalizedText `json:"review_notes" db:"review_notes"`

	// ExpiryDate is the expiry printed on the document itself.
	ExpiryDate        *time.Time `json:"expiry_date,omitempty" db:"expiry_date"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RenewalRequiredAt *time.Time `json:"renewal_required_at,omitempty" db:"renewal_required_at"`

	IsActive  bool      `json:"is_active" db:"is_active"`
	Metadata  Metadata  `json:"metadata" db:"metadata"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	// UpdatedAt is the time the document entered its current state.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep enough copy for safe mutation by the workflow service.
func (d *KYCDocument) Clone() *KYCDocument {
	if d == nil {
		return nil
	}
	out := *d
	if d.SLATracking != nil {
		t := *d.SLATracking
		out.SLATracking = &t
	}
	if d.Metadata != nil {
		out.Metadata = d.Metadata.Clone()
	}
	return &out
}

func (d *KYCDocument) String() string {
	return fmt.Sprintf("kyc_document(%s, %s, v%d)", d.ID, d.State, d.Version)
}

// DocumentFilter narrows document listings. Zero values do not filter.
type DocumentFilter struct {
	CreatedFrom   *time.Time
	CreatedTo     *time.Time
	DocumentType  string
	States        []DocumentState
	// ExpiresBefore keeps documents whose ExpiresAt is set and not after it.
	ExpiresBefore *time.Time
	ActiveOnly    bool
	Limit         int
}

// Matches applies the filter to a single document.
func (f DocumentFilter) Matches(d *KYCDocument) bool {
	if f.ActiveOnly && !d.IsActive {
		return false
	}
	if f.CreatedFrom != nil && d.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && !d.CreatedAt.Before(*f.CreatedTo) {
		return false
	}
	if f.DocumentType != "" && d.DocumentType != f.DocumentType {
		return false
	}
	if f.ExpiresBefore != nil && (d.ExpiresAt == nil || d.ExpiresAt.After(*f.ExpiresBefore)) {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if d.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
