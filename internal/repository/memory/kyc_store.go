// Package memory provides in-process stores for the KYC workflow, used by
// tests and by single-node deployments with WORKFLOW_STORAGE=memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"kycflow/internal/domain"
	kyderrors "kycflow/pkg/errors"

	"github.com/google/uuid"
)

// KYCStore keeps documents, their status log and pending transitions in
// memory. A single mutex makes ApplyTransition atomic.
type KYCStore struct {
	mu        sync.RWMutex
	documents map[uuid.UUID]*domain.KYCDocument
	logs      map[uuid.UUID][]domain.StatusLogEntry
	pending   map[uuid.UUID]domain.PendingTransition
}

func NewKYCStore() *KYCStore {
	return &KYCStore{
		documents: make(map[uuid.UUID]*domain.KYCDocument),
		logs:      make(map[uuid.UUID][]domain.StatusLogEntry),
		pending:   make(map[uuid.UUID]domain.PendingTransition),
	}
}

func (s *KYCStore) CreateDocument(_ context.Context, change domain.TransitionChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := change.Document
	if _, exists := s.documents[doc.ID]; exists {
		return kyderrors.ErrVersionConflict
	}
	s.documents[doc.ID] = doc.Clone()
	s.logs[doc.ID] = append(s.logs[doc.ID], change.Entry)
	for _, p := range change.Schedule {
		s.pending[p.ID] = p
	}
	return nil
}

func (s *KYCStore) FindDocumentByID(_ context.Context, id uuid.UUID) (*domain.KYCDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, kyderrors.ErrDocumentNotFound
	}
	return doc.Clone(), nil
}

// ListDocuments returns matching documents ordered by creation time.
func (s *KYCStore) ListDocuments(_ context.Context, filter domain.DocumentFilter) ([]*domain.KYCDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.KYCDocument, 0)
	for _, doc := range s.documents {
		if filter.Matches(doc) {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *KYCStore) ApplyTransition(_ context.Context, change domain.TransitionChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := change.Document
	current, ok := s.documents[doc.ID]
	if !ok {
		return kyderrors.ErrDocumentNotFound
	}
	if current.Version != change.ExpectedVersion {
		return kyderrors.ErrVersionConflict
	}
	if change.CompletesPending != uuid.Nil {
		p, ok := s.pending[change.CompletesPending]
		if !ok || p.DocumentID != doc.ID || p.Status != domain.PendingStatusPending {
			return kyderrors.ErrVersionConflict
		}
		p.Status = domain.PendingStatusCompleted
		p.UpdatedAt = change.Entry.CreatedAt
		s.pending[p.ID] = p
	}

	s.documents[doc.ID] = doc.Clone()
	s.logs[doc.ID] = append(s.logs[doc.ID], change.Entry)

	now := change.Entry.CreatedAt
	for id, p := range s.pending {
		if p.DocumentID == doc.ID && p.Status == domain.PendingStatusPending {
			p.Status = domain.PendingStatusCancelled
			p.UpdatedAt = now
			s.pending[id] = p
		}
	}
	for _, p := range change.Schedule {
		s.pending[p.ID] = p
	}
	return nil
}

// UpdateSLATracking refreshes the cached SLA view without bumping Version.
// The document must still be at version.
func (s *KYCStore) UpdateSLATracking(_ context.Context, id uuid.UUID, version int64, tracking *domain.SLATracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return kyderrors.ErrDocumentNotFound
	}
	if doc.Version != version {
		return kyderrors.ErrVersionConflict
	}
	if tracking == nil {
		doc.SLATracking = nil
		return nil
	}
	t := *tracking
	doc.SLATracking = &t
	return nil
}

func (s *KYCStore) ListStatusLog(_ context.Context, documentID uuid.UUID) ([]domain.StatusLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.StatusLogEntry{}, s.logs[documentID]...), nil
}

// FindDuePendingTransitions returns pending rows due at or before now,
// earliest first.
func (s *KYCStore) FindDuePendingTransitions(_ context.Context, now time.Time, limit int) ([]domain.PendingTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PendingTransition, 0)
	for _, p := range s.pending {
		if p.Status == domain.PendingStatusPending && !p.DueAt.After(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdatePendingTransition records an outcome on a row that is still pending.
func (s *KYCStore) UpdatePendingTransition(_ context.Context, p domain.PendingTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.pending[p.ID]
	if !ok {
		return kyderrors.ErrPendingNotFound
	}
	if current.Status != domain.PendingStatusPending {
		return kyderrors.ErrPendingSettled
	}
	s.pending[p.ID] = p
	return nil
}

// ListPendingTransitions returns every row for a document, for inspection.
func (s *KYCStore) ListPendingTransitions(_ context.Context, documentID uuid.UUID) ([]domain.PendingTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PendingTransition, 0)
	for _, p := range s.pending {
		if p.DocumentID == documentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// StateDwellByDocument derives dwell by replaying each document's log.
func (s *KYCStore) StateDwellByDocument(_ context.Context, documentIDs []uuid.UUID) (map[uuid.UUID]map[domain.DocumentState]time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID]map[domain.DocumentState]time.Duration, len(documentIDs))
	for _, id := range documentIDs {
		if entries := s.logs[id]; len(entries) > 0 {
			out[id] = domain.ReplayDwell(entries)
		}
	}
	return out, nil
}

// Ping satisfies readiness checks.
func (s *KYCStore) Ping(context.Context) error {
	return nil
}
