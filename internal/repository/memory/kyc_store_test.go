package memory

import (
	"context"
	"testing"
	"time"

	"kycflow/internal/domain"
	kyderrors "kycflow/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *KYCStore) *domain.KYCDocument {
	t.Helper()
	doc := &domain.KYCDocument{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		DocumentType: "passport",
		State:        domain.StateDraft,
		Version:      1,
		IsActive:     true,
		Metadata:     domain.Metadata{},
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
	require.NoError(t, s.CreateDocument(context.Background(), domain.TransitionChange{
		Document: doc,
		Entry: domain.StatusLogEntry{
			ID: uuid.New(), DocumentID: doc.ID, ToState: domain.StateDraft,
			Actor: domain.HumanActor(doc.UserID), CreatedAt: t0,
		},
		Schedule: []domain.PendingTransition{{
			ID: uuid.New(), DocumentID: doc.ID, FromState: domain.StateDraft, ToState: domain.StateSubmitted,
			DueAt: t0.Add(30 * time.Minute), Status: domain.PendingStatusPending, CreatedAt: t0,
		}},
	}))
	return doc
}

func transitionTo(doc *domain.KYCDocument, to domain.DocumentState, at time.Time) domain.TransitionChange {
	from := doc.State
	next := doc.Clone()
	next.State = to
	next.Version = doc.Version + 1
	next.UpdatedAt = at
	return domain.TransitionChange{
		Document:        next,
		ExpectedVersion: doc.Version,
		Entry: domain.StatusLogEntry{
			ID: uuid.New(), DocumentID: doc.ID, FromState: &from, ToState: to,
			Actor: domain.SystemActor(), CreatedAt: at,
		},
		Dwell: &domain.StateDwell{DocumentID: doc.ID, State: from, Duration: at.Sub(doc.UpdatedAt), ExitedAt: at},
	}
}

func TestKYCStore_ApplyTransition_VersionGuard(t *testing.T) {
	ctx := context.Background()
	s := NewKYCStore()
	doc := seed(t, s)

	require.NoError(t, s.ApplyTransition(ctx, transitionTo(doc, domain.StateSubmitted, t0.Add(time.Hour))))

	// second writer still holds version 1
	err := s.ApplyTransition(ctx, transitionTo(doc, domain.StateSubmitted, t0.Add(2*time.Hour)))
	assert.ErrorIs(t, err, kyderrors.ErrVersionConflict)

	got, err := s.FindDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	entries, err := s.ListStatusLog(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestKYCStore_ApplyTransition_CancelsStalePending(t *testing.T) {
	ctx := context.Background()
	s := NewKYCStore()
	doc := seed(t, s)

	change := transitionTo(doc, domain.StateSubmitted, t0.Add(time.Minute))
	require.NoError(t, s.ApplyTransition(ctx, change))

	due, err := s.FindDuePendingTransitions(ctx, t0.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	rows, err := s.ListPendingTransitions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.PendingStatusCancelled, rows[0].Status)
}

func TestKYCStore_FindDuePending(t *testing.T) {
	ctx := context.Background()
	s := NewKYCStore()
	doc := seed(t, s)

	due, err := s.FindDuePendingTransitions(ctx, t0.Add(10*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.FindDuePendingTransitions(ctx, t0.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, doc.ID, due[0].DocumentID)

	row := due[0]
	row.Status = domain.PendingStatusCompleted
	require.NoError(t, s.UpdatePendingTransition(ctx, row))
	due, err = s.FindDuePendingTransitions(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// a slower sweep must not rewrite the settled row
	row.Status = domain.PendingStatusCancelled
	assert.ErrorIs(t, s.UpdatePendingTransition(ctx, row), kyderrors.ErrPendingSettled)
	rows, err := s.ListPendingTransitions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.PendingStatusCompleted, rows[0].Status)

	assert.ErrorIs(t, s.UpdatePendingTransition(ctx, domain.PendingTransition{ID: uuid.New()}), kyderrors.ErrPendingNotFound)
}

func TestKYCStore_UpdateSLATracking_KeepsVersion(t *testing.T) {
	ctx := context.Background()
	s := NewKYCStore()
	doc := seed(t, s)

	require.NoError(t, s.UpdateSLATracking(ctx, doc.ID, 1, &domain.SLATracking{IsOverdue: true, HoursOverdue: 3}))
	got, err := s.FindDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, t0, got.UpdatedAt)
	require.NotNil(t, got.SLATracking)
	assert.Equal(t, int64(3), got.SLATracking.HoursOverdue)

	assert.ErrorIs(t, s.UpdateSLATracking(ctx, uuid.New(), 1, nil), kyderrors.ErrDocumentNotFound)
}

func TestKYCStore_UpdateSLATracking_StaleVersion(t *testing.T) {
	ctx := context.Background()
	s := NewKYCStore()
	doc := seed(t, s)
	require.NoError(t, s.ApplyTransition(ctx, transitionTo(doc, domain.StateSubmitted, t0.Add(time.Hour))))

	err := s.UpdateSLATracking(ctx, doc.ID, 1, &domain.SLATracking{IsOverdue: true, HoursOverdue: 80})
	assert.ErrorIs(t, err, kyderrors.ErrVersionConflict)

	got, err := s.FindDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SLATracking)
}

func TestKYCStore_ApplyTransition_CompletesPending(t *testing.T) {
	ctx := context.Background()
	s := NewKYCStore()
	doc := seed(t, s)

	due, err := s.FindDuePendingTransitions(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	change := transitionTo(doc, domain.StateSubmitted, t0.Add(time.Hour))
	change.CompletesPending = due[0].ID
	require.NoError(t, s.ApplyTransition(ctx, change))

	rows, err := s.ListPendingTransitions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.PendingStatusCompleted, rows[0].Status)

	// the row is settled, so replaying the execution loses
	got, err := s.FindDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	replay := transitionTo(got, domain.StateUnderReview, t0.Add(2*time.Hour))
	replay.CompletesPending = due[0].ID
	assert.ErrorIs(t, s.ApplyTransition(ctx, replay), kyderrors.ErrVersionConflict)

	entries, err := s.ListStatusLog(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestKYCStore_ListDocuments_Filter(t *testing.T) {
	ctx := context.Background()
	s := NewKYCStore()
	a := seed(t, s)
	b := seed(t, s)

	require.NoError(t, s.ApplyTransition(ctx, transitionTo(b, domain.StateSubmitted, t0.Add(time.Hour))))

	docs, err := s.ListDocuments(ctx, domain.DocumentFilter{States: []domain.DocumentState{domain.StateDraft}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, a.ID, docs[0].ID)

	end := t0
	docs, err = s.ListDocuments(ctx, domain.DocumentFilter{CreatedTo: &end})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestKYCStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewKYCStore()
	doc := seed(t, s)

	got, err := s.FindDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	got.State = domain.StateApproved
	got.Metadata["x"] = 1

	again, err := s.FindDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDraft, again.State)
	assert.NotContains(t, again.Metadata, "x")
}

func TestKYCStore_StateDwell(t *testing.T) {
	ctx := context.Background()
	s := NewKYCStore()
	doc := seed(t, s)

	first := transitionTo(doc, domain.StateSubmitted, t0.Add(2*time.Hour))
	require.NoError(t, s.ApplyTransition(ctx, first))
	require.NoError(t, s.ApplyTransition(ctx, transitionTo(first.Document, domain.StateUnderReview, t0.Add(5*time.Hour))))

	dwell, err := s.StateDwellByDocument(ctx, []uuid.UUID{doc.ID, uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, dwell[doc.ID][domain.StateDraft])
	assert.Equal(t, 3*time.Hour, dwell[doc.ID][domain.StateSubmitted])
	assert.NotContains(t, dwell[doc.ID], domain.StateUnderReview)
}

func TestUserRoleStore(t *testing.T) {
	ctx := context.Background()
	s := NewUserRoleStore()
	user := uuid.New()

	has, err := s.HasRole(ctx, user, "reviewer")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.GrantRole(ctx, user, "reviewer"))
	require.NoError(t, s.GrantRole(ctx, user, "reviewer"))
	has, _ = s.HasRole(ctx, user, "reviewer")
	assert.True(t, has)

	require.NoError(t, s.RevokeRole(ctx, user, "reviewer"))
	has, _ = s.HasRole(ctx, user, "reviewer")
	assert.False(t, has)
}
