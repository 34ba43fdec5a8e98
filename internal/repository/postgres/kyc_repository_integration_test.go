//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"kycflow/internal/domain"
	"kycflow/migrations"
	pkgerrors "kycflow/pkg/errors"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("kycflow"),
		tcpostgres.WithUsername("kycflow"),
		tcpostgres.WithPassword("kycflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	src, err := iofs.New(migrations.FS, ".")
	require.NoError(t, err)
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	require.NoError(t, err)
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	return db
}

func newDocument(at time.Time) (*domain.KYCDocument, domain.TransitionChange) {
	doc := &domain.KYCDocument{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		DocumentType: "passport",
		State:        domain.StateDraft,
		Version:      1,
		IsActive:     true,
		Metadata:     domain.Metadata{"source": "upload"},
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	return doc, domain.TransitionChange{
		Document: doc,
		Entry: domain.StatusLogEntry{
			ID: uuid.New(), DocumentID: doc.ID, ToState: domain.StateDraft,
			Description: domain.LocalizedText{Default: "Document created"},
			Actor:       domain.HumanActor(doc.UserID), Metadata: domain.Metadata{}, CreatedAt: at,
		},
		Schedule: []domain.PendingTransition{{
			ID: uuid.New(), DocumentID: doc.ID, FromState: domain.StateDraft, ToState: domain.StateSubmitted,
			DueAt: at.Add(30 * time.Minute), Status: domain.PendingStatusPending, CreatedAt: at, UpdatedAt: at,
		}},
	}
}

func advance(doc *domain.KYCDocument, to domain.DocumentState, at time.Time, actor domain.Actor) domain.TransitionChange {
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
			Actor: actor, Metadata: domain.Metadata{"automatic": actor.IsSystem()}, CreatedAt: at,
		},
		Dwell: &domain.StateDwell{DocumentID: doc.ID, State: from, Duration: at.Sub(doc.UpdatedAt), ExitedAt: at},
	}
}

func TestKYCWorkflowRepository_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewKYCWorkflowRepository(db)
	ctx := context.Background()

	doc, change := newDocument(t0)
	require.NoError(t, repo.CreateDocument(ctx, change))
	assert.ErrorIs(t, repo.CreateDocument(ctx, change), pkgerrors.ErrVersionConflict)

	got, err := repo.FindDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDraft, got.State)
	assert.Equal(t, "upload", got.Metadata.String("source"))
	assert.Nil(t, got.SLATracking)

	_, err = repo.FindDocumentByID(ctx, uuid.New())
	assert.ErrorIs(t, err, pkgerrors.ErrDocumentNotFound)

	reviewer := uuid.New()
	submit := advance(got, domain.StateSubmitted, t0.Add(time.Hour), domain.SystemActor())
	require.NoError(t, repo.ApplyTransition(ctx, submit))
	review := advance(submit.Document, domain.StateUnderReview, t0.Add(3*time.Hour), domain.HumanActor(reviewer))
	require.NoError(t, repo.ApplyTransition(ctx, review))

	entries, err := repo.ListStatusLog(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Nil(t, entries[0].FromState)
	assert.True(t, entries[1].Actor.IsSystem())
	id, ok := entries[2].Actor.ID()
	require.True(t, ok)
	assert.Equal(t, reviewer, id)

	state, err := domain.ReplayState(entries)
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnderReview, state)

	pending, err := repo.ListPendingTransitions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.PendingStatusCancelled, pending[0].Status)

	dwell, err := repo.StateDwellByDocument(ctx, []uuid.UUID{doc.ID})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, dwell[doc.ID][domain.StateDraft])
	assert.Equal(t, 2*time.Hour, dwell[doc.ID][domain.StateSubmitted])
}

func TestKYCWorkflowRepository_VersionGuard(t *testing.T) {
	db := newTestDB(t)
	repo := NewKYCWorkflowRepository(db)
	ctx := context.Background()

	doc, change := newDocument(t0)
	require.NoError(t, repo.CreateDocument(ctx, change))

	changes := []domain.TransitionChange{
		advance(doc, domain.StateSubmitted, t0.Add(time.Minute), domain.SystemActor()),
		advance(doc, domain.StateSubmitted, t0.Add(2*time.Minute), domain.SystemActor()),
	}
	errs := make([]error, len(changes))
	var wg sync.WaitGroup
	for i := range changes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = repo.ApplyTransition(ctx, changes[i])
		}()
	}
	wg.Wait()

	var conflicts int
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, pkgerrors.ErrVersionConflict)
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts)

	entries, err := repo.ListStatusLog(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	missing := advance(&domain.KYCDocument{ID: uuid.New(), State: domain.StateDraft, Version: 1}, domain.StateSubmitted, t0, domain.SystemActor())
	assert.ErrorIs(t, repo.ApplyTransition(ctx, missing), pkgerrors.ErrDocumentNotFound)
}

func TestKYCWorkflowRepository_QueriesAndPending(t *testing.T) {
	db := newTestDB(t)
	repo := NewKYCWorkflowRepository(db)
	ctx := context.Background()

	a, changeA := newDocument(t0)
	require.NoError(t, repo.CreateDocument(ctx, changeA))
	_, changeB := newDocument(t0.Add(2 * time.Hour))
	changeB.Document.DocumentType = "utility_bill"
	require.NoError(t, repo.CreateDocument(ctx, changeB))

	end := t0.Add(time.Hour)
	docs, err := repo.ListDocuments(ctx, domain.DocumentFilter{CreatedFrom: &t0, CreatedTo: &end, ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, a.ID, docs[0].ID)

	docs, err = repo.ListDocuments(ctx, domain.DocumentFilter{
		States: []domain.DocumentState{domain.StateDraft}, DocumentType: "utility_bill",
	})
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	tracking := &domain.SLATracking{IsOverdue: true, HoursOverdue: 5, EscalationLevel: 0}
	require.NoError(t, repo.UpdateSLATracking(ctx, a.ID, 1, tracking))
	assert.ErrorIs(t, repo.UpdateSLATracking(ctx, a.ID, 2, tracking), pkgerrors.ErrVersionConflict)
	assert.ErrorIs(t, repo.UpdateSLATracking(ctx, uuid.New(), 1, tracking), pkgerrors.ErrDocumentNotFound)
	got, err := repo.FindDocumentByID(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SLATracking)
	assert.Equal(t, int64(5), got.SLATracking.HoursOverdue)
	assert.Equal(t, int64(1), got.Version)

	due, err := repo.FindDuePendingTransitions(ctx, t0.Add(45*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, a.ID, due[0].DocumentID)

	due[0].Attempts = 1
	due[0].LastError = "connection reset"
	due[0].UpdatedAt = t0.Add(45 * time.Minute)
	require.NoError(t, repo.UpdatePendingTransition(ctx, due[0]))
	assert.ErrorIs(t, repo.UpdatePendingTransition(ctx, domain.PendingTransition{ID: uuid.New()}), pkgerrors.ErrPendingNotFound)

	rows, err := repo.ListPendingTransitions(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Equal(t, "connection reset", rows[0].LastError)

	// executing the row completes it with the transition
	change := advance(a, domain.StateSubmitted, t0.Add(time.Hour), domain.SystemActor())
	change.CompletesPending = due[0].ID
	require.NoError(t, repo.ApplyTransition(ctx, change))

	settled := due[0]
	settled.Status = domain.PendingStatusCancelled
	assert.ErrorIs(t, repo.UpdatePendingTransition(ctx, settled), pkgerrors.ErrPendingSettled)
	rows, err = repo.ListPendingTransitions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.PendingStatusCompleted, rows[0].Status)
}

func TestUserRoleRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewUserRoleRepository(db)
	ctx := context.Background()
	user := uuid.New()

	has, err := repo.HasRole(ctx, user, "approved_vendor")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, repo.GrantRole(ctx, user, "approved_vendor"))
	require.NoError(t, repo.GrantRole(ctx, user, "approved_vendor"))
	has, err = repo.HasRole(ctx, user, "approved_vendor")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, repo.RevokeRole(ctx, user, "approved_vendor"))
	has, err = repo.HasRole(ctx, user, "approved_vendor")
	require.NoError(t, err)
	assert.False(t, has)
}
