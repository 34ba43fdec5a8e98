// ==============================================================================
// KYC WORKFLOW REPOSITORY IMPLEMENTATION
// ==============================================================================
// Documents, status log, pending transitions and state dwell in PostgreSQL.
// ApplyTransition writes all of them in one transaction guarded by the
// document version.
// ==============================================================================

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"kycflow/internal/domain"
	pkgerrors "kycflow/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const documentColumns = `
	id, user_id, document_type, state, version, sla_tracking, reviewed_by,
	reviewed_at, review_notes, expiry_date, expires_at, renewal_required_at,
	is_active, metadata, created_at, updated_at`

const pendingColumns = `
	id, document_id, from_state, to_state, due_at, status, attempts,
	last_error, created_at, updated_at`

// KYCWorkflowRepository implements kyc.Repository
type KYCWorkflowRepository struct {
	db *sqlx.DB
}

// NewKYCWorkflowRepository creates a new KYCWorkflowRepository
func NewKYCWorkflowRepository(db *sqlx.DB) *KYCWorkflowRepository {
	return &KYCWorkflowRepository{db: db}
}

// statusLogRow flattens the actor into two columns.
type statusLogRow struct {
	ID          uuid.UUID             `db:"id"`
	DocumentID  uuid.UUID             `db:"document_id"`
	FromState   *domain.DocumentState `db:"from_state"`
	ToState     domain.DocumentState  `db:"to_state"`
	Description domain.LocalizedText  `db:"description"`
	ActorKind   string                `db:"actor_kind"`
	ActorID     *uuid.UUID            `db:"actor_id"`
	Metadata    domain.Metadata       `db:"metadata"`
	CreatedAt   time.Time             `db:"created_at"`
}

func newStatusLogRow(e domain.StatusLogEntry) statusLogRow {
	meta := e.Metadata
	if meta == nil {
		meta = domain.Metadata{}
	}
	return statusLogRow{
		ID:          e.ID,
		DocumentID:  e.DocumentID,
		FromState:   e.FromState,
		ToState:     e.ToState,
		Description: e.Description,
		ActorKind:   string(e.Actor.Kind()),
		ActorID:     e.Actor.IDPtr(),
		Metadata:    meta,
		CreatedAt:   e.CreatedAt,
	}
}

func (r statusLogRow) entry() (domain.StatusLogEntry, error) {
	actor, err := domain.ActorFromColumns(r.ActorKind, r.ActorID)
	if err != nil {
		return domain.StatusLogEntry{}, err
	}
	return domain.StatusLogEntry{
		ID:          r.ID,
		DocumentID:  r.DocumentID,
		FromState:   r.FromState,
		ToState:     r.ToState,
		Description: r.Description,
		Actor:       actor,
		Metadata:    r.Metadata,
		CreatedAt:   r.CreatedAt,
	}, nil
}

// versionedDocument binds the expected version next to the new row values.
type versionedDocument struct {
	*domain.KYCDocument
	ExpectedVersion int64 `db:"expected_version"`
}

// ==============================================================================
// UNIT OF WORK
// ==============================================================================

func (r *KYCWorkflowRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// CreateDocument inserts a new document with its first log entry and
// schedule. A duplicate id reports a version conflict.
func (r *KYCWorkflowRepository) CreateDocument(ctx context.Context, change domain.TransitionChange) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO customer_schema.kyc_documents (` + documentColumns + `
			) VALUES (
				:id, :user_id, :document_type, :state, :version, :sla_tracking, :reviewed_by,
				:reviewed_at, :review_notes, :expiry_date, :expires_at, :renewal_required_at,
				:is_active, :metadata, :created_at, :updated_at
			)
			ON CONFLICT (id) DO NOTHING
		`
		result, err := tx.NamedExecContext(ctx, query, change.Document)
		if err != nil {
			return pkgerrors.Wrap(err, "failed to create KYC document")
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return pkgerrors.Wrap(err, "failed to get rows affected")
		}
		if rows == 0 {
			return pkgerrors.ErrVersionConflict
		}

		if err := insertStatusLog(ctx, tx, change.Entry); err != nil {
			return err
		}
		return insertSchedule(ctx, tx, change.Schedule)
	})
}

// ApplyTransition commits one transition. It returns ErrVersionConflict when
// the stored version no longer matches change.ExpectedVersion.
func (r *KYCWorkflowRepository) ApplyTransition(ctx context.Context, change domain.TransitionChange) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			UPDATE customer_schema.kyc_documents SET
				state = :state,
				version = :version,
				sla_tracking = :sla_tracking,
				reviewed_by = :reviewed_by,
				reviewed_at = :reviewed_at,
				review_notes = :review_notes,
				expires_at = :expires_at,
				renewal_required_at = :renewal_required_at,
				metadata = :metadata,
				updated_at = :updated_at
			WHERE id = :id AND version = :expected_version
		`
		result, err := tx.NamedExecContext(ctx, query, versionedDocument{
			KYCDocument:     change.Document,
			ExpectedVersion: change.ExpectedVersion,
		})
		if err != nil {
			return pkgerrors.Wrap(err, "failed to update KYC document")
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return pkgerrors.Wrap(err, "failed to get rows affected")
		}
		if rows == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists,
				`SELECT EXISTS(SELECT 1 FROM customer_schema.kyc_documents WHERE id = $1)`,
				change.Document.ID); err != nil {
				return pkgerrors.Wrap(err, "failed to check document existence")
			}
			if !exists {
				return pkgerrors.ErrDocumentNotFound
			}
			return pkgerrors.ErrVersionConflict
		}

		if change.CompletesPending != uuid.Nil {
			result, err := tx.ExecContext(ctx, `
				UPDATE customer_schema.kyc_pending_transitions
				SET status = $1, updated_at = $2
				WHERE id = $3 AND document_id = $4 AND status = $5
			`, domain.PendingStatusCompleted, change.Document.UpdatedAt, change.CompletesPending,
				change.Document.ID, domain.PendingStatusPending)
			if err != nil {
				return pkgerrors.Wrap(err, "failed to complete pending transition")
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return pkgerrors.Wrap(err, "failed to get rows affected")
			}
			if rows == 0 {
				return pkgerrors.ErrVersionConflict
			}
		}

		if err := insertStatusLog(ctx, tx, change.Entry); err != nil {
			return err
		}

		if d := change.Dwell; d != nil {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO customer_schema.kyc_state_dwell (document_id, state, duration_ms, exited_at)
				VALUES ($1, $2, $3, $4)
			`, d.DocumentID, d.State, d.Duration.Milliseconds(), d.ExitedAt)
			if err != nil {
				return pkgerrors.Wrap(err, "failed to record state dwell")
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE customer_schema.kyc_pending_transitions
			SET status = $1, updated_at = $2
			WHERE document_id = $3 AND status = $4
		`, domain.PendingStatusCancelled, change.Document.UpdatedAt, change.Document.ID, domain.PendingStatusPending); err != nil {
			return pkgerrors.Wrap(err, "failed to cancel pending transitions")
		}

		return insertSchedule(ctx, tx, change.Schedule)
	})
}

func insertStatusLog(ctx context.Context, tx *sqlx.Tx, e domain.StatusLogEntry) error {
	query := `
		INSERT INTO customer_schema.kyc_status_log (
			id, document_id, from_state, to_state, description, actor_kind, actor_id, metadata, created_at
		) VALUES (
			:id, :document_id, :from_state, :to_state, :description, :actor_kind, :actor_id, :metadata, :created_at
		)
	`
	if _, err := tx.NamedExecContext(ctx, query, newStatusLogRow(e)); err != nil {
		return pkgerrors.Wrap(err, "failed to insert status log entry")
	}
	return nil
}

func insertSchedule(ctx context.Context, tx *sqlx.Tx, schedule []domain.PendingTransition) error {
	query := `
		INSERT INTO customer_schema.kyc_pending_transitions (` + pendingColumns + `
		) VALUES (
			:id, :document_id, :from_state, :to_state, :due_at, :status, :attempts,
			:last_error, :created_at, :updated_at
		)
	`
	for _, p := range schedule {
		if _, err := tx.NamedExecContext(ctx, query, p); err != nil {
			return pkgerrors.Wrap(err, "failed to schedule pending transition")
		}
	}
	return nil
}

// ==============================================================================
// DOCUMENTS
// ==============================================================================

// FindDocumentByID finds a KYC document by ID
func (r *KYCWorkflowRepository) FindDocumentByID(ctx context.Context, id uuid.UUID) (*domain.KYCDocument, error) {
	var doc domain.KYCDocument
	query := `SELECT ` + documentColumns + ` FROM customer_schema.kyc_documents WHERE id = $1`

	err := r.db.GetContext(ctx, &doc, query, id)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrDocumentNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find KYC document")
	}
	return &doc, nil
}

// ListDocuments returns documents matching filter, oldest first.
func (r *KYCWorkflowRepository) ListDocuments(ctx context.Context, filter domain.DocumentFilter) ([]*domain.KYCDocument, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.CreatedFrom != nil {
		where = append(where, "created_at >= "+arg(*filter.CreatedFrom))
	}
	if filter.CreatedTo != nil {
		where = append(where, "created_at < "+arg(*filter.CreatedTo))
	}
	if filter.DocumentType != "" {
		where = append(where, "document_type = "+arg(filter.DocumentType))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		where = append(where, "state = ANY("+arg(pq.Array(states))+")")
	}
	if filter.ExpiresBefore != nil {
		where = append(where, "expires_at IS NOT NULL AND expires_at <= "+arg(*filter.ExpiresBefore))
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = TRUE")
	}

	query := `SELECT ` + documentColumns + ` FROM customer_schema.kyc_documents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	docs := []*domain.KYCDocument{}
	if err := r.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list KYC documents")
	}
	return docs, nil
}

// UpdateSLATracking refreshes the cached SLA snapshot of a document still at
// version. It does not change the version or updated_at.
func (r *KYCWorkflowRepository) UpdateSLATracking(ctx context.Context, id uuid.UUID, version int64, tracking *domain.SLATracking) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE customer_schema.kyc_documents SET sla_tracking = $2 WHERE id = $1 AND version = $3`,
		id, tracking, version)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to update SLA tracking")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return r.missingOrStale(ctx, `SELECT EXISTS(SELECT 1 FROM customer_schema.kyc_documents WHERE id = $1)`,
			id, pkgerrors.ErrDocumentNotFound, pkgerrors.ErrVersionConflict)
	}
	return nil
}

// missingOrStale tells a vanished row from one a concurrent writer changed.
func (r *KYCWorkflowRepository) missingOrStale(ctx context.Context, existsQuery string, id uuid.UUID, missing, stale error) error {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, existsQuery, id); err != nil {
		return pkgerrors.Wrap(err, "failed to check row existence")
	}
	if !exists {
		return missing
	}
	return stale
}

// ==============================================================================
// STATUS LOG
// ==============================================================================

// ListStatusLog returns a document's log entries oldest first.
func (r *KYCWorkflowRepository) ListStatusLog(ctx context.Context, documentID uuid.UUID) ([]domain.StatusLogEntry, error) {
	var rows []statusLogRow
	query := `
		SELECT id, document_id, from_state, to_state, description, actor_kind, actor_id, metadata, created_at
		FROM customer_schema.kyc_status_log
		WHERE document_id = $1
		ORDER BY created_at ASC, seq ASC
	`
	if err := r.db.SelectContext(ctx, &rows, query, documentID); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list status log")
	}

	entries := make([]domain.StatusLogEntry, 0, len(rows))
	for _, row := range rows {
		e, err := row.entry()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "failed to decode status log actor")
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// StateDwellByDocument sums recorded dwell per document and state.
func (r *KYCWorkflowRepository) StateDwellByDocument(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]map[domain.DocumentState]time.Duration, error) {
	out := make(map[uuid.UUID]map[domain.DocumentState]time.Duration, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	var rows []struct {
		DocumentID uuid.UUID            `db:"document_id"`
		State      domain.DocumentState `db:"state"`
		TotalMS    int64                `db:"total_ms"`
	}
	query := `
		SELECT document_id, state, SUM(duration_ms)::BIGINT AS total_ms
		FROM customer_schema.kyc_state_dwell
		WHERE document_id = ANY($1::uuid[])
		GROUP BY document_id, state
	`
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(keys)); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to aggregate state dwell")
	}

	for _, row := range rows {
		if out[row.DocumentID] == nil {
			out[row.DocumentID] = make(map[domain.DocumentState]time.Duration)
		}
		out[row.DocumentID][row.State] = time.Duration(row.TotalMS) * time.Millisecond
	}
	return out, nil
}

// ==============================================================================
// PENDING TRANSITIONS
// ==============================================================================

// FindDuePendingTransitions returns pending rows due at or before now,
// earliest first.
func (r *KYCWorkflowRepository) FindDuePendingTransitions(ctx context.Context, now time.Time, limit int) ([]domain.PendingTransition, error) {
	var rows []domain.PendingTransition
	query := `
		SELECT ` + pendingColumns + `
		FROM customer_schema.kyc_pending_transitions
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at ASC
		LIMIT $3
	`
	if err := r.db.SelectContext(ctx, &rows, query, domain.PendingStatusPending, now, limit); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find due pending transitions")
	}
	return rows, nil
}

// UpdatePendingTransition records the outcome of one scheduled transition.
// Rows another sweep already settled are left alone (ErrPendingSettled).
func (r *KYCWorkflowRepository) UpdatePendingTransition(ctx context.Context, p domain.PendingTransition) error {
	query := `
		UPDATE customer_schema.kyc_pending_transitions SET
			status = :status,
			attempts = :attempts,
			last_error = :last_error,
			updated_at = :updated_at
		WHERE id = :id AND status = 'pending'
	`
	result, err := r.db.NamedExecContext(ctx, query, p)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to update pending transition")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return r.missingOrStale(ctx, `SELECT EXISTS(SELECT 1 FROM customer_schema.kyc_pending_transitions WHERE id = $1)`,
			p.ID, pkgerrors.ErrPendingNotFound, pkgerrors.ErrPendingSettled)
	}
	return nil
}

// ListPendingTransitions returns every scheduled row for a document.
func (r *KYCWorkflowRepository) ListPendingTransitions(ctx context.Context, documentID uuid.UUID) ([]domain.PendingTransition, error) {
	var rows []domain.PendingTransition
	query := `
		SELECT ` + pendingColumns + `
		FROM customer_schema.kyc_pending_transitions
		WHERE document_id = $1
		ORDER BY created_at ASC, due_at ASC
	`
	if err := r.db.SelectContext(ctx, &rows, query, documentID); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list pending transitions")
	}
	return rows, nil
}

// Ping checks database connectivity for the health endpoint.
func (r *KYCWorkflowRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
