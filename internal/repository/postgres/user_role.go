package postgres

import (
	"context"

	"kycflow/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// UserRoleRepository stores role assignments used by the transition role
// gate and by approval promotion.
type UserRoleRepository struct {
	db *sqlx.DB
}

func NewUserRoleRepository(db *sqlx.DB) *UserRoleRepository {
	return &UserRoleRepository{db: db}
}

func (r *UserRoleRepository) HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM customer_schema.user_roles WHERE user_id = $1 AND role = $2)`
	if err := r.db.GetContext(ctx, &exists, query, userID, role); err != nil {
		return false, errors.Wrap(err, "failed to check user role")
	}
	return exists, nil
}

// GrantRole is idempotent.
func (r *UserRoleRepository) GrantRole(ctx context.Context, userID uuid.UUID, role string) error {
	query := `
		INSERT INTO customer_schema.user_roles (user_id, role, granted_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, role) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, userID, role); err != nil {
		return errors.Wrap(err, "failed to grant user role")
	}
	return nil
}

func (r *UserRoleRepository) RevokeRole(ctx context.Context, userID uuid.UUID, role string) error {
	query := `DELETE FROM customer_schema.user_roles WHERE user_id = $1 AND role = $2`
	if _, err := r.db.ExecContext(ctx, query, userID, role); err != nil {
		return errors.Wrap(err, "failed to revoke user role")
	}
	return nil
}
