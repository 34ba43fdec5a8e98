package errors

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	id := uuid.New()

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"workflow error", New(KindForbidden, "TransitionStatus", id, "reviewer role required"), KindForbidden},
		{"wrapped workflow error", fmt.Errorf("bulk: %w", New(KindConflict, "TransitionStatus", id, "lost race")), KindConflict},
		{"not found sentinel", Wrap(ErrDocumentNotFound, "load"), KindNotFound},
		{"conflict sentinel", ErrVersionConflict, KindConflict},
		{"lock held", fmt.Errorf("sweep: %w", ErrLockNotAcquired), KindConflict},
		{"pending settled", ErrPendingSettled, KindConflict},
		{"bad range", ErrInvalidMetricsRange, KindValidation},
		{"driver error", sql.ErrConnDone, KindInfrastructure},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestInfrastructure_KeepsCause(t *testing.T) {
	err := Infrastructure("TransitionStatus", uuid.New(), sql.ErrConnDone)

	assert.True(t, Is(err, sql.ErrConnDone))
	assert.True(t, IsKind(err, KindInfrastructure))
	assert.Contains(t, err.Error(), sql.ErrConnDone.Error())
}

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ignored"))
}
