package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/lorapark/control-plane/infrastructure/errors"
)

func newMockSpaceStore(t *testing.T) (*SpaceStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(sqlDB, "postgres")
	return NewSpaceStore(&DB{DB: sqlxDB}), mock, func() { sqlDB.Close() }
}

// TestSpaceGetIsTenantScoped documents the tenant-isolation invariant: a
// space that belongs to another tenant reports NotFound, never Forbidden,
// so cross-tenant probing can't distinguish "wrong tenant" from "doesn't
// exist" (spec.md §4.1).
func TestSpaceGetIsTenantScoped(t *testing.T) {
	s, mock, cleanup := newMockSpaceStore(t)
	defer cleanup()

	columns := []string{"id", "tenant_id", "site_id", "code", "sensor_device_id",
		"display_device_id", "state", "created_at", "deleted_at"}
	mock.ExpectQuery("SELECT (.|\n)*FROM spaces WHERE id = \\$1 AND tenant_id = \\$2").
		WithArgs("space-1", "tenant-other").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := s.Get(context.Background(), "tenant-other", "space-1")

	var svcErr *svcerrors.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, 404, svcErr.HTTPStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSpaceByCodeReturnsDomainSpace(t *testing.T) {
	s, mock, cleanup := newMockSpaceStore(t)
	defer cleanup()

	columns := []string{"id", "tenant_id", "site_id", "code", "sensor_device_id",
		"display_device_id", "state", "created_at", "deleted_at"}
	rows := sqlmock.NewRows(columns).
		AddRow("space-1", "tenant-1", "site-1", "A12", nil, nil, "FREE", time.Now(), nil)
	mock.ExpectQuery("SELECT (.|\n)*FROM spaces WHERE code = \\$1 AND tenant_id = \\$2").
		WithArgs("A12", "tenant-1").
		WillReturnRows(rows)

	space, err := s.ByCode(context.Background(), "tenant-1", "A12")
	require.NoError(t, err)
	assert.Equal(t, "space-1", space.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
