package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorapark/control-plane/internal/domain"
)

func newMockReservationStore(t *testing.T) (*ReservationStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(sqlDB, "postgres")
	return NewReservationStore(&DB{DB: sqlxDB}), mock, func() { sqlDB.Close() }
}

func TestReservationCreateReturnsErrOverlapOnExclusionViolation(t *testing.T) {
	s, mock, cleanup := newMockReservationStore(t)
	defer cleanup()

	mock.ExpectQuery("INSERT INTO reservations").
		WillReturnError(&pq.Error{Code: "23P01", Message: "conflicting key value violates exclusion constraint"})

	requestID := "req-1"
	_, err := s.Create(context.Background(), &domain.Reservation{
		TenantID: "tenant-1", SpaceID: "space-1", Start: time.Now(), End: time.Now().Add(time.Hour),
		Status: domain.ReservationPending, RequestID: &requestID, Requester: "user-1",
	})

	assert.Equal(t, ErrOverlap, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationByRequestIDReturnsNotFoundWhenMissing(t *testing.T) {
	s, mock, cleanup := newMockReservationStore(t)
	defer cleanup()

	columns := []string{"id", "tenant_id", "space_id", "lower_bound", "upper_bound", "status", "request_id", "requester", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT (.|\n)*FROM reservations").WillReturnRows(sqlmock.NewRows(columns))

	_, err := s.ByRequestID(context.Background(), "tenant-1", "missing-request")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
