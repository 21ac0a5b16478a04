package reference

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/config"
)

func newMockRepo(t *testing.T, driver string) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger, _ := zap.NewDevelopment()
	repo, err := NewRepositoryWithDB(db, driver, time.Second, logger)
	require.NoError(t, err)
	return repo, mock
}

func TestMachineTypeFound(t *testing.T) {
	repo, mock := newMockRepo(t, "postgres")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT type FROM machine WHERE machine_id = $1")).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"type"}).AddRow("M "))

	machineType, found, err := repo.MachineType(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "M", machineType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMachineTypeNotFound(t *testing.T) {
	repo, mock := newMockRepo(t, "postgres")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT type FROM machine")).
		WithArgs(int64(9999)).
		WillReturnError(sql.ErrNoRows)

	_, found, err := repo.MachineType(context.Background(), 9999)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMachineTypeQueryError(t *testing.T) {
	repo, mock := newMockRepo(t, "postgres")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT type FROM machine")).
		WithArgs(int64(1)).
		WillReturnError(errors.New("connection reset by peer"))

	_, _, err := repo.MachineType(context.Background(), 1)
	require.Error(t, err)

	var repoErr *apperrors.RepositoryError
	assert.ErrorAs(t, err, &repoErr)
	assert.True(t, apperrors.IsTransient(err))
}

func TestDialectPlaceholders(t *testing.T) {
	tests := []struct {
		driver string
		query  string
	}{
		{"mysql", "SELECT type FROM machine WHERE machine_id = ?"},
		{"mssql", "SELECT type FROM machine WHERE machine_id = @p1"},
		{"postgresql", "SELECT type FROM machine WHERE machine_id = $1"},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			repo, mock := newMockRepo(t, tt.driver)
			mock.ExpectQuery(regexp.QuoteMeta(tt.query)).
				WithArgs(int64(5)).
				WillReturnRows(sqlmock.NewRows([]string{"type"}).AddRow("H"))

			machineType, found, err := repo.MachineType(context.Background(), 5)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "H", machineType)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMachineIDs(t *testing.T) {
	repo, mock := newMockRepo(t, "postgres")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT machine_id FROM machine ORDER BY machine_id LIMIT $1")).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"machine_id"}).AddRow(1).AddRow(2).AddRow(42))

	ids, err := repo.MachineIDs(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 42}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPingAndClose(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	logger, _ := zap.NewDevelopment()
	repo, err := NewRepositoryWithDB(db, "postgres", time.Second, logger)
	require.NoError(t, err)

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("down"))
	mock.ExpectClose()

	assert.NoError(t, repo.Ping(context.Background()))
	assert.True(t, apperrors.IsTransient(repo.Ping(context.Background())))
	assert.NoError(t, repo.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsupportedDriver(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	_, err := NewRepositoryWithDB(nil, "sqlite", time.Second, logger)
	assert.Error(t, err)

	_, err = NewRepository(context.Background(), config.ReferenceConfig{Driver: "oracle"}, logger)
	assert.Error(t, err)
}
