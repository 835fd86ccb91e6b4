package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockBackend(t *testing.T) (*PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newPostgresBackendFromDB(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresBackend_SaveUpsertsBlob(t *testing.T) {
	backend, mock := newMockBackend(t)
	mock.ExpectExec(".*INSERT INTO wal_blobs.*").
		WithArgs("snapshot/0.0.1", []byte("payload")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := backend.Save(context.Background(), "snapshot/0.0.1", []byte("payload"))

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_LoadReturnsBlob(t *testing.T) {
	backend, mock := newMockBackend(t)
	rows := sqlmock.NewRows([]string{"key", "data"}).AddRow("snapshot/0.0.1", []byte("payload"))
	mock.ExpectQuery(".*SELECT key, data FROM wal_blobs.*").
		WithArgs("snapshot/0.0.1").
		WillReturnRows(rows)

	data, err := backend.Load(context.Background(), "snapshot/0.0.1")

	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_LoadMissingKeyReturnsErrNotFound(t *testing.T) {
	backend, mock := newMockBackend(t)
	mock.ExpectQuery(".*SELECT key, data FROM wal_blobs.*").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := backend.Load(context.Background(), "missing")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_ListReturnsMatchingKeys(t *testing.T) {
	backend, mock := newMockBackend(t)
	rows := sqlmock.NewRows([]string{"key"}).
		AddRow("snapshot/0.0.1").
		AddRow("snapshot/0.0.2")
	mock.ExpectQuery(".*SELECT key FROM wal_blobs.*").
		WithArgs("snapshot/%").
		WillReturnRows(rows)

	keys, err := backend.List(context.Background(), "snapshot/")

	require.NoError(t, err)
	assert.Equal(t, []string{"snapshot/0.0.1", "snapshot/0.0.2"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}
