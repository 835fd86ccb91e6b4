package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// blobRow mirrors the wal_blobs table: every WAL record and snapshot this
// store writes is addressed by key and carries opaque bytes, same shape as
// MemoryBackend but durable (§4.I).
type blobRow struct {
	Key  string `db:"key"`
	Data []byte `db:"data"`
}

// PostgresBackend is a Backend implementation over a Postgres table,
// wired via sqlx/lib-pq with schema managed by golang-migrate.
type PostgresBackend struct {
	db *sqlx.DB
}

// NewPostgresBackend opens dsn, runs pending migrations, and returns a
// ready Backend.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(db.DB, dsn); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresBackend{db: db}, nil
}

// newPostgresBackendFromDB wraps an already-open *sqlx.DB without running
// migrations, so tests can point it at a sqlmock connection.
func newPostgresBackendFromDB(db *sqlx.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func runMigrations(db *sql.DB, dsn string) error {
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (p *PostgresBackend) Save(ctx context.Context, key string, data []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wal_blobs (key, data) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data`,
		key, data)
	return err
}

func (p *PostgresBackend) Load(ctx context.Context, key string) ([]byte, error) {
	var row blobRow
	err := p.db.GetContext(ctx, &row, `SELECT key, data FROM wal_blobs WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.Data, nil
}

func (p *PostgresBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := p.db.SelectContext(ctx, &keys, `SELECT key FROM wal_blobs WHERE key LIKE $1`, prefix+"%")
	return keys, err
}

func (p *PostgresBackend) Close(_ context.Context) error {
	return p.db.Close()
}
