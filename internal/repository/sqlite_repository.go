package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ComUnity/city-sentinel/internal/models"
	"github.com/ComUnity/city-sentinel/internal/util/logger"

	_ "modernc.org/sqlite"
)

const sqliteIdentitySchema = `
CREATE TABLE IF NOT EXISTS identities (
    principal_id TEXT PRIMARY KEY,
    role         TEXT NOT NULL,
    secret_hash  TEXT NOT NULL,
    salt         TEXT NOT NULL,
    scheme       TEXT NOT NULL,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
)
`

// SQLiteIdentityRepository keeps identities in a local SQLite file. It is the
// single-node store for deployments without a database server. Timestamps are
// stored as Unix nanoseconds.
type SQLiteIdentityRepository struct {
	db *sql.DB
}

// OpenSQLiteIdentityRepository opens (or creates) the database at path and
// ensures the schema.
func OpenSQLiteIdentityRepository(ctx context.Context, path string) (*SQLiteIdentityRepository, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sqlite: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteIdentitySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create identities table: %w", err)
	}
	logger.Info("Identity store opened at %s", path)
	return &SQLiteIdentityRepository{db: db}, nil
}

func (r *SQLiteIdentityRepository) Close() error { return r.db.Close() }

// DB exposes the handle for health checks.
func (r *SQLiteIdentityRepository) DB() *sql.DB { return r.db }

func (r *SQLiteIdentityRepository) Create(ctx context.Context, id models.Identity) error {
	const q = `
INSERT INTO identities (principal_id, role, secret_hash, salt, scheme, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (principal_id) DO NOTHING
`
	ts := id.CreatedAt.UnixNano()
	res, err := r.db.ExecContext(ctx, q,
		id.PrincipalID, string(id.Role), id.SecretHash, id.Salt, id.Scheme, ts, ts,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateIdentity
	}
	return nil
}

func (r *SQLiteIdentityRepository) Get(ctx context.Context, principalID string) (models.Identity, error) {
	const q = `SELECT principal_id, role, secret_hash, salt, scheme, created_at, updated_at FROM identities WHERE principal_id = ?`
	var (
		id               models.Identity
		role             string
		created, updated int64
	)
	err := r.db.QueryRowContext(ctx, q, principalID).Scan(
		&id.PrincipalID, &role, &id.SecretHash, &id.Salt, &id.Scheme, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Identity{}, ErrNotFound
	}
	if err != nil {
		return models.Identity{}, err
	}
	id.Role = models.Role(role)
	id.CreatedAt = time.Unix(0, created).UTC()
	id.UpdatedAt = time.Unix(0, updated).UTC()
	return id, nil
}

func (r *SQLiteIdentityRepository) UpdateSecret(ctx context.Context, principalID, secretHash, salt, scheme string, at time.Time) error {
	const q = `UPDATE identities SET secret_hash = ?, salt = ?, scheme = ?, updated_at = ? WHERE principal_id = ?`
	res, err := r.db.ExecContext(ctx, q, secretHash, salt, scheme, at.UnixNano(), principalID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
