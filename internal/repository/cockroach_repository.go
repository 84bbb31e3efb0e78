package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ComUnity/city-sentinel/internal/models"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
	"github.com/lib/pq"
)

const uniqueViolation = pq.ErrorCode("23505")

const identitySchema = `
CREATE TABLE IF NOT EXISTS identities (
    principal_id TEXT PRIMARY KEY,
    role         TEXT NOT NULL,
    secret_hash  TEXT NOT NULL,
    salt         TEXT NOT NULL,
    scheme       TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)
`

// PostgresIdentityRepository implements IdentityRepository on PostgreSQL or
// CockroachDB through lib/pq.
type PostgresIdentityRepository struct {
	db *sql.DB
}

func NewPostgresIdentityRepository(db *sql.DB) *PostgresIdentityRepository {
	return &PostgresIdentityRepository{db: db}
}

// EnsureSchema creates the identities table when it does not exist.
func (r *PostgresIdentityRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, identitySchema); err != nil {
		return fmt.Errorf("create identities table: %w", err)
	}
	logger.Info("Identity schema ready")
	return nil
}

func (r *PostgresIdentityRepository) Create(ctx context.Context, id models.Identity) error {
	const q = `
INSERT INTO identities (principal_id, role, secret_hash, salt, scheme, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
`
	_, err := r.db.ExecContext(ctx, q,
		id.PrincipalID, string(id.Role), id.SecretHash, id.Salt, id.Scheme, id.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateIdentity
	}
	return err
}

func (r *PostgresIdentityRepository) Get(ctx context.Context, principalID string) (models.Identity, error) {
	const q = `SELECT principal_id, role, secret_hash, salt, scheme, created_at, updated_at FROM identities WHERE principal_id = $1`
	var (
		id   models.Identity
		role string
	)
	err := r.db.QueryRowContext(ctx, q, principalID).Scan(
		&id.PrincipalID, &role, &id.SecretHash, &id.Salt, &id.Scheme, &id.CreatedAt, &id.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Identity{}, ErrNotFound
	}
	if err != nil {
		return models.Identity{}, err
	}
	id.Role = models.Role(role)
	return id, nil
}

func (r *PostgresIdentityRepository) UpdateSecret(ctx context.Context, principalID, secretHash, salt, scheme string, at time.Time) error {
	const q = `
UPDATE identities
SET secret_hash = $2, salt = $3, scheme = $4, updated_at = $5
WHERE principal_id = $1
`
	res, err := r.db.ExecContext(ctx, q, principalID, secretHash, salt, scheme, at)
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

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
