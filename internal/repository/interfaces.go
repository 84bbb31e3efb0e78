package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ComUnity/city-sentinel/internal/models"
)

var (
	ErrDuplicateIdentity = errors.New("identity already exists")
	ErrNotFound          = errors.New("identity not found")
)

// IdentityRepository stores registered principals. Implementations must be
// safe for concurrent use and must reject a second Create for the same
// principal with ErrDuplicateIdentity.
type IdentityRepository interface {
	Create(ctx context.Context, id models.Identity) error
	Get(ctx context.Context, principalID string) (models.Identity, error)
	UpdateSecret(ctx context.Context, principalID, secretHash, salt, scheme string, at time.Time) error
}
