package repository

import (
	"context"
	"sync"
	"time"

	"github.com/ComUnity/city-sentinel/internal/models"
)

// MemoryIdentityRepository keeps identities for the life of the process.
type MemoryIdentityRepository struct {
	mu    sync.RWMutex
	items map[string]models.Identity
}

func NewMemoryIdentityRepository() *MemoryIdentityRepository {
	return &MemoryIdentityRepository{items: make(map[string]models.Identity)}
}

func (r *MemoryIdentityRepository) Create(_ context.Context, id models.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[id.PrincipalID]; exists {
		return ErrDuplicateIdentity
	}
	r.items[id.PrincipalID] = id
	return nil
}

func (r *MemoryIdentityRepository) Get(_ context.Context, principalID string) (models.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.items[principalID]
	if !ok {
		return models.Identity{}, ErrNotFound
	}
	return id, nil
}

func (r *MemoryIdentityRepository) UpdateSecret(_ context.Context, principalID, secretHash, salt, scheme string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.items[principalID]
	if !ok {
		return ErrNotFound
	}
	id.SecretHash, id.Salt, id.Scheme, id.UpdatedAt = secretHash, salt, scheme, at
	r.items[principalID] = id
	return nil
}
