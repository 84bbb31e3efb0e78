package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ComUnity/city-sentinel/internal/models"
	"github.com/ComUnity/city-sentinel/internal/repository"
	"github.com/ComUnity/city-sentinel/internal/util"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

var (
	ErrDuplicateIdentity = repository.ErrDuplicateIdentity
	ErrInvalidPrincipal  = errors.New("principal must not be empty")
	ErrEmptySecret       = errors.New("secret must not be empty")
	ErrInvalidCredential = errors.New("invalid credential")
)

// HashScheme selects how secrets are digested.
type HashScheme string

const (
	// SchemeSHA256 stores hex(SHA-256(salt || secret)) with a 128-bit hex salt.
	SchemeSHA256 HashScheme = "sha256"
	// SchemeBcrypt stores a bcrypt hash; the salt is embedded in it.
	SchemeBcrypt HashScheme = "bcrypt"
)

const saltBytes = 16

type VaultConfig struct {
	Scheme     HashScheme
	BcryptCost int
	Now        func() time.Time
}

// CredentialVault registers principals and verifies their secrets. Only a
// salt and a digest are ever stored.
type CredentialVault struct {
	repo       repository.IdentityRepository
	scheme     HashScheme
	bcryptCost int
	now        func() time.Time

	// used for unknown principals so that every Verify does the same work
	dummySalt   string
	dummyDigest string
	dummyBcrypt []byte
}

func NewCredentialVault(repo repository.IdentityRepository, cfg VaultConfig) (*CredentialVault, error) {
	if cfg.Scheme == "" {
		cfg.Scheme = SchemeSHA256
	}
	if cfg.Scheme != SchemeSHA256 && cfg.Scheme != SchemeBcrypt {
		return nil, fmt.Errorf("vault: unknown hash scheme %q", cfg.Scheme)
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	v := &CredentialVault{
		repo:       repo,
		scheme:     cfg.Scheme,
		bcryptCost: cfg.BcryptCost,
		now:        cfg.Now,
	}
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	v.dummySalt = salt
	v.dummyDigest = digest(salt, salt)
	if cfg.Scheme == SchemeBcrypt {
		v.dummyBcrypt, err = bcrypt.GenerateFromPassword([]byte(salt), cfg.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
	}
	return v, nil
}

// Register stores a new citizen identity.
func (v *CredentialVault) Register(ctx context.Context, principal, secret string) (models.Identity, error) {
	return v.register(ctx, principal, secret, models.RoleCitizen)
}

func (v *CredentialVault) register(ctx context.Context, principal, secret string, role models.Role) (models.Identity, error) {
	principal = util.NormalizePrincipal(principal)
	if principal == "" {
		return models.Identity{}, ErrInvalidPrincipal
	}
	if secret == "" {
		return models.Identity{}, ErrEmptySecret
	}

	hash, salt, err := v.hash(secret)
	if err != nil {
		return models.Identity{}, err
	}
	now := v.now().UTC()
	id := models.Identity{
		PrincipalID: principal,
		Role:        role,
		SecretHash:  hash,
		Salt:        salt,
		Scheme:      string(v.scheme),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := v.repo.Create(ctx, id); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdentity) {
			return models.Identity{}, ErrDuplicateIdentity
		}
		return models.Identity{}, fmt.Errorf("vault: store identity: %w", err)
	}
	logger.Info("Vault: registered %s principal %s", role, util.MaskPrincipal(principal))
	return id, nil
}

// Verify reports whether secret matches the stored digest for principal.
// Unknown principals and store failures yield false.
func (v *CredentialVault) Verify(ctx context.Context, principal, secret string) bool {
	_, ok := v.verify(ctx, principal, secret)
	return ok
}

func (v *CredentialVault) verify(ctx context.Context, principal, secret string) (models.Identity, bool) {
	id, err := v.repo.Get(ctx, util.NormalizePrincipal(principal))
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logger.Error("Vault: identity lookup failed, denying: %v", err)
		}
		v.burn(secret)
		return models.Identity{}, false
	}
	return id, v.matches(id, secret)
}

// replaceSecret stores a new secret for an identity the caller has already
// verified. The new hash uses the vault's current scheme.
func (v *CredentialVault) replaceSecret(ctx context.Context, id models.Identity, newSecret string) error {
	if newSecret == "" {
		return ErrEmptySecret
	}
	if id.Role == models.RoleDecoy {
		return ErrInvalidCredential
	}
	hash, salt, err := v.hash(newSecret)
	if err != nil {
		return err
	}
	if err := v.repo.UpdateSecret(ctx, id.PrincipalID, hash, salt, string(v.scheme), v.now().UTC()); err != nil {
		return fmt.Errorf("vault: update secret: %w", err)
	}
	logger.Info("Vault: secret changed for %s", util.MaskPrincipal(id.PrincipalID))
	return nil
}

func (v *CredentialVault) hash(secret string) (hash, salt string, err error) {
	if v.scheme == SchemeBcrypt {
		b, err := bcrypt.GenerateFromPassword([]byte(secret), v.bcryptCost)
		if err != nil {
			return "", "", fmt.Errorf("vault: %w", err)
		}
		return string(b), "", nil
	}
	salt, err = newSalt()
	if err != nil {
		return "", "", err
	}
	return digest(salt, secret), salt, nil
}

func (v *CredentialVault) matches(id models.Identity, secret string) bool {
	switch HashScheme(id.Scheme) {
	case SchemeBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(id.SecretHash), []byte(secret)) == nil
	case SchemeSHA256, "":
		return subtle.ConstantTimeCompare([]byte(digest(id.Salt, secret)), []byte(id.SecretHash)) == 1
	default:
		logger.Error("Vault: unknown scheme %q for %s", id.Scheme, util.MaskPrincipal(id.PrincipalID))
		return false
	}
}

// burn spends the same effort as a real comparison.
func (v *CredentialVault) burn(secret string) {
	if v.scheme == SchemeBcrypt {
		_ = bcrypt.CompareHashAndPassword(v.dummyBcrypt, []byte(secret))
		return
	}
	_ = subtle.ConstantTimeCompare([]byte(digest(v.dummySalt, secret)), []byte(v.dummyDigest))
}

func digest(salt, secret string) string {
	sum := sha256.Sum256([]byte(salt + secret))
	return hex.EncodeToString(sum[:])
}

func newSalt() (string, error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("vault: generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}
