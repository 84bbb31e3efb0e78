package util

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/ComUnity/city-sentinel/internal/models"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

// TokenType represents different types of tokens
type TokenType string

const SessionToken TokenType = "session"

// SessionClaims is carried by the token issued after a successful login.
type SessionClaims struct {
	Role      models.Role `json:"role"`
	TokenType TokenType   `json:"token_type"`
	AttemptID string      `json:"attempt_id,omitempty"`

	jwt.RegisteredClaims
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SigningKey []byte
	Issuer     string
	TTL        time.Duration
}

// JWTManager issues and validates HS256 session tokens.
type JWTManager struct {
	config JWTConfig
	now    func() time.Time
}

// NewJWTManager creates a JWT manager. Without a signing key an ephemeral
// one is generated, so tokens do not survive a restart.
func NewJWTManager(config JWTConfig) (*JWTManager, error) {
	if config.TTL == 0 {
		config.TTL = 15 * time.Minute
	}
	if config.Issuer == "" {
		config.Issuer = "city-sentinel"
	}
	if len(config.SigningKey) == 0 {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		config.SigningKey = key
		logger.Warn("JWT signing key not configured; using an ephemeral key")
	}
	return &JWTManager{config: config, now: time.Now}, nil
}

// IssueSessionToken signs a session token for principal.
func (j *JWTManager) IssueSessionToken(principal string, role models.Role, attemptID uuid.UUID) (string, error) {
	now := j.now()
	tokenID, err := generateSecureTokenID()
	if err != nil {
		return "", fmt.Errorf("failed to generate token ID: %w", err)
	}
	claims := SessionClaims{
		Role:      role,
		TokenType: SessionToken,
		AttemptID: attemptID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    j.config.Issuer,
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.config.TTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.config.SigningKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken validates and parses a session token
func (j *JWTManager) ValidateToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.config.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.TokenType != SessionToken {
		return nil, errors.New("unexpected token type")
	}
	if !claims.VerifyIssuer(j.config.Issuer, true) {
		return nil, errors.New("unexpected issuer")
	}
	return claims, nil
}

// Helpers

func generateSecureTokenID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
