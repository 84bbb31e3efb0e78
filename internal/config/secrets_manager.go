package config

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ComUnity/city-sentinel/internal/util/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Secret reference prefixes. A config value such as
// "secretsmanager:city/smtp-password" is replaced by the stored secret.
const (
	RefSecretsManager = "secretsmanager:"
	RefSSM            = "ssm:"
	RefKMS            = "kms:"
)

var ErrNoSecretBackend = errors.New("secret backend not configured")

// SecretsManagerClient defines a minimal interface for AWS Secrets Manager
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// KMSDecrypter is the part of the KMS API needed to unwrap inline ciphertext.
type KMSDecrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SecretResolver replaces secret references in the configuration with their
// values. Any client may be nil; references to it then fail.
type SecretResolver struct {
	sm  SecretsManagerClient
	ssm SSMParameterStoreClient
	kms KMSDecrypter
}

func NewSecretResolver(sm SecretsManagerClient, ps SSMParameterStoreClient, k KMSDecrypter) *SecretResolver {
	return &SecretResolver{sm: sm, ssm: ps, kms: k}
}

// NewAWSSecretResolver creates a resolver with default AWS config
func NewAWSSecretResolver(ctx context.Context) (*SecretResolver, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSecretResolver(
		secretsmanager.NewFromConfig(cfg),
		ssm.NewFromConfig(cfg),
		kms.NewFromConfig(cfg),
	), nil
}

// IsSecretRef reports whether v names a secret instead of holding one.
func IsSecretRef(v string) bool {
	return strings.HasPrefix(v, RefSecretsManager) ||
		strings.HasPrefix(v, RefSSM) ||
		strings.HasPrefix(v, RefKMS)
}

// secretFields lists the settings that may hold a reference.
func secretFields(c *Config) map[string]*string {
	return map[string]*string{
		"smtp.sender_password":     &c.SMTP.SenderPassword,
		"ledger.key":               &c.Ledger.Key,
		"ledger.hmac_key":          &c.Ledger.HMACKey,
		"vault.database_url":       &c.Vault.DatabaseURL,
		"rate_limit.redis_url":     &c.RateLimit.RedisURL,
		"security.jwt_signing_key": &c.Security.JWTSigningKey,
	}
}

// HasSecretRefs reports whether ResolveConfig has anything to do.
func HasSecretRefs(c *Config) bool {
	for _, p := range secretFields(c) {
		if IsSecretRef(*p) {
			return true
		}
	}
	return false
}

// ResolveConfig resolves every reference in c in place.
func (r *SecretResolver) ResolveConfig(ctx context.Context, c *Config) error {
	for name, p := range secretFields(c) {
		if !IsSecretRef(*p) {
			continue
		}
		v, err := r.Resolve(ctx, *p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}
		*p = v
	}
	return nil
}

// Resolve returns the value behind ref. Plain values are returned unchanged.
func (r *SecretResolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, RefSecretsManager):
		return r.GetSecret(ctx, strings.TrimPrefix(ref, RefSecretsManager))
	case strings.HasPrefix(ref, RefSSM):
		return r.GetParameter(ctx, strings.TrimPrefix(ref, RefSSM), true)
	case strings.HasPrefix(ref, RefKMS):
		return r.Decrypt(ctx, strings.TrimPrefix(ref, RefKMS))
	default:
		return ref, nil
	}
}

// GetSecret retrieves a secret value from AWS Secrets Manager
func (r *SecretResolver) GetSecret(ctx context.Context, secretName string) (string, error) {
	if r.sm == nil {
		return "", fmt.Errorf("secretsmanager: %w", ErrNoSecretBackend)
	}
	logger.Infof("[SecretResolver] Retrieving secret: %s", secretName)

	result, err := r.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		logger.Errorf("[SecretResolver] Failed to get secret %s: %v", secretName, err)
		return "", fmt.Errorf("failed to get secret: %w", err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretName)
	}
	return *result.SecretString, nil
}

// Decrypt unwraps a base64 KMS ciphertext blob.
func (r *SecretResolver) Decrypt(ctx context.Context, b64 string) (string, error) {
	if r.kms == nil {
		return "", fmt.Errorf("kms: %w", ErrNoSecretBackend)
	}
	blob, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("kms: invalid ciphertext encoding: %w", err)
	}
	out, err := r.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		logger.Errorf("[SecretResolver] KMS decrypt failed: %v", err)
		return "", fmt.Errorf("kms decrypt: %w", err)
	}
	return string(out.Plaintext), nil
}
