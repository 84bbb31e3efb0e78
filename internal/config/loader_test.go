package config

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window())
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, []string{"999999"}, cfg.Honeypot.Identities)
	assert.Equal(t, "smtp.gmail.com", cfg.SMTP.Server)
	assert.Equal(t, 465, cfg.SMTP.Port)
	assert.Equal(t, 3, cfg.Dispatcher.MaxRetries)
	assert.Equal(t, 2, cfg.Dispatcher.WorkerCount)
	assert.Equal(t, 3000, cfg.Security.MaxInputLength)
	assert.Equal(t, "sha256", cfg.Vault.HashScheme)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
}

func TestLoadConfig_YAMLAndExpansion(t *testing.T) {
	t.Setenv("CITY_TEST_SENDER", "alerts@city.example")
	path := writeConfig(t, `
env: staging
smtp:
  server: mail.city.example
  port: 587
  starttls: true
  sender_email: ${CITY_TEST_SENDER}
rate_limit:
  window_seconds: 10
  max_requests: 3
honeypot:
  identities: ["999999", "000000"]
dispatcher:
  attempt_timeout: 2s
  send_rate_per_second: 1.5
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, "mail.city.example", cfg.SMTP.Server)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.True(t, cfg.SMTP.StartTLS)
	assert.Equal(t, "alerts@city.example", cfg.SMTP.SenderEmail)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Window())
	assert.Equal(t, 3, cfg.RateLimit.MaxRequests)
	assert.Equal(t, []string{"999999", "000000"}, cfg.Honeypot.Identities)
	assert.Equal(t, 2*time.Second, cfg.Dispatcher.AttemptTimeout)
	assert.InDelta(t, 1.5, cfg.Dispatcher.SendRatePerSecond, 1e-9)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "rate_limit:\n  max_requests: 3\n")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "9")
	t.Setenv("HONEYPOT_IDENTITIES", " 111111 , ,222222")
	t.Setenv("DISPATCHER_WORKER_COUNT", "4")
	t.Setenv("SMTP_STARTTLS", "true")
	t.Setenv("VAULT_SQLITE_PATH", "/var/lib/sentinel/identities.db")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.RateLimit.MaxRequests)
	assert.Equal(t, []string{"111111", "222222"}, cfg.Honeypot.Identities)
	assert.Equal(t, 4, cfg.Dispatcher.WorkerCount)
	assert.True(t, cfg.SMTP.StartTLS)
	assert.Equal(t, "/var/lib/sentinel/identities.db", cfg.Vault.SQLitePath)
}

func TestLoadConfig_BadEnvValue(t *testing.T) {
	t.Setenv("SMTP_PORT", "not-a-port")
	_, err := LoadConfig("")
	assert.ErrorContains(t, err, "SMTP_PORT")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"redis without url":    func(c *Config) { c.RateLimit.Backend = "redis" },
		"unknown backend":      func(c *Config) { c.RateLimit.Backend = "memcached" },
		"unknown hash scheme":  func(c *Config) { c.Vault.HashScheme = "md5" },
		"negative retries":     func(c *Config) { c.Dispatcher.MaxRetries = -1 },
		"kafka without broker": func(c *Config) { c.Telemetry.Kafka.Enabled = true },
		"production without keys": func(c *Config) {
			c.Env = EnvProduction
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := &Config{}
			c.ApplyDefaults()
			require.NoError(t, c.Validate())
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

type fakeSM struct{ values map[string]string }

func (f fakeSM) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

type fakeSSM struct{ values map[string]string }

func (f fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return nil, errors.New("ParameterNotFound")
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(v)}}, nil
}

type fakeKMS struct{}

// Decrypt reverses the blob bytes.
func (fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	out := make([]byte, len(in.CiphertextBlob))
	for i, b := range in.CiphertextBlob {
		out[len(out)-1-i] = b
	}
	return &kms.DecryptOutput{Plaintext: out}, nil
}

func TestSecretResolver_ResolveConfig(t *testing.T) {
	c := &Config{}
	c.ApplyDefaults()
	c.SMTP.SenderPassword = "secretsmanager:city/smtp"
	c.Ledger.Key = "ssm:/city/ledger-key"
	c.Security.JWTSigningKey = "kms:" + base64.StdEncoding.EncodeToString([]byte("terces"))
	c.Vault.DatabaseURL = "postgres://plain"
	require.True(t, HasSecretRefs(c))

	r := NewSecretResolver(
		fakeSM{values: map[string]string{"city/smtp": "app-password"}},
		fakeSSM{values: map[string]string{"/city/ledger-key": "ledger-key"}},
		fakeKMS{},
	)
	require.NoError(t, r.ResolveConfig(context.Background(), c))

	assert.Equal(t, "app-password", c.SMTP.SenderPassword)
	assert.Equal(t, "ledger-key", c.Ledger.Key)
	assert.Equal(t, "secret", c.Security.JWTSigningKey)
	assert.Equal(t, "postgres://plain", c.Vault.DatabaseURL)
	assert.False(t, HasSecretRefs(c))
}

func TestSecretResolver_Failures(t *testing.T) {
	r := NewSecretResolver(nil, fakeSSM{}, nil)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "secretsmanager:x")
	assert.ErrorIs(t, err, ErrNoSecretBackend)

	_, err = r.Resolve(ctx, "ssm:/missing")
	assert.ErrorContains(t, err, "ParameterNotFound")

	c := &Config{}
	c.Ledger.HMACKey = "kms:abc"
	err = r.ResolveConfig(ctx, c)
	assert.ErrorContains(t, err, "ledger.hmac_key")
}
