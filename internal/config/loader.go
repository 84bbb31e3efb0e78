package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvProduction = "production"

// LoadConfig loads configuration from YAML and environment variables.
// An empty path yields defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := overrideWithEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool { return c.Env == EnvProduction }

// ApplyDefaults fills zero values: 5 requests per minute, Gmail over implicit
// TLS, decoy 999999.
func (c *Config) ApplyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Encoding == "" {
		c.Logger.Encoding = "console"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 10 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 10 * time.Second
	}

	if c.SMTP.Server == "" {
		c.SMTP.Server = "smtp.gmail.com"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 465
	}
	if c.SMTP.DialTimeout <= 0 {
		c.SMTP.DialTimeout = 10 * time.Second
	}
	if c.Alerts.SubjectPrefix == "" {
		c.Alerts.SubjectPrefix = "[City Sentinel]"
	}

	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 5
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.KeyPrefix == "" {
		c.RateLimit.KeyPrefix = "rl:"
	}

	if len(c.Honeypot.Identities) == 0 {
		c.Honeypot.Identities = []string{"999999"}
	}

	d := &c.Dispatcher
	if d.QueueCapacity == 0 {
		d.QueueCapacity = 256
	}
	if d.WorkerCount == 0 {
		d.WorkerCount = 2
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.AttemptTimeout <= 0 {
		d.AttemptTimeout = 10 * time.Second
	}
	if d.BackoffBase <= 0 {
		d.BackoffBase = 500 * time.Millisecond
	}
	if d.BackoffMax <= 0 {
		d.BackoffMax = 10 * time.Second
	}
	if d.DrainTimeout <= 0 {
		d.DrainTimeout = 5 * time.Second
	}

	if c.Ledger.Path == "" {
		c.Ledger.Path = ".secure_city_logs.dat"
	}

	if c.Vault.HashScheme == "" {
		c.Vault.HashScheme = "sha256"
	}
	if c.Vault.BcryptCost == 0 {
		c.Vault.BcryptCost = 10
	}

	if c.Security.MaxInputLength == 0 {
		c.Security.MaxInputLength = 3000
	}
	if c.Security.JWTIssuer == "" {
		c.Security.JWTIssuer = "city-sentinel"
	}
	if c.Security.TokenTTL <= 0 {
		c.Security.TokenTTL = 15 * time.Minute
	}
	if c.Security.EventBuffer == 0 {
		c.Security.EventBuffer = 64
	}

	k := &c.Telemetry.Kafka
	if k.Topic == "" {
		k.Topic = "security-events"
	}
	if k.BatchSize <= 0 {
		k.BatchSize = 100
	}
	if k.FlushEvery <= 0 {
		k.FlushEvery = 2 * time.Second
	}
	if k.QueueCapacity <= 0 {
		k.QueueCapacity = k.BatchSize * 4
	}
	if k.DialTimeout <= 0 {
		k.DialTimeout = 5 * time.Second
	}
	if k.WriteTimeout <= 0 {
		k.WriteTimeout = 5 * time.Second
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.RateLimit.WindowSeconds < 0 || c.RateLimit.MaxRequests < 0 {
		errs = append(errs, errors.New("rate_limit: window_seconds and max_requests must be positive"))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			errs = append(errs, errors.New("rate_limit: redis backend requires redis_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit: unknown backend %q", c.RateLimit.Backend))
	}
	if c.Dispatcher.QueueCapacity < 0 || c.Dispatcher.WorkerCount < 0 || c.Dispatcher.MaxRetries < 0 {
		errs = append(errs, errors.New("dispatcher: queue_capacity, worker_count and max_retries must be positive"))
	}
	if c.Dispatcher.SendRatePerSecond < 0 {
		errs = append(errs, errors.New("dispatcher: send_rate_per_second must not be negative"))
	}
	switch c.Vault.HashScheme {
	case "sha256", "bcrypt":
	default:
		errs = append(errs, fmt.Errorf("vault: unknown hash_scheme %q", c.Vault.HashScheme))
	}
	if c.Telemetry.Kafka.Enabled && len(c.Telemetry.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("telemetry.kafka: enabled without brokers"))
	}
	if c.IsProduction() {
		if c.Ledger.Key == "" {
			errs = append(errs, errors.New("ledger: key is required in production"))
		}
		if c.Security.JWTSigningKey == "" {
			errs = append(errs, errors.New("security: jwt_signing_key is required in production"))
		}
	}
	return errors.Join(errs...)
}

var durationType = reflect.TypeOf(time.Duration(0))

// overrideWithEnv walks the struct and applies every field that carries an
// env tag and has its variable set. Nested structs are visited recursively.
func overrideWithEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if field.Type.Kind() == reflect.Struct {
			if err := overrideWithEnv(fieldVal); err != nil {
				return err
			}
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}
		envValue, exists := os.LookupEnv(envKey)
		if !exists {
			continue
		}

		switch {
		case field.Type == durationType:
			d, err := time.ParseDuration(envValue)
			if err != nil {
				return fmt.Errorf("env %s: %w", envKey, err)
			}
			fieldVal.SetInt(int64(d))
		case fieldVal.Kind() == reflect.String:
			fieldVal.SetString(envValue)
		case fieldVal.Kind() == reflect.Int:
			n, err := strconv.Atoi(envValue)
			if err != nil {
				return fmt.Errorf("env %s: %w", envKey, err)
			}
			fieldVal.SetInt(int64(n))
		case fieldVal.Kind() == reflect.Float64:
			f, err := strconv.ParseFloat(envValue, 64)
			if err != nil {
				return fmt.Errorf("env %s: %w", envKey, err)
			}
			fieldVal.SetFloat(f)
		case fieldVal.Kind() == reflect.Bool:
			b, err := strconv.ParseBool(envValue)
			if err != nil {
				return fmt.Errorf("env %s: %w", envKey, err)
			}
			fieldVal.SetBool(b)
		case fieldVal.Kind() == reflect.Slice && field.Type.Elem().Kind() == reflect.String:
			var items []string
			for _, s := range strings.Split(envValue, ",") {
				if s = strings.TrimSpace(s); s != "" {
					items = append(items, s)
				}
			}
			fieldVal.Set(reflect.ValueOf(items))
		}
	}
	return nil
}
