package config

import "time"

type Config struct {
	Env    string       `yaml:"env" env:"APP_ENV"`
	Logger LoggerConfig `yaml:"logger"`
	HTTP   HTTPConfig   `yaml:"http"`

	SMTP       SMTPConfig       `yaml:"smtp"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Honeypot   HoneypotConfig   `yaml:"honeypot"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Vault      VaultConfig      `yaml:"vault"`
	Security   SecurityConfig   `yaml:"security"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type LoggerConfig struct {
	Level    string `yaml:"level" env:"LOG_LEVEL"`
	Encoding string `yaml:"encoding" env:"LOG_ENCODING"`
	Output   string `yaml:"output"`
}

type HTTPConfig struct {
	Port             int           `yaml:"port" env:"PORT"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	TrustProxyHeader bool          `yaml:"trust_proxy_header"`
}

type SMTPConfig struct {
	Server         string        `yaml:"server" env:"SMTP_SERVER"`
	Port           int           `yaml:"port" env:"SMTP_PORT"`
	SenderEmail    string        `yaml:"sender_email" env:"SENDER_EMAIL"`
	SenderPassword string        `yaml:"sender_password" env:"SENDER_PASSWORD"`
	StartTLS       bool          `yaml:"starttls" env:"SMTP_STARTTLS"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

type AlertsConfig struct {
	Recipients    []string `yaml:"recipients" env:"ALERT_RECIPIENTS"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

type RateLimitConfig struct {
	WindowSeconds   int    `yaml:"window_seconds" env:"RATE_LIMIT_WINDOW_SECONDS"`
	MaxRequests     int    `yaml:"max_requests" env:"RATE_LIMIT_MAX_REQUESTS"`
	Backend         string `yaml:"backend" env:"RATE_LIMIT_BACKEND"` // memory | redis
	RedisURL        string `yaml:"redis_url" env:"REDIS_URL"`
	KeyPrefix       string `yaml:"key_prefix"`
	StrictOnFailure bool   `yaml:"strict_on_failure"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

type HoneypotConfig struct {
	Identities []string `yaml:"identities" env:"HONEYPOT_IDENTITIES"`
}

type DispatcherConfig struct {
	QueueCapacity     int           `yaml:"queue_capacity" env:"DISPATCHER_QUEUE_CAPACITY"`
	WorkerCount       int           `yaml:"worker_count" env:"DISPATCHER_WORKER_COUNT"`
	MaxRetries        int           `yaml:"max_retries" env:"DISPATCHER_MAX_RETRIES"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	SendRatePerSecond float64       `yaml:"send_rate_per_second"`
}

type LedgerConfig struct {
	Path       string `yaml:"path" env:"LEDGER_PATH"`
	Key        string `yaml:"key" env:"LEDGER_KEY"`
	HMACKey    string `yaml:"hmac_key" env:"LEDGER_HMAC_KEY"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type VaultConfig struct {
	HashScheme  string `yaml:"hash_scheme" env:"VAULT_HASH_SCHEME"` // sha256 | bcrypt
	BcryptCost  int    `yaml:"bcrypt_cost"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	SQLitePath  string `yaml:"sqlite_path" env:"VAULT_SQLITE_PATH"`
}

type SecurityConfig struct {
	MaxInputLength int           `yaml:"max_input_length"`
	JWTSigningKey  string        `yaml:"jwt_signing_key" env:"JWT_SIGNING_KEY"`
	JWTIssuer      string        `yaml:"jwt_issuer"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	EventBuffer    int           `yaml:"event_buffer"`
}

type TelemetryConfig struct {
	Kafka KafkaAuditConfig `yaml:"kafka"`
}

type KafkaAuditConfig struct {
	Enabled       bool          `yaml:"enabled" env:"KAFKA_ENABLED"`
	Brokers       []string      `yaml:"brokers" env:"KAFKA_BROKERS"`
	Topic         string        `yaml:"topic"`
	HTTPTopic     string        `yaml:"http_topic"`
	BatchSize     int           `yaml:"batch_size"`
	FlushEvery    time.Duration `yaml:"flush_every"`
	QueueCapacity int           `yaml:"queue_capacity"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	TLS           bool          `yaml:"tls"`
}
