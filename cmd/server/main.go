package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ComUnity/city-sentinel/compliance/incident"
	"github.com/ComUnity/city-sentinel/internal/client"
	"github.com/ComUnity/city-sentinel/internal/config"
	"github.com/ComUnity/city-sentinel/internal/handler"
	"github.com/ComUnity/city-sentinel/internal/ledger"
	"github.com/ComUnity/city-sentinel/internal/middleware"
	"github.com/ComUnity/city-sentinel/internal/repository"
	"github.com/ComUnity/city-sentinel/internal/telemetry"
	"github.com/ComUnity/city-sentinel/internal/util"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
	"github.com/ComUnity/city-sentinel/security"
)

var version = "development"

// app owns everything that needs an orderly shutdown.
type app struct {
	cfg        *config.Config
	ledger     *ledger.Ledger
	db         *sql.DB
	redis      *client.RedisClient
	dispatcher *incident.Dispatcher
	facade     *security.Facade
	shipper    *telemetry.KafkaAuditShipper
	server     *http.Server
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(fmt.Errorf("failed to load config: %w", err))
	}
	logger.InitLogger(&logger.Config{
		Level:    cfg.Logger.Level,
		Encoding: cfg.Logger.Encoding,
		Output:   cfg.Logger.Output,
	})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if config.HasSecretRefs(cfg) {
		resolver, err := config.NewAWSSecretResolver(ctx)
		if err != nil {
			logger.Fatalf("Secret resolver init failed: %v", err)
		}
		if err := resolver.ResolveConfig(ctx, cfg); err != nil {
			logger.Fatalf("Secret resolution failed: %v", err)
		}
	}

	a, err := build(ctx, cfg)
	if err != nil {
		logger.Fatalf("Startup failed: %v", err)
	}

	logger.Infof("City Sentinel %s listening on %s (env=%s)", version, a.server.Addr, cfg.Env)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")
	a.shutdown()
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	ledgerKey := cfg.Ledger.Key
	if ledgerKey == "" {
		logger.Warn("ledger.key not set; using the development key")
		ledgerKey = ledger.DevelopmentKey
	}
	led, err := ledger.Open(ledger.Config{
		Path:       cfg.Ledger.Path,
		Key:        ledgerKey,
		HMACKey:    cfg.Ledger.HMACKey,
		SyncWrites: cfg.Ledger.SyncWrites,
	})
	if err != nil {
		return nil, err
	}
	a.ledger = led

	var repo repository.IdentityRepository
	if cfg.Vault.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.Vault.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		a.db = db
		pg := repository.NewPostgresIdentityRepository(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("db schema: %w", err)
		}
		repo = pg
	} else if cfg.Vault.SQLitePath != "" {
		lite, err := repository.OpenSQLiteIdentityRepository(ctx, cfg.Vault.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.db = lite.DB()
		repo = lite
	} else {
		logger.Warn("no identity store configured; identities live in memory only")
		repo = repository.NewMemoryIdentityRepository()
	}

	if cfg.RateLimit.Backend == "redis" {
		rcli, err := client.NewRedisClient(ctx, client.RedisConfig{
			URL:            cfg.RateLimit.RedisURL,
			CircuitBreaker: client.CircuitBreakerConfig{Enabled: true},
		})
		if err != nil {
			return nil, fmt.Errorf("redis init: %w", err)
		}
		a.redis = rcli
	}
	limiter := middleware.NewRateLimiter(middleware.LimiterConfig{
		Window:           cfg.RateLimit.Window(),
		MaxRequests:      cfg.RateLimit.MaxRequests,
		Redis:            a.redis,
		KeyPrefix:        cfg.RateLimit.KeyPrefix,
		StrictOnFailure:  cfg.RateLimit.StrictOnFailure,
		TrustProxyHeader: cfg.HTTP.TrustProxyHeader,
	})

	vault, err := security.NewCredentialVault(repo, security.VaultConfig{
		Scheme:     security.HashScheme(cfg.Vault.HashScheme),
		BcryptCost: cfg.Vault.BcryptCost,
	})
	if err != nil {
		return nil, err
	}

	var mailer incident.Mailer = incident.LogMailer{}
	if cfg.SMTP.SenderEmail != "" && len(cfg.Alerts.Recipients) > 0 {
		m, err := incident.NewSMTPMailer(incident.SMTPConfig{
			Server:      cfg.SMTP.Server,
			Port:        cfg.SMTP.Port,
			Username:    cfg.SMTP.SenderEmail,
			Password:    cfg.SMTP.SenderPassword,
			From:        cfg.SMTP.SenderEmail,
			StartTLS:    cfg.SMTP.StartTLS,
			DialTimeout: cfg.SMTP.DialTimeout,
		})
		if err != nil {
			return nil, err
		}
		mailer = m
	} else {
		logger.Warn("SMTP sender or alert recipients not configured; alerts go to the log")
	}
	d := cfg.Dispatcher
	a.dispatcher, err = incident.NewDispatcher(mailer, led, incident.DispatcherConfig{
		QueueCapacity:     d.QueueCapacity,
		WorkerCount:       d.WorkerCount,
		MaxRetries:        d.MaxRetries,
		AttemptTimeout:    d.AttemptTimeout,
		BackoffBase:       d.BackoffBase,
		BackoffMax:        d.BackoffMax,
		SendRatePerSecond: d.SendRatePerSecond,
		Recipients:        cfg.Alerts.Recipients,
		SubjectPrefix:     cfg.Alerts.SubjectPrefix,
	})
	if err != nil {
		return nil, err
	}
	a.dispatcher.Start()

	sentinel := security.NewHoneypotSentinel(cfg.Honeypot.Identities, a.dispatcher)
	if err := sentinel.Seed(ctx, vault); err != nil {
		return nil, fmt.Errorf("honeypot seed: %w", err)
	}

	tokens, err := util.NewJWTManager(util.JWTConfig{
		SigningKey: []byte(cfg.Security.JWTSigningKey),
		Issuer:     cfg.Security.JWTIssuer,
		TTL:        cfg.Security.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	a.facade, err = security.NewFacade(security.FacadeDeps{
		Limiter:  limiter,
		Sentinel: sentinel,
		Vault:    vault,
		Ledger:   led,
		Alerts:   a.dispatcher,
		Tokens:   tokens,
	}, security.FacadeConfig{MaxInputLength: cfg.Security.MaxInputLength})
	if err != nil {
		return nil, err
	}

	a.shipper, err = telemetry.NewKafkaAuditShipper(cfg.Telemetry.Kafka)
	if err != nil {
		return nil, fmt.Errorf("kafka shipper init: %w", err)
	}
	var audit *middleware.RequestAuditMW
	if cfg.Telemetry.Kafka.Enabled {
		a.shipper.Start()
		events, _ := a.facade.Subscribe(cfg.Security.EventBuffer)
		a.shipper.Consume(ctx, events)
		audit = middleware.NewRequestAuditMW(a.shipper, cfg.HTTP.TrustProxyHeader)
	}

	checkers := []handler.HealthChecker{
		handler.LedgerChecker{Ledger: led},
		handler.DispatcherChecker{Dispatcher: a.dispatcher},
	}
	if a.db != nil {
		checkers = append(checkers, handler.DatabaseChecker{DB: a.db})
	}
	if a.redis != nil {
		checkers = append(checkers, handler.RedisChecker{Client: a.redis})
	}

	headers := middleware.DefaultHeadersConfig()
	headers.TrustProxyHeader = cfg.HTTP.TrustProxyHeader
	router := handler.NewRouter(handler.RouterDeps{
		Auth:            handler.NewAuthHandler(a.facade, cfg.HTTP.TrustProxyHeader, cfg.Security.MaxInputLength),
		Health:          handler.NewHealthHandler(cfg.Env, version, checkers...),
		Dispatcher:      a.dispatcher,
		Audit:           audit,
		Sessions:        tokens,
		RegisterLimiter: limiter,
		Headers:         headers,
		RequestTimeout:  cfg.HTTP.WriteTimeout,
	})

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return a, nil
}

// shutdown stops intake first and closes the ledger last: the dispatcher
// still writes delivery records while it drains.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown error: %v", err)
	}
	a.facade.Close()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), a.cfg.Dispatcher.DrainTimeout)
	defer drainCancel()
	if err := a.dispatcher.Shutdown(drainCtx); err != nil {
		logger.Warn("Dispatcher did not drain: %v", err)
	}
	st := a.dispatcher.Stats()
	logger.Info("Alerts: enqueued=%d delivered=%d failed=%d evicted=%d discarded=%d",
		st.Enqueued, st.Delivered, st.Failed, st.Evicted, st.Discarded)

	a.shipper.Stop(ctx)

	if err := a.ledger.Close(); err != nil {
		logger.Errorf("Ledger close error: %v", err)
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
