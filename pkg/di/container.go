// Package di assembles the runtime's components from configuration.
package di

import (
	"context"
	"fmt"

	"ai-character-runtime/backend/internal/character"
	"ai-character-runtime/backend/internal/knowledge"
	"ai-character-runtime/backend/internal/llm"
	"ai-character-runtime/backend/internal/memory"
	"ai-character-runtime/backend/internal/nonce"
	"ai-character-runtime/backend/internal/session"
	"ai-character-runtime/backend/internal/store"
	"ai-character-runtime/backend/internal/vector"
	"ai-character-runtime/backend/internal/ws"
	"ai-character-runtime/backend/pkg/config"
	"ai-character-runtime/backend/pkg/health"
	"ai-character-runtime/backend/pkg/jwt"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/middleware"
	"ai-character-runtime/backend/pkg/observability"
	pkgredis "ai-character-runtime/backend/pkg/redis"
	"ai-character-runtime/backend/pkg/resilience"
	"ai-character-runtime/backend/pkg/secrets"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Vector index backends
const (
	VectorChromem  = "chromem"
	VectorPgvector = "pgvector"
	VectorNone     = "none"
)

// Container holds all the dependencies for the application
type Container struct {
	Config      *config.Config
	DB          *gorm.DB
	Logger      *logger.Logger
	Metrics     *observability.Metrics
	Adapter     *store.Adapter
	Redis       *redis.Client
	Secrets     *secrets.VaultManager
	Nonces      *nonce.Manager
	Embeddings  *llm.EmbeddingService
	Index       vector.Index
	Knowledge   *knowledge.Base
	Memory      *memory.Store
	Characters  *character.Repository
	Sessions    *session.Service
	JWTService  *jwt.Service
	RateLimiter *middleware.RateLimiter
	Health      *health.Checker
	Hub         *ws.Hub
}

// New builds the container over an open database. The schema is migrated
// here, so a returned container is ready to serve.
func New(ctx context.Context, cfg *config.Config, db *gorm.DB, log *logger.Logger) (*Container, error) {
	if log == nil {
		log = logger.GetGlobal()
	}
	c := &Container{Config: cfg, DB: db, Logger: log, Metrics: observability.NewMetrics()}

	breakerCfg := resilience.CircuitBreakerConfig{
		Name:                "durable-store",
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		ResetTimeout:        cfg.Breaker.ResetTimeout,
		HalfOpenMaxAttempts: cfg.Breaker.HalfOpenMaxAttempts,
		OnStateChange: func(name string, _, to resilience.CircuitBreakerState) {
			c.Metrics.CircuitTransition(context.Background(), name, string(to))
		},
	}
	adapter, err := store.New(db, store.NewBreaker(breakerCfg, log), log)
	if err != nil {
		return nil, err
	}
	if err := adapter.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	c.Adapter = adapter

	vaultMgr, err := secrets.NewVaultManager(secrets.VaultConfigFromEnv(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets manager: %w", err)
	}
	c.Secrets = vaultMgr
	resolved := secrets.Resolve(ctx, vaultMgr, map[string]string{
		"CHARACTER_SECRETS_MASTER_KEY":        cfg.Secrets.MasterKey,
		llm.ProviderOpenAI.APIKeySetting():    cfg.LLM.OpenAIAPIKey,
		llm.ProviderAnthropic.APIKeySetting(): cfg.LLM.AnthropicAPIKey,
	})
	cfg.Secrets.MasterKey = resolved["CHARACTER_SECRETS_MASTER_KEY"]
	cfg.LLM.OpenAIAPIKey = resolved[llm.ProviderOpenAI.APIKeySetting()]
	cfg.LLM.AnthropicAPIKey = resolved[llm.ProviderAnthropic.APIKeySetting()]
	if cfg.Secrets.MasterKey == "" {
		log.Warn("CHARACTER_SECRETS_MASTER_KEY is not set; character secrets cannot be stored")
	}

	if err := c.initNonces(ctx); err != nil {
		return nil, err
	}

	embedder := llm.NewEmbedder(cfg.LLM.EmbeddingProvider, cfg.LLM.OpenAIAPIKey, cfg.LLM.EmbeddingModel, cfg.LLM.EmbeddingDimensions)
	c.Embeddings, err = llm.NewEmbeddingService(embedder, cfg.Memory.EmbeddingCacheSize, log)
	if err != nil {
		return nil, err
	}
	if err := c.initIndex(ctx); err != nil {
		return nil, err
	}
	c.Knowledge = knowledge.New(c.Embeddings)

	c.Memory = memory.NewStore(adapter, memory.Options{
		WarningThreshold:  cfg.Memory.WarningThreshold,
		CriticalThreshold: cfg.Memory.CriticalThreshold,
	}, log, c.Metrics)
	if c.Index != nil {
		c.Memory.WithVectorSearch(c.Embeddings, c.Index)
	}

	c.Characters = character.NewRepository(adapter, character.NewSecretsCodec(cfg.Secrets.MasterKey), log)

	c.Sessions, err = session.NewService(session.Deps{
		Adapter:    adapter,
		Characters: c.Characters,
		Nonces:     c.Nonces,
		Memory:     c.Memory,
		Embeddings: c.Embeddings,
		Knowledge:  c.Knowledge,
		Logger:     log,
		Metrics:    c.Metrics,
	}, session.OptionsFromConfig(cfg))
	if err != nil {
		return nil, err
	}

	c.JWTService = jwt.NewService(cfg.JWT.Secret, cfg.JWT.Expiry)
	c.RateLimiter = middleware.NewRateLimiter(log, middleware.RateLimiterOptions{
		Limit:          rate.Limit(cfg.Security.RateLimit),
		Burst:          cfg.Security.RateLimitBurst,
		ExpiryDuration: cfg.Sessions.IdleTimeout,
		KeyFunc:        middleware.ClientKey,
	})
	c.Hub = ws.NewHub(c.Sessions, cfg.Security.AllowedOrigins, log)

	c.Health = health.NewChecker(log, 0)
	c.Health.RegisterDatabaseCheck(adapter.Ping)
	c.Health.RegisterBreakerCheck("database-breaker", adapter.Breaker())
	if c.Redis != nil {
		c.Health.RegisterRedisCheck(c.Redis)
	}

	log.Info("Container initialized",
		"db_driver", cfg.Database.Driver,
		"nonce_backend", cfg.Nonce.Backend,
		"vector_backend", cfg.Memory.VectorBackend,
	)
	return c, nil
}

func (c *Container) initNonces(ctx context.Context) error {
	var backend nonce.Store
	switch c.Config.Nonce.Backend {
	case "redis":
		client, err := pkgredis.NewClient(ctx, c.Config)
		if err != nil {
			return err
		}
		c.Redis = client
		backend = nonce.NewRedisStore(client)
	case "db", "":
		backend = nonce.NewGormStore(c.Adapter)
	default:
		return fmt.Errorf("unsupported NONCE_BACKEND %q", c.Config.Nonce.Backend)
	}
	c.Nonces = nonce.NewManager(backend, c.Logger, c.Metrics)
	return nil
}

func (c *Container) initIndex(ctx context.Context) error {
	switch c.Config.Memory.VectorBackend {
	case VectorChromem, "":
		c.Index = vector.NewChromemIndex()
	case VectorPgvector:
		if c.Config.Database.Driver == config.DriverSQLite {
			return fmt.Errorf("the pgvector index requires the postgres driver")
		}
		index := vector.NewPgvectorIndex(c.Adapter)
		if err := index.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate pgvector index: %w", err)
		}
		c.Index = index
	case VectorNone:
	default:
		return fmt.Errorf("unsupported MEMORY_VECTOR_BACKEND %q", c.Config.Memory.VectorBackend)
	}
	return nil
}

// Start launches the background loops; they stop with ctx
func (c *Container) Start(ctx context.Context) {
	c.Nonces.StartCleanup(ctx, c.Config.Nonce.CleanupInterval)
	c.RateLimiter.Start(ctx)
	c.Health.Start(ctx)
}

// Close releases everything the container opened. Call after the servers stopped.
func (c *Container) Close() {
	c.Hub.Close()
	c.Sessions.Close()
	c.Secrets.Close()
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("Failed to close redis client", "error", err.Error())
		}
	}
	if sqlDB, err := c.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			c.Logger.Warn("Failed to close database", "error", err.Error())
		}
	}
}
