package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server struct {
		Port              string
		Env               string
		Timeout           time.Duration
		GRPCPort          string
		OpenAPISchemaPath string
	}

	Database struct {
		Driver     string
		Host       string
		Port       string
		User       string
		Password   string
		Name       string
		SSLMode    string
		SQLitePath string
		MaxConns   int
		Timeout    time.Duration
	}

	// Breaker guards every durable-store call
	Breaker struct {
		FailureThreshold    uint
		ResetTimeout        time.Duration
		HalfOpenMaxAttempts uint
	}

	JWT struct {
		Secret string
		Expiry time.Duration
	}

	Security struct {
		RateLimit      float64
		RateLimitBurst int
		AllowedOrigins []string
		MaxBodySize    int64
	}

	Logging struct {
		Level  string
		Format string
	}

	Nonce struct {
		TTL             time.Duration
		MaxRequests     int
		CleanupInterval time.Duration
		Backend         string
	}

	Redis struct {
		URL      string
		Password string
		DB       int
	}

	Memory struct {
		WarningThreshold   int
		CriticalThreshold  int
		VectorBackend      string
		EmbeddingCacheSize int64
	}

	LLM struct {
		Provider            string
		OpenAIAPIKey        string
		AnthropicAPIKey     string
		Model               string
		Timeout             time.Duration
		MaxRetries          uint
		RetryBaseDelay      time.Duration
		RetryMultiplier     float64
		RetryJitter         float64
		MaxTokens           int
		Temperature         float64
		EmbeddingProvider   string
		EmbeddingModel      string
		EmbeddingDimensions int
	}

	Secrets struct {
		MasterKey string
	}

	Sessions struct {
		IdleTimeout        time.Duration
		SweepInterval      time.Duration
		ConversationLength int
	}

	Observability struct {
		TracingEnabled bool
		ServiceName    string
	}
}

var (
	instance *Config
	once     sync.Once
)

// New creates a new Config instance with values from environment variables.
// Uses singleton pattern to ensure only one instance exists.
func New() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		instance = Load()
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// Load reads the environment into a fresh Config without touching the singleton
func Load() *Config {
	cfg := &Config{}

	cfg.Server.Port = getEnvString("PORT", "8081")
	cfg.Server.Env = getEnvString("APP_ENV", "development")
	cfg.Server.Timeout = getEnvDuration("SERVER_TIMEOUT", 30*time.Second)
	cfg.Server.GRPCPort = getEnvString("GRPC_PORT", "")
	cfg.Server.OpenAPISchemaPath = getEnvString("OPENAPI_SCHEMA_PATH", "")

	cfg.Database.Driver = getEnvString("DB_DRIVER", "postgres")
	cfg.Database.Host = getEnvString("DB_HOST", "localhost")
	cfg.Database.Port = getEnvString("DB_PORT", "5432")
	cfg.Database.User = getEnvString("DB_USER", "postgres")
	cfg.Database.Password = getEnvString("DB_PASSWORD", "postgres")
	cfg.Database.Name = getEnvString("DB_NAME", "character-runtime")
	cfg.Database.SSLMode = getEnvString("DB_SSL_MODE", "disable")
	cfg.Database.SQLitePath = getEnvString("SQLITE_PATH", "character-runtime.db")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.Timeout = getEnvDuration("DB_TIMEOUT", 5*time.Second)

	cfg.Breaker.FailureThreshold = uint(getEnvInt("DB_BREAKER_FAILURE_THRESHOLD", 5))
	cfg.Breaker.ResetTimeout = getEnvDuration("DB_BREAKER_RESET_TIMEOUT", 30*time.Second)
	cfg.Breaker.HalfOpenMaxAttempts = uint(getEnvInt("DB_BREAKER_HALF_OPEN_MAX_ATTEMPTS", 2))

	cfg.JWT.Secret = getEnvString("JWT_SECRET", "default-jwt-secret-do-not-use-in-production")
	cfg.JWT.Expiry = getEnvDuration("JWT_EXPIRY", 24*time.Hour)

	cfg.Security.RateLimit = getEnvFloat("RATE_LIMIT", 5)
	cfg.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 10)
	cfg.Security.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"})
	cfg.Security.MaxBodySize = getEnvInt64("MAX_BODY_SIZE", 1<<20)

	cfg.Logging.Level = getEnvString("LOG_LEVEL", "info")
	cfg.Logging.Format = getEnvString("LOG_FORMAT", "json")

	cfg.Nonce.TTL = getEnvDuration("NONCE_TTL", 300*time.Second)
	cfg.Nonce.MaxRequests = getEnvInt("NONCE_MAX_REQUESTS", 5)
	cfg.Nonce.CleanupInterval = getEnvDuration("NONCE_CLEANUP_INTERVAL", 5*time.Minute)
	cfg.Nonce.Backend = getEnvString("NONCE_BACKEND", "db")

	cfg.Redis.URL = getEnvString("REDIS_URL", "localhost:6379")
	cfg.Redis.Password = getEnvString("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Memory.WarningThreshold = getEnvInt("MEMORY_WARNING_THRESHOLD", 1000)
	cfg.Memory.CriticalThreshold = getEnvInt("MEMORY_CRITICAL_THRESHOLD", 5000)
	cfg.Memory.VectorBackend = getEnvString("MEMORY_VECTOR_BACKEND", "chromem")
	cfg.Memory.EmbeddingCacheSize = getEnvInt64("EMBEDDING_CACHE_SIZE", 10000)

	cfg.LLM.Provider = getEnvString("LLM_PROVIDER", "openai")
	cfg.LLM.OpenAIAPIKey = getEnvString("OPENAI_API_KEY", "")
	cfg.LLM.AnthropicAPIKey = getEnvString("ANTHROPIC_API_KEY", "")
	cfg.LLM.Model = getEnvString("LLM_MODEL", "")
	cfg.LLM.Timeout = getEnvDuration("LLM_TIMEOUT", 30*time.Second)
	cfg.LLM.MaxRetries = uint(getEnvInt("LLM_MAX_RETRIES", 3))
	cfg.LLM.RetryBaseDelay = getEnvDuration("LLM_RETRY_BASE_DELAY", 500*time.Millisecond)
	cfg.LLM.RetryMultiplier = getEnvFloat("LLM_RETRY_MULTIPLIER", 2)
	cfg.LLM.RetryJitter = getEnvFloat("LLM_RETRY_JITTER", 0.2)
	cfg.LLM.MaxTokens = getEnvInt("LLM_MAX_TOKENS", 1024)
	cfg.LLM.Temperature = getEnvFloat("LLM_TEMPERATURE", 0.7)
	cfg.LLM.EmbeddingProvider = getEnvString("EMBEDDING_PROVIDER", "openai")
	cfg.LLM.EmbeddingModel = getEnvString("EMBEDDING_MODEL", "text-embedding-3-small")
	cfg.LLM.EmbeddingDimensions = getEnvInt("EMBEDDING_DIMENSIONS", 1536)

	cfg.Secrets.MasterKey = getEnvString("CHARACTER_SECRETS_MASTER_KEY", "")

	cfg.Sessions.IdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute)
	cfg.Sessions.SweepInterval = getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute)
	cfg.Sessions.ConversationLength = getEnvInt("CONVERSATION_LENGTH", 32)

	cfg.Observability.TracingEnabled = getEnvBool("TRACING_ENABLED", false)
	cfg.Observability.ServiceName = getEnvString("SERVICE_NAME", "character-runtime")

	return cfg
}

// IsProduction reports whether APP_ENV is production
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
