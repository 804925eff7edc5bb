package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPPort  string `yaml:"http_port"`
	LogLevel  string `yaml:"log_level"`
	JWTSecret string `yaml:"jwt_secret"`

	Gemini   GeminiConfig   `yaml:"gemini"`
	Database DatabaseConfig `yaml:"database"`
	Session  SessionConfig  `yaml:"session"`
	Vector   VectorConfig   `yaml:"vector"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Telegram TelegramConfig `yaml:"telegram"`
	Callback CallbackConfig `yaml:"callback"`
}

type GeminiConfig struct {
	APIKey         string `yaml:"api_key"`
	ChatModel      string `yaml:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// DatabaseConfig selects the record store. Driver is "sqlite" or "supabase".
type DatabaseConfig struct {
	Driver      string `yaml:"driver"`
	URL         string `yaml:"url"`
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
}

// SessionConfig selects the session backend. Backend is "memory" or "redis".
type SessionConfig struct {
	Backend         string        `yaml:"backend"`
	TTL             time.Duration `yaml:"ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	RedisTimeout    time.Duration `yaml:"redis_timeout"`
	Prefix          string        `yaml:"prefix"`
	DistributedLock bool          `yaml:"distributed_lock"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
}

// VectorConfig selects the similarity search backend. Backend is "memory", "qdrant" or "supabase".
type VectorConfig struct {
	Backend      string `yaml:"backend"`
	QdrantURL    string `yaml:"qdrant_url"`
	QdrantAPIKey string `yaml:"qdrant_api_key"`
	Collection   string `yaml:"collection"`
}

type PipelineConfig struct {
	TopK           int           `yaml:"top_k"`
	Threshold      float32       `yaml:"threshold"`
	Timeout        time.Duration `yaml:"timeout"`
	IngestInterval time.Duration `yaml:"ingest_interval"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`
}

type CallbackConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

var (
	ErrMissingGeminiKey = errors.New("GEMINI_API_KEY is required")
	ErrMissingJWTSecret = errors.New("JWT_SECRET is required")
	ErrNoChannel        = errors.New("either a telegram token or a callback url is required")
)

func Default() Config {
	return Config{
		HTTPPort: "8080",
		LogLevel: "INFO",
		Gemini: GeminiConfig{
			ChatModel:      "gemini-1.5-flash-latest",
			EmbeddingModel: "text-embedding-004",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			URL:    "nutribot.db",
		},
		Session: SessionConfig{
			Backend:       "memory",
			TTL:           300 * time.Second,
			SweepInterval: time.Minute,
			RedisAddr:     "localhost:6379",
			RedisTimeout:  2 * time.Second,
			Prefix:        "session:",
			LockTTL:       10 * time.Second,
		},
		Vector: VectorConfig{
			Backend:    "memory",
			Collection: "recipes",
		},
		Pipeline: PipelineConfig{
			TopK:           10,
			Threshold:      0.75,
			Timeout:        60 * time.Second,
			IngestInterval: 40 * time.Millisecond, // 1500 embeddings per minute
		},
		Callback: CallbackConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env file and the environment,
// in that order of precedence (later wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// A missing .env is fine, the environment may already be populated.
	_ = godotenv.Load()

	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)

	c.Gemini.APIKey = getEnv("GEMINI_API_KEY", c.Gemini.APIKey)
	c.Gemini.ChatModel = getEnv("GEMINI_CHAT_MODEL", c.Gemini.ChatModel)
	c.Gemini.EmbeddingModel = getEnv("GEMINI_EMBEDDING_MODEL", c.Gemini.EmbeddingModel)

	c.Database.Driver = getEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.SupabaseURL = getEnv("SUPABASE_URL", c.Database.SupabaseURL)
	c.Database.SupabaseKey = getEnv("SUPABASE_KEY", c.Database.SupabaseKey)

	c.Session.Backend = getEnv("SESSION_BACKEND", c.Session.Backend)
	c.Session.TTL = getEnvAsDuration("SESSION_TTL", c.Session.TTL)
	c.Session.RedisAddr = getEnv("REDIS_ADDR", c.Session.RedisAddr)
	c.Session.RedisPassword = getEnv("REDIS_PASSWORD", c.Session.RedisPassword)
	c.Session.RedisDB = getEnvAsInt("REDIS_DB", c.Session.RedisDB)
	c.Session.DistributedLock = getEnvAsBool("SESSION_DISTRIBUTED_LOCK", c.Session.DistributedLock)

	c.Vector.Backend = getEnv("VECTOR_BACKEND", c.Vector.Backend)
	c.Vector.QdrantURL = getEnv("QDRANT_URL", c.Vector.QdrantURL)
	c.Vector.QdrantAPIKey = getEnv("QDRANT_API_KEY", c.Vector.QdrantAPIKey)
	c.Vector.Collection = getEnv("QDRANT_COLLECTION", c.Vector.Collection)

	c.Pipeline.Timeout = getEnvAsDuration("PIPELINE_TIMEOUT", c.Pipeline.Timeout)

	c.Telegram.Token = getEnv("TELEGRAM_TOKEN", c.Telegram.Token)
	c.Callback.URL = getEnv("CALLBACK_URL", c.Callback.URL)
}

// Validate checks the settings every command needs. Serve-only settings are checked by ValidateServe.
func (c *Config) Validate() error {
	if c.Gemini.APIKey == "" {
		return ErrMissingGeminiKey
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.URL == "" {
			return errors.New("database url is required for the sqlite driver")
		}
	case "supabase":
		if c.Database.SupabaseURL == "" || c.Database.SupabaseKey == "" {
			return errors.New("SUPABASE_URL and SUPABASE_KEY are required for the supabase driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Vector.Backend {
	case "memory":
		if c.Database.Driver != "sqlite" {
			return errors.New("the memory vector backend loads embeddings from sqlite")
		}
	case "qdrant":
		if c.Vector.QdrantURL == "" {
			return errors.New("QDRANT_URL is required for the qdrant vector backend")
		}
	case "supabase":
		if c.Database.SupabaseURL == "" || c.Database.SupabaseKey == "" {
			return errors.New("SUPABASE_URL and SUPABASE_KEY are required for the supabase vector backend")
		}
	default:
		return fmt.Errorf("unknown vector backend %q", c.Vector.Backend)
	}
	if c.Pipeline.TopK <= 0 {
		return errors.New("pipeline top_k must be positive")
	}
	if c.Pipeline.Timeout <= 0 {
		return errors.New("pipeline timeout must be positive")
	}
	return nil
}

func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if c.Telegram.Token == "" && c.Callback.URL == "" {
		return ErrNoChannel
	}
	switch c.Session.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}
	if c.Session.TTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	if c.Session.TTL <= c.Pipeline.Timeout {
		return fmt.Errorf("session ttl (%s) must be longer than the pipeline timeout (%s)", c.Session.TTL, c.Pipeline.Timeout)
	}
	if c.Session.DistributedLock && c.Session.LockTTL <= 0 {
		return errors.New("session lock_ttl must be positive when distributed locking is on")
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
