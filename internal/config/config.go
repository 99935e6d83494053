package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	MongoDB     MongoDBConfig
	Redis       RedisConfig
	S3          S3Config
	JWT         JWTConfig
	OTEL        OTELConfig
	Attachments AttachmentsConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	MaxUploadSizeMB int64
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
}

// S3Config holds the object store connection shared by S3-backed attachments
type S3Config struct {
	Endpoint        string // empty for AWS
	Region          string
	Bucket          string // default bucket when a definition names none
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PublicURL       string // overrides the URL prefix of stored objects
}

// Enabled reports whether an S3 client should be built.
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" || c.AccessKeyID != "" || c.Bucket != ""
}

// JWTConfig holds bearer token verification settings
type JWTConfig struct {
	Secret string
}

// OTELConfig holds OpenTelemetry export settings
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string
	InstanceID     string
	Token          string
	Enabled        bool
}

// AttachmentsConfig locates attachment definitions and local storage
type AttachmentsConfig struct {
	DefinitionsFile string
	Root            string
	TempDir         string
	URLCacheTTL     time.Duration
	PublicPrefix    string
}

// Load reads configuration from environment variables
// It attempts to load from .env file first, then falls back to system env vars
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			MaxUploadSizeMB: getEnvAsInt64("MAX_UPLOAD_SIZE_MB", 20),
		},
		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGODB_DATABASE", "stapler"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		S3: S3Config{
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Bucket:          getEnv("S3_BUCKET", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			UsePathStyle:    getEnvAsBool("S3_USE_PATH_STYLE", false),
			PublicURL:       getEnv("S3_PUBLIC_URL", ""),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "stapler"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			Environment:    getEnv("OTEL_ENVIRONMENT", "development"),
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			InstanceID:     getEnv("OTEL_INSTANCE_ID", ""),
			Token:          getEnv("OTEL_TOKEN", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		Attachments: AttachmentsConfig{
			DefinitionsFile: getEnv("ATTACHMENTS_FILE", "attachments.yaml"),
			Root:            getEnv("ATTACHMENTS_ROOT", "public"),
			TempDir:         getEnv("ATTACHMENTS_TEMP_DIR", os.TempDir()),
			URLCacheTTL:     getEnvAsDuration("ATTACHMENTS_URL_CACHE_TTL", 10*time.Minute),
			PublicPrefix:    getEnv("ATTACHMENTS_PUBLIC_PREFIX", "/system"),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Attachments.DefinitionsFile == "" {
		return fmt.Errorf("ATTACHMENTS_FILE is required")
	}
	if c.S3.AccessKeyID != "" && c.S3.SecretAccessKey == "" {
		return fmt.Errorf("S3_SECRET_ACCESS_KEY is required when S3_ACCESS_KEY_ID is set")
	}
	if c.OTEL.Enabled && c.OTEL.Endpoint == "" {
		return fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED is true")
	}
	if !strings.HasPrefix(c.Attachments.PublicPrefix, "/") {
		return fmt.Errorf("ATTACHMENTS_PUBLIC_PREFIX must start with /")
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt64 retrieves an environment variable as int64 or returns a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
