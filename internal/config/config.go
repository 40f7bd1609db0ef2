// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

type Config struct {
	Environment string
	LogLevel    string
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	Escrow      EscrowConfig
	Payment     PaymentConfig
	AWS         AWSConfig
	Workers     WorkersConfig
	Frontend    FrontendConfig
}

type FrontendConfig struct {
	BaseURL        string
	AllowedOrigins []string
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
}

type DatabaseConfig struct {
	Driver       string // postgres | sqlite
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	SQLitePath   string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	LogLevel     string
}

type JWTConfig struct {
	SecretKey      string
	AccessTokenTTL int // in hours
}

// EscrowConfig configures the escrow provider gateway and its outbound dispatcher.
type EscrowConfig struct {
	Provider         string // http | stripe | sandbox
	BaseURL          string
	APIKey           string
	SigningSecret    string
	SecretKey        string // hex, 32 bytes; encrypts per-transaction webhook secrets at rest
	RequestTimeout   time.Duration
	RetryInitial     time.Duration
	RetryMaxInterval time.Duration
	RetryMaxAttempts int
	PollInterval     time.Duration
	BreakerFailures  uint32
	BreakerCooldown  time.Duration
}

type PaymentConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeFeeAccountID  string
	Currency            string
	PlatformFeePercent  float64
}

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ArchiveBucket   string
}

type WorkersConfig struct {
	LOISweepInterval time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "postgres"),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "bizmarket"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			SQLitePath:   getEnv("DB_SQLITE_PATH", "bizmarket.db"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
			LogLevel:     getEnv("DB_LOG_LEVEL", "warn"),
		},
		JWT: JWTConfig{
			SecretKey:      getEnv("JWT_SECRET", defaultJWTSecret),
			AccessTokenTTL: getEnvAsInt("JWT_ACCESS_TTL", 24),
		},
		Escrow: EscrowConfig{
			Provider:         strings.ToLower(getEnv("ESCROW_PROVIDER", "sandbox")),
			BaseURL:          getEnv("ESCROW_PROVIDER_URL", ""),
			APIKey:           getEnv("ESCROW_PROVIDER_API_KEY", ""),
			SigningSecret:    getEnv("ESCROW_PROVIDER_SIGNING_SECRET", ""),
			SecretKey:        getEnv("ESCROW_SECRET_KEY", ""),
			RequestTimeout:   getEnvAsDuration("ESCROW_REQUEST_TIMEOUT", 15*time.Second),
			RetryInitial:     getEnvAsDuration("ESCROW_RETRY_INITIAL", 500*time.Millisecond),
			RetryMaxInterval: getEnvAsDuration("ESCROW_RETRY_MAX_INTERVAL", 30*time.Second),
			RetryMaxAttempts: getEnvAsInt("ESCROW_RETRY_MAX_ATTEMPTS", 6),
			PollInterval:     getEnvAsDuration("ESCROW_DISPATCH_INTERVAL", 2*time.Second),
			BreakerFailures:  uint32(getEnvAsInt("ESCROW_BREAKER_FAILURES", 5)),
			BreakerCooldown:  getEnvAsDuration("ESCROW_BREAKER_COOLDOWN", time.Minute),
		},
		Payment: PaymentConfig{
			StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			StripeFeeAccountID:  getEnv("STRIPE_FEE_ACCOUNT_ID", ""),
			Currency:            strings.ToLower(getEnv("PAYMENT_CURRENCY", "usd")),
			PlatformFeePercent:  getEnvAsFloat("PLATFORM_FEE_PERCENT", 5.0),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:   getEnv("AWS_ARCHIVE_BUCKET", "bizmarket-escrow-archive"),
		},
		Workers: WorkersConfig{
			LOISweepInterval: getEnvAsDuration("LOI_SWEEP_INTERVAL", time.Minute),
		},
		Frontend: FrontendConfig{
			BaseURL:        getEnv("FRONTEND_BASE_URL", "http://localhost:3000"),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == defaultJWTSecret && c.Environment == "production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Database.Password == "" && c.Database.Driver == "postgres" && c.Environment == "production" {
		return fmt.Errorf("database password is required in production")
	}

	switch c.Escrow.Provider {
	case "sandbox":
		if c.Environment == "production" {
			return fmt.Errorf("sandbox escrow provider cannot be used in production")
		}
	case "http":
		if c.Escrow.BaseURL == "" {
			return fmt.Errorf("ESCROW_PROVIDER_URL is required for the http provider")
		}
	case "stripe":
		if c.Payment.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for the stripe provider")
		}
	default:
		return fmt.Errorf("unknown escrow provider %q", c.Escrow.Provider)
	}

	if c.Escrow.SecretKey == "" && c.Environment == "production" {
		return fmt.Errorf("ESCROW_SECRET_KEY is required in production")
	}

	if c.Payment.PlatformFeePercent < 0 || c.Payment.PlatformFeePercent >= 100 {
		return fmt.Errorf("platform fee percent must be in [0, 100)")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
