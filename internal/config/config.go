package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const minSecretLength = 32

// Placeholder secrets copied from sample env files.
var placeholderSecrets = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"change-me":                            true,
}

// Gateway modes. The mode is fixed for the lifetime of the process.
const (
	GatewayModePanel = "panel"
	GatewayModeFake  = "fake"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	JWT            JWTConfig
	Gateway        GatewayConfig
	Referral       ReferralConfig
	Logging        LoggingConfig
	InternalSecret string
}

type ServerConfig struct {
	Port            string        `validate:"required,numeric"`
	Mode            string        `validate:"oneof=debug release test"`
	PublicBaseURL   string        `validate:"required,url"`
	Brand           string        `validate:"required"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

type DatabaseConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	User     string `validate:"required"`
	Password string
	DBName   string `validate:"required"`
	SSLMode  string `validate:"oneof=disable require verify-ca verify-full prefer allow"`
	MaxConns int32  `validate:"gte=1"`
	MinConns int32  `validate:"gte=0,ltefield=MaxConns"`
}

// RedisConfig backs the panel session cache and the bundle store. When
// disabled both live in process memory.
type RedisConfig struct {
	Enabled  bool
	Addr     string `validate:"required_if=Enabled true"`
	Password string
	DB       int `validate:"gte=0"`
}

type JWTConfig struct {
	SecretKey string
}

type GatewayConfig struct {
	Mode               string        `validate:"oneof=panel fake"`
	SessionTTL         time.Duration `validate:"gt=0"`
	ProbeTimeout       time.Duration `validate:"gt=0"`
	ProvisionTimeout   time.Duration `validate:"gt=0"`
	ProbeConcurrency   int           `validate:"gte=1"`
	InsecureSkipVerify bool
}

type ReferralConfig struct {
	BonusDays int `validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8005"),
			Mode:            getEnv("GIN_MODE", "release"), // 默认为 release 模式
			PublicBaseURL:   strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8005"), "/"),
			Brand:           getEnv("BRAND_NAME", "GramVPN"),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "storefront"),
			Password: getEnv("DB_PASSWORD", "storefront"),
			DBName:   getEnv("DB_NAME", "storefront"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 5)),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", ""),
		},
		Gateway: GatewayConfig{
			Mode:               getEnv("GATEWAY_MODE", GatewayModePanel),
			SessionTTL:         getEnvDuration("GATEWAY_SESSION_TTL", 30*time.Minute),
			ProbeTimeout:       getEnvDuration("GATEWAY_PROBE_TIMEOUT", 5*time.Second),
			ProvisionTimeout:   getEnvDuration("GATEWAY_PROVISION_TIMEOUT", 15*time.Second),
			ProbeConcurrency:   getEnvInt("GATEWAY_PROBE_CONCURRENCY", 16),
			InsecureSkipVerify: getEnvBool("GATEWAY_INSECURE_SKIP_VERIFY", false),
		},
		Referral: ReferralConfig{
			BonusDays: getEnvInt("REFERRAL_BONUS_DAYS", 7),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		InternalSecret: getEnv("INTERNAL_SECRET", ""),
	}

	return cfg
}

// Validate 验证配置有效性，生产环境必须设置安全的密钥
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// 生产环境必须设置安全的密钥
	if err := checkSecret("JWT_SECRET_KEY", c.JWT.SecretKey); err != nil {
		return err
	}
	if err := checkSecret("INTERNAL_SECRET", c.InternalSecret); err != nil {
		return err
	}

	if c.Gateway.Mode == GatewayModeFake && c.Server.Mode == "release" {
		return fmt.Errorf("GATEWAY_MODE=fake is not allowed with GIN_MODE=release")
	}

	return nil
}

func checkSecret(name, value string) error {
	switch {
	case value == "":
		return fmt.Errorf("%s is required", name)
	case placeholderSecrets[strings.ToLower(value)]:
		return fmt.Errorf("%s is a placeholder value", name)
	case len(value) < minSecretLength:
		return fmt.Errorf("%s must be at least %d characters", name, minSecretLength)
	}
	return nil
}

// ValidateDatabase checks only the settings needed to reach PostgreSQL. Used
// by the operator CLI, which never serves user traffic.
func (c *Config) ValidateDatabase() error {
	if err := validator.New().Struct(c.Database); err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
