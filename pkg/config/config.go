package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Deployment dispatch strategies accepted by DEPLOYMENT_STRATEGY.
const (
	StrategyBus        = "bus"
	StrategyLabel      = "label"
	StrategyDeployment = "deployment"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`
	LogFile   string `mapstructure:"LOG_FILE"`

	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required,url|uri"`

	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	AsynqConcurrency int `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`
	GoMaxProcs       int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`

	// Secrets
	SecretBackend       string        `mapstructure:"SECRET_BACKEND" validate:"required,oneof=env redis"`
	SecretCacheTTL      time.Duration `mapstructure:"SECRET_CACHE_TTL" validate:"gte=0"`
	WebhookSecretID     string        `mapstructure:"WEBHOOK_SECRET_ID" validate:"required"`
	GitHubTokenSecretID string        `mapstructure:"GITHUB_TOKEN_SECRET_ID" validate:"required"`
	DeployTokenSecretID string        `mapstructure:"DEPLOY_TOKEN_SECRET_ID"`

	GitHubAPIURL string `mapstructure:"GITHUB_API_URL" validate:"required,url"`
	AnalyzerURL  string `mapstructure:"ANALYZER_URL" validate:"omitempty,url"`

	// Risk gate
	AutoApproveThreshold    int      `mapstructure:"AUTO_APPROVE_THRESHOLD" validate:"gte=0,lte=101"`
	DeploymentRiskThreshold int      `mapstructure:"DEPLOYMENT_RISK_THRESHOLD" validate:"gte=0,lte=101"`
	RequireTests            bool     `mapstructure:"REQUIRE_TESTS"`
	RequiredChecks          []string `mapstructure:"REQUIRED_CHECKS"`

	// Deployment
	DeploymentStrategy    string        `mapstructure:"DEPLOYMENT_STRATEGY" validate:"required,oneof=bus label deployment"`
	DeploymentEnvironment string        `mapstructure:"DEPLOYMENT_ENVIRONMENT" validate:"required"`
	DeploymentLabel       string        `mapstructure:"DEPLOYMENT_LABEL" validate:"required_if=DeploymentStrategy label"`
	DeployTargetURL       string        `mapstructure:"DEPLOY_TARGET_URL" validate:"required_if=DeploymentStrategy bus,omitempty,url"`
	DeployRollbackURL     string        `mapstructure:"DEPLOY_ROLLBACK_URL" validate:"omitempty,url"`
	DeployTimeout         time.Duration `mapstructure:"DEPLOY_TIMEOUT" validate:"gt=0"`
	DeployMaxRetries      int           `mapstructure:"DEPLOY_MAX_RETRIES" validate:"gte=1,lte=10"`
	DeployDelay           time.Duration `mapstructure:"DEPLOY_DELAY" validate:"gte=0"`
	OrgID                 string        `mapstructure:"ORG_ID"`

	// Retention
	DedupTTL          time.Duration `mapstructure:"DEDUP_TTL" validate:"gt=0"`
	CacheTTL          time.Duration `mapstructure:"CACHE_TTL" validate:"gt=0"`
	ExecutionTTL      time.Duration `mapstructure:"EXECUTION_TTL" validate:"gt=0"`
	RetentionSchedule string        `mapstructure:"RETENTION_SCHEDULE" validate:"required,cronspec"`
}

var (
	cfg      *Config
	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// cronspec accepts five-field cron expressions and descriptors such as "@every 1h".
	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

var keys = []string{
	"APP_ENV",
	"HTTP_ADDR",
	"SHUTDOWN_TIMEOUT",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"LOG_FILE",
	"DATABASE_URL",
	"REDIS_ADDR",
	"REDIS_PASSWORD",
	"ASYNQ_CONCURRENCY",
	"GOMAXPROCS",
	"SECRET_BACKEND",
	"SECRET_CACHE_TTL",
	"WEBHOOK_SECRET_ID",
	"GITHUB_TOKEN_SECRET_ID",
	"DEPLOY_TOKEN_SECRET_ID",
	"GITHUB_API_URL",
	"ANALYZER_URL",
	"AUTO_APPROVE_THRESHOLD",
	"DEPLOYMENT_RISK_THRESHOLD",
	"REQUIRE_TESTS",
	"REQUIRED_CHECKS",
	"DEPLOYMENT_STRATEGY",
	"DEPLOYMENT_ENVIRONMENT",
	"DEPLOYMENT_LABEL",
	"DEPLOY_TARGET_URL",
	"DEPLOY_ROLLBACK_URL",
	"DEPLOY_TIMEOUT",
	"DEPLOY_MAX_RETRIES",
	"DEPLOY_DELAY",
	"ORG_ID",
	"DEDUP_TTL",
	"CACHE_TTL",
	"EXECUTION_TTL",
	"RETENTION_SCHEDULE",
}

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("GOMAXPROCS", 0)
	v.SetDefault("SECRET_BACKEND", "env")
	v.SetDefault("SECRET_CACHE_TTL", "5m")
	v.SetDefault("WEBHOOK_SECRET_ID", "github-webhook-secret")
	v.SetDefault("GITHUB_TOKEN_SECRET_ID", "github-token")
	v.SetDefault("GITHUB_API_URL", "https://api.github.com")
	v.SetDefault("AUTO_APPROVE_THRESHOLD", 30)
	v.SetDefault("DEPLOYMENT_RISK_THRESHOLD", 40)
	v.SetDefault("REQUIRE_TESTS", false)
	v.SetDefault("DEPLOYMENT_STRATEGY", StrategyBus)
	v.SetDefault("DEPLOYMENT_ENVIRONMENT", "production")
	v.SetDefault("DEPLOYMENT_LABEL", "deploy:approved")
	v.SetDefault("DEPLOY_TIMEOUT", "30s")
	v.SetDefault("DEPLOY_MAX_RETRIES", 3)
	v.SetDefault("DEPLOY_DELAY", "0s")
	v.SetDefault("DEDUP_TTL", "24h")
	v.SetDefault("CACHE_TTL", "168h")
	v.SetDefault("EXECUTION_TTL", "2160h")
	v.SetDefault("RETENTION_SCHEDULE", "@every 1h")

	// Optional config file
	_ = v.ReadInConfig()

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Durations may arrive as plain strings from the environment.
	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT": &c.ShutdownTimeout,
		"SECRET_CACHE_TTL": &c.SecretCacheTTL,
		"DEPLOY_TIMEOUT":   &c.DeployTimeout,
		"DEPLOY_DELAY":     &c.DeployDelay,
		"DEDUP_TTL":        &c.DedupTTL,
		"CACHE_TTL":        &c.CacheTTL,
		"EXECUTION_TTL":    &c.ExecutionTTL,
	}
	for key, dst := range durations {
		s := v.GetString(key)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	// REQUIRED_CHECKS is a comma separated list when set through the environment.
	if raw := v.GetString("REQUIRED_CHECKS"); raw != "" {
		c.RequiredChecks = splitList(raw)
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
