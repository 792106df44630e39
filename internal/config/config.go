package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string   `mapstructure:"PORT"`
	Env                string   `mapstructure:"ENV"`
	AuthMode           string   `mapstructure:"AUTH_MODE"`
	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer         string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL        string   `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey     string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int      `mapstructure:"RATE_LIMIT_BURST"`
	StorageBackend     string   `mapstructure:"STORAGE_BACKEND"`
	StepsFile          string   `mapstructure:"STEPS_FILE"`
	RevalidateDelayMS  int      `mapstructure:"REVALIDATE_DELAY_MS"`
	AutosaveIntervalMS int      `mapstructure:"AUTOSAVE_INTERVAL_MS"`
	OpenAIAPIKey       string   `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel        string   `mapstructure:"OPENAI_MODEL"`
	OpenAIBaseURL      string   `mapstructure:"OPENAI_BASE_URL"`
	MigrationsDir      string   `mapstructure:"MIGRATIONS_DIR"`
	ReportArchiveDir   string   `mapstructure:"REPORT_ARCHIVE_DIR"`
}

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

var keys = []string{
	"PORT", "ENV", "AUTH_MODE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"STORAGE_BACKEND", "STEPS_FILE", "REVALIDATE_DELAY_MS", "AUTOSAVE_INTERVAL_MS",
	"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL",
	"MIGRATIONS_DIR", "REPORT_ARCHIVE_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("STORAGE_BACKEND", StorageMemory)
	v.SetDefault("REVALIDATE_DELAY_MS", 300)
	v.SetDefault("AUTOSAVE_INTERVAL_MS", 30000)
	v.SetDefault("OPENAI_MODEL", "gpt-4o")
	v.SetDefault("MIGRATIONS_DIR", "migrations")

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if cfg.StorageBackend == StoragePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND=%s", StoragePostgres)
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in development mode (ENV=development); every request is treated as admin.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedAuthMode returns AUTH_MODE if set, otherwise "development" for
// ENV=development and "jwt" for everything else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

func (c *Config) RevalidateDelay() time.Duration {
	return time.Duration(c.RevalidateDelayMS) * time.Millisecond
}

func (c *Config) AutosaveInterval() time.Duration {
	return time.Duration(c.AutosaveIntervalMS) * time.Millisecond
}

// AutofillEnabled reports whether an OpenAI key is configured.
func (c *Config) AutofillEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// Validate checks that the configuration is safe to run. JWT mode needs
// either a shared signing key or a JWKS endpoint.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.StorageBackend {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND=%s", StoragePostgres)
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageMemory, StoragePostgres, c.StorageBackend)
	}

	if c.RevalidateDelayMS < 0 || c.AutosaveIntervalMS < 0 {
		return fmt.Errorf("REVALIDATE_DELAY_MS and AUTOSAVE_INTERVAL_MS must not be negative")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive, got %v", c.RateLimitRPS)
	}
	return nil
}
