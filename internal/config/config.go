package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("MIGRATIONS_DIR", "migrations")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("REQUEST_TIMEOUT")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("MIGRATIONS_DIR")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_SIGNING_KEY.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - Otherwise       → "jwt" (bearer tokens signed with AUTH_SIGNING_KEY)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key must be set so that real JWT authentication is enforced.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\" (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.IsProduction() && mode == "development" {
		return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
	}
	return nil
}
