package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                    string        `mapstructure:"PORT"`
	Env                     string        `mapstructure:"ENV"`
	AuthMode                string        `mapstructure:"AUTH_MODE"`
	DatabaseURL             string        `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultSite             string        `mapstructure:"DEFAULT_SITE"`
	AuthIssuer              string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience            string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL             string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey          string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins             []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS            float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst          int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout          time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MaxRetestAttempts       int           `mapstructure:"MAX_RETEST_ATTEMPTS"`
	MaxRecollectionAttempts int           `mapstructure:"MAX_RECOLLECTION_ATTEMPTS"`
	NATSURL                 string        `mapstructure:"NATS_URL"`
	NATSSubjectPrefix       string        `mapstructure:"NATS_SUBJECT_PREFIX"`
	WebhookURLs             []string      `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret           string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents           []string      `mapstructure:"WEBHOOK_EVENTS"`
	OTelEndpoint            string        `mapstructure:"OTEL_ENDPOINT"`
	LISAPIURL               string        `mapstructure:"LIS_API_URL"`
	LISAPIToken             string        `mapstructure:"LIS_API_TOKEN"`
	LISClientTimeout        time.Duration `mapstructure:"LIS_CLIENT_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_SITE", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"MAX_RETEST_ATTEMPTS", "MAX_RECOLLECTION_ATTEMPTS", "NATS_URL", "NATS_SUBJECT_PREFIX",
	"WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_EVENTS", "OTEL_ENDPOINT", "LIS_API_URL", "LIS_API_TOKEN", "LIS_CLIENT_TIMEOUT",
}

// Load reads configuration from .env and the environment. It does not
// validate server settings; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_SITE", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MAX_RETEST_ATTEMPTS", 2)
	v.SetDefault("MAX_RECOLLECTION_ATTEMPTS", 1)
	v.SetDefault("NATS_SUBJECT_PREFIX", "lis")
	v.SetDefault("LIS_API_URL", "http://localhost:8000")
	v.SetDefault("LIS_CLIENT_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.WebhookURLs = splitList(cfg.WebhookURLs, v.GetString("WEBHOOK_URLS"))
	cfg.WebhookEvents = splitList(cfg.WebhookEvents, v.GetString("WEBHOOK_EVENTS"))

	return cfg, nil
}

// splitList normalises a comma-separated setting. Viper leaves list fields
// nil when the value comes from the environment as a single string.
func splitList(list []string, raw string) []string {
	if len(list) == 0 && raw != "" {
		list = strings.Split(raw, ",")
	}
	out := list[:0]
	for _, item := range list {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests act as admin)
//   - otherwise       → "jwt"
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to serve with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid pool size: DB_MIN_CONNS=%d DB_MAX_CONNS=%d", c.DBMinConns, c.DBMaxConns)
	}
	if c.MaxRetestAttempts < 0 {
		return fmt.Errorf("MAX_RETEST_ATTEMPTS must be >= 0, got %d", c.MaxRetestAttempts)
	}
	if c.MaxRecollectionAttempts < 0 {
		return fmt.Errorf("MAX_RECOLLECTION_ATTEMPTS must be >= 0, got %d", c.MaxRecollectionAttempts)
	}
	for _, u := range c.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("WEBHOOK_URLS entries must be http or https URLs, got %q", u)
		}
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must be >= 0")
	}
	return nil
}
