// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Server exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
// Field defaults match .env.example.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"           envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"  envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ExternalURL            string `env:"EXTERNAL_URL"             envDefault:"http://localhost:8080"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`
	RegistrationMode       string `env:"REGISTRATION_MODE"        envDefault:"invite"`

	// ── Tenancy ──────────────────────────────────────────────────────────────────
	// MultiTenant=false runs the service for a single organization; requests
	// that carry no organization code fall back to DefaultOrgCode instead of
	// being redirected to the selection step.
	MultiTenant    bool   `env:"MULTI_TENANT"     envDefault:"true"`
	DefaultOrgCode string `env:"DEFAULT_ORG_CODE"`
	// OversightRole is the platform role granting read-only access to every
	// organization without a membership.
	OversightRole string `env:"OVERSIGHT_ROLE" envDefault:"oversight"`

	// ── Auth — JWT ───────────────────────────────────────────────────────────────
	JWTSecret    string `env:"JWT_SECRET,required"`
	JWTAlgorithm string `env:"JWT_ALGORITHM" envDefault:"HS256"`

	// ── Auth — Cookies ───────────────────────────────────────────────────────────
	// Must be false for http://localhost; must be true in production with TLS.
	CookieSecure bool `env:"COOKIE_SECURE" envDefault:"false"`

	// ── Auth — Argon2id ──────────────────────────────────────────────────────────
	// Max simultaneous hash operations; each allocates ~19.5 MB.
	Argon2MaxConcurrent int `env:"ARGON2_MAX_CONCURRENT" envDefault:"5"`

	// ── SSO — OIDC ───────────────────────────────────────────────────────────────
	// Any spec-compliant issuer (the government identity provider in
	// production, Keycloak or Dex in development). All three must be set for
	// the /auth/sso routes to activate.
	SSOIssuerURL    string `env:"SSO_ISSUER_URL"`
	SSOClientID     string `env:"SSO_CLIENT_ID"`
	SSOClientSecret string `env:"SSO_CLIENT_SECRET"`

	// ── Email — SMTP ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"obcms@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// ── Invitations ──────────────────────────────────────────────────────────────
	InvitationTTL time.Duration `env:"INVITATION_TTL" envDefault:"168h"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	WorkerPollInterval   time.Duration `env:"WORKER_POLL_INTERVAL"   envDefault:"2s"`
	WorkerStaleThreshold time.Duration `env:"WORKER_STALE_THRESHOLD" envDefault:"5m"`
	WebhookMaxAttempts   int           `env:"WEBHOOK_MAX_ATTEMPTS"   envDefault:"5"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	// Comma-separated CIDRs of trusted reverse proxies; empty = no proxy.
	TrustedProxies    string        `env:"TRUSTED_PROXIES"`
	RateLimitEvictTTL time.Duration `env:"RATE_LIMIT_EVICT_TTL" envDefault:"15m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// SSOEnabled reports whether the OIDC single sign-on flow is configured.
func (c *Config) SSOEnabled() bool {
	return c.SSOIssuerURL != "" && c.SSOClientID != "" && c.SSOClientSecret != ""
}
