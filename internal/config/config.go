// Package config loads process configuration from LEARNHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"learnhub.io/internal/auth"
)

const prefix = "LEARNHUB"

// Config holds runtime configuration for authd.
type Config struct {
	Env             string        `envconfig:"ENV" default:"development"`
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`

	// PGDSN selects the PostgreSQL stores. Empty keeps everything in memory.
	PGDSN string `envconfig:"PG_DSN"`
	// RedisAddr selects the shared rate limiter. Empty uses the in-process limiter.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
	// IPRate and IPBurst bound requests per client address across the HTTP API.
	IPRate  float64 `envconfig:"IP_RATE" default:"20"`
	IPBurst int     `envconfig:"IP_BURST" default:"40"`
	// TrustedProxies lists the CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES"`

	BootstrapAdminEmail    string `envconfig:"BOOTSTRAP_ADMIN_EMAIL"`
	BootstrapAdminPassword string `envconfig:"BOOTSTRAP_ADMIN_PASSWORD"`

	Security SecurityEnv `envconfig:"SECURITY"`
}

// SecurityEnv overrides selected fields of auth.DefaultSecurityConfig.
type SecurityEnv struct {
	PasswordMinLength int           `envconfig:"PASSWORD_MIN_LENGTH" default:"12"`
	SessionDuration   time.Duration `envconfig:"SESSION_DURATION" default:"8h"`
	RefreshDuration   time.Duration `envconfig:"REFRESH_DURATION" default:"168h"`
	MaxSessions       int           `envconfig:"MAX_SESSIONS" default:"5"`
	LockoutAttempts   int           `envconfig:"LOCKOUT_ATTEMPTS" default:"5"`
	LockoutDuration   time.Duration `envconfig:"LOCKOUT_DURATION" default:"15m"`
	LoginWindow       time.Duration `envconfig:"LOGIN_WINDOW" default:"15m"`
	LoginMax          int           `envconfig:"LOGIN_MAX" default:"10"`
	RegisterWindow    time.Duration `envconfig:"REGISTER_WINDOW" default:"1h"`
	RegisterMax       int           `envconfig:"REGISTER_MAX" default:"10"`
	MFAIssuer         string        `envconfig:"MFA_ISSUER" default:"LearnHub"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if (c.BootstrapAdminEmail == "") != (c.BootstrapAdminPassword == "") {
		errs = append(errs, errors.New("bootstrap admin email and password must be set together"))
	}
	if c.IPRate <= 0 || c.IPBurst < 1 {
		errs = append(errs, errors.New("ip rate and burst must be positive"))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if err := c.SecurityConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TrustedProxyPrefixes parses TrustedProxies. Bare addresses become single-host prefixes.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// IsProduction returns true when the service runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}

// SecurityConfig applies the environment overrides to the auth defaults.
func (c *Config) SecurityConfig() auth.SecurityConfig {
	sec := auth.DefaultSecurityConfig()
	s := c.Security
	sec.Password.MinLength = s.PasswordMinLength
	sec.Session.MaxDuration = s.SessionDuration
	sec.Session.RefreshDuration = s.RefreshDuration
	sec.Session.MaxConcurrent = s.MaxSessions
	sec.Lockout.MaxFailedAttempts = s.LockoutAttempts
	sec.Lockout.Duration = s.LockoutDuration
	sec.RateLimits.Login = auth.RateLimitRule{Window: s.LoginWindow, Max: s.LoginMax}
	sec.RateLimits.Register = auth.RateLimitRule{Window: s.RegisterWindow, Max: s.RegisterMax}
	sec.MFA.Issuer = s.MFAIssuer
	return sec
}
