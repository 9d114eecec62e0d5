package config

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"learnhub.io/internal/auth"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Empty(t, cfg.PGDSN)
	require.Equal(t, []string{"*"}, cfg.CORSOrigins)
	require.False(t, cfg.IsProduction())
	require.Equal(t, auth.DefaultSecurityConfig(), cfg.SecurityConfig())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LEARNHUB_ENV", "production")
	t.Setenv("LEARNHUB_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("LEARNHUB_SECURITY_SESSION_DURATION", "1h")
	t.Setenv("LEARNHUB_SECURITY_REFRESH_DURATION", "24h")
	t.Setenv("LEARNHUB_SECURITY_LOGIN_MAX", "20")
	t.Setenv("LEARNHUB_REDIS_ADDR", "127.0.0.1:6379")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	require.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)

	sec := cfg.SecurityConfig()
	require.Equal(t, time.Hour, sec.Session.MaxDuration)
	require.Equal(t, 24*time.Hour, sec.Session.RefreshDuration)
	require.Equal(t, 20, sec.RateLimits.Login.Max)
}

func TestLoadRejectsInvalidSecurity(t *testing.T) {
	t.Setenv("LEARNHUB_SECURITY_SESSION_DURATION", "48h")
	t.Setenv("LEARNHUB_SECURITY_REFRESH_DURATION", "24h")
	_, err := Load()
	require.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestLoadRequiresAdminPair(t *testing.T) {
	t.Setenv("LEARNHUB_BOOTSTRAP_ADMIN_EMAIL", "root@example.com")
	_, err := Load()
	require.Error(t, err)
	require.False(t, errors.Is(err, auth.ErrInvalidInput))
}

func TestLoadTrustedProxies(t *testing.T) {
	t.Setenv("LEARNHUB_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.7")
	cfg, err := Load()
	require.NoError(t, err)

	prefixes, err := cfg.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	require.True(t, prefixes[0].Contains(netip.MustParseAddr("10.1.2.3")))
	require.True(t, prefixes[1].Contains(netip.MustParseAddr("192.0.2.7")))
	require.False(t, prefixes[1].Contains(netip.MustParseAddr("192.0.2.8")))
}

func TestLoadRejectsBadTrustedProxy(t *testing.T) {
	t.Setenv("LEARNHUB_TRUSTED_PROXIES", "10.0.0.0/33")
	_, err := Load()
	require.Error(t, err)
}
