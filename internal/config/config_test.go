package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	v := NewViper()
	cfg, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, defaultBindAddr, cfg.BindAddr)
	require.Equal(t, defaultDataDir, cfg.DataDir)
	require.Equal(t, defaultMinLength, cfg.PasswordRequirements.MinLength)
	require.Equal(t, defaultMaxAttempts, cfg.RateLimit.MaxAttempts)
	require.Equal(t, defaultIdleUnloadSecs, cfg.IdleUnloadSecs)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("MEETSERVER_BIND_ADDR", "0.0.0.0:9999")

	v := NewViper()
	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.BindAddr)
}

func TestLoad_ExplicitSetOverridesEnv(t *testing.T) {
	t.Setenv("MEETSERVER_BIND_ADDR", "0.0.0.0:9999")

	v := NewViper()
	v.Set("bind_addr", "10.0.0.1:1111")
	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:1111", cfg.BindAddr)
}

func TestLoad_RejectsEmptyDataDir(t *testing.T) {
	v := NewViper()
	v.Set("data_dir", "")
	_, err := Load(v)
	require.Error(t, err)
}

func TestLoad_RejectsBadBackoffBounds(t *testing.T) {
	v := NewViper()
	v.Set("rate_limit.max_backoff_secs", 1)
	v.Set("rate_limit.base_backoff_secs", 10)
	_, err := Load(v)
	require.Error(t, err)
}
