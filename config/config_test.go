package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("CFGTEST")
	require.NoError(t, err)

	assert.Equal(t, 5432, cfg.Store.Port)
	assert.Equal(t, 10, cfg.Store.PoolMinConns)
	assert.Equal(t, 250, cfg.Store.PoolMaxConns)
	assert.Equal(t, 10*time.Second, cfg.Cache.TasksTTL)
	assert.Equal(t, 30*time.Second, cfg.Cache.StatisticsTTL)
	assert.Equal(t, 60*time.Second, cfg.Cache.DocumentsTTL)
	assert.Equal(t, 60*time.Second, cfg.Liveness.HeartbeatExpected)
	assert.Equal(t, 3*time.Minute, cfg.Liveness.InactiveThreshold)
	assert.True(t, cfg.Auth.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CFGTEST_DB_HOST", "db.internal")
	t.Setenv("CFGTEST_DB_POOL_MAX", "50")
	t.Setenv("CFGTEST_HEARTBEAT_INTERVAL", "30s")
	t.Setenv("CFGTEST_AUTH_ENABLED", "false")

	cfg, err := Load("CFGTEST")
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Store.Host)
	assert.Equal(t, 50, cfg.Store.PoolMaxConns)
	assert.Equal(t, 30*time.Second, cfg.Liveness.HeartbeatExpected)
	// inactivity threshold tracks the overridden heartbeat interval
	assert.Equal(t, 90*time.Second, cfg.Liveness.InactiveThreshold)
	assert.False(t, cfg.Auth.Enabled)
}

func TestStoreConfig_ConnString(t *testing.T) {
	cfg := StoreConfig{
		Host: "localhost", Port: 5432, Database: "dispatcher", User: "svc",
		Password: "pw", SSLMode: "disable", PoolMinConns: 10, PoolMaxConns: 250,
	}
	assert.Equal(t,
		"postgresql://svc:pw@localhost:5432/dispatcher?sslmode=disable&pool_min_conns=10&pool_max_conns=250",
		cfg.ConnString())
}

func TestValidator_CollectsErrors(t *testing.T) {
	v := NewValidator()
	v.RequireString("name", "")
	v.RequirePositiveInt("port", 0)
	err := v.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "port must be positive")
}
