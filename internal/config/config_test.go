package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wireguard.db", cfg.DatabasePath)
	assert.Equal(t, ":8090", cfg.HTTPListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "local", cfg.Operator)
	assert.False(t, cfg.ProbePrivileged)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WGF_DB", "/var/lib/wgfleet/fleet.db")
	t.Setenv("WGFLEET_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("WGFLEET_PROBE_PRIVILEGED", "true")
	t.Setenv("WGFLEET_S3_BUCKET", "fleet-backups")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/wgfleet/fleet.db", cfg.DatabasePath)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTPListenAddr)
	assert.True(t, cfg.ProbePrivileged)
	assert.Equal(t, "fleet-backups", cfg.S3Bucket)
}

func TestGetBoolBadValueFallsBack(t *testing.T) {
	t.Setenv("WGFLEET_PROBE_PRIVILEGED", "maybe")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.ProbePrivileged)
}
