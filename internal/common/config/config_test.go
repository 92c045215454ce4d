package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfigAddr(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 7591}
	assert.Equal(t, "127.0.0.1:7591", s.Addr())
}

func TestRuntimeConfigDurationHelpers(t *testing.T) {
	r := RuntimeConfig{RPCTimeoutSeconds: 120, ShutdownGraceSeconds: 2, SSEKeepaliveSeconds: 15}
	assert.Equal(t, 120*time.Second, r.RPCTimeout())
	assert.Equal(t, 2*time.Second, r.ShutdownGrace())
	assert.Equal(t, 15*time.Second, r.SSEKeepalive())
}

func TestLoadAppliesBuiltInDefaultsWithNoConfigFilePresent(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7591", cfg.Server.Addr())
	assert.Equal(t, 512, cfg.Runtime.RingCapacity)
	assert.Equal(t, "", cfg.Events.NATSURL)
	assert.Equal(t, "acpruntime.events", cfg.Events.NATSSubjectPrefix)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ACPRUNTIME_SERVER_PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}
