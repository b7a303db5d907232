package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigHonoursSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, DefaultBackendAddress, cfg.Backend.Address)
	require.Equal(t, DefaultBasePort, cfg.Backend.BasePort)
	require.Equal(t, DefaultMaxBackends, cfg.Backend.MaxBackends)
	require.Equal(t, DefaultMaxFailures, cfg.Backend.MaxFailures)
	require.True(t, cfg.Backend.SelfHeal)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadPoolSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend.MaxBackends = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLoadBalancer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.LoadBalancer = "random"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.Mode = "fibers"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedBufferBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.ReadBufferInitial = 100
	cfg.Proxy.ReadBufferMax = 50
	require.Error(t, cfg.Validate())
}

func TestLoadFallsBackToDefaultsWhenNoConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DefaultBackendAddress, cfg.Backend.Address)
	require.Equal(t, DefaultListenPort, cfg.Listen.Port)
}
