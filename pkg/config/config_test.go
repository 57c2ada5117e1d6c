package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "127.0.0.1:8790", cfg.Addr)
	assert.Equal(t, time.Hour, cfg.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, 120, cfg.RateMax)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	assert.Equal(t, []string{"fs.read", "net.fetch"}, cfg.AllowedCapabilities)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GATEWAY_ADDR", "127.0.0.1:9999")
	t.Setenv("GATEWAY_ACCESS_TTL", "30m")
	t.Setenv("GATEWAY_APPROVAL_TIMEOUT", "120") // bare seconds
	t.Setenv("GATEWAY_CAPABILITIES", "fs.read, shell.exec")
	t.Setenv("GATEWAY_POOL_SIZE", "4")

	cfg := Load()
	assert.Equal(t, "127.0.0.1:9999", cfg.Addr)
	assert.Equal(t, 30*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 2*time.Minute, cfg.ApprovalTimeout)
	assert.Equal(t, []string{"fs.read", "shell.exec"}, cfg.AllowedCapabilities)
	assert.Equal(t, 4, cfg.PoolSize)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("GATEWAY_POOL_SIZE", "many")
	t.Setenv("GATEWAY_RATE_WINDOW", "soon")

	cfg := Load()
	assert.Equal(t, 2, cfg.PoolSize)
	assert.Equal(t, time.Minute, cfg.RateWindow)
}
