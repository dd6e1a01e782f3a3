package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3, cfg.BrowserMaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.MaxNavigationTimeout)
	assert.False(t, cfg.AllowEvaluate)
	assert.True(t, cfg.BlockPrivateAddr)
	assert.False(t, cfg.AllowLocalhost)
	assert.Equal(t, "memory", cfg.SessionStoreType)
	assert.Equal(t, 3, cfg.LLMMaxRetries)
}

func TestBrowserMaxConcurrentClamped(t *testing.T) {
	t.Setenv("BROWSER_MAX_CONCURRENT", "50")
	assert.Equal(t, 10, Load().BrowserMaxConcurrent)

	t.Setenv("BROWSER_MAX_CONCURRENT", "0")
	assert.Equal(t, 1, Load().BrowserMaxConcurrent)

	t.Setenv("BROWSER_MAX_CONCURRENT", "7")
	assert.Equal(t, 7, Load().BrowserMaxConcurrent)
}

func TestMillisecondOptions(t *testing.T) {
	t.Setenv("SESSION_IDLE_MS", "15000")
	t.Setenv("AGENT_NODE_TIMEOUT_MS", "1000")
	cfg := Load()
	assert.Equal(t, 15*time.Second, cfg.SessionIdle)
	assert.Equal(t, time.Second, cfg.AgentNodeTimeout)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("MAX_LLM_CALLS_PER_RUN", "not-a-number")
	t.Setenv("ALLOW_EVALUATE", "maybe")
	cfg := Load()
	assert.Equal(t, 10, cfg.MaxLLMCallsPerRun)
	assert.False(t, cfg.AllowEvaluate)
}

func TestPodIDResolution(t *testing.T) {
	t.Setenv("POD_ID", "pod-7")
	t.Setenv("HOSTNAME", "host-1")
	assert.Equal(t, "pod-7", Load().PodID)

	t.Setenv("POD_ID", "")
	assert.Equal(t, "host-1", Load().PodID)
}
