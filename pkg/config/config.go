// Package config loads platform configuration from environment variables.
// Every option has a default; values outside sane bounds are clamped rather
// than rejected so a partially configured deployment still starts.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the umbrella configuration object built once at startup and
// injected into subsystems. Nothing reads the environment after Load.
type Config struct {
	Port string

	// Browser session manager
	BrowserMaxConcurrent   int
	SessionIdle            time.Duration
	MaxNavigationTimeout   time.Duration
	AllowEvaluate          bool
	BlockPrivateAddr       bool
	AllowLocalhost         bool
	AllowDownloads         bool

	// Per-run budgets and deadlines
	MaxLLMCallsPerRun    int
	MaxBrowserStepsPerRun int
	AgentNodeTimeout     time.Duration
	AgentRunTimeout      time.Duration

	// Dispatch
	AsyncJobs bool
	RedisAddr string
	PodID     string

	// Tenant limits
	UserRateLimitPerMinute int
	UserMaxConcurrentRuns  int

	// Persistence
	SessionStoreType string // "memory" or "postgres"
	DatabaseURL      string

	// Idempotency
	IdempotencyTTL time.Duration

	// Auth: token → user id. Empty means dev mode where the bearer token
	// itself names the user.
	AuthTokens map[string]string

	// LLM providers
	DefaultProvider string
	DefaultModel    string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	LLMMaxRetries   int
}

// Load reads all recognized environment options, applying defaults and
// clamping BROWSER_MAX_CONCURRENT to 1..10.
func Load() *Config {
	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		BrowserMaxConcurrent:   clamp(getEnvInt("BROWSER_MAX_CONCURRENT", 3), 1, 10),
		SessionIdle:            getEnvMs("SESSION_IDLE_MS", 5*time.Minute),
		MaxNavigationTimeout:   getEnvMs("MAX_NAVIGATION_TIMEOUT_MS", 30*time.Second),
		AllowEvaluate:          getEnvBool("ALLOW_EVALUATE", false),
		BlockPrivateAddr:       getEnvBool("BLOCK_PRIVATE_ADDR", true),
		AllowLocalhost:         getEnvBool("ALLOW_LOCALHOST", false),
		AllowDownloads:         getEnvBool("ALLOW_DOWNLOADS", false),
		MaxLLMCallsPerRun:      getEnvInt("MAX_LLM_CALLS_PER_RUN", 10),
		MaxBrowserStepsPerRun:  getEnvInt("MAX_BROWSER_STEPS_PER_RUN", 25),
		AgentNodeTimeout:       getEnvMs("AGENT_NODE_TIMEOUT_MS", 2*time.Minute),
		AgentRunTimeout:        getEnvMs("AGENT_RUN_TIMEOUT_MS", 5*time.Minute),
		AsyncJobs:              getEnvBool("ASYNC_JOBS", false),
		RedisAddr:              getEnv("REDIS_ADDR", "localhost:6379"),
		PodID:                  resolvePodID(),
		UserRateLimitPerMinute: getEnvInt("USER_RATE_LIMIT_PER_MINUTE", 60),
		UserMaxConcurrentRuns:  getEnvInt("USER_MAX_CONCURRENT_RUNS", 5),
		SessionStoreType:       getEnv("SESSION_STORE_TYPE", "memory"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		IdempotencyTTL:         getEnvMs("IDEMPOTENCY_TTL_MS", 24*time.Hour),
		AuthTokens:             parseTokens(os.Getenv("AUTH_TOKENS")),
		DefaultProvider:        os.Getenv("LLM_DEFAULT_PROVIDER"),
		DefaultModel:           os.Getenv("LLM_DEFAULT_MODEL"),
		AnthropicAPIKey:        os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:           os.Getenv("OPENAI_API_KEY"),
		LLMMaxRetries:          getEnvInt("LLM_MAX_RETRIES", 3),
	}
	return cfg
}

// resolvePodID determines the worker identity for queue consumer groups.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// parseTokens reads "token:user,token2:user2" pairs. Malformed pairs are
// skipped.
func parseTokens(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		token, user, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || token == "" || user == "" {
			continue
		}
		out[token] = user
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvMs(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.ParseInt(val, 10, 64); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
