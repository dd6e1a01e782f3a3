package models

import "time"

// AgentKind is the family a run is executed by.
type AgentKind string

const (
	AgentEcho     AgentKind = "ECHO"
	AgentBrowser  AgentKind = "BROWSER"
	AgentGen      AgentKind = "GEN"
	AgentResearch AgentKind = "RESEARCH"
)

// Valid reports whether k names a known agent kind.
func (k AgentKind) Valid() bool {
	switch k {
	case AgentEcho, AgentBrowser, AgentGen, AgentResearch:
		return true
	}
	return false
}

// RateLimit constrains an agent to requests per rolling window.
type RateLimit struct {
	Requests int   `json:"requests"`
	WindowMs int64 `json:"window_ms"`
}

// SecurityConfig scopes the domains an agent may touch and the request
// sizes it accepts.
type SecurityConfig struct {
	AllowedDomains []string `json:"allowed_domains,omitempty"`
	BlockedDomains []string `json:"blocked_domains,omitempty"`
	MaxRequestSize int64    `json:"max_request_size,omitempty"`
}

// AgentConfig carries per-agent execution limits.
type AgentConfig struct {
	TimeoutMs  int64           `json:"timeout_ms"`
	MaxRetries int             `json:"max_retries"`
	RateLimit  *RateLimit      `json:"rate_limit,omitempty"`
	Security   *SecurityConfig `json:"security,omitempty"`
}

// Agent is the static descriptor of a registered agent.
type Agent struct {
	ID           string      `json:"id"`
	Kind         AgentKind   `json:"kind"`
	Name         string      `json:"name"`
	Version      string      `json:"version"`
	Capabilities []string    `json:"capabilities"`
	Config       AgentConfig `json:"config"`
	IsActive     bool        `json:"is_active"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}
