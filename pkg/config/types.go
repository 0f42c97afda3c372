// Package config loads and validates the gateway configuration: a YAML
// file (gateway.yaml) for structure and registries, environment variables
// for credentials and endpoints.
package config

import "time"

// CacheConfig bounds the tool-result cache.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TTL returns the entry lifetime as a duration.
func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// BreakerConfig parameterizes the per-MCP circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
}

// Cooldown returns the open-state cool-down as a duration.
func (c BreakerConfig) Cooldown() time.Duration { return time.Duration(c.CooldownSeconds) * time.Second }

// CoordinatorConfig parameterizes MCP health probing and dispatch.
type CoordinatorConfig struct {
	HealthIntervalSeconds  int `yaml:"health_interval_seconds"`
	HealthTimeoutSeconds   int `yaml:"health_timeout_seconds"`
	DispatchTimeoutSeconds int `yaml:"dispatch_timeout_seconds"`

	// MaxConcurrentDispatches bounds the MCP dispatch pool across all sessions.
	MaxConcurrentDispatches int `yaml:"max_concurrent_dispatches"`
}

// HealthInterval returns the probe cadence.
func (c CoordinatorConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// HealthTimeout returns the per-probe timeout.
func (c CoordinatorConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutSeconds) * time.Second
}

// DispatchTimeout returns the per-dispatch timeout.
func (c CoordinatorConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

// LLMConfig parameterizes the provider client and the tool loop.
type LLMConfig struct {
	ToolIterationCap int    `yaml:"tool_iteration_cap"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	Model            string `yaml:"model"`
	BaseURL          string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the provider key.
	// The key itself never appears in YAML.
	APIKeyEnv string `yaml:"api_key_env"`

	// PerTokenPrice is the cost per token (input + output combined).
	PerTokenPrice float64 `yaml:"per_token_price"`
}

// Timeout returns the per-call provider timeout.
func (c LLMConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

// GuardWindow scopes the behavioral-escalation counting window.
type GuardWindow string

const (
	GuardWindowMessage GuardWindow = "message"
	GuardWindowSession GuardWindow = "session"
	GuardWindowDay     GuardWindow = "day"
)

// GuardAction is an escalation response to an unsafe verdict.
type GuardAction string

const (
	GuardActionWarn         GuardAction = "warn"
	GuardActionBlockMessage GuardAction = "block_message"
	GuardActionBlockUser    GuardAction = "block_user"
)

// GuardActions maps escalation tiers to actions. OnUnsafe fires for any
// unsafe verdict below warn_at; AtWarn at warn_at; AtBlock at block_at.
type GuardActions struct {
	OnUnsafe GuardAction `yaml:"on_unsafe"`
	AtWarn   GuardAction `yaml:"at_warn"`
	AtBlock  GuardAction `yaml:"at_block"`
}

// GuardBehavior holds the sliding-window thresholds.
type GuardBehavior struct {
	Window  GuardWindow `yaml:"window"`
	WarnAt  int         `yaml:"warn_at"`
	BlockAt int         `yaml:"block_at"`
}

// PromptGuardConfig parameterizes the external-scorer mediation.
type PromptGuardConfig struct {
	// Enabled defaults to true; a nil pointer means unset.
	Enabled     *bool         `yaml:"enabled"`
	TimeoutMs   int           `yaml:"timeout_ms"`
	Threshold   float64       `yaml:"threshold"`
	BypassRoles []string      `yaml:"bypass_roles"`
	Behavior    GuardBehavior `yaml:"behavior"`
	Actions     GuardActions  `yaml:"actions"`
}

// IsEnabled reports whether screening is on.
func (c PromptGuardConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// Timeout returns the scorer wait bound.
func (c PromptGuardConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// FlowConfig bounds event-log retention.
type FlowConfig struct {
	DefaultTTLHours int `yaml:"default_ttl_hours"`
}

// TTL returns the event-log stream retention.
func (c FlowConfig) TTL() time.Duration { return time.Duration(c.DefaultTTLHours) * time.Hour }

// ConversationConfig bounds duplex connections.
type ConversationConfig struct {
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

// IdleTimeout returns how long a connection may sit without client frames.
func (c ConversationConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// RoleConfig defines the authorization profile of a role.
type RoleConfig struct {
	PermittedMCPs  []string            `yaml:"permitted_mcps"`
	DailyCostLimit float64             `yaml:"daily_cost_limit"`
	ToolAllow      map[string][]string `yaml:"tool_allow,omitempty"`
	ToolDeny       map[string][]string `yaml:"tool_deny,omitempty"`
}

// TransportType identifies the MCP transport mechanism.
type TransportType string

const (
	TransportTypeStdio TransportType = "stdio"
	TransportTypeHTTP  TransportType = "http"
	TransportTypeSSE   TransportType = "sse"
)

// TransportConfig describes how to reach an MCP server.
type TransportConfig struct {
	Type    TransportType     `yaml:"type"`
	URL     string            `yaml:"url,omitempty"`
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	BearerToken string `yaml:"bearer_token,omitempty"`
	TimeoutSecs int    `yaml:"timeout,omitempty"`
}

// Timeout returns the per-request transport timeout, defaulting to 30 s.
func (c TransportConfig) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// MCPServerConfig defines one registered MCP server.
type MCPServerConfig struct {
	Transport TransportConfig `yaml:"transport"`

	// SurchargePerCall is added to session cost for each tool invocation
	// on this server.
	SurchargePerCall float64 `yaml:"surcharge_per_call,omitempty"`

	// NonIdempotentTools lists tools that must never be served from cache,
	// overriding the verb-prefix heuristic.
	NonIdempotentTools []string `yaml:"non_idempotent_tools,omitempty"`
}

// Config is the umbrella configuration object returned by Load and used
// throughout the gateway.
type Config struct {
	configDir string

	WelcomeText string `yaml:"welcome_text"`

	Cache        CacheConfig        `yaml:"cache"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Coordinator  CoordinatorConfig  `yaml:"coordinator"`
	LLM          LLMConfig          `yaml:"llm"`
	PromptGuard  PromptGuardConfig  `yaml:"prompt_guard"`
	Flow         FlowConfig         `yaml:"flow"`
	Conversation ConversationConfig `yaml:"conversation"`

	Roles      map[string]*RoleConfig      `yaml:"roles"`
	MCPServers map[string]*MCPServerConfig `yaml:"mcp_servers"`

	// Built by Load from the maps above.
	RoleRegistry      *RoleRegistry      `yaml:"-"`
	MCPServerRegistry *MCPServerRegistry `yaml:"-"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string { return c.configDir }
