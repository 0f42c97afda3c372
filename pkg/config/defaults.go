package config

// applyDefaults fills every unset configuration key with its documented
// default. Called by Load after YAML decoding, so a missing gateway.yaml
// still yields a runnable configuration.
func applyDefaults(c *Config) {
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 1000
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 300
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.CooldownSeconds == 0 {
		c.Breaker.CooldownSeconds = 30
	}

	if c.Coordinator.HealthIntervalSeconds == 0 {
		c.Coordinator.HealthIntervalSeconds = 30
	}
	if c.Coordinator.HealthTimeoutSeconds == 0 {
		c.Coordinator.HealthTimeoutSeconds = 3
	}
	if c.Coordinator.DispatchTimeoutSeconds == 0 {
		c.Coordinator.DispatchTimeoutSeconds = 30
	}
	if c.Coordinator.MaxConcurrentDispatches == 0 {
		c.Coordinator.MaxConcurrentDispatches = 32
	}

	if c.LLM.ToolIterationCap == 0 {
		c.LLM.ToolIterationCap = 10
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 120
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "LLM_API_KEY"
	}

	if c.PromptGuard.Enabled == nil {
		enabled := true
		c.PromptGuard.Enabled = &enabled
	}
	if c.PromptGuard.TimeoutMs == 0 {
		c.PromptGuard.TimeoutMs = 2000
	}
	if c.PromptGuard.Threshold == 0 {
		c.PromptGuard.Threshold = 0.5
	}
	if c.PromptGuard.Behavior.Window == "" {
		c.PromptGuard.Behavior.Window = GuardWindowSession
	}
	if c.PromptGuard.Behavior.WarnAt == 0 {
		c.PromptGuard.Behavior.WarnAt = 2
	}
	if c.PromptGuard.Behavior.BlockAt == 0 {
		c.PromptGuard.Behavior.BlockAt = 5
	}
	if c.PromptGuard.Actions.OnUnsafe == "" {
		c.PromptGuard.Actions.OnUnsafe = GuardActionWarn
	}
	if c.PromptGuard.Actions.AtWarn == "" {
		c.PromptGuard.Actions.AtWarn = GuardActionBlockMessage
	}
	if c.PromptGuard.Actions.AtBlock == "" {
		c.PromptGuard.Actions.AtBlock = GuardActionBlockUser
	}

	if c.Flow.DefaultTTLHours == 0 {
		c.Flow.DefaultTTLHours = 24
	}

	if c.Conversation.IdleTimeoutSeconds == 0 {
		c.Conversation.IdleTimeoutSeconds = 300
	}

	if c.WelcomeText == "" {
		c.WelcomeText = "Connected. Your message will be routed through your permitted tools."
	}
}
