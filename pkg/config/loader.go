package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// configFileName is the gateway configuration file inside the config dir.
const configFileName = "gateway.yaml"

// Load reads gateway.yaml from configDir, applies defaults, validates, and
// builds the registries. A missing file is not an error: the gateway runs
// on defaults with empty registries (useful for tests and first boot).
func Load(configDir string) (*Config, error) {
	cfg := &Config{configDir: configDir}

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Warn("No gateway.yaml found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}

	cfg.RoleRegistry = NewRoleRegistry(cfg.Roles)
	cfg.MCPServerRegistry = NewMCPServerRegistry(cfg.MCPServers)

	slog.Info("Configuration loaded",
		"config_dir", configDir,
		"roles", cfg.RoleRegistry.Len(),
		"mcp_servers", cfg.MCPServerRegistry.Len())
	return cfg, nil
}

// validate rejects configurations that would misbehave at runtime rather
// than failing loudly here.
func validate(c *Config) error {
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be >= 1, got %d", c.Cache.MaxEntries)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.LLM.ToolIterationCap < 1 {
		return fmt.Errorf("llm.tool_iteration_cap must be >= 1, got %d", c.LLM.ToolIterationCap)
	}
	switch c.PromptGuard.Behavior.Window {
	case GuardWindowMessage, GuardWindowSession, GuardWindowDay:
	default:
		return fmt.Errorf("prompt_guard.behavior.window must be one of message|session|day, got %q",
			c.PromptGuard.Behavior.Window)
	}
	if c.PromptGuard.Behavior.BlockAt < c.PromptGuard.Behavior.WarnAt {
		return fmt.Errorf("prompt_guard.behavior.block_at (%d) must be >= warn_at (%d)",
			c.PromptGuard.Behavior.BlockAt, c.PromptGuard.Behavior.WarnAt)
	}
	for name, server := range c.MCPServers {
		switch server.Transport.Type {
		case TransportTypeStdio:
			if server.Transport.Command == "" {
				return fmt.Errorf("mcp_servers.%s: stdio transport requires command", name)
			}
		case TransportTypeHTTP, TransportTypeSSE:
			if server.Transport.URL == "" {
				return fmt.Errorf("mcp_servers.%s: %s transport requires url", name, server.Transport.Type)
			}
		default:
			return fmt.Errorf("mcp_servers.%s: unsupported transport type %q", name, server.Transport.Type)
		}
	}
	return nil
}
