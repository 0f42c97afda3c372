package config

import (
	"errors"
	"fmt"
	"sync"
)

// Registry lookup errors.
var (
	ErrMCPServerNotFound = errors.New("MCP server not found")
	ErrRoleNotFound      = errors.New("role not found")
)

// MCPServerRegistry stores MCP server configurations with thread-safe access.
type MCPServerRegistry struct {
	servers map[string]*MCPServerConfig
	mu      sync.RWMutex
}

// NewMCPServerRegistry creates a registry over the given server map.
func NewMCPServerRegistry(servers map[string]*MCPServerConfig) *MCPServerRegistry {
	if servers == nil {
		servers = make(map[string]*MCPServerConfig)
	}
	return &MCPServerRegistry{servers: servers}
}

// Get retrieves an MCP server configuration by name.
func (r *MCPServerRegistry) Get(name string) (*MCPServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	server, exists := r.servers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrMCPServerNotFound, name)
	}
	return server, nil
}

// Names returns all registered MCP server names.
func (r *MCPServerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	return names
}

// Len returns the number of registered servers.
func (r *MCPServerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// RoleRegistry stores role authorization profiles with thread-safe access.
type RoleRegistry struct {
	roles map[string]*RoleConfig
	mu    sync.RWMutex
}

// NewRoleRegistry creates a registry over the given role map.
func NewRoleRegistry(roles map[string]*RoleConfig) *RoleRegistry {
	if roles == nil {
		roles = make(map[string]*RoleConfig)
	}
	return &RoleRegistry{roles: roles}
}

// Get retrieves a role profile by name.
func (r *RoleRegistry) Get(name string) (*RoleConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, exists := r.roles[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return role, nil
}

// Len returns the number of registered roles.
func (r *RoleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roles)
}
