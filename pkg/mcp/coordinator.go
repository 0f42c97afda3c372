// Package mcp coordinates the fleet of external tool servers: session
// management, health probing, per-MCP circuit breaking, permission
// enforcement, and the tool-result cache.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aegisgw/aegis/pkg/breaker"
	"github.com/aegisgw/aegis/pkg/cache"
	"github.com/aegisgw/aegis/pkg/config"
	"github.com/aegisgw/aegis/pkg/models"
	"github.com/aegisgw/aegis/pkg/version"
)

// qualifiedSeparator joins MCP and tool names into the single identifier
// advertised to the LLM.
const qualifiedSeparator = "__"

// QualifiedName renders an (MCP, tool) pair as one LLM-facing tool name.
func QualifiedName(mcpName, toolName string) string {
	return mcpName + qualifiedSeparator + toolName
}

// SplitQualifiedName inverts QualifiedName.
func SplitQualifiedName(qualified string) (mcpName, toolName string, ok bool) {
	mcpName, toolName, ok = strings.Cut(qualified, qualifiedSeparator)
	return mcpName, toolName, ok && mcpName != "" && toolName != ""
}

// HealthState is an MCP's probed health.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// ToolDescriptor is one advertised tool on one MCP.
type ToolDescriptor struct {
	MCP          string          `json:"mcp"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	ReadOnlyHint *bool           `json:"read_only_hint,omitempty"`
}

// InvokeResult is the outcome of a successful tool invocation.
type InvokeResult struct {
	Content     string
	Fingerprint string
	CacheHit    bool
	Duration    time.Duration
}

// StatusChange describes an MCP health or breaker transition, delivered to
// the coordinator's status callback for admin fan-out.
type StatusChange struct {
	MCP    string
	Health HealthState
	State  breaker.State
}

// caller is the session-level surface the coordinator needs from an MCP
// connection. Production uses the SDK session; tests substitute fakes.
type caller interface {
	listTools(ctx context.Context) ([]ToolDescriptor, error)
	callTool(ctx context.Context, tool string, args map[string]any) (content string, toolErr bool, err error)
	close() error
}

// dialer creates a connected caller for a named MCP.
type dialer func(ctx context.Context, name string, cfg *config.MCPServerConfig) (caller, error)

// Coordinator owns MCP connections and mediates every tool dispatch.
type Coordinator struct {
	registry *config.MCPServerRegistry
	cfg      config.CoordinatorConfig
	cache    *cache.Cache
	breakers *breaker.Registry
	onStatus func(StatusChange)
	dial     dialer
	sem      chan struct{}
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]caller
	tools   map[string][]ToolDescriptor
	health  map[string]HealthState
}

// NewCoordinator wires the coordinator from configuration. onStatus, when
// set, receives health and breaker transitions (best-effort, synchronous).
func NewCoordinator(cfg *config.Config, resultCache *cache.Cache, onStatus func(StatusChange)) *Coordinator {
	c := &Coordinator{
		registry: cfg.MCPServerRegistry,
		cfg:      cfg.Coordinator,
		cache:    resultCache,
		onStatus: onStatus,
		dial:     dialSDK,
		sem:      make(chan struct{}, cfg.Coordinator.MaxConcurrentDispatches),
		logger:   slog.Default().With("component", "mcp"),
		clients:  make(map[string]caller),
		tools:    make(map[string][]ToolDescriptor),
		health:   make(map[string]HealthState),
	}
	c.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown(),
	})
	for _, name := range cfg.MCPServerRegistry.Names() {
		c.health[name] = HealthUnknown
	}
	return c
}

// breakerFor returns the breaker for an MCP, tagging state transitions
// with the MCP name for the status callback.
func (c *Coordinator) breakerFor(name string) *breaker.Breaker {
	return c.breakers.GetWithCallback(name, func(mcp string, from, to breaker.State) {
		c.logger.Info("Breaker state changed", "mcp", mcp, "from", from, "to", to)
		c.notifyStatus(mcp, to)
	})
}

func (c *Coordinator) notifyStatus(mcp string, state breaker.State) {
	if c.onStatus == nil {
		return
	}
	c.mu.Lock()
	health := c.health[mcp]
	c.mu.Unlock()
	c.onStatus(StatusChange{MCP: mcp, Health: health, State: state})
}

// client returns the connected caller for an MCP, dialing on first use.
func (c *Coordinator) client(ctx context.Context, name string) (caller, error) {
	c.mu.Lock()
	if cl, ok := c.clients[name]; ok {
		c.mu.Unlock()
		return cl, nil
	}
	c.mu.Unlock()

	cfg, err := c.registry.Get(name)
	if err != nil {
		return nil, err
	}
	cl, err := c.dial(ctx, name, cfg)
	if err != nil {
		return nil, &TransportError{MCP: name, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.clients[name]; ok {
		// Lost the dial race; keep the established connection.
		go cl.close()
		return existing, nil
	}
	c.clients[name] = cl
	return cl, nil
}

// dropClient discards a connection after a transport failure so the next
// dispatch redials.
func (c *Coordinator) dropClient(name string, cl caller) {
	c.mu.Lock()
	if c.clients[name] == cl {
		delete(c.clients, name)
	}
	c.mu.Unlock()
	go cl.close()
}

// ListTools returns the union of tools across the MCPs the user's role
// permits, with allow/deny filters applied. MCPs whose breaker is open are
// excluded entirely.
func (c *Coordinator) ListTools(ctx context.Context, user *models.UserContext) ([]ToolDescriptor, error) {
	var out []ToolDescriptor
	for _, name := range user.PermittedMCPs {
		if _, err := c.registry.Get(name); err != nil {
			c.logger.Warn("Permitted MCP is not registered", "mcp", name)
			continue
		}
		if c.breakerFor(name).State() == breaker.StateOpen {
			continue
		}
		tools, err := c.advertisedTools(ctx, name)
		if err != nil {
			c.logger.Warn("Failed to list tools", "mcp", name, "error", err)
			continue
		}
		for _, tool := range tools {
			if toolPermitted(user, name, tool.Name) {
				out = append(out, tool)
			}
		}
	}
	return out, nil
}

// advertisedTools returns an MCP's catalog, fetching and caching it on
// first use.
func (c *Coordinator) advertisedTools(ctx context.Context, name string) ([]ToolDescriptor, error) {
	c.mu.Lock()
	if tools, ok := c.tools[name]; ok {
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	cl, err := c.client(ctx, name)
	if err != nil {
		return nil, err
	}
	tools, err := cl.listTools(ctx)
	if err != nil {
		c.dropClient(name, cl)
		return nil, &TransportError{MCP: name, Err: err}
	}

	c.mu.Lock()
	c.tools[name] = tools
	c.mu.Unlock()
	return tools, nil
}

// toolPermitted applies the composed permission check: MCP membership,
// deny list, then allow list when one exists for that MCP.
func toolPermitted(user *models.UserContext, mcpName, toolName string) bool {
	if !slices.Contains(user.PermittedMCPs, mcpName) {
		return false
	}
	if slices.Contains(user.ToolDeny[mcpName], toolName) {
		return false
	}
	if allow, ok := user.ToolAllow[mcpName]; ok {
		return slices.Contains(allow, toolName)
	}
	return true
}

// Invoke validates permission, consults the cache, and on miss dispatches
// through the breaker. Successful results are cached subject to the
// idempotency policy. Cache consultation precedes the breaker check, so a
// cached success can be served while the breaker is open.
func (c *Coordinator) Invoke(ctx context.Context, user *models.UserContext, mcpName, toolName, args string) (*InvokeResult, error) {
	if !toolPermitted(user, mcpName, toolName) {
		return nil, fmt.Errorf("%s/%s: %w", mcpName, toolName, ErrPermissionDenied)
	}
	serverCfg, err := c.registry.Get(mcpName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mcpName, ErrPermissionDenied)
	}

	// Malformed arguments are rejected up front, before the cache and the
	// breaker: no dispatch happens and no breaker outcome is recorded.
	parsed, perr := parseToolArgs(args)
	if perr != nil {
		return nil, &ToolError{MCP: mcpName, Tool: toolName,
			Message: fmt.Sprintf("invalid arguments: %v", perr)}
	}

	fingerprint := cache.Fingerprint(args)
	key := cache.Key{MCP: mcpName, Tool: toolName, Fingerprint: fingerprint}
	cacheable := c.toolCacheable(mcpName, toolName, serverCfg)

	if cacheable {
		if value, ok := c.cache.Get(key); ok {
			return &InvokeResult{Content: string(value), Fingerprint: fingerprint, CacheHit: true}, nil
		}
	}

	br := c.breakerFor(mcpName)
	if err := br.Allow(); err != nil {
		return nil, fmt.Errorf("%s: %w", mcpName, ErrBreakerOpen)
	}

	result, err := c.dispatch(ctx, mcpName, toolName, parsed, fingerprint)
	if err != nil {
		var toolErr *ToolError
		switch {
		case errors.As(err, &toolErr):
			// The server answered; only the tool's own logic failed.
			br.RecordSuccess()
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			// The caller went away mid-dispatch. Not the MCP's fault; it
			// must not count against the breaker other users depend on.
		default:
			br.RecordFailure()
		}
		return nil, err
	}

	br.RecordSuccess()
	if cacheable {
		c.cache.Put(key, []byte(result.Content))
	}
	return result, nil
}

// parseToolArgs decodes the JSON argument object; empty input means no
// arguments.
func parseToolArgs(args string) (map[string]any, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// dispatch performs the actual call under the pool semaphore and timeout.
func (c *Coordinator) dispatch(ctx context.Context, mcpName, toolName string, args map[string]any, fingerprint string) (*InvokeResult, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, &TransportError{MCP: mcpName, Err: ctx.Err()}
	}

	cl, err := c.client(ctx, mcpName)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout())
	defer cancel()

	start := time.Now()
	content, toolFailed, err := cl.callTool(callCtx, toolName, args)
	duration := time.Since(start)

	if err != nil {
		c.dropClient(mcpName, cl)
		return nil, &TransportError{MCP: mcpName, Err: err}
	}
	if toolFailed {
		return nil, &ToolError{MCP: mcpName, Tool: toolName, Message: content}
	}
	return &InvokeResult{Content: content, Fingerprint: fingerprint, Duration: duration}, nil
}

// toolCacheable composes the configured non-idempotent list with the
// descriptor hint and the verb-prefix heuristic.
func (c *Coordinator) toolCacheable(mcpName, toolName string, serverCfg *config.MCPServerConfig) bool {
	if slices.Contains(serverCfg.NonIdempotentTools, toolName) {
		return false
	}
	var hint *bool
	c.mu.Lock()
	for _, tool := range c.tools[mcpName] {
		if tool.Name == toolName {
			hint = tool.ReadOnlyHint
			break
		}
	}
	c.mu.Unlock()
	return cache.Cacheable(toolName, hint)
}

// Health returns the probed health of every registered MCP alongside its
// breaker snapshot.
func (c *Coordinator) Health() map[string]HealthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]HealthState, len(c.health))
	for name, state := range c.health {
		out[name] = state
	}
	return out
}

// BreakerSnapshots exposes breaker state for status endpoints.
func (c *Coordinator) BreakerSnapshots() map[string]breaker.Snapshot {
	return c.breakers.Snapshots()
}

// CacheStats exposes tool-result cache counters.
func (c *Coordinator) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// Close tears down every MCP connection.
func (c *Coordinator) Close() {
	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[string]caller)
	c.mu.Unlock()
	for name, cl := range clients {
		if err := cl.close(); err != nil {
			c.logger.Warn("Failed to close MCP connection", "mcp", name, "error", err)
		}
	}
}

// dialSDK connects an SDK client session over the configured transport.
func dialSDK(ctx context.Context, name string, cfg *config.MCPServerConfig) (caller, error) {
	transport, err := newTransport(name, cfg.Transport)
	if err != nil {
		return nil, err
	}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP %s: %w", name, err)
	}
	return &sdkCaller{mcp: name, session: session}, nil
}

// sdkCaller adapts an SDK client session to the caller interface.
type sdkCaller struct {
	mcp     string
	session *mcpsdk.ClientSession
}

func (s *sdkCaller) listTools(ctx context.Context) ([]ToolDescriptor, error) {
	resp, err := s.session.ListTools(ctx, &mcpsdk.ListToolsParams{})
	if err != nil {
		return nil, err
	}
	tools := make([]ToolDescriptor, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		desc := ToolDescriptor{
			MCP:         s.mcp,
			Name:        tool.Name,
			Description: tool.Description,
		}
		if tool.InputSchema != nil {
			if schema, err := json.Marshal(tool.InputSchema); err == nil {
				desc.InputSchema = schema
			}
		}
		if tool.Annotations != nil {
			hint := tool.Annotations.ReadOnlyHint
			desc.ReadOnlyHint = &hint
		}
		tools = append(tools, desc)
	}
	return tools, nil
}

func (s *sdkCaller) callTool(ctx context.Context, tool string, args map[string]any) (string, bool, error) {
	resp, err := s.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		return "", false, err
	}

	var text strings.Builder
	for _, content := range resp.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			text.WriteString(tc.Text)
		}
	}
	return text.String(), resp.IsError, nil
}

func (s *sdkCaller) close() error {
	return s.session.Close()
}
