package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgw/aegis/pkg/breaker"
	"github.com/aegisgw/aegis/pkg/cache"
	"github.com/aegisgw/aegis/pkg/config"
	"github.com/aegisgw/aegis/pkg/models"
)

type fakeCaller struct {
	tools    []ToolDescriptor
	callFn   func(ctx context.Context, tool string, args map[string]any) (string, bool, error)
	dispatch atomic.Int64
}

func (f *fakeCaller) listTools(ctx context.Context) ([]ToolDescriptor, error) {
	return f.tools, nil
}

func (f *fakeCaller) callTool(ctx context.Context, tool string, args map[string]any) (string, bool, error) {
	f.dispatch.Add(1)
	if f.callFn != nil {
		return f.callFn(ctx, tool, args)
	}
	return `{"ok":true}`, false, nil
}

func (f *fakeCaller) close() error { return nil }

func testConfig() *config.Config {
	cfg := &config.Config{
		Cache:   config.CacheConfig{MaxEntries: 100, TTLSeconds: 300},
		Breaker: config.BreakerConfig{FailureThreshold: 3, CooldownSeconds: 30},
		Coordinator: config.CoordinatorConfig{
			HealthIntervalSeconds:   30,
			HealthTimeoutSeconds:    3,
			DispatchTimeoutSeconds:  5,
			MaxConcurrentDispatches: 4,
		},
		MCPServers: map[string]*config.MCPServerConfig{
			"weather_mcp": {Transport: config.TransportConfig{Type: config.TransportTypeHTTP, URL: "http://weather"}},
			"tickets_mcp": {Transport: config.TransportConfig{Type: config.TransportTypeHTTP, URL: "http://tickets"}},
		},
	}
	cfg.MCPServerRegistry = config.NewMCPServerRegistry(cfg.MCPServers)
	return cfg
}

func testUser() *models.UserContext {
	return &models.UserContext{
		ID:            7,
		Username:      "alice",
		Role:          "sre",
		PermittedMCPs: []string{"weather_mcp"},
		Active:        true,
	}
}

// newTestCoordinator wires a coordinator whose dialer hands out fakes. The
// breaker registry is rebuilt with the exact cooldown because the YAML
// config only carries whole seconds.
func newTestCoordinator(t *testing.T, cfg *config.Config, cooldown time.Duration, callers map[string]*fakeCaller) *Coordinator {
	t.Helper()
	c := NewCoordinator(cfg, cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL()), nil)
	c.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cooldown,
	})
	c.dial = func(ctx context.Context, name string, _ *config.MCPServerConfig) (caller, error) {
		cl, ok := callers[name]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return cl, nil
	}
	return c
}

func weatherTools() []ToolDescriptor {
	return []ToolDescriptor{
		{MCP: "weather_mcp", Name: "lookup", Description: "current conditions"},
		{MCP: "weather_mcp", Name: "forecast", Description: "5 day forecast"},
		{MCP: "weather_mcp", Name: "delete_station", Description: "decommission"},
	}
}

func TestListTools_AppliesDenyList(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), time.Minute, map[string]*fakeCaller{
		"weather_mcp": {tools: weatherTools()},
	})
	user := testUser()
	user.ToolDeny = map[string][]string{"weather_mcp": {"delete_station"}}

	tools, err := c.ListTools(context.Background(), user)
	require.NoError(t, err)

	names := toolNames(tools)
	assert.ElementsMatch(t, []string{"lookup", "forecast"}, names)
}

func TestListTools_AllowListWins(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), time.Minute, map[string]*fakeCaller{
		"weather_mcp": {tools: weatherTools()},
	})
	user := testUser()
	user.ToolAllow = map[string][]string{"weather_mcp": {"lookup"}}

	tools, err := c.ListTools(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, []string{"lookup"}, toolNames(tools))
}

func TestListTools_ExcludesOpenBreaker(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), time.Minute, map[string]*fakeCaller{
		"weather_mcp": {tools: weatherTools()},
	})

	br := c.breakerFor("weather_mcp")
	for i := 0; i < 3; i++ {
		br.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, br.State())

	tools, err := c.ListTools(context.Background(), testUser())
	require.NoError(t, err)
	assert.Empty(t, tools, "MCPs with an open breaker must not advertise tools")
}

func TestInvoke_PermissionDenied(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), time.Minute, map[string]*fakeCaller{
		"weather_mcp": {tools: weatherTools()},
		"tickets_mcp": {},
	})

	_, err := c.Invoke(context.Background(), testUser(), "tickets_mcp", "create_ticket", `{}`)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestInvoke_DeniedToolIsRejected(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), time.Minute, map[string]*fakeCaller{
		"weather_mcp": {tools: weatherTools()},
	})
	user := testUser()
	user.ToolDeny = map[string][]string{"weather_mcp": {"lookup"}}

	_, err := c.Invoke(context.Background(), user, "weather_mcp", "lookup", `{}`)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestInvoke_CachesIdempotentResults(t *testing.T) {
	fake := &fakeCaller{tools: weatherTools()}
	c := newTestCoordinator(t, testConfig(), time.Minute, map[string]*fakeCaller{"weather_mcp": fake})
	ctx := context.Background()

	first, err := c.Invoke(ctx, testUser(), "weather_mcp", "lookup", `{"city":"NYC"}`)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	// Identical arguments with different formatting hit the same entry.
	second, err := c.Invoke(ctx, testUser(), "weather_mcp", "lookup", `{ "city": "NYC" }`)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, int64(1), fake.dispatch.Load(), "cache hit must not dispatch")
}

func TestInvoke_WriteLikeToolBypassesCache(t *testing.T) {
	fake := &fakeCaller{tools: weatherTools()}
	c := newTestCoordinator(t, testConfig(), time.Minute, map[string]*fakeCaller{"weather_mcp": fake})
	ctx := context.Background()

	_, err := c.Invoke(ctx, testUser(), "weather_mcp", "delete_station", `{"id":3}`)
	require.NoError(t, err)
	_, err = c.Invoke(ctx, testUser(), "weather_mcp", "delete_station", `{"id":3}`)
	require.NoError(t, err)

	assert.Equal(t, int64(2), fake.dispatch.Load(), "non-idempotent calls always dispatch")
}

func TestInvoke_BreakerTripsAtThresholdAndAdmitsSingleProbe(t *testing.T) {
	fail := errors.New("connection reset")
	fake := &fakeCaller{
		tools:  weatherTools(),
		callFn: func(context.Context, string, map[string]any) (string, bool, error) { return "", false, fail },
	}
	c := newTestCoordinator(t, testConfig(), 50*time.Millisecond, map[string]*fakeCaller{"weather_mcp": fake})
	ctx := context.Background()

	// Distinct arguments so the cache never interferes.
	for i := 0; i < 3; i++ {
		_, err := c.Invoke(ctx, testUser(), "weather_mcp", "lookup", argN(i))
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
	}
	require.Equal(t, int64(3), fake.dispatch.Load())

	// Breaker is now open: dispatch is rejected without touching the MCP.
	_, err := c.Invoke(ctx, testUser(), "weather_mcp", "lookup", argN(4))
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, int64(3), fake.dispatch.Load(), "open breaker must not dispatch")

	time.Sleep(60 * time.Millisecond)

	// After the cool-down exactly one probe goes through.
	fake.callFn = nil
	_, err = c.Invoke(ctx, testUser(), "weather_mcp", "lookup", argN(5))
	require.NoError(t, err)
	assert.Equal(t, int64(4), fake.dispatch.Load())
}

func TestInvoke_ToolErrorDoesNotTripBreaker(t *testing.T) {
	fake := &fakeCaller{
		tools: weatherTools(),
		callFn: func(context.Context, string, map[string]any) (string, bool, error) {
			return "unknown city", true, nil
		},
	}
	c := newTestCoordinator(t, testConfig(), time.Minute, map[string]*fakeCaller{"weather_mcp": fake})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := c.Invoke(ctx, testUser(), "weather_mcp", "lookup", argN(i))
		var toolErr *ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, "unknown city", toolErr.Message)
	}

	assert.Equal(t, breaker.StateClosed, c.breakerFor("weather_mcp").State(),
		"user-caused tool errors must not count as failures")
}

func TestInvoke_CachedSuccessServedWhileBreakerOpen(t *testing.T) {
	fake := &fakeCaller{tools: weatherTools()}
	c := newTestCoordinator(t, testConfig(), time.Minute, map[string]*fakeCaller{"weather_mcp": fake})
	ctx := context.Background()

	first, err := c.Invoke(ctx, testUser(), "weather_mcp", "lookup", `{"city":"NYC"}`)
	require.NoError(t, err)

	br := c.breakerFor("weather_mcp")
	for i := 0; i < 3; i++ {
		br.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, br.State())

	cached, err := c.Invoke(ctx, testUser(), "weather_mcp", "lookup", `{"city":"NYC"}`)
	require.NoError(t, err, "cache consultation precedes the breaker check")
	assert.True(t, cached.CacheHit)
	assert.Equal(t, first.Content, cached.Content)
}

func TestInvoke_InvalidArgumentsAreToolError(t *testing.T) {
	fake := &fakeCaller{tools: weatherTools()}
	c := newTestCoordinator(t, testConfig(), time.Minute, map[string]*fakeCaller{"weather_mcp": fake})

	_, err := c.Invoke(context.Background(), testUser(), "weather_mcp", "lookup", `{not json`)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, int64(0), fake.dispatch.Load())
}

func TestInvoke_ClientCancellationDoesNotTripBreaker(t *testing.T) {
	fake := &fakeCaller{tools: weatherTools()}
	c := newTestCoordinator(t, testConfig(), time.Minute, map[string]*fakeCaller{"weather_mcp": fake})

	// Warm the connection so cancellation is the only failure mode left.
	_, err := c.Invoke(context.Background(), testUser(), "weather_mcp", "lookup", argN(0))
	require.NoError(t, err)

	fake.callFn = func(ctx context.Context, _ string, _ map[string]any) (string, bool, error) {
		return "", false, ctx.Err()
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	// More aborted dispatches than the failure threshold.
	for i := 1; i <= 4; i++ {
		_, err := c.Invoke(cancelled, testUser(), "weather_mcp", "lookup", argN(i))
		require.Error(t, err)
	}
	assert.Equal(t, breaker.StateClosed, c.breakerFor("weather_mcp").State(),
		"a caller hanging up must not poison the breaker for everyone else")

	// Other users are unaffected.
	fake.callFn = nil
	_, err = c.Invoke(context.Background(), testUser(), "weather_mcp", "lookup", argN(9))
	require.NoError(t, err)
}

func TestInvoke_InvalidArgumentsDoNotCloseHalfOpenBreaker(t *testing.T) {
	fail := errors.New("connection reset")
	fake := &fakeCaller{
		tools:  weatherTools(),
		callFn: func(context.Context, string, map[string]any) (string, bool, error) { return "", false, fail },
	}
	c := newTestCoordinator(t, testConfig(), 50*time.Millisecond, map[string]*fakeCaller{"weather_mcp": fake})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Invoke(ctx, testUser(), "weather_mcp", "lookup", argN(i))
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
	}
	require.Equal(t, breaker.StateOpen, c.breakerFor("weather_mcp").State())

	time.Sleep(60 * time.Millisecond)

	// Malformed arguments are rejected before the breaker sees anything:
	// no dispatch, no probe consumed, no success recorded.
	_, err := c.Invoke(ctx, testUser(), "weather_mcp", "lookup", `{not json`)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, int64(3), fake.dispatch.Load())
	assert.NotEqual(t, breaker.StateClosed, c.breakerFor("weather_mcp").State(),
		"the breaker must not close without a real probe reaching the MCP")

	// The real probe is still available and closes the breaker.
	fake.callFn = nil
	_, err = c.Invoke(ctx, testUser(), "weather_mcp", "lookup", argN(7))
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, c.breakerFor("weather_mcp").State())
}

func TestQualifiedName_RoundTrip(t *testing.T) {
	q := QualifiedName("weather_mcp", "lookup")
	assert.Equal(t, "weather_mcp__lookup", q)

	mcpName, toolName, ok := SplitQualifiedName(q)
	require.True(t, ok)
	assert.Equal(t, "weather_mcp", mcpName)
	assert.Equal(t, "lookup", toolName)

	_, _, ok = SplitQualifiedName("noseparator")
	assert.False(t, ok)
}

func toolNames(tools []ToolDescriptor) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}

func argN(n int) string {
	return fmt.Sprintf(`{"n":%d}`, n)
}
