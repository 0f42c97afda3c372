package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgw/aegis/pkg/config"
	"github.com/aegisgw/aegis/pkg/flow"
	"github.com/aegisgw/aegis/pkg/mcp"
	"github.com/aegisgw/aegis/pkg/models"
	"github.com/aegisgw/aegis/pkg/store"
)

type staticTools struct {
	tools []mcp.ToolDescriptor
}

func (s *staticTools) ListTools(_ context.Context, _ *models.UserContext) ([]mcp.ToolDescriptor, error) {
	return s.tools, nil
}

func testRoles() *config.RoleRegistry {
	return config.NewRoleRegistry(map[string]*config.RoleConfig{
		"sre": {
			PermittedMCPs:  []string{"weather_mcp"},
			DailyCostLimit: 1.0,
		},
	})
}

func testPipeline(users *MemoryUserStore) *Pipeline {
	tools := &staticTools{tools: []mcp.ToolDescriptor{
		{MCP: "weather_mcp", Name: "lookup"},
	}}
	return NewPipeline(users, users, tools, testRoles(), flow.NewTracker(nil, nil), "welcome aboard")
}

func alice() store.UserRow {
	return store.UserRow{ID: 7, Username: "alice", Role: "sre", Active: true}
}

func TestPipeline_HappyPathEmitsStageEvents(t *testing.T) {
	p := testPipeline(NewMemoryUserStore(alice()))
	sess := models.NewSession(7, "", models.SourceChatWS, false)

	result, err := p.Run(context.Background(), sess, &models.Identity{UserID: 7, Username: "alice", Role: "sre"})
	require.NoError(t, err)

	assert.Equal(t, int64(7), result.User.ID)
	assert.Equal(t, []string{"weather_mcp"}, result.AvailableMCPs)
	assert.Len(t, result.Tools, 1)
	assert.Equal(t, "welcome aboard", result.Welcome)
	assert.Equal(t, 1.0, result.RemainingBudget)

	kinds := make([]models.EventKind, 0, len(sess.Events))
	for _, ev := range sess.Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []models.EventKind{
		models.EventAuthCheck,
		models.EventBlockCheck,
		models.EventUsageCheck,
		models.EventMCPPermissionCheck,
		models.EventToolFilter,
	}, kinds, "checkpoints must run and record in order")
}

func TestPipeline_MissingIdentity(t *testing.T) {
	p := testPipeline(NewMemoryUserStore(alice()))
	sess := models.NewSession(0, "", models.SourceChatWS, false)

	_, err := p.Run(context.Background(), sess, nil)
	assert.ErrorIs(t, err, ErrAuthMissing)

	require.Len(t, sess.Events, 1)
	assert.Equal(t, models.EventError, sess.Events[0].Kind)
}

func TestPipeline_UnknownUser(t *testing.T) {
	p := testPipeline(NewMemoryUserStore(alice()))
	sess := models.NewSession(99, "", models.SourceChatWS, false)

	_, err := p.Run(context.Background(), sess, &models.Identity{UserID: 99})
	assert.ErrorIs(t, err, ErrAuthMissing)
}

func TestPipeline_BlockedUser(t *testing.T) {
	blocked := alice()
	blocked.Blocked = true
	blocked.BlockReason = "repeated injection attempts"
	p := testPipeline(NewMemoryUserStore(blocked))
	sess := models.NewSession(7, "", models.SourceChatWS, false)

	_, err := p.Run(context.Background(), sess, &models.Identity{UserID: 7})

	var blockedErr *BlockedError
	require.ErrorAs(t, err, &blockedErr)
	assert.Equal(t, "repeated injection attempts", blockedErr.Reason)
}

func TestPipeline_InactiveUser(t *testing.T) {
	inactive := alice()
	inactive.Active = false
	p := testPipeline(NewMemoryUserStore(inactive))
	sess := models.NewSession(7, "", models.SourceChatWS, false)

	_, err := p.Run(context.Background(), sess, &models.Identity{UserID: 7})
	assert.ErrorIs(t, err, ErrInactive)
}

func TestPipeline_QuotaExceeded(t *testing.T) {
	users := NewMemoryUserStore(alice())
	users.AddSpend(7, 1.5)
	p := testPipeline(users)
	sess := models.NewSession(7, "", models.SourceChatWS, false)

	_, err := p.Run(context.Background(), sess, &models.Identity{UserID: 7})

	var quotaErr *QuotaError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, 1.5, quotaErr.Used)
	assert.Equal(t, 1.0, quotaErr.Limit)
	assert.False(t, quotaErr.Reset.IsZero())
}

func TestPipeline_ExactlyAtLimitIsDenied(t *testing.T) {
	users := NewMemoryUserStore(alice())
	users.AddSpend(7, 1.0)
	p := testPipeline(users)
	sess := models.NewSession(7, "", models.SourceChatWS, false)

	_, err := p.Run(context.Background(), sess, &models.Identity{UserID: 7})

	var quotaErr *QuotaError
	assert.ErrorAs(t, err, &quotaErr, "used == limit must deny")
}

func TestPipeline_ZeroLimitMeansUnlimited(t *testing.T) {
	roles := config.NewRoleRegistry(map[string]*config.RoleConfig{
		"sre": {PermittedMCPs: []string{"weather_mcp"}},
	})
	users := NewMemoryUserStore(alice())
	users.AddSpend(7, 123.0)
	p := NewPipeline(users, users, &staticTools{}, roles, flow.NewTracker(nil, nil), "")
	sess := models.NewSession(7, "", models.SourceChatWS, false)

	result, err := p.Run(context.Background(), sess, &models.Identity{UserID: 7})
	require.NoError(t, err)
	assert.Equal(t, 123.0, result.UsedToday)
}
