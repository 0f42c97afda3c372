// Package authz runs the per-message checkpoint pipeline: identity, block
// flag, active flag, daily budget, MCP permission, and tool filtering.
// Every stage leaves a flow event so the admin plane can replay decisions.
package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/aegisgw/aegis/pkg/config"
	"github.com/aegisgw/aegis/pkg/flow"
	"github.com/aegisgw/aegis/pkg/mcp"
	"github.com/aegisgw/aegis/pkg/models"
	"github.com/aegisgw/aegis/pkg/store"
)

// UserStore loads user records. Satisfied by *store.Store.
type UserStore interface {
	LoadUser(ctx context.Context, userID int64) (*store.UserRow, error)
}

// UsageReader reads accumulated daily spend. Satisfied by *store.Store.
type UsageReader interface {
	DailyUsage(ctx context.Context, userID int64, now time.Time) (float64, error)
}

// ToolLister resolves the permitted tool catalog. Satisfied by
// *mcp.Coordinator.
type ToolLister interface {
	ListTools(ctx context.Context, user *models.UserContext) ([]mcp.ToolDescriptor, error)
}

// Result is the frozen pipeline output the chat engine consumes.
type Result struct {
	User            *models.UserContext
	Tools           []mcp.ToolDescriptor
	UsedToday       float64
	RemainingBudget float64
	Welcome         string
	AvailableMCPs   []string
}

// Pipeline runs the checkpoints in order, recording one flow event per
// stage on the session.
type Pipeline struct {
	users   UserStore
	usage   UsageReader
	tools   ToolLister
	roles   *config.RoleRegistry
	tracker *flow.Tracker
	welcome string
}

// NewPipeline wires the pipeline.
func NewPipeline(users UserStore, usage UsageReader, tools ToolLister, roles *config.RoleRegistry, tracker *flow.Tracker, welcome string) *Pipeline {
	return &Pipeline{
		users:   users,
		usage:   usage,
		tools:   tools,
		roles:   roles,
		tracker: tracker,
		welcome: welcome,
	}
}

// Run executes all checkpoints for one message. On failure it records an
// error flow event and returns a typed error; the caller maps it to a
// client frame.
func (p *Pipeline) Run(ctx context.Context, sess *models.Session, identity *models.Identity) (*Result, error) {
	user, err := p.authCheck(ctx, sess, identity)
	if err != nil {
		return nil, p.fail(ctx, sess, "auth_check", err)
	}
	if err := p.blockCheck(ctx, sess, user); err != nil {
		return nil, p.fail(ctx, sess, "block_check", err)
	}
	used, remaining, err := p.usageCheck(ctx, sess, user)
	if err != nil {
		return nil, p.fail(ctx, sess, "usage_check", err)
	}
	p.mcpPermissionCheck(ctx, sess, user)
	tools, err := p.toolFilter(ctx, sess, user)
	if err != nil {
		return nil, p.fail(ctx, sess, "tool_filter", err)
	}

	return &Result{
		User:            user,
		Tools:           tools,
		UsedToday:       used,
		RemainingBudget: remaining,
		Welcome:         p.welcome,
		AvailableMCPs:   user.PermittedMCPs,
	}, nil
}

// fail records the error as a flow event before returning it.
func (p *Pipeline) fail(ctx context.Context, sess *models.Session, stage string, err error) error {
	p.tracker.Record(ctx, sess, "", models.EventError, map[string]any{
		"stage": stage,
		"error": err.Error(),
	})
	return err
}

// authCheck resolves the injected identity into a full user context by
// merging the stored user record with its role's capabilities.
func (p *Pipeline) authCheck(ctx context.Context, sess *models.Session, identity *models.Identity) (*models.UserContext, error) {
	if identity == nil || identity.UserID <= 0 {
		return nil, ErrAuthMissing
	}

	row, err := p.users.LoadUser(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", identity.UserID, ErrAuthMissing)
	}
	role, err := p.roles.Get(row.Role)
	if err != nil {
		return nil, fmt.Errorf("role %q: %w", row.Role, ErrAuthMissing)
	}

	user := &models.UserContext{
		ID:             row.ID,
		Username:       row.Username,
		Role:           row.Role,
		PermittedMCPs:  role.PermittedMCPs,
		ToolAllow:      role.ToolAllow,
		ToolDeny:       role.ToolDeny,
		Blocked:        row.Blocked,
		BlockReason:    row.BlockReason,
		Active:         row.Active,
		DailyCostLimit: role.DailyCostLimit,
	}

	p.tracker.Record(ctx, sess, "", models.EventAuthCheck, map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
	return user, nil
}

// blockCheck rejects blocked and inactive accounts. The active flag is
// part of this stage's payload rather than a stage of its own.
func (p *Pipeline) blockCheck(ctx context.Context, sess *models.Session, user *models.UserContext) error {
	if user.Blocked {
		return &BlockedError{Reason: user.BlockReason}
	}
	if !user.Active {
		return ErrInactive
	}
	p.tracker.Record(ctx, sess, "", models.EventBlockCheck, map[string]any{
		"blocked": false,
		"active":  true,
	})
	return nil
}

// usageCheck compares today's accumulated spend against the role's daily
// limit. A limit of zero or below means unlimited.
func (p *Pipeline) usageCheck(ctx context.Context, sess *models.Session, user *models.UserContext) (used, remaining float64, err error) {
	now := time.Now()
	used, err = p.usage.DailyUsage(ctx, user.ID, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read daily usage: %w", err)
	}

	limit := user.DailyCostLimit
	if limit > 0 && used >= limit {
		return used, 0, &QuotaError{
			Used:  used,
			Limit: limit,
			Reset: now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour),
		}
	}

	remaining = 0
	if limit > 0 {
		remaining = limit - used
	}
	p.tracker.Record(ctx, sess, "", models.EventUsageCheck, map[string]any{
		"used_today": used,
		"limit":      limit,
		"remaining":  remaining,
	})
	return used, remaining, nil
}

// mcpPermissionCheck records which MCPs the role grants. An empty set is
// not an error; the user simply chats without tools.
func (p *Pipeline) mcpPermissionCheck(ctx context.Context, sess *models.Session, user *models.UserContext) {
	p.tracker.Record(ctx, sess, "", models.EventMCPPermissionCheck, map[string]any{
		"permitted_mcps": user.PermittedMCPs,
	})
}

// toolFilter resolves the final tool catalog with allow/deny applied and
// records the filter summary.
func (p *Pipeline) toolFilter(ctx context.Context, sess *models.Session, user *models.UserContext) ([]mcp.ToolDescriptor, error) {
	tools, err := p.tools.ListTools(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	byMCP := make(map[string]int)
	for _, tool := range tools {
		byMCP[tool.MCP]++
	}
	p.tracker.Record(ctx, sess, "", models.EventToolFilter, map[string]any{
		"tool_count": len(tools),
		"by_mcp":     byMCP,
	})
	return tools, nil
}
