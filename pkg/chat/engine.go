// Package chat runs the per-message turn: authorization, prompt-guard
// screening, and the interleaved LLM⇄tool loop, streaming frames to the
// client as they happen.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegisgw/aegis/pkg/authz"
	"github.com/aegisgw/aegis/pkg/config"
	"github.com/aegisgw/aegis/pkg/flow"
	"github.com/aegisgw/aegis/pkg/guard"
	"github.com/aegisgw/aegis/pkg/llm"
	"github.com/aegisgw/aegis/pkg/mcp"
	"github.com/aegisgw/aegis/pkg/models"
)

// ErrIterationCap is returned when the LLM loop hits the configured
// iteration cap without the model finishing.
var ErrIterationCap = errors.New("tool iteration cap reached")

// FrameSink delivers server frames to one client. The WebSocket handler
// and the NDJSON one-shot handler both satisfy it.
type FrameSink interface {
	Send(ctx context.Context, frame *models.ServerFrame) error
}

// Screener decides whether a message may reach the LLM. Satisfied by
// *guard.Mediator.
type Screener interface {
	Bypassed(user *models.UserContext) bool
	Screen(ctx context.Context, user *models.UserContext, message string) guard.Verdict
}

// ToolInvoker dispatches tool calls. Satisfied by *mcp.Coordinator.
type ToolInvoker interface {
	Invoke(ctx context.Context, user *models.UserContext, mcpName, toolName, args string) (*mcp.InvokeResult, error)
}

// UserBlocker flips the durable block flag when guard escalation reaches
// block_user. Satisfied by *store.Store.
type UserBlocker interface {
	SetBlocked(ctx context.Context, userID int64, blocked bool, reason string) error
}

// Engine owns the message-handling logic shared by the duplex WebSocket
// path and the one-shot stream path.
type Engine struct {
	cfg       *config.Config
	pipeline  *authz.Pipeline
	mediator  Screener
	escalator *guard.Escalator
	blocker   UserBlocker
	provider  llm.Client
	invoker   ToolInvoker
	tracker   *flow.Tracker
	monitors  *flow.MonitorSet
	logger    *slog.Logger
}

// NewEngine wires the engine.
func NewEngine(cfg *config.Config, pipeline *authz.Pipeline, mediator Screener, escalator *guard.Escalator, blocker UserBlocker, provider llm.Client, invoker ToolInvoker, tracker *flow.Tracker, monitors *flow.MonitorSet) *Engine {
	return &Engine{
		cfg:       cfg,
		pipeline:  pipeline,
		mediator:  mediator,
		escalator: escalator,
		blocker:   blocker,
		provider:  provider,
		invoker:   invoker,
		tracker:   tracker,
		monitors:  monitors,
		logger:    slog.Default().With("component", "chat"),
	}
}

// Conversation is the per-connection state of a duplex chat: a stable
// identity plus the accumulated message history the LLM sees each turn.
type Conversation struct {
	ID       string
	Identity *models.Identity
	Sink     FrameSink

	messages []llm.Message
}

// NewConversation allocates conversation state at connection handshake.
func (e *Engine) NewConversation(identity *models.Identity, sink FrameSink) *Conversation {
	return &Conversation{
		ID:       uuid.New().String(),
		Identity: identity,
		Sink:     sink,
	}
}

// Close releases per-conversation escalation state.
func (e *Engine) Close(conv *Conversation) {
	if conv.Identity != nil {
		e.escalator.EndSession(conv.Identity.UserID, conv.ID)
	}
}

// Greet validates the connection by running the checkpoint pipeline once
// and sends the welcome frame with budget and MCP availability. The probe
// session is ephemeral and never archived. A pipeline failure means the
// connection should be refused; the typed error is returned for mapping.
func (e *Engine) Greet(ctx context.Context, conv *Conversation) error {
	probe := models.NewSession(conv.Identity.UserID, conv.ID, models.SourceChatWS, false)
	result, err := e.pipeline.Run(ctx, probe, conv.Identity)
	if err != nil {
		e.sendErrorFrame(ctx, conv.Sink, err)
		return err
	}

	return conv.Sink.Send(ctx, &models.ServerFrame{
		Type: models.FrameWelcome,
		Text: result.Welcome,
		Usage: &models.UsageInfo{
			UsedToday: result.UsedToday,
			Limit:     result.User.DailyCostLimit,
			Remaining: result.RemainingBudget,
		},
		AvailableMCPs: result.AvailableMCPs,
	})
}

// HandleMessage runs one full turn for a duplex conversation. The returned
// error is non-nil only when the connection itself is beyond saving
// (client gone); recoverable failures are reported as error frames and
// leave the connection open.
func (e *Engine) HandleMessage(ctx context.Context, conv *Conversation, text string) error {
	sess := models.NewSession(conv.Identity.UserID, conv.ID, models.SourceChatWS,
		e.monitors.IsMonitored(conv.Identity.UserID))
	return e.runTurn(ctx, sess, conv, conv.Identity, conv.Sink, text)
}

// HandleOneShot runs a single message with no conversation state: fresh
// history, no conversation id on the audit trail.
func (e *Engine) HandleOneShot(ctx context.Context, identity *models.Identity, sink FrameSink, text string) error {
	sess := models.NewSession(identity.UserID, "", models.SourceChatSSE,
		e.monitors.IsMonitored(identity.UserID))
	conv := &Conversation{ID: sess.ID, Identity: identity, Sink: sink}
	// The escalation window keyed by this one-shot session ends with it.
	defer e.escalator.EndSession(identity.UserID, conv.ID)
	return e.runTurn(ctx, sess, conv, identity, sink, text)
}

// runTurn is the shared turn body: pipeline, guard, LLM loop, accounting,
// archive. Every terminal path archives the session exactly once.
func (e *Engine) runTurn(ctx context.Context, sess *models.Session, conv *Conversation, identity *models.Identity, sink FrameSink, text string) error {
	result, err := e.pipeline.Run(ctx, sess, identity)
	if err != nil {
		e.sendErrorFrame(ctx, sink, err)
		e.finish(sess, false)
		return nil
	}
	user := result.User

	if proceed := e.screen(ctx, sess, conv, user, sink, text); !proceed {
		e.finish(sess, false)
		return nil
	}

	conv.messages = append(conv.messages, llm.Message{Role: llm.RoleUser, Content: text})
	success, err := e.llmLoop(ctx, sess, conv, user, sink, result.Tools)
	if err != nil {
		// Client gone: archive what we have and surrender the connection.
		e.tracker.Record(context.WithoutCancel(ctx), sess, "", models.EventError, map[string]any{
			"kind":  "client_gone",
			"error": err.Error(),
		})
		e.finish(sess, false)
		return err
	}

	e.applyCost(sess)
	if success {
		if err := sink.Send(ctx, &models.ServerFrame{
			Type:   models.FrameDone,
			Result: &models.DoneResult{Tokens: sess.InputTokens + sess.OutputTokens, Cost: sess.Cost},
		}); err != nil {
			e.finish(sess, true)
			return err
		}
	}
	e.finish(sess, success)
	return nil
}

// finish archives the session and its audit record. Best-effort; uses a
// fresh context so client cancellation cannot abort archival.
func (e *Engine) finish(sess *models.Session, success bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.tracker.Archive(ctx, sess, success)
}

// screen runs prompt-guard mediation and applies the escalation action.
// Returns false when the message must not reach the LLM.
func (e *Engine) screen(ctx context.Context, sess *models.Session, conv *Conversation, user *models.UserContext, sink FrameSink, text string) bool {
	if e.mediator == nil || e.mediator.Bypassed(user) {
		return true
	}

	verdict := e.mediator.Screen(ctx, user, text)
	if verdict.Safe && verdict.Score < e.cfg.PromptGuard.Threshold {
		return true
	}

	action := e.escalator.RecordUnsafe(user.ID, conv.ID)
	switch action {
	case config.GuardActionWarn:
		e.sendFrame(ctx, sink, &models.ServerFrame{
			Type: models.FrameWarning,
			Text: "Your message was flagged by content screening: " + verdict.Reason,
		})
		return true

	case config.GuardActionBlockUser:
		reason := "prompt-guard escalation: " + verdict.Reason
		if err := e.blocker.SetBlocked(ctx, user.ID, true, reason); err != nil {
			e.logger.Error("Failed to block user", "user_id", user.ID, "error", err)
		}
		e.recordGuardRefusal(ctx, sess, verdict, action)
		e.sendFrame(ctx, sink, &models.ServerFrame{
			Type:  models.FrameError,
			Error: "account blocked after repeated unsafe messages",
			Code:  "PromptUnsafe",
		})
		return false

	default: // block_message
		e.recordGuardRefusal(ctx, sess, verdict, action)
		e.sendFrame(ctx, sink, &models.ServerFrame{
			Type:  models.FrameError,
			Error: "message refused by content screening: " + verdict.Reason,
			Code:  "PromptUnsafe",
		})
		return false
	}
}

func (e *Engine) recordGuardRefusal(ctx context.Context, sess *models.Session, verdict guard.Verdict, action config.GuardAction) {
	e.tracker.Record(ctx, sess, "", models.EventError, map[string]any{
		"stage":  "prompt_guard",
		"score":  verdict.Score,
		"reason": verdict.Reason,
		"action": string(action),
	})
}

// llmLoop alternates between streaming LLM output and dispatching the tool
// calls it requests, until the model answers without tool use or the
// iteration cap trips. Returns success=false for recoverable failures that
// were already reported as error frames; err is non-nil only for client
// disconnect.
func (e *Engine) llmLoop(ctx context.Context, sess *models.Session, conv *Conversation, user *models.UserContext, sink FrameSink, tools []mcp.ToolDescriptor) (bool, error) {
	specs := toolSpecs(tools)

	for iteration := 1; ; iteration++ {
		if iteration > e.cfg.LLM.ToolIterationCap {
			e.tracker.Record(ctx, sess, "", models.EventError, map[string]any{
				"stage":      "llm_loop",
				"error":      ErrIterationCap.Error(),
				"iterations": iteration - 1,
			})
			e.sendFrame(ctx, sink, &models.ServerFrame{
				Type:  models.FrameError,
				Error: ErrIterationCap.Error(),
				Code:  "IterationCap",
			})
			return false, nil
		}

		thinking := e.tracker.Record(ctx, sess, "", models.EventLLMThinking, map[string]any{
			"iteration": iteration,
		})

		stream, err := e.provider.Generate(ctx, &llm.GenerateInput{
			Messages: conv.messages,
			Tools:    specs,
		})
		if err != nil {
			return false, e.llmFailure(ctx, sess, sink, err)
		}

		var reply strings.Builder
		var calls []llm.ToolCall
		var streamErr error
		for chunk := range stream {
			switch chunk.Kind {
			case llm.ChunkText:
				reply.WriteString(chunk.Text)
				if err := sink.Send(ctx, &models.ServerFrame{Type: models.FrameToken, Text: chunk.Text}); err != nil {
					return false, err
				}
			case llm.ChunkToolCall:
				calls = append(calls, *chunk.ToolCall)
			case llm.ChunkUsage:
				sess.InputTokens += chunk.Usage.InputTokens
				sess.OutputTokens += chunk.Usage.OutputTokens
			case llm.ChunkError:
				streamErr = chunk.Err
			}
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if streamErr != nil {
			return false, e.llmFailure(ctx, sess, sink, streamErr)
		}

		conv.messages = append(conv.messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   reply.String(),
			ToolCalls: calls,
		})

		if len(calls) == 0 {
			e.tracker.Record(ctx, sess, thinking.ID, models.EventLLMComplete, map[string]any{
				"iterations":    iteration,
				"input_tokens":  sess.InputTokens,
				"output_tokens": sess.OutputTokens,
			})
			return true, nil
		}

		// Serial dispatch in emission order keeps tool_call/tool_result
		// events strictly ordered.
		for _, call := range calls {
			if err := e.dispatchTool(ctx, sess, conv, user, sink, thinking.ID, call); err != nil {
				return false, err
			}
			if err := ctx.Err(); err != nil {
				return false, err
			}
		}
	}
}

// llmFailure reports a provider failure as a flow event and an error frame.
func (e *Engine) llmFailure(ctx context.Context, sess *models.Session, sink FrameSink, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	e.tracker.Record(ctx, sess, "", models.EventError, map[string]any{
		"stage": "llm",
		"error": cause.Error(),
	})
	e.sendFrame(ctx, sink, &models.ServerFrame{
		Type:  models.FrameError,
		Error: "language model request failed",
		Code:  "LLMError",
	})
	return nil
}

// dispatchTool invokes one tool call, records events and frames, and
// appends the result (or the error, visibly) to the conversation so the
// model can recover.
func (e *Engine) dispatchTool(ctx context.Context, sess *models.Session, conv *Conversation, user *models.UserContext, sink FrameSink, parentID string, call llm.ToolCall) error {
	mcpName, toolName, ok := mcp.SplitQualifiedName(call.Name)
	if !ok {
		mcpName, toolName = "", call.Name
	}

	callEvent := e.tracker.Record(ctx, sess, parentID, models.EventToolCall, map[string]any{
		"mcp":  mcpName,
		"tool": toolName,
	})
	if err := sink.Send(ctx, &models.ServerFrame{
		Type: models.FrameToolCall,
		MCP:  mcpName,
		Tool: toolName,
	}); err != nil {
		return err
	}

	start := time.Now()
	var result *mcp.InvokeResult
	var invokeErr error
	if ok {
		result, invokeErr = e.invoker.Invoke(ctx, user, mcpName, toolName, call.Arguments)
	} else {
		invokeErr = fmt.Errorf("unknown tool %q", call.Name)
	}
	durationMs := time.Since(start).Milliseconds()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	inv := models.ToolInvocation{
		MCP:        mcpName,
		Tool:       toolName,
		DurationMs: durationMs,
	}

	if invokeErr == nil {
		// The archived trace carries the hit flag on the call event itself.
		callEvent.Payload["cache_hit"] = result.CacheHit
	}

	if invokeErr != nil {
		inv.Error = invokeErr.Error()
		sess.Invocations = append(sess.Invocations, inv)

		e.tracker.Record(ctx, sess, callEvent.ID, models.EventError, map[string]any{
			"stage": "tool_dispatch",
			"mcp":   mcpName,
			"tool":  toolName,
			"error": invokeErr.Error(),
		})
		if err := sink.Send(ctx, &models.ServerFrame{
			Type:       models.FrameToolResult,
			MCP:        mcpName,
			Tool:       toolName,
			Status:     "error",
			DurationMs: durationMs,
		}); err != nil {
			return err
		}
		// The model sees the failure and may route around it.
		conv.messages = append(conv.messages, llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool call failed: %v", invokeErr),
		})
		return nil
	}

	inv.Fingerprint = result.Fingerprint
	inv.CacheHit = result.CacheHit
	inv.OK = true
	sess.Invocations = append(sess.Invocations, inv)
	e.addSurcharge(sess, mcpName)

	e.tracker.Record(ctx, sess, callEvent.ID, models.EventToolResult, map[string]any{
		"mcp":         mcpName,
		"tool":        toolName,
		"cache_hit":   result.CacheHit,
		"duration_ms": durationMs,
	})
	if err := sink.Send(ctx, &models.ServerFrame{
		Type:       models.FrameToolResult,
		MCP:        mcpName,
		Tool:       toolName,
		Status:     "ok",
		DurationMs: durationMs,
	}); err != nil {
		return err
	}

	conv.messages = append(conv.messages, llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		Content:    result.Content,
	})
	return nil
}

// applyCost folds token spend into the session total. Tool surcharges were
// added as dispatches completed.
func (e *Engine) applyCost(sess *models.Session) {
	sess.Cost += e.cfg.LLM.PerTokenPrice * float64(sess.InputTokens+sess.OutputTokens)
}

func (e *Engine) addSurcharge(sess *models.Session, mcpName string) {
	serverCfg, err := e.cfg.MCPServerRegistry.Get(mcpName)
	if err == nil {
		sess.Cost += serverCfg.SurchargePerCall
	}
}

// sendFrame delivers best-effort; a send failure here is logged and
// otherwise ignored because the turn is already on an error path.
func (e *Engine) sendFrame(ctx context.Context, sink FrameSink, frame *models.ServerFrame) {
	if err := sink.Send(ctx, frame); err != nil {
		e.logger.Debug("Failed to send frame", "type", frame.Type, "error", err)
	}
}

// sendErrorFrame maps a pipeline error to its wire form.
func (e *Engine) sendErrorFrame(ctx context.Context, sink FrameSink, cause error) {
	e.sendFrame(ctx, sink, ErrorFrame(cause))
}

// ErrorFrame renders a typed gateway error as a client error frame.
func ErrorFrame(cause error) *models.ServerFrame {
	frame := &models.ServerFrame{Type: models.FrameError, Error: cause.Error()}

	var blockedErr *authz.BlockedError
	var quotaErr *authz.QuotaError
	switch {
	case errors.Is(cause, authz.ErrAuthMissing):
		frame.Code = "AuthMissing"
	case errors.As(cause, &blockedErr):
		frame.Code = "Blocked"
	case errors.Is(cause, authz.ErrInactive):
		frame.Code = "Inactive"
	case errors.As(cause, &quotaErr):
		frame.Code = "QuotaExceeded"
		frame.Usage = &models.UsageInfo{
			UsedToday: quotaErr.Used,
			Limit:     quotaErr.Limit,
			Reset:     quotaErr.Reset,
		}
	default:
		frame.Code = "Internal"
	}
	return frame
}

// toolSpecs renders the permitted catalog for the provider, namespacing
// tool names by MCP.
func toolSpecs(tools []mcp.ToolDescriptor) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(tools))
	for _, tool := range tools {
		specs = append(specs, llm.ToolSpec{
			Name:        mcp.QualifiedName(tool.MCP, tool.Name),
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	return specs
}
