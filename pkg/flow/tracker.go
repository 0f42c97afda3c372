// Package flow records the per-session event tree and decides, per event,
// whether it also fans out to live admin observers.
package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/aegisgw/aegis/pkg/models"
)

// EventSink mirrors flow events out of process. Satisfied by *eventlog.Log:
// Append writes the durable per-session stream, Publish fans out to live
// observers.
type EventSink interface {
	Append(ctx context.Context, ev *models.FlowEvent) error
	Publish(ctx context.Context, ev *models.FlowEvent) error
}

// Archiver persists completed sessions. Satisfied by *store.Store.
type Archiver interface {
	ArchiveFlow(ctx context.Context, sess *models.Session, success bool) error
	InsertAudit(ctx context.Context, rec *models.AuditRecord) error
}

// Tracker appends events to sessions, mirrors them to the event log, and
// publishes them live when the session is monitored.
type Tracker struct {
	log      EventSink
	archiver Archiver
	logger   *slog.Logger
}

// NewTracker wires the tracker. log may be nil in tests; events then stay
// in-memory on the session only.
func NewTracker(log EventSink, archiver Archiver) *Tracker {
	return &Tracker{
		log:      log,
		archiver: archiver,
		logger:   slog.Default().With("component", "flow"),
	}
}

// Record creates an event, links it under parentID (empty for a root or
// sequential child of the last event), appends it to the session, and
// mirrors it out. Event-log writes are best-effort: a Redis outage never
// fails the chat turn.
func (t *Tracker) Record(ctx context.Context, sess *models.Session, parentID string, kind models.EventKind, payload map[string]any) *models.FlowEvent {
	if parentID == "" {
		parentID = sess.LastEventID()
	}
	sess.Events = append(sess.Events, models.NewFlowEvent(sess, parentID, kind, payload))
	ev := &sess.Events[len(sess.Events)-1]

	if t.log != nil {
		if err := t.log.Append(ctx, ev); err != nil {
			t.logger.Warn("Failed to append flow event", "session_id", sess.ID, "kind", kind, "error", err)
		}
		if sess.Monitored {
			if err := t.log.Publish(ctx, ev); err != nil {
				t.logger.Warn("Failed to publish flow event", "session_id", sess.ID, "kind", kind, "error", err)
			}
		}
	}
	return ev
}

// Archive persists the completed session trace and its audit record.
// Failures are logged, not returned: the user's response already went out.
func (t *Tracker) Archive(ctx context.Context, sess *models.Session, success bool) {
	if t.archiver == nil {
		return
	}
	if err := t.archiver.ArchiveFlow(ctx, sess, success); err != nil {
		t.logger.Error("Failed to archive flow", "session_id", sess.ID, "error", err)
	}

	rec := &models.AuditRecord{
		UserID:         sess.UserID,
		ConversationID: sess.ConversationID,
		SessionID:      sess.ID,
		Source:         sess.Source,
		InputTokens:    sess.InputTokens,
		OutputTokens:   sess.OutputTokens,
		Cost:           sess.Cost,
		ToolsUsed:      sess.Invocations,
		MCPsUsed:       sess.MCPsUsed(),
		Success:        success,
		Timestamp:      time.Now().UTC(),
	}
	if err := t.archiver.InsertAudit(ctx, rec); err != nil {
		t.logger.Error("Failed to insert audit record", "session_id", sess.ID, "error", err)
	}
}
