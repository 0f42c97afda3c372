package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgw/aegis/pkg/models"
)

func TestTracker_RecordBuildsParentChain(t *testing.T) {
	tracker := NewTracker(nil, nil)
	sess := models.NewSession(7, "", models.SourceChatWS, false)
	ctx := context.Background()

	root := tracker.Record(ctx, sess, "", models.EventAuthCheck, map[string]any{"role": "sre"})
	child := tracker.Record(ctx, sess, "", models.EventBlockCheck, nil)
	grandchild := tracker.Record(ctx, sess, "", models.EventUsageCheck, nil)

	assert.Empty(t, root.ParentID, "first event is the tree root")
	assert.Equal(t, root.ID, child.ParentID)
	assert.Equal(t, child.ID, grandchild.ParentID)
	assert.Len(t, sess.Events, 3)
}

func TestTracker_RecordExplicitParent(t *testing.T) {
	tracker := NewTracker(nil, nil)
	sess := models.NewSession(7, "", models.SourceChatWS, false)
	ctx := context.Background()

	root := tracker.Record(ctx, sess, "", models.EventLLMThinking, nil)
	tracker.Record(ctx, sess, "", models.EventToolCall, nil)
	sibling := tracker.Record(ctx, sess, root.ID, models.EventToolCall, nil)

	assert.Equal(t, root.ID, sibling.ParentID)
}

type recordingSink struct {
	appends   int
	publishes int
}

func (s *recordingSink) Append(_ context.Context, _ *models.FlowEvent) error {
	s.appends++
	return nil
}

func (s *recordingSink) Publish(_ context.Context, _ *models.FlowEvent) error {
	s.publishes++
	return nil
}

func TestTracker_NonMonitoredSessionIsNeverPublished(t *testing.T) {
	sink := &recordingSink{}
	archiver := &recordingArchiver{}
	tracker := NewTracker(sink, archiver)
	sess := models.NewSession(7, "conv-1", models.SourceChatWS, false)
	ctx := context.Background()

	tracker.Record(ctx, sess, "", models.EventAuthCheck, nil)
	tracker.Record(ctx, sess, "", models.EventLLMThinking, nil)
	tracker.Archive(ctx, sess, true)

	assert.Equal(t, 2, sink.appends, "every event reaches the durable stream")
	assert.Zero(t, sink.publishes, "unmonitored sessions must not fan out")
	assert.Len(t, archiver.flows, 1, "unmonitored sessions still archive")
}

func TestTracker_MonitoredSessionPublishesEveryEvent(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewTracker(sink, nil)
	sess := models.NewSession(7, "conv-1", models.SourceChatWS, true)
	ctx := context.Background()

	tracker.Record(ctx, sess, "", models.EventAuthCheck, nil)
	tracker.Record(ctx, sess, "", models.EventLLMThinking, nil)

	assert.Equal(t, 2, sink.appends)
	assert.Equal(t, 2, sink.publishes)
}

type recordingArchiver struct {
	flows  []*models.Session
	audits []*models.AuditRecord
}

func (a *recordingArchiver) ArchiveFlow(_ context.Context, sess *models.Session, _ bool) error {
	a.flows = append(a.flows, sess)
	return nil
}

func (a *recordingArchiver) InsertAudit(_ context.Context, rec *models.AuditRecord) error {
	a.audits = append(a.audits, rec)
	return nil
}

func TestTracker_ArchiveEmitsOneAuditRecord(t *testing.T) {
	archiver := &recordingArchiver{}
	tracker := NewTracker(nil, archiver)
	conversationID := "conv-1"
	sess := models.NewSession(7, conversationID, models.SourceChatWS, false)
	sess.InputTokens = 100
	sess.OutputTokens = 40
	sess.Cost = 0.0042
	sess.Invocations = append(sess.Invocations,
		models.ToolInvocation{MCP: "weather_mcp", Tool: "lookup", OK: true})

	tracker.Archive(context.Background(), sess, true)

	require.Len(t, archiver.flows, 1)
	require.Len(t, archiver.audits, 1)
	audit := archiver.audits[0]
	assert.Equal(t, sess.ID, audit.SessionID)
	assert.Equal(t, int64(7), audit.UserID)
	assert.Equal(t, 0.0042, audit.Cost)
	assert.Equal(t, []string{"weather_mcp"}, audit.MCPsUsed)
	assert.True(t, audit.Success)
}

func TestMonitorSet_EnableDisable(t *testing.T) {
	s := NewMonitorSet()

	assert.False(t, s.IsMonitored(7))

	s.Enable(7, time.Now().Add(time.Hour))
	assert.True(t, s.IsMonitored(7))
	assert.False(t, s.IsMonitored(8))

	s.Disable(7)
	assert.False(t, s.IsMonitored(7))
}

func TestMonitorSet_ExpiryReadsAsUnmonitored(t *testing.T) {
	s := NewMonitorSet()

	s.Enable(7, time.Now().Add(-time.Second))
	assert.False(t, s.IsMonitored(7))
	assert.Empty(t, s.List())
}

func TestMonitorSet_MonitoredFlagFrozenAtSessionStart(t *testing.T) {
	s := NewMonitorSet()
	s.Enable(7, time.Now().Add(time.Hour))

	sess := models.NewSession(7, "", models.SourceChatWS, s.IsMonitored(7))
	require.True(t, sess.Monitored)

	// Disabling mid-session does not change the frozen flag.
	s.Disable(7)
	assert.True(t, sess.Monitored)
	assert.False(t, s.IsMonitored(7), "next session starts unmonitored")
}

func TestMonitorSet_ConcurrentWrites(t *testing.T) {
	s := NewMonitorSet()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := int64(0); i < 100; i++ {
			s.Enable(i, time.Now().Add(time.Hour))
		}
	}()
	for i := 0; i < 100; i++ {
		s.IsMonitored(int64(i))
	}
	<-done

	assert.Len(t, s.List(), 100)
}
