package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, cooldown time.Duration) *Breaker {
	return New(Config{FailureThreshold: threshold, Cooldown: cooldown})
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := newTestBreaker(3, time.Second)

	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_OpensExactlyAtThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "below threshold must stay closed")
	assert.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State(), "threshold-th failure must open")
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State(), "success must reset the consecutive count")
}

func TestBreaker_OpenRejectsUntilCooldown(t *testing.T) {
	b := newTestBreaker(1, 50*time.Millisecond)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	// Rejections while the cool-down runs never touch the server.
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Allow(), ErrOpen)
	}

	time.Sleep(60 * time.Millisecond)

	assert.NoError(t, b.Allow(), "first call after cool-down is the probe")
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Allow())
	// Probe in flight: everything else is rejected.
	assert.ErrorIs(t, b.Allow(), ErrOpen)
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
	assert.Equal(t, 0, b.Snapshot().Failures)
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen, "reopened breaker restarts the cool-down")
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	type transition struct{ from, to State }
	var seen []transition

	b := New(Config{
		FailureThreshold: 1,
		Cooldown:         10 * time.Millisecond,
		OnStateChange: func(from, to State) {
			seen = append(seen, transition{from, to})
		},
	})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	require.Len(t, seen, 3)
	assert.Equal(t, transition{StateClosed, StateOpen}, seen[0])
	assert.Equal(t, transition{StateOpen, StateHalfOpen}, seen[1])
	assert.Equal(t, transition{StateHalfOpen, StateClosed}, seen[2])
}

func TestRegistry_GetIsPerName(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, Cooldown: time.Minute})

	a := r.Get("weather_mcp")
	b := r.Get("tickets_mcp")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.Get("weather_mcp"))

	a.RecordFailure()
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateClosed, b.State(), "breakers must be independent per MCP")
}

func TestRegistry_GetWithCallbackTagsName(t *testing.T) {
	var gotMCP string
	var gotTo State
	r := NewRegistry(Config{FailureThreshold: 1, Cooldown: time.Minute})

	b := r.GetWithCallback("tickets_mcp", func(mcp string, from, to State) {
		gotMCP = mcp
		gotTo = to
	})
	b.RecordFailure()

	assert.Equal(t, "tickets_mcp", gotMCP)
	assert.Equal(t, StateOpen, gotTo)
}

func TestRegistry_Snapshots(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, Cooldown: time.Minute})
	r.Get("weather_mcp").RecordFailure()
	r.Get("tickets_mcp")

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, StateOpen, snaps["weather_mcp"].State)
	assert.Equal(t, StateClosed, snaps["tickets_mcp"].State)
}
