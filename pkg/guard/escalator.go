package guard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegisgw/aegis/pkg/config"
)

// Escalator owns the per-user sliding-window count of unsafe verdicts and
// maps counts to actions. Windows are in-memory and advisory: a process
// restart resets them.
type Escalator struct {
	behavior config.GuardBehavior
	actions  config.GuardActions
	logger   *slog.Logger

	mu     sync.Mutex
	counts map[string]int
	day    string // UTC day the day-scoped counters belong to
}

// NewEscalator creates an escalator from the guard configuration.
func NewEscalator(cfg config.PromptGuardConfig) *Escalator {
	return &Escalator{
		behavior: cfg.Behavior,
		actions:  cfg.Actions,
		logger:   slog.Default().With("component", "guard-escalator"),
		counts:   make(map[string]int),
		day:      time.Now().UTC().Format("2006-01-02"),
	}
}

// RecordUnsafe registers one unsafe verdict for the user within the
// configured window and returns the action to take. windowKey identifies
// the session (or conversation) for session-scoped windows.
func (e *Escalator) RecordUnsafe(userID int64, windowKey string) config.GuardAction {
	count := e.bump(userID, windowKey)
	action := e.actionFor(count)
	e.logger.Info("Unsafe verdict recorded",
		"user_id", userID, "window", e.behavior.Window, "count", count, "action", action)
	return action
}

func (e *Escalator) bump(userID int64, windowKey string) int {
	if e.behavior.Window == config.GuardWindowMessage {
		// Each message is its own window; nothing carries over.
		return 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := e.keyLocked(userID, windowKey)
	e.counts[key]++
	return e.counts[key]
}

// keyLocked builds the counter key, rolling day-scoped counters over at
// UTC midnight. Caller holds e.mu.
func (e *Escalator) keyLocked(userID int64, windowKey string) string {
	switch e.behavior.Window {
	case config.GuardWindowDay:
		today := time.Now().UTC().Format("2006-01-02")
		if today != e.day {
			e.counts = make(map[string]int)
			e.day = today
		}
		return fmt.Sprintf("u:%d:d:%s", userID, today)
	default: // session
		return fmt.Sprintf("u:%d:s:%s", userID, windowKey)
	}
}

func (e *Escalator) actionFor(count int) config.GuardAction {
	switch {
	case count >= e.behavior.BlockAt:
		return e.actions.AtBlock
	case count >= e.behavior.WarnAt:
		return e.actions.AtWarn
	default:
		return e.actions.OnUnsafe
	}
}

// EndSession drops session-scoped counters for a finished window.
func (e *Escalator) EndSession(userID int64, windowKey string) {
	if e.behavior.Window != config.GuardWindowSession {
		return
	}
	e.mu.Lock()
	delete(e.counts, fmt.Sprintf("u:%d:s:%s", userID, windowKey))
	e.mu.Unlock()
}
