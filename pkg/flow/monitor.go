package flow

import (
	"sync/atomic"
	"time"
)

// MonitorSet tracks which users are under live observation. Reads happen on
// every flow event, so membership is held in an atomic copy-on-write map:
// lookups never contend, writes copy.
type MonitorSet struct {
	members atomic.Pointer[map[int64]time.Time]
}

// NewMonitorSet creates an empty set.
func NewMonitorSet() *MonitorSet {
	s := &MonitorSet{}
	empty := make(map[int64]time.Time)
	s.members.Store(&empty)
	return s
}

// Enable marks a user monitored until the given expiry.
func (s *MonitorSet) Enable(userID int64, until time.Time) {
	for {
		current := s.members.Load()
		next := make(map[int64]time.Time, len(*current)+1)
		for id, exp := range *current {
			next[id] = exp
		}
		next[userID] = until
		if s.members.CompareAndSwap(current, &next) {
			return
		}
	}
}

// Disable removes a user from the set.
func (s *MonitorSet) Disable(userID int64) {
	for {
		current := s.members.Load()
		if _, ok := (*current)[userID]; !ok {
			return
		}
		next := make(map[int64]time.Time, len(*current))
		for id, exp := range *current {
			if id != userID {
				next[id] = exp
			}
		}
		if s.members.CompareAndSwap(current, &next) {
			return
		}
	}
}

// IsMonitored reports whether a user is monitored right now. Expired
// entries read as unmonitored; they are pruned on the next write.
func (s *MonitorSet) IsMonitored(userID int64) bool {
	until, ok := (*s.members.Load())[userID]
	return ok && time.Now().Before(until)
}

// List returns the current non-expired members and their expiries.
func (s *MonitorSet) List() map[int64]time.Time {
	current := *s.members.Load()
	now := time.Now()
	out := make(map[int64]time.Time, len(current))
	for id, until := range current {
		if now.Before(until) {
			out[id] = until
		}
	}
	return out
}
