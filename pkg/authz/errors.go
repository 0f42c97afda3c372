package authz

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuthMissing is returned when the gateway headers carry no usable
// identity or the identity is unknown.
var ErrAuthMissing = errors.New("authentication missing or unknown")

// ErrInactive is returned for deactivated accounts.
var ErrInactive = errors.New("account is inactive")

// BlockedError is returned for blocked users, carrying the reason recorded
// when the block was set.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("user is blocked: %s", e.Reason)
}

// QuotaError is returned when today's spend has reached the role's daily
// cost limit.
type QuotaError struct {
	Used  float64
	Limit float64
	Reset time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily cost limit reached: used %.4f of %.4f, resets %s",
		e.Used, e.Limit, e.Reset.Format(time.RFC3339))
}
