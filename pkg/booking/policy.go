package booking

import (
	"fmt"
	"time"
)

// CancellationPolicy enforces the time-window rule for self-service
// cancellation. The deadline is starts_at minus the cutoff; at or past the
// deadline cancellation is rejected.
type CancellationPolicy struct {
	cutoff time.Duration
}

// NewCancellationPolicy validates the cutoff duration.
func NewCancellationPolicy(cutoff time.Duration) (CancellationPolicy, error) {
	if cutoff <= 0 {
		return CancellationPolicy{}, fmt.Errorf("%w: cutoff must be positive", ErrInvalidCancellationPolicy)
	}
	return CancellationPolicy{cutoff: cutoff}, nil
}

// Cutoff returns the configured window.
func (policy CancellationPolicy) Cutoff() time.Duration {
	return policy.cutoff
}

// Deadline returns the last instant at which cancellation is still allowed.
func (policy CancellationPolicy) Deadline(startsAtUnixUTC int64) int64 {
	return startsAtUnixUTC - int64(policy.cutoff/time.Second)
}

// CanCancel reports whether cancellation at now is still inside the window.
func (policy CancellationPolicy) CanCancel(startsAtUnixUTC int64, nowUnixUTC int64) bool {
	return nowUnixUTC < policy.Deadline(startsAtUnixUTC)
}
