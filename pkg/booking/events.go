package booking

import "context"

// EventKind enumerates post-commit notification events.
type EventKind string

const (
	EventBooked     EventKind = "registration_booked"
	EventWaitlisted EventKind = "registration_waitlisted"
	EventCancelled  EventKind = "registration_cancelled"
	EventPromoted   EventKind = "waitlist_promoted"
)

// Event describes a committed registration change for downstream dispatch.
type Event struct {
	Kind           EventKind
	OccurrenceID   OccurrenceID
	ClientID       ClientID
	RegistrationID RegistrationID
	PaymentStatus  PaymentStatus
}

// Notifier receives events strictly after the originating transaction has
// committed. Dispatch failures never affect booking correctness.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}
