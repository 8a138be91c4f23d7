package booking

import (
	"context"
	"errors"
)

// CancelOutcome reports what a cancellation did. PromotedClient is set when
// the freed seat went to a waitlisted registration.
type CancelOutcome struct {
	Refunded       bool
	PromotedClient *ClientID
}

// Cancel transitions an active registration to cancelled, reverses its
// settlement, and hands a freed confirmed seat to the earliest-queued
// waitlisted registration. All of it commits in one unit of work, so a racing
// booker can never grab the seat between the cancellation and the promotion.
func (service *Service) Cancel(ctx context.Context, registrationID RegistrationID) (CancelOutcome, error) {
	var outcome CancelOutcome
	var events []Event
	var promoted *Registration
	operationError := service.withRetry(ctx, func(ctx context.Context, tx Store) error {
		outcome = CancelOutcome{}
		events = events[:0]
		promoted = nil
		registration, err := tx.GetRegistration(ctx, registrationID)
		if err != nil {
			return err
		}
		// Lock order matches Book: occurrence row first, then the registration.
		occurrence, err := tx.GetOccurrenceForUpdate(ctx, registration.OccurrenceID)
		if err != nil {
			return err
		}
		registration, err = tx.GetRegistrationForUpdate(ctx, registrationID)
		if err != nil {
			return err
		}
		if !registration.Status.IsActive() {
			return ErrNoActiveRegistration
		}
		nowUnixUTC := service.nowFn()
		if !service.policy.CanCancel(occurrence.StartsAtUnixUTC, nowUnixUTC) {
			return ErrCancellationWindowPassed
		}
		heldConfirmedSeat := registration.Status == RegistrationBooked
		previousStatus := registration.Status
		if err := registration.transitionTo(RegistrationCancelled); err != nil {
			return err
		}
		registration.CancelledAtUnixUTC = nowUnixUTC
		if err := tx.UpdateRegistration(ctx, registration, previousStatus); err != nil {
			return err
		}
		if heldConfirmedSeat {
			refunded, err := service.reverseSettlement(ctx, tx, registration, nowUnixUTC)
			if err != nil {
				return err
			}
			outcome.Refunded = refunded
		}
		events = append(events, Event{
			Kind:           EventCancelled,
			OccurrenceID:   registration.OccurrenceID,
			ClientID:       registration.ClientID,
			RegistrationID: registration.ID,
			PaymentStatus:  registration.PaymentStatus,
		})
		if heldConfirmedSeat {
			promoted, err = service.promoteNext(ctx, tx, occurrence, nowUnixUTC, &events)
			if err != nil {
				return err
			}
			if promoted != nil {
				promotedClient := promoted.ClientID
				outcome.PromotedClient = &promotedClient
			}
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationCancel,
		RegistrationID: registrationID,
		Error:          operationError,
	})
	if operationError != nil {
		return CancelOutcome{}, operationError
	}
	if promoted != nil {
		service.logOperation(ctx, OperationLog{
			Operation:      operationPromote,
			OccurrenceID:   promoted.OccurrenceID,
			ClientID:       promoted.ClientID,
			RegistrationID: promoted.ID,
			Credits:        promoted.CreditsUsed,
		})
	}
	service.dispatch(ctx, events...)
	return outcome, nil
}

// CancelFor cancels on behalf of a specific client, rejecting registrations
// the client does not own. Ownership failures look identical to a missing
// registration so the endpoint does not leak other clients' registration ids.
func (service *Service) CancelFor(ctx context.Context, registrationID RegistrationID, clientID ClientID) (CancelOutcome, error) {
	registration, err := service.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return CancelOutcome{}, err
	}
	if registration.ClientID != clientID {
		return CancelOutcome{}, ErrRegistrationNotFound
	}
	return service.Cancel(ctx, registrationID)
}

// promoteNext converts the earliest-queued waitlisted registration into a
// confirmed booking, resolving payment exactly as a fresh booking would. The
// caller already holds the occurrence row lock.
func (service *Service) promoteNext(ctx context.Context, tx Store, occurrence Occurrence, nowUnixUTC int64, events *[]Event) (*Registration, error) {
	next, found, err := tx.NextWaitlisted(ctx, occurrence.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	outcome, err := service.resolvePayment(ctx, tx, next.ClientID, occurrence, nowUnixUTC)
	if err != nil {
		// A promotee who cannot settle keeps the queue spot and the
		// freed seat stays open. Their shortfall must not block the
		// cancellation itself.
		if errors.Is(err, ErrNoUsableCredit) {
			return nil, nil
		}
		return nil, err
	}
	previousStatus := next.Status
	if err := next.transitionTo(RegistrationBooked); err != nil {
		return nil, err
	}
	next.PaymentStatus = outcome.status
	next.CreditsUsed = outcome.creditsUsed
	if err := tx.UpdateRegistration(ctx, next, previousStatus); err != nil {
		return nil, err
	}
	if err := service.journalSettlement(ctx, tx, next, outcome, nowUnixUTC); err != nil {
		return nil, err
	}
	*events = append(*events, Event{
		Kind:           EventPromoted,
		OccurrenceID:   next.OccurrenceID,
		ClientID:       next.ClientID,
		RegistrationID: next.ID,
		PaymentStatus:  next.PaymentStatus,
	})
	return &next, nil
}
