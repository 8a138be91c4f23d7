package booking

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the booking engine's domain logic over a Store.
type Service struct {
	store       Store
	nowFn       func() int64
	prices      PriceResolver
	policy      CancellationPolicy
	logger      OperationLogger
	notifier    Notifier
	allowUnpaid bool
	maxAttempts int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, prices PriceResolver, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if prices == nil {
		return nil, fmt.Errorf("%w: price resolver dependency is nil", ErrInvalidServiceConfig)
	}
	policy, err := NewCancellationPolicy(DefaultCancellationCutoff)
	if err != nil {
		return nil, err
	}
	service := &Service{
		store:       store,
		nowFn:       now,
		prices:      prices,
		policy:      policy,
		allowUnpaid: true,
		maxAttempts: defaultMaxAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Book places a client into an occurrence: a confirmed seat when capacity
// allows, a waitlist slot otherwise. The capacity decision, the registration
// insert, and the credit settlement commit in one unit of work.
func (service *Service) Book(ctx context.Context, occurrenceID OccurrenceID, clientID ClientID) (Registration, error) {
	var registration Registration
	operationError := service.withRetry(ctx, func(ctx context.Context, tx Store) error {
		occurrence, err := tx.GetOccurrenceForUpdate(ctx, occurrenceID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if err := bookable(occurrence, nowUnixUTC); err != nil {
			return err
		}
		active, err := tx.HasActiveRegistration(ctx, occurrenceID, clientID)
		if err != nil {
			return err
		}
		if active {
			return ErrAlreadyRegistered
		}
		confirmed, err := tx.CountConfirmed(ctx, occurrenceID)
		if err != nil {
			return err
		}
		registration = Registration{
			OccurrenceID:    occurrenceID,
			ClientID:        clientID,
			Status:          RegistrationWaitlist,
			PaymentStatus:   PaymentPending,
			BookedAtUnixUTC: nowUnixUTC,
		}
		var outcome paymentOutcome
		if confirmed < occurrence.Capacity {
			outcome, err = service.resolvePayment(ctx, tx, clientID, occurrence, nowUnixUTC)
			if err != nil {
				return err
			}
			registration.Status = RegistrationBooked
			registration.PaymentStatus = outcome.status
			registration.CreditsUsed = outcome.creditsUsed
		}
		registration, err = tx.InsertRegistration(ctx, registration)
		if err != nil {
			return err
		}
		if registration.Status == RegistrationBooked {
			return service.journalSettlement(ctx, tx, registration, outcome, nowUnixUTC)
		}
		return nil
	})
	if errors.Is(operationError, ErrConflict) {
		operationError = ErrOccurrenceFull
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationBook,
		OccurrenceID:   occurrenceID,
		ClientID:       clientID,
		RegistrationID: registration.ID,
		Credits:        registration.CreditsUsed,
		Error:          operationError,
	})
	if operationError != nil {
		return Registration{}, operationError
	}
	service.dispatch(ctx, bookingEvent(registration))
	return registration, nil
}

// Availability reports the derived seat view for an occurrence. Read-only;
// no locking.
func (service *Service) Availability(ctx context.Context, occurrenceID OccurrenceID) (Availability, error) {
	occurrence, err := service.store.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		return Availability{}, err
	}
	confirmed, err := service.store.CountConfirmed(ctx, occurrenceID)
	if err != nil {
		return Availability{}, err
	}
	available := occurrence.Capacity - confirmed
	if available < 0 {
		available = 0
	}
	return Availability{
		Capacity:       occurrence.Capacity,
		BookedCount:    confirmed,
		AvailableSpots: available,
	}, nil
}

func bookable(occurrence Occurrence, nowUnixUTC int64) error {
	switch occurrence.Status {
	case OccurrenceCancelled:
		return ErrOccurrenceCancelled
	case OccurrenceCompleted:
		return ErrOccurrencePast
	}
	if occurrence.StartsAtUnixUTC <= nowUnixUTC {
		return ErrOccurrencePast
	}
	return nil
}

func bookingEvent(registration Registration) Event {
	kind := EventBooked
	if registration.Status == RegistrationWaitlist {
		kind = EventWaitlisted
	}
	return Event{
		Kind:           kind,
		OccurrenceID:   registration.OccurrenceID,
		ClientID:       registration.ClientID,
		RegistrationID: registration.ID,
		PaymentStatus:  registration.PaymentStatus,
	}
}

// withRetry re-runs the unit of work on concurrency conflicts, a bounded
// number of times. Any other error surfaces immediately.
func (service *Service) withRetry(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	var lastErr error
	for attempt := 0; attempt < service.maxAttempts; attempt++ {
		lastErr = service.store.WithTx(ctx, fn)
		if !errors.Is(lastErr, ErrConflict) {
			return lastErr
		}
	}
	return lastErr
}

func (service *Service) dispatch(ctx context.Context, events ...Event) {
	if service.notifier == nil {
		return
	}
	for _, event := range events {
		service.notifier.Notify(ctx, event)
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
