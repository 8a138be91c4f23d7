package booking

import (
	"context"
	"fmt"
)

// PassBalance lists a client's credit batches and unpaid balance. Batches
// past their expiry are reported as expired even when the stored status has
// not caught up; the stored row is never flipped outside a debit.
func (service *Service) PassBalance(ctx context.Context, clientID ClientID) (Wallet, error) {
	batches, err := service.store.ListBatches(ctx, clientID)
	if err != nil {
		return Wallet{}, err
	}
	nowUnixUTC := service.nowFn()
	for index := range batches {
		if batches[index].ExpiresAtUnixUTC != 0 && batches[index].ExpiresAtUnixUTC <= nowUnixUTC {
			batches[index].Status = BatchExpired
		}
	}
	account, err := service.store.GetAccount(ctx, clientID)
	if err != nil {
		return Wallet{}, err
	}
	return Wallet{Batches: batches, UnpaidBalance: account.UnpaidBalance}, nil
}

// GrantPass records a purchased credit batch. The purchase event itself
// (payment capture) happens in an external collaborator.
func (service *Service) GrantPass(ctx context.Context, clientID ClientID, totalCredits Credits, expiresAtUnixUTC int64) (CreditBatch, error) {
	var batch CreditBatch
	operationError := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		var err error
		batch, err = tx.InsertBatch(ctx, CreditBatch{
			ClientID:           clientID,
			TotalCredits:       totalCredits.Int64(),
			CreditsLeft:        totalCredits.Int64(),
			ExpiresAtUnixUTC:   expiresAtUnixUTC,
			PurchasedAtUnixUTC: service.nowFn(),
			Status:             BatchActive,
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationGrantPass,
		ClientID:  clientID,
		Credits:   totalCredits.Int64(),
		Error:     operationError,
	})
	if operationError != nil {
		return CreditBatch{}, operationError
	}
	return batch, nil
}

// History lists credit journal entries for a client before a cutoff time.
func (service *Service) History(ctx context.Context, clientID ClientID, beforeUnixUTC int64, limit int) ([]CreditEntry, error) {
	return service.store.ListCreditEntries(ctx, clientID, beforeUnixUTC, limit)
}

// ScheduleOccurrence creates an occurrence on behalf of the scheduling
// subsystem. The engine only validates what it later relies on.
func (service *Service) ScheduleOccurrence(ctx context.Context, occurrence Occurrence) (Occurrence, error) {
	if occurrence.Capacity < 1 {
		return Occurrence{}, fmt.Errorf("%w: capacity must be at least 1", ErrInvalidCapacity)
	}
	if occurrence.CreditCost < 1 {
		return Occurrence{}, fmt.Errorf("%w: credit cost must be at least 1", ErrInvalidCredits)
	}
	if occurrence.StartsAtUnixUTC <= 0 || occurrence.EndsAtUnixUTC <= occurrence.StartsAtUnixUTC {
		return Occurrence{}, fmt.Errorf("%w: end must follow start", ErrInvalidSchedule)
	}
	if occurrence.Status == "" {
		occurrence.Status = OccurrenceScheduled
	}
	if _, err := ParseOccurrenceStatus(occurrence.Status.String()); err != nil {
		return Occurrence{}, err
	}
	var stored Occurrence
	operationError := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		var err error
		stored, err = tx.InsertOccurrence(ctx, occurrence)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationSchedule,
		OccurrenceID: occurrence.ID,
		Error:        operationError,
	})
	if operationError != nil {
		return Occurrence{}, operationError
	}
	return stored, nil
}
