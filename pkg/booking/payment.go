package booking

import (
	"context"

	"github.com/shopspring/decimal"
)

type paymentOutcome struct {
	status      PaymentStatus
	creditsUsed int64
	batchID     *BatchID
	amount      decimal.Decimal
}

// resolvePayment settles a confirmed seat inside the caller's transaction:
// debit the soonest-expiring usable batch, or charge the unpaid balance when
// no batch can cover the cost. Waitlist placements never reach this path.
func (service *Service) resolvePayment(ctx context.Context, tx Store, clientID ClientID, occurrence Occurrence, nowUnixUTC int64) (paymentOutcome, error) {
	required := occurrence.CreditCost
	batch, found, err := tx.FindPayableBatch(ctx, clientID, required, nowUnixUTC)
	if err != nil {
		return paymentOutcome{}, err
	}
	if found {
		if err := tx.DebitBatch(ctx, batch.ID, required); err != nil {
			return paymentOutcome{}, err
		}
		batchID := batch.ID
		return paymentOutcome{status: PaymentPaid, creditsUsed: required, batchID: &batchID}, nil
	}
	if !service.allowUnpaid {
		return paymentOutcome{}, ErrNoUsableCredit
	}
	unitPrice, err := service.prices.UnitPrice(ctx, clientID, occurrence.ID)
	if err != nil {
		return paymentOutcome{}, err
	}
	amount := unitPrice.Mul(decimal.NewFromInt(required))
	if err := tx.AddUnpaidBalance(ctx, clientID, amount); err != nil {
		return paymentOutcome{}, err
	}
	return paymentOutcome{status: PaymentUnpaid, amount: amount}, nil
}

func (service *Service) journalSettlement(ctx context.Context, tx Store, registration Registration, outcome paymentOutcome, nowUnixUTC int64) error {
	var kind EntryKind
	switch outcome.status {
	case PaymentPaid:
		kind = EntryDebit
	case PaymentUnpaid:
		kind = EntryCharge
	default:
		return nil
	}
	_, err := tx.InsertCreditEntry(ctx, CreditEntry{
		ClientID:       registration.ClientID,
		RegistrationID: registration.ID,
		BatchID:        outcome.batchID,
		Kind:           kind,
		Credits:        outcome.creditsUsed,
		Amount:         outcome.amount,
		MetadataJSON:   `{"action":"settle"}`,
		CreatedUnixUTC: nowUnixUTC,
	})
	return err
}

// reverseSettlement undoes the journalled settlement of a cancelled booking.
// Paid bookings restore the debited batch; unpaid bookings reduce the unpaid
// balance. Comped and pending registrations have nothing to reverse.
func (service *Service) reverseSettlement(ctx context.Context, tx Store, registration Registration, nowUnixUTC int64) (bool, error) {
	switch registration.PaymentStatus {
	case PaymentPaid, PaymentUnpaid:
	default:
		return false, nil
	}
	entry, found, err := tx.FindSettlementEntry(ctx, registration.ID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, WrapError("service", "refund", "missing_entry", ErrMissingSettlementEntry)
	}
	switch entry.Kind {
	case EntryDebit:
		if entry.BatchID == nil {
			return false, WrapError("service", "refund", "missing_batch", ErrMissingSettlementEntry)
		}
		if err := tx.CreditBatchBalance(ctx, *entry.BatchID, entry.Credits); err != nil {
			return false, err
		}
		_, err := tx.InsertCreditEntry(ctx, CreditEntry{
			ClientID:       registration.ClientID,
			RegistrationID: registration.ID,
			BatchID:        entry.BatchID,
			Kind:           EntryRefund,
			Credits:        entry.Credits,
			MetadataJSON:   `{"action":"refund"}`,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return false, err
		}
		return true, nil
	case EntryCharge:
		if err := tx.ReduceUnpaidBalance(ctx, registration.ClientID, entry.Amount); err != nil {
			return false, err
		}
		_, err := tx.InsertCreditEntry(ctx, CreditEntry{
			ClientID:       registration.ClientID,
			RegistrationID: registration.ID,
			Kind:           EntryChargeReversal,
			Amount:         entry.Amount,
			MetadataJSON:   `{"action":"refund"}`,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, WrapError("service", "refund", "unexpected_entry", ErrMissingSettlementEntry)
}
