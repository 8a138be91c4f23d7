package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// OccurrenceID identifies one scheduled class instance.
type OccurrenceID struct {
	value string
}

// ClientID identifies a studio client.
type ClientID struct {
	value string
}

// RegistrationID identifies a client's claim on a seat.
type RegistrationID struct {
	value string
}

// BatchID identifies a purchased credit batch (pass).
type BatchID struct {
	value string
}

// EntryID identifies a credit journal line.
type EntryID struct {
	value string
}

// Credits is a strictly positive credit amount.
type Credits int64

// MetadataJSON stores arbitrary journal metadata.
type MetadataJSON struct {
	value string
}

// NewOccurrenceID validates and normalizes an occurrence id.
func NewOccurrenceID(raw string) (OccurrenceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OccurrenceID{}, fmt.Errorf("%w: empty value", ErrInvalidOccurrenceID)
	}
	return OccurrenceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OccurrenceID) String() string {
	return id.value
}

// NewClientID validates and normalizes a client id.
func NewClientID(raw string) (ClientID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ClientID{}, fmt.Errorf("%w: empty value", ErrInvalidClientID)
	}
	return ClientID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ClientID) String() string {
	return id.value
}

// NewRegistrationID validates and normalizes a registration id.
func NewRegistrationID(raw string) (RegistrationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RegistrationID{}, fmt.Errorf("%w: empty value", ErrInvalidRegistrationID)
	}
	return RegistrationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RegistrationID) String() string {
	return id.value
}

// NewBatchID validates and normalizes a batch id.
func NewBatchID(raw string) (BatchID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BatchID{}, fmt.Errorf("%w: empty value", ErrInvalidBatchID)
	}
	return BatchID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BatchID) String() string {
	return id.value
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewCredits validates a credit amount and ensures it is strictly positive.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw credit count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// RegistrationStatus defines the registration lifecycle.
type RegistrationStatus string

const (
	RegistrationBooked    RegistrationStatus = "booked"
	RegistrationWaitlist  RegistrationStatus = "waitlist"
	RegistrationCancelled RegistrationStatus = "cancelled"
	RegistrationAttended  RegistrationStatus = "attended"
	RegistrationNoShow    RegistrationStatus = "no_show"
)

// ParseRegistrationStatus validates a raw status value.
func ParseRegistrationStatus(raw string) (RegistrationStatus, error) {
	switch RegistrationStatus(raw) {
	case RegistrationBooked, RegistrationWaitlist, RegistrationCancelled, RegistrationAttended, RegistrationNoShow:
		return RegistrationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRegistrationStatus, raw)
}

// String returns the raw status value.
func (status RegistrationStatus) String() string {
	return string(status)
}

// IsActive reports whether the registration still claims a seat or a queue slot.
func (status RegistrationStatus) IsActive() bool {
	return status == RegistrationBooked || status == RegistrationWaitlist
}

// CountsTowardCapacity reports whether the registration occupies a confirmed seat.
func (status RegistrationStatus) CountsTowardCapacity() bool {
	return status == RegistrationBooked || status == RegistrationAttended
}

// CanTransitionTo reports whether the lifecycle permits the transition.
func (status RegistrationStatus) CanTransitionTo(next RegistrationStatus) bool {
	switch status {
	case RegistrationBooked:
		return next == RegistrationCancelled || next == RegistrationAttended || next == RegistrationNoShow
	case RegistrationWaitlist:
		return next == RegistrationCancelled || next == RegistrationBooked
	}
	return false
}

// PaymentStatus defines how a registration was settled.
type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentComped  PaymentStatus = "comped"
	PaymentPending PaymentStatus = "pending"
)

// ParsePaymentStatus validates a raw payment status value.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	switch PaymentStatus(raw) {
	case PaymentPaid, PaymentUnpaid, PaymentComped, PaymentPending:
		return PaymentStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, raw)
}

// String returns the raw payment status value.
func (status PaymentStatus) String() string {
	return string(status)
}

// OccurrenceStatus defines the occurrence lifecycle.
type OccurrenceStatus string

const (
	OccurrenceScheduled OccurrenceStatus = "scheduled"
	OccurrenceCancelled OccurrenceStatus = "cancelled"
	OccurrenceCompleted OccurrenceStatus = "completed"
)

// ParseOccurrenceStatus validates a raw occurrence status value.
func ParseOccurrenceStatus(raw string) (OccurrenceStatus, error) {
	switch OccurrenceStatus(raw) {
	case OccurrenceScheduled, OccurrenceCancelled, OccurrenceCompleted:
		return OccurrenceStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOccurrenceStatus, raw)
}

// String returns the raw occurrence status value.
func (status OccurrenceStatus) String() string {
	return string(status)
}

// BatchStatus defines the credit batch lifecycle.
type BatchStatus string

const (
	BatchActive   BatchStatus = "active"
	BatchExpired  BatchStatus = "expired"
	BatchDepleted BatchStatus = "depleted"
)

// ParseBatchStatus validates a raw batch status value.
func ParseBatchStatus(raw string) (BatchStatus, error) {
	switch BatchStatus(raw) {
	case BatchActive, BatchExpired, BatchDepleted:
		return BatchStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBatchStatus, raw)
}

// String returns the raw batch status value.
func (status BatchStatus) String() string {
	return string(status)
}

// EntryKind enumerates credit journal entry kinds.
type EntryKind string

const (
	EntryDebit          EntryKind = "debit"
	EntryRefund         EntryKind = "refund"
	EntryCharge         EntryKind = "charge"
	EntryChargeReversal EntryKind = "charge_reversal"
)

// ParseEntryKind validates a raw entry kind value.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case EntryDebit, EntryRefund, EntryCharge, EntryChargeReversal:
		return EntryKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// String returns the raw entry kind value.
func (kind EntryKind) String() string {
	return string(kind)
}

// Occurrence is one scheduled class instance.
type Occurrence struct {
	ID              OccurrenceID
	Status          OccurrenceStatus
	Capacity        int
	CreditCost      int64
	StartsAtUnixUTC int64
	EndsAtUnixUTC   int64
}

// Registration is one client's relationship to one occurrence.
type Registration struct {
	ID                 RegistrationID
	OccurrenceID       OccurrenceID
	ClientID           ClientID
	Status             RegistrationStatus
	PaymentStatus      PaymentStatus
	CreditsUsed        int64
	BookedAtUnixUTC    int64
	CancelledAtUnixUTC int64
}

// transitionTo moves the registration to the next lifecycle status, rejecting
// moves the state machine does not permit.
func (registration *Registration) transitionTo(next RegistrationStatus) error {
	if !registration.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, registration.Status, next)
	}
	registration.Status = next
	return nil
}

// CreditBatch is a purchased block of credits with an optional expiry.
type CreditBatch struct {
	ID                 BatchID
	ClientID           ClientID
	TotalCredits       int64
	CreditsLeft        int64
	ExpiresAtUnixUTC   int64
	PurchasedAtUnixUTC int64
	Status             BatchStatus
}

// UsableAt reports whether the batch can pay at the given instant. Expiry is
// evaluated lazily here rather than by a background status sweep.
func (batch CreditBatch) UsableAt(nowUnixUTC int64) bool {
	if batch.CreditsLeft <= 0 {
		return false
	}
	if batch.Status == BatchExpired {
		return false
	}
	if batch.ExpiresAtUnixUTC != 0 && batch.ExpiresAtUnixUTC <= nowUnixUTC {
		return false
	}
	return true
}

// ClientAccount carries the running unpaid balance for a client.
type ClientAccount struct {
	ClientID      ClientID
	UnpaidBalance decimal.Decimal
}

// CreditEntry is a single immutable line in the credit journal.
type CreditEntry struct {
	ID             EntryID
	ClientID       ClientID
	RegistrationID RegistrationID
	BatchID        *BatchID
	Kind           EntryKind
	Credits        int64
	Amount         decimal.Decimal
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Availability is the read-only seat view for an occurrence.
type Availability struct {
	Capacity       int
	BookedCount    int
	AvailableSpots int
}

// Wallet is the client-facing pass and balance view.
type Wallet struct {
	Batches       []CreditBatch
	UnpaidBalance decimal.Decimal
}

// PriceResolver supplies the unit price used for unpaid-balance charges.
// Pricing itself lives outside the engine.
type PriceResolver interface {
	UnitPrice(ctx context.Context, clientID ClientID, occurrenceID OccurrenceID) (decimal.Decimal, error)
}

// FixedPrice is a PriceResolver returning one price for every booking.
type FixedPrice struct {
	price decimal.Decimal
}

// NewFixedPrice validates and wraps a non-negative unit price.
func NewFixedPrice(price decimal.Decimal) (FixedPrice, error) {
	if price.IsNegative() {
		return FixedPrice{}, fmt.Errorf("%w: must not be negative", ErrInvalidUnitPrice)
	}
	return FixedPrice{price: price}, nil
}

// UnitPrice returns the fixed price.
func (resolver FixedPrice) UnitPrice(context.Context, ClientID, OccurrenceID) (decimal.Decimal, error) {
	return resolver.price, nil
}

// Store is the persistence contract used by Service. Every mutating engine
// operation runs inside a single WithTx unit of work.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	InsertOccurrence(ctx context.Context, occurrence Occurrence) (Occurrence, error)
	GetOccurrence(ctx context.Context, occurrenceID OccurrenceID) (Occurrence, error)
	GetOccurrenceForUpdate(ctx context.Context, occurrenceID OccurrenceID) (Occurrence, error)

	CountConfirmed(ctx context.Context, occurrenceID OccurrenceID) (int, error)
	HasActiveRegistration(ctx context.Context, occurrenceID OccurrenceID, clientID ClientID) (bool, error)
	InsertRegistration(ctx context.Context, registration Registration) (Registration, error)
	GetRegistration(ctx context.Context, registrationID RegistrationID) (Registration, error)
	GetRegistrationForUpdate(ctx context.Context, registrationID RegistrationID) (Registration, error)
	UpdateRegistration(ctx context.Context, registration Registration, expectedStatus RegistrationStatus) error
	NextWaitlisted(ctx context.Context, occurrenceID OccurrenceID) (Registration, bool, error)

	InsertBatch(ctx context.Context, batch CreditBatch) (CreditBatch, error)
	ListBatches(ctx context.Context, clientID ClientID) ([]CreditBatch, error)
	FindPayableBatch(ctx context.Context, clientID ClientID, requiredCredits int64, nowUnixUTC int64) (CreditBatch, bool, error)
	DebitBatch(ctx context.Context, batchID BatchID, credits int64) error
	CreditBatchBalance(ctx context.Context, batchID BatchID, credits int64) error

	GetAccount(ctx context.Context, clientID ClientID) (ClientAccount, error)
	AddUnpaidBalance(ctx context.Context, clientID ClientID, amount decimal.Decimal) error
	ReduceUnpaidBalance(ctx context.Context, clientID ClientID, amount decimal.Decimal) error

	InsertCreditEntry(ctx context.Context, entry CreditEntry) (CreditEntry, error)
	FindSettlementEntry(ctx context.Context, registrationID RegistrationID) (CreditEntry, bool, error)
	// ListCreditEntries pages the journal newest first. A zero beforeUnixUTC
	// means "from now".
	ListCreditEntries(ctx context.Context, clientID ClientID, beforeUnixUTC int64, limit int) ([]CreditEntry, error)
}
