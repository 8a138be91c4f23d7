package booking

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
)

// stubStore is an in-memory Store with transactional rollback and
// per-method error injection.
type stubStore struct {
	now           int64
	occurrences   map[string]Occurrence
	registrations map[string]Registration
	batches       map[string]CreditBatch
	accounts      map[string]decimal.Decimal
	entries       []CreditEntry
	sequence      int

	getOccurrenceError      error
	countConfirmedError     error
	insertRegistrationError error
	updateConflicts         int
	debitError              error
	creditError             error
	insertEntryError        error
	listBatchesError        error
	getAccountError         error
}

func newStubStore(now int64) *stubStore {
	return &stubStore{
		now:           now,
		occurrences:   map[string]Occurrence{},
		registrations: map[string]Registration{},
		batches:       map[string]CreditBatch{},
		accounts:      map[string]decimal.Decimal{},
	}
}

func (store *stubStore) nextID(prefix string) string {
	store.sequence++
	return fmt.Sprintf("%s-%d", prefix, store.sequence)
}

// WithTx snapshots state and restores it when fn fails, mimicking a rollback.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

type stubSnapshot struct {
	occurrences   map[string]Occurrence
	registrations map[string]Registration
	batches       map[string]CreditBatch
	accounts      map[string]decimal.Decimal
	entries       []CreditEntry
	sequence      int
}

func (store *stubStore) snapshot() stubSnapshot {
	snap := stubSnapshot{
		occurrences:   map[string]Occurrence{},
		registrations: map[string]Registration{},
		batches:       map[string]CreditBatch{},
		accounts:      map[string]decimal.Decimal{},
		entries:       append([]CreditEntry(nil), store.entries...),
		sequence:      store.sequence,
	}
	for key, value := range store.occurrences {
		snap.occurrences[key] = value
	}
	for key, value := range store.registrations {
		snap.registrations[key] = value
	}
	for key, value := range store.batches {
		snap.batches[key] = value
	}
	for key, value := range store.accounts {
		snap.accounts[key] = value
	}
	return snap
}

func (store *stubStore) restore(snap stubSnapshot) {
	store.occurrences = snap.occurrences
	store.registrations = snap.registrations
	store.batches = snap.batches
	store.accounts = snap.accounts
	store.entries = snap.entries
	store.sequence = snap.sequence
}

func (store *stubStore) InsertOccurrence(_ context.Context, occurrence Occurrence) (Occurrence, error) {
	if occurrence.ID.String() == "" {
		occurrenceID, err := NewOccurrenceID(store.nextID("occ"))
		if err != nil {
			return Occurrence{}, err
		}
		occurrence.ID = occurrenceID
	}
	store.occurrences[occurrence.ID.String()] = occurrence
	return occurrence, nil
}

func (store *stubStore) GetOccurrence(_ context.Context, occurrenceID OccurrenceID) (Occurrence, error) {
	if store.getOccurrenceError != nil {
		return Occurrence{}, store.getOccurrenceError
	}
	occurrence, ok := store.occurrences[occurrenceID.String()]
	if !ok {
		return Occurrence{}, ErrOccurrenceNotFound
	}
	return occurrence, nil
}

func (store *stubStore) GetOccurrenceForUpdate(ctx context.Context, occurrenceID OccurrenceID) (Occurrence, error) {
	return store.GetOccurrence(ctx, occurrenceID)
}

func (store *stubStore) CountConfirmed(_ context.Context, occurrenceID OccurrenceID) (int, error) {
	if store.countConfirmedError != nil {
		return 0, store.countConfirmedError
	}
	count := 0
	for _, registration := range store.registrations {
		if registration.OccurrenceID == occurrenceID && registration.Status.CountsTowardCapacity() {
			count++
		}
	}
	return count, nil
}

func (store *stubStore) HasActiveRegistration(_ context.Context, occurrenceID OccurrenceID, clientID ClientID) (bool, error) {
	for _, registration := range store.registrations {
		if registration.OccurrenceID == occurrenceID && registration.ClientID == clientID && registration.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) InsertRegistration(_ context.Context, registration Registration) (Registration, error) {
	if store.insertRegistrationError != nil {
		return Registration{}, store.insertRegistrationError
	}
	if registration.ID.String() == "" {
		registrationID, err := NewRegistrationID(store.nextID("reg"))
		if err != nil {
			return Registration{}, err
		}
		registration.ID = registrationID
	}
	store.registrations[registration.ID.String()] = registration
	return registration, nil
}

func (store *stubStore) GetRegistration(_ context.Context, registrationID RegistrationID) (Registration, error) {
	registration, ok := store.registrations[registrationID.String()]
	if !ok {
		return Registration{}, ErrRegistrationNotFound
	}
	return registration, nil
}

func (store *stubStore) GetRegistrationForUpdate(ctx context.Context, registrationID RegistrationID) (Registration, error) {
	return store.GetRegistration(ctx, registrationID)
}

func (store *stubStore) UpdateRegistration(_ context.Context, registration Registration, expectedStatus RegistrationStatus) error {
	if store.updateConflicts > 0 {
		store.updateConflicts--
		return ErrConflict
	}
	current, ok := store.registrations[registration.ID.String()]
	if !ok {
		return ErrRegistrationNotFound
	}
	if current.Status != expectedStatus {
		return ErrConflict
	}
	store.registrations[registration.ID.String()] = registration
	return nil
}

func (store *stubStore) NextWaitlisted(_ context.Context, occurrenceID OccurrenceID) (Registration, bool, error) {
	waiting := make([]Registration, 0, 4)
	for _, registration := range store.registrations {
		if registration.OccurrenceID == occurrenceID && registration.Status == RegistrationWaitlist {
			waiting = append(waiting, registration)
		}
	}
	if len(waiting) == 0 {
		return Registration{}, false, nil
	}
	sort.Slice(waiting, func(left, right int) bool {
		if waiting[left].BookedAtUnixUTC != waiting[right].BookedAtUnixUTC {
			return waiting[left].BookedAtUnixUTC < waiting[right].BookedAtUnixUTC
		}
		return waiting[left].ID.String() < waiting[right].ID.String()
	})
	return waiting[0], true, nil
}

func (store *stubStore) InsertBatch(_ context.Context, batch CreditBatch) (CreditBatch, error) {
	if batch.ID.String() == "" {
		batchID, err := NewBatchID(store.nextID("batch"))
		if err != nil {
			return CreditBatch{}, err
		}
		batch.ID = batchID
	}
	store.batches[batch.ID.String()] = batch
	return batch, nil
}

func (store *stubStore) ListBatches(_ context.Context, clientID ClientID) ([]CreditBatch, error) {
	if store.listBatchesError != nil {
		return nil, store.listBatchesError
	}
	batches := make([]CreditBatch, 0, 4)
	for _, batch := range store.batches {
		if batch.ClientID == clientID {
			batches = append(batches, batch)
		}
	}
	sort.Slice(batches, func(left, right int) bool {
		return batches[left].PurchasedAtUnixUTC < batches[right].PurchasedAtUnixUTC
	})
	return batches, nil
}

func (store *stubStore) FindPayableBatch(_ context.Context, clientID ClientID, requiredCredits int64, nowUnixUTC int64) (CreditBatch, bool, error) {
	usable := make([]CreditBatch, 0, 4)
	for _, batch := range store.batches {
		if batch.ClientID != clientID || batch.CreditsLeft < requiredCredits {
			continue
		}
		if !batch.UsableAt(nowUnixUTC) {
			continue
		}
		usable = append(usable, batch)
	}
	if len(usable) == 0 {
		return CreditBatch{}, false, nil
	}
	sort.Slice(usable, func(left, right int) bool {
		leftExpiry, rightExpiry := usable[left].ExpiresAtUnixUTC, usable[right].ExpiresAtUnixUTC
		if (leftExpiry == 0) != (rightExpiry == 0) {
			return leftExpiry != 0
		}
		if leftExpiry != rightExpiry {
			return leftExpiry < rightExpiry
		}
		return usable[left].PurchasedAtUnixUTC < usable[right].PurchasedAtUnixUTC
	})
	return usable[0], true, nil
}

func (store *stubStore) DebitBatch(_ context.Context, batchID BatchID, credits int64) error {
	if store.debitError != nil {
		return store.debitError
	}
	batch, ok := store.batches[batchID.String()]
	if !ok || batch.CreditsLeft < credits {
		return ErrConflict
	}
	batch.CreditsLeft -= credits
	if batch.CreditsLeft == 0 {
		batch.Status = BatchDepleted
	}
	store.batches[batchID.String()] = batch
	return nil
}

func (store *stubStore) CreditBatchBalance(_ context.Context, batchID BatchID, credits int64) error {
	if store.creditError != nil {
		return store.creditError
	}
	batch, ok := store.batches[batchID.String()]
	if !ok {
		return ErrConflict
	}
	batch.CreditsLeft += credits
	if batch.Status == BatchDepleted {
		batch.Status = BatchActive
	}
	store.batches[batchID.String()] = batch
	return nil
}

func (store *stubStore) GetAccount(_ context.Context, clientID ClientID) (ClientAccount, error) {
	if store.getAccountError != nil {
		return ClientAccount{}, store.getAccountError
	}
	balance, ok := store.accounts[clientID.String()]
	if !ok {
		balance = decimal.Zero
	}
	return ClientAccount{ClientID: clientID, UnpaidBalance: balance}, nil
}

func (store *stubStore) AddUnpaidBalance(_ context.Context, clientID ClientID, amount decimal.Decimal) error {
	store.accounts[clientID.String()] = store.accounts[clientID.String()].Add(amount)
	return nil
}

func (store *stubStore) ReduceUnpaidBalance(_ context.Context, clientID ClientID, amount decimal.Decimal) error {
	balance := store.accounts[clientID.String()].Sub(amount)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	store.accounts[clientID.String()] = balance
	return nil
}

func (store *stubStore) InsertCreditEntry(_ context.Context, entry CreditEntry) (CreditEntry, error) {
	if store.insertEntryError != nil {
		return CreditEntry{}, store.insertEntryError
	}
	if entry.ID.String() == "" {
		entryID, err := NewEntryID(store.nextID("entry"))
		if err != nil {
			return CreditEntry{}, err
		}
		entry.ID = entryID
	}
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) FindSettlementEntry(_ context.Context, registrationID RegistrationID) (CreditEntry, bool, error) {
	for index := len(store.entries) - 1; index >= 0; index-- {
		entry := store.entries[index]
		if entry.RegistrationID != registrationID {
			continue
		}
		if entry.Kind == EntryDebit || entry.Kind == EntryCharge {
			return entry, true, nil
		}
	}
	return CreditEntry{}, false, nil
}

func (store *stubStore) ListCreditEntries(_ context.Context, clientID ClientID, beforeUnixUTC int64, limit int) ([]CreditEntry, error) {
	entries := make([]CreditEntry, 0, len(store.entries))
	for _, entry := range store.entries {
		if entry.ClientID != clientID {
			continue
		}
		if beforeUnixUTC != 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(left, right int) bool {
		return entries[left].CreatedUnixUTC > entries[right].CreatedUnixUTC
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// recordingNotifier captures dispatched events for assertions.
type recordingNotifier struct {
	events []Event
}

func (notifier *recordingNotifier) Notify(_ context.Context, event Event) {
	notifier.events = append(notifier.events, event)
}

const (
	testNowUnixUTC   int64 = 1_700_000_000
	testStartsAtUnix       = testNowUnixUTC + 48*3600
	testEndsAtUnix         = testStartsAtUnix + 3600
)

func mustNewService(test *testing.T, store *stubStore, options ...ServiceOption) *Service {
	test.Helper()
	prices, err := NewFixedPrice(decimal.RequireFromString("20.00"))
	if err != nil {
		test.Fatalf("fixed price: %v", err)
	}
	service, err := NewService(store, func() int64 { return store.now }, prices, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustOccurrenceID(test *testing.T, raw string) OccurrenceID {
	test.Helper()
	occurrenceID, err := NewOccurrenceID(raw)
	if err != nil {
		test.Fatalf("occurrence id: %v", err)
	}
	return occurrenceID
}

func mustClientID(test *testing.T, raw string) ClientID {
	test.Helper()
	clientID, err := NewClientID(raw)
	if err != nil {
		test.Fatalf("client id: %v", err)
	}
	return clientID
}

func mustRegistrationID(test *testing.T, raw string) RegistrationID {
	test.Helper()
	registrationID, err := NewRegistrationID(raw)
	if err != nil {
		test.Fatalf("registration id: %v", err)
	}
	return registrationID
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	credits, err := NewCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return credits
}

func seedOccurrence(test *testing.T, store *stubStore, capacity int, creditCost int64) OccurrenceID {
	test.Helper()
	occurrence, err := store.InsertOccurrence(context.Background(), Occurrence{
		Status:          OccurrenceScheduled,
		Capacity:        capacity,
		CreditCost:      creditCost,
		StartsAtUnixUTC: testStartsAtUnix,
		EndsAtUnixUTC:   testEndsAtUnix,
	})
	if err != nil {
		test.Fatalf("seed occurrence: %v", err)
	}
	return occurrence.ID
}

func seedBatch(test *testing.T, store *stubStore, clientID ClientID, creditsLeft int64, expiresAtUnixUTC int64) BatchID {
	test.Helper()
	batch, err := store.InsertBatch(context.Background(), CreditBatch{
		ClientID:           clientID,
		TotalCredits:       creditsLeft,
		CreditsLeft:        creditsLeft,
		ExpiresAtUnixUTC:   expiresAtUnixUTC,
		PurchasedAtUnixUTC: testNowUnixUTC - 3600,
		Status:             BatchActive,
	})
	if err != nil {
		test.Fatalf("seed batch: %v", err)
	}
	return batch.ID
}
