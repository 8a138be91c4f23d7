package gormstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/studiokit/booking/pkg/booking"
)

const storeTestNowUnixUTC int64 = 1_700_000_000

func newTestStore(test *testing.T) *Store {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "store.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(test, err)
	require.NoError(test, db.AutoMigrate(
		&Occurrence{},
		&Registration{},
		&CreditBatch{},
		&ClientAccount{},
		&CreditEntry{},
	))
	return New(db)
}

func testClientID(test *testing.T, raw string) booking.ClientID {
	test.Helper()
	clientID, err := booking.NewClientID(raw)
	require.NoError(test, err)
	return clientID
}

func insertTestOccurrence(test *testing.T, store *Store, capacity int) booking.Occurrence {
	test.Helper()
	occurrence, err := store.InsertOccurrence(context.Background(), booking.Occurrence{
		Status:          booking.OccurrenceScheduled,
		Capacity:        capacity,
		CreditCost:      1,
		StartsAtUnixUTC: storeTestNowUnixUTC + 48*3600,
		EndsAtUnixUTC:   storeTestNowUnixUTC + 49*3600,
	})
	require.NoError(test, err)
	return occurrence
}

func insertTestRegistration(test *testing.T, store *Store, occurrenceID booking.OccurrenceID, clientID booking.ClientID, status booking.RegistrationStatus, bookedAtUnixUTC int64) booking.Registration {
	test.Helper()
	registration, err := store.InsertRegistration(context.Background(), booking.Registration{
		OccurrenceID:    occurrenceID,
		ClientID:        clientID,
		Status:          status,
		PaymentStatus:   booking.PaymentPaid,
		BookedAtUnixUTC: bookedAtUnixUTC,
	})
	require.NoError(test, err)
	return registration
}

func insertTestBatch(test *testing.T, store *Store, clientID booking.ClientID, creditsLeft int64, expiresAtUnixUTC int64, purchasedAtUnixUTC int64) booking.CreditBatch {
	test.Helper()
	batch, err := store.InsertBatch(context.Background(), booking.CreditBatch{
		ClientID:           clientID,
		TotalCredits:       creditsLeft,
		CreditsLeft:        creditsLeft,
		ExpiresAtUnixUTC:   expiresAtUnixUTC,
		PurchasedAtUnixUTC: purchasedAtUnixUTC,
		Status:             booking.BatchActive,
	})
	require.NoError(test, err)
	return batch
}

func TestInsertRegistrationRejectsDuplicateActive(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	occurrence := insertTestOccurrence(test, store, 5)
	clientID := testClientID(test, "client-dup")

	insertTestRegistration(test, store, occurrence.ID, clientID, booking.RegistrationBooked, storeTestNowUnixUTC)
	_, err := store.InsertRegistration(context.Background(), booking.Registration{
		OccurrenceID:    occurrence.ID,
		ClientID:        clientID,
		Status:          booking.RegistrationWaitlist,
		PaymentStatus:   booking.PaymentPending,
		BookedAtUnixUTC: storeTestNowUnixUTC + 60,
	})
	require.ErrorIs(test, err, booking.ErrAlreadyRegistered)
}

func TestInsertRegistrationAllowsRebookingAfterCancellation(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	occurrence := insertTestOccurrence(test, store, 5)
	clientID := testClientID(test, "client-rebook")

	first := insertTestRegistration(test, store, occurrence.ID, clientID, booking.RegistrationBooked, storeTestNowUnixUTC)
	first.Status = booking.RegistrationCancelled
	first.CancelledAtUnixUTC = storeTestNowUnixUTC + 60
	require.NoError(test, store.UpdateRegistration(context.Background(), first, booking.RegistrationBooked))

	second := insertTestRegistration(test, store, occurrence.ID, clientID, booking.RegistrationBooked, storeTestNowUnixUTC+120)
	require.NotEqual(test, first.ID, second.ID)
}

func TestUpdateRegistrationGuardsExpectedStatus(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	occurrence := insertTestOccurrence(test, store, 5)
	clientID := testClientID(test, "client-guard")

	registration := insertTestRegistration(test, store, occurrence.ID, clientID, booking.RegistrationBooked, storeTestNowUnixUTC)
	registration.Status = booking.RegistrationCancelled
	err := store.UpdateRegistration(context.Background(), registration, booking.RegistrationWaitlist)
	require.ErrorIs(test, err, booking.ErrConflict)

	stored, err := store.GetRegistration(context.Background(), registration.ID)
	require.NoError(test, err)
	require.Equal(test, booking.RegistrationBooked, stored.Status)
}

func TestCountConfirmedCountsBookedAndAttendedOnly(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	occurrence := insertTestOccurrence(test, store, 10)

	insertTestRegistration(test, store, occurrence.ID, testClientID(test, "client-a"), booking.RegistrationBooked, storeTestNowUnixUTC)
	insertTestRegistration(test, store, occurrence.ID, testClientID(test, "client-b"), booking.RegistrationAttended, storeTestNowUnixUTC)
	insertTestRegistration(test, store, occurrence.ID, testClientID(test, "client-c"), booking.RegistrationWaitlist, storeTestNowUnixUTC)
	insertTestRegistration(test, store, occurrence.ID, testClientID(test, "client-d"), booking.RegistrationCancelled, storeTestNowUnixUTC)

	count, err := store.CountConfirmed(context.Background(), occurrence.ID)
	require.NoError(test, err)
	require.Equal(test, 2, count)
}

func TestHasActiveRegistrationIgnoresTerminalRows(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	occurrence := insertTestOccurrence(test, store, 10)
	clientID := testClientID(test, "client-active")

	insertTestRegistration(test, store, occurrence.ID, clientID, booking.RegistrationCancelled, storeTestNowUnixUTC)
	active, err := store.HasActiveRegistration(context.Background(), occurrence.ID, clientID)
	require.NoError(test, err)
	require.False(test, active)

	insertTestRegistration(test, store, occurrence.ID, clientID, booking.RegistrationWaitlist, storeTestNowUnixUTC+60)
	active, err = store.HasActiveRegistration(context.Background(), occurrence.ID, clientID)
	require.NoError(test, err)
	require.True(test, active)
}

func TestNextWaitlistedReturnsEarliestQueued(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	occurrence := insertTestOccurrence(test, store, 1)

	insertTestRegistration(test, store, occurrence.ID, testClientID(test, "queue-late"), booking.RegistrationWaitlist, storeTestNowUnixUTC+120)
	earliest := insertTestRegistration(test, store, occurrence.ID, testClientID(test, "queue-early"), booking.RegistrationWaitlist, storeTestNowUnixUTC+60)

	next, found, err := store.NextWaitlisted(context.Background(), occurrence.ID)
	require.NoError(test, err)
	require.True(test, found)
	require.Equal(test, earliest.ID, next.ID)
}

func TestNextWaitlistedEmptyQueue(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	occurrence := insertTestOccurrence(test, store, 1)

	_, found, err := store.NextWaitlisted(context.Background(), occurrence.ID)
	require.NoError(test, err)
	require.False(test, found)
}

func TestDebitBatchGuardsRemainingBalance(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	clientID := testClientID(test, "client-debit")
	batch := insertTestBatch(test, store, clientID, 2, 0, storeTestNowUnixUTC)

	require.NoError(test, store.DebitBatch(context.Background(), batch.ID, 1))
	err := store.DebitBatch(context.Background(), batch.ID, 2)
	require.ErrorIs(test, err, booking.ErrConflict)

	require.NoError(test, store.DebitBatch(context.Background(), batch.ID, 1))
	batches, err := store.ListBatches(context.Background(), clientID)
	require.NoError(test, err)
	require.Len(test, batches, 1)
	require.Equal(test, int64(0), batches[0].CreditsLeft)
	require.Equal(test, booking.BatchDepleted, batches[0].Status)
}

func TestCreditBatchBalanceReactivatesDepletedBatch(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	clientID := testClientID(test, "client-credit")
	batch := insertTestBatch(test, store, clientID, 1, 0, storeTestNowUnixUTC)

	require.NoError(test, store.DebitBatch(context.Background(), batch.ID, 1))
	require.NoError(test, store.CreditBatchBalance(context.Background(), batch.ID, 1))

	batches, err := store.ListBatches(context.Background(), clientID)
	require.NoError(test, err)
	require.Len(test, batches, 1)
	require.Equal(test, int64(1), batches[0].CreditsLeft)
	require.Equal(test, booking.BatchActive, batches[0].Status)
}

func TestFindPayableBatchPrefersSoonestExpiry(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	clientID := testClientID(test, "client-pick")

	insertTestBatch(test, store, clientID, 5, 0, storeTestNowUnixUTC-7200)
	expiring := insertTestBatch(test, store, clientID, 5, storeTestNowUnixUTC+24*3600, storeTestNowUnixUTC-3600)

	batch, found, err := store.FindPayableBatch(context.Background(), clientID, 1, storeTestNowUnixUTC)
	require.NoError(test, err)
	require.True(test, found)
	require.Equal(test, expiring.ID, batch.ID)
}

func TestFindPayableBatchSkipsExpiredAndShortBatches(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	clientID := testClientID(test, "client-skip")

	insertTestBatch(test, store, clientID, 5, storeTestNowUnixUTC-60, storeTestNowUnixUTC-7200)
	insertTestBatch(test, store, clientID, 1, 0, storeTestNowUnixUTC-3600)

	_, found, err := store.FindPayableBatch(context.Background(), clientID, 2, storeTestNowUnixUTC)
	require.NoError(test, err)
	require.False(test, found)
}

func TestAccountBalanceUpsertAndClamp(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	clientID := testClientID(test, "client-balance")

	account, err := store.GetAccount(context.Background(), clientID)
	require.NoError(test, err)
	require.True(test, account.UnpaidBalance.IsZero())

	require.NoError(test, store.AddUnpaidBalance(context.Background(), clientID, decimal.RequireFromString("20.00")))
	require.NoError(test, store.AddUnpaidBalance(context.Background(), clientID, decimal.RequireFromString("5.50")))
	account, err = store.GetAccount(context.Background(), clientID)
	require.NoError(test, err)
	require.True(test, account.UnpaidBalance.Equal(decimal.RequireFromString("25.50")))

	require.NoError(test, store.ReduceUnpaidBalance(context.Background(), clientID, decimal.RequireFromString("30.00")))
	account, err = store.GetAccount(context.Background(), clientID)
	require.NoError(test, err)
	require.True(test, account.UnpaidBalance.IsZero())
}

func TestReduceUnpaidBalanceUnknownAccount(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	err := store.ReduceUnpaidBalance(context.Background(), testClientID(test, "client-ghost"), decimal.RequireFromString("1.00"))
	require.ErrorIs(test, err, booking.ErrConflict)
}

func TestFindSettlementEntryPicksLatest(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	occurrence := insertTestOccurrence(test, store, 5)
	clientID := testClientID(test, "client-journal")
	registration := insertTestRegistration(test, store, occurrence.ID, clientID, booking.RegistrationBooked, storeTestNowUnixUTC)
	batch := insertTestBatch(test, store, clientID, 5, 0, storeTestNowUnixUTC)

	_, err := store.InsertCreditEntry(context.Background(), booking.CreditEntry{
		ClientID:       clientID,
		RegistrationID: registration.ID,
		BatchID:        &batch.ID,
		Kind:           booking.EntryDebit,
		Credits:        1,
		Amount:         decimal.Zero,
		CreatedUnixUTC: storeTestNowUnixUTC,
	})
	require.NoError(test, err)
	_, err = store.InsertCreditEntry(context.Background(), booking.CreditEntry{
		ClientID:       clientID,
		RegistrationID: registration.ID,
		Kind:           booking.EntryCharge,
		Credits:        0,
		Amount:         decimal.RequireFromString("20.00"),
		CreatedUnixUTC: storeTestNowUnixUTC + 60,
	})
	require.NoError(test, err)
	_, err = store.InsertCreditEntry(context.Background(), booking.CreditEntry{
		ClientID:       clientID,
		RegistrationID: registration.ID,
		Kind:           booking.EntryRefund,
		Credits:        1,
		Amount:         decimal.Zero,
		CreatedUnixUTC: storeTestNowUnixUTC + 120,
	})
	require.NoError(test, err)

	entry, found, err := store.FindSettlementEntry(context.Background(), registration.ID)
	require.NoError(test, err)
	require.True(test, found)
	require.Equal(test, booking.EntryCharge, entry.Kind)
}

func TestFindSettlementEntryMissing(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	occurrence := insertTestOccurrence(test, store, 5)
	registration := insertTestRegistration(test, store, occurrence.ID, testClientID(test, "client-bare"), booking.RegistrationBooked, storeTestNowUnixUTC)

	_, found, err := store.FindSettlementEntry(context.Background(), registration.ID)
	require.NoError(test, err)
	require.False(test, found)
}

func TestListCreditEntriesOrdersAndPaginates(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	occurrence := insertTestOccurrence(test, store, 5)
	clientID := testClientID(test, "client-history")
	registration := insertTestRegistration(test, store, occurrence.ID, clientID, booking.RegistrationBooked, storeTestNowUnixUTC)

	kinds := []booking.EntryKind{booking.EntryDebit, booking.EntryRefund, booking.EntryCharge}
	for index, kind := range kinds {
		_, err := store.InsertCreditEntry(context.Background(), booking.CreditEntry{
			ClientID:       clientID,
			RegistrationID: registration.ID,
			Kind:           kind,
			Amount:         decimal.Zero,
			CreatedUnixUTC: storeTestNowUnixUTC + int64(index)*60,
		})
		require.NoError(test, err)
	}

	entries, err := store.ListCreditEntries(context.Background(), clientID, 0, 2)
	require.NoError(test, err)
	require.Len(test, entries, 2)
	require.Equal(test, booking.EntryCharge, entries[0].Kind)
	require.Equal(test, booking.EntryRefund, entries[1].Kind)

	older, err := store.ListCreditEntries(context.Background(), clientID, storeTestNowUnixUTC+60, 10)
	require.NoError(test, err)
	require.Len(test, older, 1)
	require.Equal(test, booking.EntryDebit, older[0].Kind)
}

func TestInsertCreditEntryDefaultsMetadata(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	occurrence := insertTestOccurrence(test, store, 5)
	clientID := testClientID(test, "client-meta")
	registration := insertTestRegistration(test, store, occurrence.ID, clientID, booking.RegistrationBooked, storeTestNowUnixUTC)

	entry, err := store.InsertCreditEntry(context.Background(), booking.CreditEntry{
		ClientID:       clientID,
		RegistrationID: registration.ID,
		Kind:           booking.EntryDebit,
		Credits:        1,
		Amount:         decimal.Zero,
		CreatedUnixUTC: storeTestNowUnixUTC,
	})
	require.NoError(test, err)
	require.Equal(test, "{}", entry.MetadataJSON)
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	clientID := testClientID(test, "client-rollback")
	sentinel := errors.New("abort")

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore booking.Store) error {
		_, insertError := txStore.InsertBatch(ctx, booking.CreditBatch{
			ClientID:           clientID,
			TotalCredits:       5,
			CreditsLeft:        5,
			PurchasedAtUnixUTC: storeTestNowUnixUTC,
			Status:             booking.BatchActive,
		})
		require.NoError(test, insertError)
		return sentinel
	})
	require.ErrorIs(test, err, sentinel)

	batches, err := store.ListBatches(context.Background(), clientID)
	require.NoError(test, err)
	require.Empty(test, batches)
}

func TestGetOccurrenceNotFound(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	occurrenceID, err := booking.NewOccurrenceID("00000000-0000-0000-0000-000000000000")
	require.NoError(test, err)

	_, err = store.GetOccurrence(context.Background(), occurrenceID)
	require.ErrorIs(test, err, booking.ErrOccurrenceNotFound)
}

func TestGetRegistrationNotFound(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	registrationID, err := booking.NewRegistrationID("00000000-0000-0000-0000-000000000000")
	require.NoError(test, err)

	_, err = store.GetRegistration(context.Background(), registrationID)
	require.ErrorIs(test, err, booking.ErrRegistrationNotFound)
}

func TestConcurrentBookingNeverOversellsCapacity(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	sqlDB, err := store.db.DB()
	require.NoError(test, err)
	// sqlite allows a single writer; one connection keeps rival
	// transactions queued instead of failing with a busy error.
	sqlDB.SetMaxOpenConns(1)

	occurrence := insertTestOccurrence(test, store, 3)
	prices, err := booking.NewFixedPrice(decimal.RequireFromString("20.00"))
	require.NoError(test, err)
	service, err := booking.NewService(store, func() int64 { return storeTestNowUnixUTC }, prices)
	require.NoError(test, err)

	const bookers = 8
	results := make([]booking.Registration, bookers)
	bookErrors := make([]error, bookers)
	var group sync.WaitGroup
	for index := 0; index < bookers; index++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			clientID, clientErr := booking.NewClientID(fmt.Sprintf("racer-%d", index))
			if clientErr != nil {
				bookErrors[index] = clientErr
				return
			}
			results[index], bookErrors[index] = service.Book(context.Background(), occurrence.ID, clientID)
		}(index)
	}
	group.Wait()

	confirmed := 0
	waitlisted := 0
	for index := 0; index < bookers; index++ {
		require.NoError(test, bookErrors[index])
		switch results[index].Status {
		case booking.RegistrationBooked:
			confirmed++
		case booking.RegistrationWaitlist:
			waitlisted++
		default:
			test.Fatalf("unexpected status %s", results[index].Status)
		}
	}
	require.Equal(test, 3, confirmed)
	require.Equal(test, bookers-3, waitlisted)

	count, err := store.CountConfirmed(context.Background(), occurrence.ID)
	require.NoError(test, err)
	require.Equal(test, 3, count)
}
