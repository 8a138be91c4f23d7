package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/studiokit/booking/pkg/booking"
)

const (
	constraintActiveRegistration = "idx_registrations_active"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectOccur            = "occurrence"
	errorSubjectReg              = "registration"
	errorSubjectBatch            = "batch"
	errorSubjectAccount          = "account"
	errorSubjectEntry            = "entry"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeInsert              = "insert"
	errorCodeGet                 = "get"
	errorCodeCount               = "count"
	errorCodeLookup              = "lookup"
	errorCodeDuplicate           = "duplicate"
	errorCodeUpdate              = "update"
	errorCodeDebit               = "debit"
	errorCodeCredit              = "credit"
	errorCodeList                = "list"
	errorCodeInvalid             = "invalid"

	sqlInsertOccurrence = `
		insert into class_occurrences(occurrence_id, status, capacity, credit_cost, starts_at, ends_at, created_at)
		values(gen_random_uuid(), $1, $2, $3, to_timestamp($4), to_timestamp($5), now())
		returning occurrence_id::text
	`

	sqlSelectOccurrence = `
		select occurrence_id::text, status, capacity, credit_cost,
			extract(epoch from starts_at)::bigint,
			extract(epoch from ends_at)::bigint
		from class_occurrences
		where occurrence_id = $1
	`

	sqlSelectOccurrenceForUpdate = sqlSelectOccurrence + ` for update`

	sqlCountConfirmed = `
		select count(*) from registrations
		where occurrence_id = $1 and status in ('booked','attended')
	`

	sqlCountActiveForClient = `
		select count(*) from registrations
		where occurrence_id = $1 and client_id = $2 and status in ('booked','waitlist')
	`

	sqlInsertRegistration = `
		insert into registrations(registration_id, occurrence_id, client_id, status, payment_status, credits_used, booked_at)
		values(gen_random_uuid(), $1, $2, $3, $4, $5, to_timestamp($6))
		returning registration_id::text
	`

	sqlSelectRegistration = `
		select registration_id::text, occurrence_id::text, client_id, status, payment_status, credits_used,
			extract(epoch from booked_at)::bigint,
			coalesce(extract(epoch from cancelled_at)::bigint, 0)
		from registrations
		where registration_id = $1
	`

	sqlSelectRegistrationForUpdate = sqlSelectRegistration + ` for update`

	sqlUpdateRegistration = `
		update registrations
		set status = $2, payment_status = $3, credits_used = $4,
			cancelled_at = case when $5 = 0 then cancelled_at else to_timestamp($5) end
		where registration_id = $1 and status = $6
	`

	sqlNextWaitlisted = `
		select registration_id::text, occurrence_id::text, client_id, status, payment_status, credits_used,
			extract(epoch from booked_at)::bigint,
			coalesce(extract(epoch from cancelled_at)::bigint, 0)
		from registrations
		where occurrence_id = $1 and status = 'waitlist'
		order by booked_at asc, registration_id asc
		limit 1
		for update
	`

	sqlInsertBatch = `
		insert into credit_batches(batch_id, client_id, total_credits, credits_left, expires_at, purchased_at, status)
		values(gen_random_uuid(), $1, $2, $3, to_timestamp(nullif($4, 0)), to_timestamp($5), $6)
		returning batch_id::text
	`

	sqlListBatches = `
		select batch_id::text, client_id, total_credits, credits_left,
			coalesce(extract(epoch from expires_at)::bigint, 0),
			extract(epoch from purchased_at)::bigint,
			status
		from credit_batches
		where client_id = $1
		order by purchased_at asc
	`

	sqlFindPayableBatch = `
		select batch_id::text, client_id, total_credits, credits_left,
			coalesce(extract(epoch from expires_at)::bigint, 0),
			extract(epoch from purchased_at)::bigint,
			status
		from credit_batches
		where client_id = $1 and credits_left >= $2 and status <> 'expired'
			and (expires_at is null or expires_at > to_timestamp($3))
		order by expires_at is null, expires_at asc, purchased_at asc
		limit 1
		for update
	`

	sqlDebitBatch = `
		update credit_batches
		set credits_left = credits_left - $2,
			status = case when credits_left - $2 <= 0 then 'depleted' else status end
		where batch_id = $1 and credits_left >= $2
	`

	sqlCreditBatch = `
		update credit_batches
		set credits_left = credits_left + $2,
			status = case when status = 'depleted' then 'active' else status end
		where batch_id = $1
	`

	sqlSelectUnpaidBalance = `
		select unpaid_balance::text from client_accounts where client_id = $1
	`

	sqlUpsertUnpaidBalance = `
		insert into client_accounts(client_id, unpaid_balance, updated_at)
		values($1, $2::numeric, now())
		on conflict (client_id) do update
		set unpaid_balance = client_accounts.unpaid_balance + excluded.unpaid_balance, updated_at = now()
	`

	sqlReduceUnpaidBalance = `
		update client_accounts
		set unpaid_balance = case when unpaid_balance >= $2::numeric then unpaid_balance - $2::numeric else 0 end,
			updated_at = now()
		where client_id = $1
	`

	sqlInsertCreditEntry = `
		insert into credit_entries(entry_id, client_id, registration_id, batch_id, kind, credits, amount, metadata, created_at)
		values(
			gen_random_uuid(), $1, $2,
			nullif($3, '')::uuid, $4, $5, $6::numeric,
			coalesce(nullif($7, ''), '{}')::jsonb,
			to_timestamp($8)
		)
		returning entry_id::text
	`

	sqlSelectSettlementEntry = `
		select entry_id::text, client_id, registration_id::text, coalesce(batch_id::text, ''), kind, credits,
			amount::text, coalesce(metadata::text, '{}'),
			extract(epoch from created_at)::bigint
		from credit_entries
		where registration_id = $1 and kind in ('debit','charge')
		order by created_at desc, entry_id desc
		limit 1
	`

	sqlListEntriesBefore = `
		select entry_id::text, client_id, registration_id::text, coalesce(batch_id::text, ''), kind, credits,
			amount::text, coalesce(metadata::text, '{}'),
			extract(epoch from created_at)::bigint
		from credit_entries
		where client_id = $1
			and created_at < case when $2 = 0 then now() else to_timestamp($2) end
		order by created_at desc
		limit $3
	`
)

// querier covers the pgx surface shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements booking.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements booking.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) InsertOccurrence(ctx context.Context, occurrence booking.Occurrence) (booking.Occurrence, error) {
	return insertOccurrence(ctx, store.pool, occurrence)
}

func (store *Store) GetOccurrence(ctx context.Context, occurrenceID booking.OccurrenceID) (booking.Occurrence, error) {
	return getOccurrence(ctx, store.pool, sqlSelectOccurrence, occurrenceID)
}

func (store *Store) GetOccurrenceForUpdate(ctx context.Context, occurrenceID booking.OccurrenceID) (booking.Occurrence, error) {
	return getOccurrence(ctx, store.pool, sqlSelectOccurrenceForUpdate, occurrenceID)
}

func (store *Store) CountConfirmed(ctx context.Context, occurrenceID booking.OccurrenceID) (int, error) {
	return countConfirmed(ctx, store.pool, occurrenceID)
}

func (store *Store) HasActiveRegistration(ctx context.Context, occurrenceID booking.OccurrenceID, clientID booking.ClientID) (bool, error) {
	return hasActiveRegistration(ctx, store.pool, occurrenceID, clientID)
}

func (store *Store) InsertRegistration(ctx context.Context, registration booking.Registration) (booking.Registration, error) {
	return insertRegistration(ctx, store.pool, registration)
}

func (store *Store) GetRegistration(ctx context.Context, registrationID booking.RegistrationID) (booking.Registration, error) {
	return getRegistration(ctx, store.pool, sqlSelectRegistration, registrationID)
}

func (store *Store) GetRegistrationForUpdate(ctx context.Context, registrationID booking.RegistrationID) (booking.Registration, error) {
	return getRegistration(ctx, store.pool, sqlSelectRegistrationForUpdate, registrationID)
}

func (store *Store) UpdateRegistration(ctx context.Context, registration booking.Registration, expectedStatus booking.RegistrationStatus) error {
	return updateRegistration(ctx, store.pool, registration, expectedStatus)
}

func (store *Store) NextWaitlisted(ctx context.Context, occurrenceID booking.OccurrenceID) (booking.Registration, bool, error) {
	return nextWaitlisted(ctx, store.pool, occurrenceID)
}

func (store *Store) InsertBatch(ctx context.Context, batch booking.CreditBatch) (booking.CreditBatch, error) {
	return insertBatch(ctx, store.pool, batch)
}

func (store *Store) ListBatches(ctx context.Context, clientID booking.ClientID) ([]booking.CreditBatch, error) {
	return listBatches(ctx, store.pool, clientID)
}

func (store *Store) FindPayableBatch(ctx context.Context, clientID booking.ClientID, requiredCredits int64, nowUnixUTC int64) (booking.CreditBatch, bool, error) {
	return findPayableBatch(ctx, store.pool, clientID, requiredCredits, nowUnixUTC)
}

func (store *Store) DebitBatch(ctx context.Context, batchID booking.BatchID, credits int64) error {
	return debitBatch(ctx, store.pool, batchID, credits)
}

func (store *Store) CreditBatchBalance(ctx context.Context, batchID booking.BatchID, credits int64) error {
	return creditBatchBalance(ctx, store.pool, batchID, credits)
}

func (store *Store) GetAccount(ctx context.Context, clientID booking.ClientID) (booking.ClientAccount, error) {
	return getAccount(ctx, store.pool, clientID)
}

func (store *Store) AddUnpaidBalance(ctx context.Context, clientID booking.ClientID, amount decimal.Decimal) error {
	return addUnpaidBalance(ctx, store.pool, clientID, amount)
}

func (store *Store) ReduceUnpaidBalance(ctx context.Context, clientID booking.ClientID, amount decimal.Decimal) error {
	return reduceUnpaidBalance(ctx, store.pool, clientID, amount)
}

func (store *Store) InsertCreditEntry(ctx context.Context, entry booking.CreditEntry) (booking.CreditEntry, error) {
	return insertCreditEntry(ctx, store.pool, entry)
}

func (store *Store) FindSettlementEntry(ctx context.Context, registrationID booking.RegistrationID) (booking.CreditEntry, bool, error) {
	return findSettlementEntry(ctx, store.pool, registrationID)
}

func (store *Store) ListCreditEntries(ctx context.Context, clientID booking.ClientID, beforeUnixUTC int64, limit int) ([]booking.CreditEntry, error) {
	return listCreditEntries(ctx, store.pool, clientID, beforeUnixUTC, limit)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) InsertOccurrence(ctx context.Context, occurrence booking.Occurrence) (booking.Occurrence, error) {
	return insertOccurrence(ctx, store.tx, occurrence)
}

func (store *TxStore) GetOccurrence(ctx context.Context, occurrenceID booking.OccurrenceID) (booking.Occurrence, error) {
	return getOccurrence(ctx, store.tx, sqlSelectOccurrence, occurrenceID)
}

func (store *TxStore) GetOccurrenceForUpdate(ctx context.Context, occurrenceID booking.OccurrenceID) (booking.Occurrence, error) {
	return getOccurrence(ctx, store.tx, sqlSelectOccurrenceForUpdate, occurrenceID)
}

func (store *TxStore) CountConfirmed(ctx context.Context, occurrenceID booking.OccurrenceID) (int, error) {
	return countConfirmed(ctx, store.tx, occurrenceID)
}

func (store *TxStore) HasActiveRegistration(ctx context.Context, occurrenceID booking.OccurrenceID, clientID booking.ClientID) (bool, error) {
	return hasActiveRegistration(ctx, store.tx, occurrenceID, clientID)
}

func (store *TxStore) InsertRegistration(ctx context.Context, registration booking.Registration) (booking.Registration, error) {
	return insertRegistration(ctx, store.tx, registration)
}

func (store *TxStore) GetRegistration(ctx context.Context, registrationID booking.RegistrationID) (booking.Registration, error) {
	return getRegistration(ctx, store.tx, sqlSelectRegistration, registrationID)
}

func (store *TxStore) GetRegistrationForUpdate(ctx context.Context, registrationID booking.RegistrationID) (booking.Registration, error) {
	return getRegistration(ctx, store.tx, sqlSelectRegistrationForUpdate, registrationID)
}

func (store *TxStore) UpdateRegistration(ctx context.Context, registration booking.Registration, expectedStatus booking.RegistrationStatus) error {
	return updateRegistration(ctx, store.tx, registration, expectedStatus)
}

func (store *TxStore) NextWaitlisted(ctx context.Context, occurrenceID booking.OccurrenceID) (booking.Registration, bool, error) {
	return nextWaitlisted(ctx, store.tx, occurrenceID)
}

func (store *TxStore) InsertBatch(ctx context.Context, batch booking.CreditBatch) (booking.CreditBatch, error) {
	return insertBatch(ctx, store.tx, batch)
}

func (store *TxStore) ListBatches(ctx context.Context, clientID booking.ClientID) ([]booking.CreditBatch, error) {
	return listBatches(ctx, store.tx, clientID)
}

func (store *TxStore) FindPayableBatch(ctx context.Context, clientID booking.ClientID, requiredCredits int64, nowUnixUTC int64) (booking.CreditBatch, bool, error) {
	return findPayableBatch(ctx, store.tx, clientID, requiredCredits, nowUnixUTC)
}

func (store *TxStore) DebitBatch(ctx context.Context, batchID booking.BatchID, credits int64) error {
	return debitBatch(ctx, store.tx, batchID, credits)
}

func (store *TxStore) CreditBatchBalance(ctx context.Context, batchID booking.BatchID, credits int64) error {
	return creditBatchBalance(ctx, store.tx, batchID, credits)
}

func (store *TxStore) GetAccount(ctx context.Context, clientID booking.ClientID) (booking.ClientAccount, error) {
	return getAccount(ctx, store.tx, clientID)
}

func (store *TxStore) AddUnpaidBalance(ctx context.Context, clientID booking.ClientID, amount decimal.Decimal) error {
	return addUnpaidBalance(ctx, store.tx, clientID, amount)
}

func (store *TxStore) ReduceUnpaidBalance(ctx context.Context, clientID booking.ClientID, amount decimal.Decimal) error {
	return reduceUnpaidBalance(ctx, store.tx, clientID, amount)
}

func (store *TxStore) InsertCreditEntry(ctx context.Context, entry booking.CreditEntry) (booking.CreditEntry, error) {
	return insertCreditEntry(ctx, store.tx, entry)
}

func (store *TxStore) FindSettlementEntry(ctx context.Context, registrationID booking.RegistrationID) (booking.CreditEntry, bool, error) {
	return findSettlementEntry(ctx, store.tx, registrationID)
}

func (store *TxStore) ListCreditEntries(ctx context.Context, clientID booking.ClientID, beforeUnixUTC int64, limit int) ([]booking.CreditEntry, error) {
	return listCreditEntries(ctx, store.tx, clientID, beforeUnixUTC, limit)
}

func insertOccurrence(ctx context.Context, runner querier, occurrence booking.Occurrence) (booking.Occurrence, error) {
	var occurrenceIDValue string
	err := runner.QueryRow(ctx, sqlInsertOccurrence,
		occurrence.Status.String(),
		occurrence.Capacity,
		occurrence.CreditCost,
		occurrence.StartsAtUnixUTC,
		occurrence.EndsAtUnixUTC,
	).Scan(&occurrenceIDValue)
	if err != nil {
		return booking.Occurrence{}, wrapStoreError(errorSubjectOccur, errorCodeInsert, err)
	}
	occurrenceID, err := booking.NewOccurrenceID(occurrenceIDValue)
	if err != nil {
		return booking.Occurrence{}, wrapStoreError(errorSubjectOccur, errorCodeInvalid, err)
	}
	occurrence.ID = occurrenceID
	return occurrence, nil
}

func getOccurrence(ctx context.Context, runner querier, query string, occurrenceID booking.OccurrenceID) (booking.Occurrence, error) {
	var (
		occurrenceIDValue string
		statusValue       string
		capacityValue     int
		creditCostValue   int64
		startsAtUnixUTC   int64
		endsAtUnixUTC     int64
	)
	err := runner.QueryRow(ctx, query, occurrenceID.String()).Scan(
		&occurrenceIDValue,
		&statusValue,
		&capacityValue,
		&creditCostValue,
		&startsAtUnixUTC,
		&endsAtUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.Occurrence{}, wrapStoreError(errorSubjectOccur, errorCodeGet, booking.ErrOccurrenceNotFound)
		}
		return booking.Occurrence{}, wrapStoreError(errorSubjectOccur, errorCodeGet, err)
	}
	parsedOccurrenceID, err := booking.NewOccurrenceID(occurrenceIDValue)
	if err != nil {
		return booking.Occurrence{}, wrapStoreError(errorSubjectOccur, errorCodeInvalid, err)
	}
	status, err := booking.ParseOccurrenceStatus(statusValue)
	if err != nil {
		return booking.Occurrence{}, wrapStoreError(errorSubjectOccur, errorCodeInvalid, err)
	}
	return booking.Occurrence{
		ID:              parsedOccurrenceID,
		Status:          status,
		Capacity:        capacityValue,
		CreditCost:      creditCostValue,
		StartsAtUnixUTC: startsAtUnixUTC,
		EndsAtUnixUTC:   endsAtUnixUTC,
	}, nil
}

func countConfirmed(ctx context.Context, runner querier, occurrenceID booking.OccurrenceID) (int, error) {
	var count int64
	if err := runner.QueryRow(ctx, sqlCountConfirmed, occurrenceID.String()).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectReg, errorCodeCount, err)
	}
	return int(count), nil
}

func hasActiveRegistration(ctx context.Context, runner querier, occurrenceID booking.OccurrenceID, clientID booking.ClientID) (bool, error) {
	var count int64
	if err := runner.QueryRow(ctx, sqlCountActiveForClient, occurrenceID.String(), clientID.String()).Scan(&count); err != nil {
		return false, wrapStoreError(errorSubjectReg, errorCodeLookup, err)
	}
	return count > 0, nil
}

func insertRegistration(ctx context.Context, runner querier, registration booking.Registration) (booking.Registration, error) {
	var registrationIDValue string
	err := runner.QueryRow(ctx, sqlInsertRegistration,
		registration.OccurrenceID.String(),
		registration.ClientID.String(),
		registration.Status.String(),
		registration.PaymentStatus.String(),
		registration.CreditsUsed,
		registration.BookedAtUnixUTC,
	).Scan(&registrationIDValue)
	if isActiveRegistrationConflict(err) {
		return booking.Registration{}, wrapStoreError(errorSubjectReg, errorCodeDuplicate, booking.ErrAlreadyRegistered)
	}
	if err != nil {
		return booking.Registration{}, wrapStoreError(errorSubjectReg, errorCodeInsert, err)
	}
	registrationID, err := booking.NewRegistrationID(registrationIDValue)
	if err != nil {
		return booking.Registration{}, wrapStoreError(errorSubjectReg, errorCodeInvalid, err)
	}
	registration.ID = registrationID
	return registration, nil
}

func getRegistration(ctx context.Context, runner querier, query string, registrationID booking.RegistrationID) (booking.Registration, error) {
	row := runner.QueryRow(ctx, query, registrationID.String())
	registration, err := scanRegistration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.Registration{}, wrapStoreError(errorSubjectReg, errorCodeGet, booking.ErrRegistrationNotFound)
		}
		return booking.Registration{}, wrapStoreError(errorSubjectReg, errorCodeGet, err)
	}
	return registration, nil
}

func updateRegistration(ctx context.Context, runner querier, registration booking.Registration, expectedStatus booking.RegistrationStatus) error {
	tag, err := runner.Exec(ctx, sqlUpdateRegistration,
		registration.ID.String(),
		registration.Status.String(),
		registration.PaymentStatus.String(),
		registration.CreditsUsed,
		registration.CancelledAtUnixUTC,
		expectedStatus.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectReg, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReg, errorCodeUpdate, booking.ErrConflict)
	}
	return nil
}

func nextWaitlisted(ctx context.Context, runner querier, occurrenceID booking.OccurrenceID) (booking.Registration, bool, error) {
	row := runner.QueryRow(ctx, sqlNextWaitlisted, occurrenceID.String())
	registration, err := scanRegistration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.Registration{}, false, nil
		}
		return booking.Registration{}, false, wrapStoreError(errorSubjectReg, errorCodeLookup, err)
	}
	return registration, true, nil
}

func insertBatch(ctx context.Context, runner querier, batch booking.CreditBatch) (booking.CreditBatch, error) {
	var batchIDValue string
	err := runner.QueryRow(ctx, sqlInsertBatch,
		batch.ClientID.String(),
		batch.TotalCredits,
		batch.CreditsLeft,
		batch.ExpiresAtUnixUTC,
		batch.PurchasedAtUnixUTC,
		batch.Status.String(),
	).Scan(&batchIDValue)
	if err != nil {
		return booking.CreditBatch{}, wrapStoreError(errorSubjectBatch, errorCodeInsert, err)
	}
	batchID, err := booking.NewBatchID(batchIDValue)
	if err != nil {
		return booking.CreditBatch{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	batch.ID = batchID
	return batch, nil
}

func listBatches(ctx context.Context, runner querier, clientID booking.ClientID) ([]booking.CreditBatch, error) {
	rows, err := runner.Query(ctx, sqlListBatches, clientID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	defer rows.Close()
	batches := make([]booking.CreditBatch, 0, 8)
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return batches, nil
}

func findPayableBatch(ctx context.Context, runner querier, clientID booking.ClientID, requiredCredits int64, nowUnixUTC int64) (booking.CreditBatch, bool, error) {
	row := runner.QueryRow(ctx, sqlFindPayableBatch, clientID.String(), requiredCredits, nowUnixUTC)
	batch, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.CreditBatch{}, false, nil
		}
		return booking.CreditBatch{}, false, wrapStoreError(errorSubjectBatch, errorCodeLookup, err)
	}
	return batch, true, nil
}

func debitBatch(ctx context.Context, runner querier, batchID booking.BatchID, credits int64) error {
	tag, err := runner.Exec(ctx, sqlDebitBatch, batchID.String(), credits)
	if err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeDebit, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeDebit, booking.ErrConflict)
	}
	return nil
}

func creditBatchBalance(ctx context.Context, runner querier, batchID booking.BatchID, credits int64) error {
	tag, err := runner.Exec(ctx, sqlCreditBatch, batchID.String(), credits)
	if err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeCredit, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeCredit, booking.ErrConflict)
	}
	return nil
}

func getAccount(ctx context.Context, runner querier, clientID booking.ClientID) (booking.ClientAccount, error) {
	var balanceValue string
	err := runner.QueryRow(ctx, sqlSelectUnpaidBalance, clientID.String()).Scan(&balanceValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.ClientAccount{ClientID: clientID, UnpaidBalance: decimal.Zero}, nil
	}
	if err != nil {
		return booking.ClientAccount{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	balance, err := decimal.NewFromString(balanceValue)
	if err != nil {
		return booking.ClientAccount{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return booking.ClientAccount{ClientID: clientID, UnpaidBalance: balance}, nil
}

func addUnpaidBalance(ctx context.Context, runner querier, clientID booking.ClientID, amount decimal.Decimal) error {
	if _, err := runner.Exec(ctx, sqlUpsertUnpaidBalance, clientID.String(), amount.String()); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return nil
}

func reduceUnpaidBalance(ctx context.Context, runner querier, clientID booking.ClientID, amount decimal.Decimal) error {
	tag, err := runner.Exec(ctx, sqlReduceUnpaidBalance, clientID.String(), amount.String())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, booking.ErrConflict)
	}
	return nil
}

func insertCreditEntry(ctx context.Context, runner querier, entry booking.CreditEntry) (booking.CreditEntry, error) {
	batchIDValue := ""
	if entry.BatchID != nil {
		batchIDValue = entry.BatchID.String()
	}
	var entryIDValue string
	err := runner.QueryRow(ctx, sqlInsertCreditEntry,
		entry.ClientID.String(),
		entry.RegistrationID.String(),
		batchIDValue,
		entry.Kind.String(),
		entry.Credits,
		entry.Amount.String(),
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	).Scan(&entryIDValue)
	if err != nil {
		return booking.CreditEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entryID, err := booking.NewEntryID(entryIDValue)
	if err != nil {
		return booking.CreditEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entry.ID = entryID
	return entry, nil
}

func findSettlementEntry(ctx context.Context, runner querier, registrationID booking.RegistrationID) (booking.CreditEntry, bool, error) {
	row := runner.QueryRow(ctx, sqlSelectSettlementEntry, registrationID.String())
	entry, err := scanCreditEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.CreditEntry{}, false, nil
		}
		return booking.CreditEntry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return entry, true, nil
}

func listCreditEntries(ctx context.Context, runner querier, clientID booking.ClientID, beforeUnixUTC int64, limit int) ([]booking.CreditEntry, error) {
	rows, err := runner.Query(ctx, sqlListEntriesBefore, clientID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]booking.CreditEntry, 0, 32)
	for rows.Next() {
		entry, err := scanCreditEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func scanRegistration(row pgx.Row) (booking.Registration, error) {
	var (
		registrationIDValue string
		occurrenceIDValue   string
		clientIDValue       string
		statusValue         string
		paymentStatusValue  string
		creditsUsedValue    int64
		bookedAtUnixUTC     int64
		cancelledAtUnixUTC  int64
	)
	if err := row.Scan(
		&registrationIDValue,
		&occurrenceIDValue,
		&clientIDValue,
		&statusValue,
		&paymentStatusValue,
		&creditsUsedValue,
		&bookedAtUnixUTC,
		&cancelledAtUnixUTC,
	); err != nil {
		return booking.Registration{}, err
	}
	registrationID, err := booking.NewRegistrationID(registrationIDValue)
	if err != nil {
		return booking.Registration{}, err
	}
	occurrenceID, err := booking.NewOccurrenceID(occurrenceIDValue)
	if err != nil {
		return booking.Registration{}, err
	}
	clientID, err := booking.NewClientID(clientIDValue)
	if err != nil {
		return booking.Registration{}, err
	}
	status, err := booking.ParseRegistrationStatus(statusValue)
	if err != nil {
		return booking.Registration{}, err
	}
	paymentStatus, err := booking.ParsePaymentStatus(paymentStatusValue)
	if err != nil {
		return booking.Registration{}, err
	}
	return booking.Registration{
		ID:                 registrationID,
		OccurrenceID:       occurrenceID,
		ClientID:           clientID,
		Status:             status,
		PaymentStatus:      paymentStatus,
		CreditsUsed:        creditsUsedValue,
		BookedAtUnixUTC:    bookedAtUnixUTC,
		CancelledAtUnixUTC: cancelledAtUnixUTC,
	}, nil
}

func scanBatch(row pgx.Row) (booking.CreditBatch, error) {
	var (
		batchIDValue       string
		clientIDValue      string
		totalCreditsValue  int64
		creditsLeftValue   int64
		expiresAtUnixUTC   int64
		purchasedAtUnixUTC int64
		statusValue        string
	)
	if err := row.Scan(
		&batchIDValue,
		&clientIDValue,
		&totalCreditsValue,
		&creditsLeftValue,
		&expiresAtUnixUTC,
		&purchasedAtUnixUTC,
		&statusValue,
	); err != nil {
		return booking.CreditBatch{}, err
	}
	batchID, err := booking.NewBatchID(batchIDValue)
	if err != nil {
		return booking.CreditBatch{}, err
	}
	clientID, err := booking.NewClientID(clientIDValue)
	if err != nil {
		return booking.CreditBatch{}, err
	}
	status, err := booking.ParseBatchStatus(statusValue)
	if err != nil {
		return booking.CreditBatch{}, err
	}
	return booking.CreditBatch{
		ID:                 batchID,
		ClientID:           clientID,
		TotalCredits:       totalCreditsValue,
		CreditsLeft:        creditsLeftValue,
		ExpiresAtUnixUTC:   expiresAtUnixUTC,
		PurchasedAtUnixUTC: purchasedAtUnixUTC,
		Status:             status,
	}, nil
}

func scanCreditEntry(row pgx.Row) (booking.CreditEntry, error) {
	var (
		entryIDValue        string
		clientIDValue       string
		registrationIDValue string
		batchIDValue        string
		kindValue           string
		creditsValue        int64
		amountValue         string
		metadataValue       string
		createdAtUnixUTC    int64
	)
	if err := row.Scan(
		&entryIDValue,
		&clientIDValue,
		&registrationIDValue,
		&batchIDValue,
		&kindValue,
		&creditsValue,
		&amountValue,
		&metadataValue,
		&createdAtUnixUTC,
	); err != nil {
		return booking.CreditEntry{}, err
	}
	entryID, err := booking.NewEntryID(entryIDValue)
	if err != nil {
		return booking.CreditEntry{}, err
	}
	clientID, err := booking.NewClientID(clientIDValue)
	if err != nil {
		return booking.CreditEntry{}, err
	}
	registrationID, err := booking.NewRegistrationID(registrationIDValue)
	if err != nil {
		return booking.CreditEntry{}, err
	}
	var batchID *booking.BatchID
	if batchIDValue != "" {
		parsedBatchID, err := booking.NewBatchID(batchIDValue)
		if err != nil {
			return booking.CreditEntry{}, err
		}
		batchID = &parsedBatchID
	}
	kind, err := booking.ParseEntryKind(kindValue)
	if err != nil {
		return booking.CreditEntry{}, err
	}
	amount, err := decimal.NewFromString(amountValue)
	if err != nil {
		return booking.CreditEntry{}, err
	}
	metadata, err := booking.NewMetadataJSON(metadataValue)
	if err != nil {
		return booking.CreditEntry{}, err
	}
	return booking.CreditEntry{
		ID:             entryID,
		ClientID:       clientID,
		RegistrationID: registrationID,
		BatchID:        batchID,
		Kind:           kind,
		Credits:        creditsValue,
		Amount:         amount,
		MetadataJSON:   metadata.String(),
		CreatedUnixUTC: createdAtUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapError(errorOperationStore, subject, code, err)
}

func isActiveRegistrationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintActiveRegistration
	}
	return false
}
