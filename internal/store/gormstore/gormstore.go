package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/studiokit/booking/pkg/booking"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	sqliteDialectorName   = "sqlite"
	errorOperationStore   = "store"
	errorSubjectOccur     = "occurrence"
	errorSubjectReg       = "registration"
	errorSubjectBatch     = "batch"
	errorSubjectAccount   = "account"
	errorSubjectEntry     = "entry"
	errorCodeInsert       = "insert"
	errorCodeGet          = "get"
	errorCodeCount        = "count"
	errorCodeLookup       = "lookup"
	errorCodeDuplicate    = "duplicate"
	errorCodeUpdate       = "update"
	errorCodeDebit        = "debit"
	errorCodeCredit       = "credit"
	errorCodeList         = "list"
	errorCodeInvalid      = "invalid"
)

// Store implements booking.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// lockingClauses returns a FOR UPDATE clause on dialects that support it.
// SQLite serializes writers on its own and rejects the syntax.
func (store *Store) lockingClauses() []clause.Expression {
	if store.db.Dialector.Name() == sqliteDialectorName {
		return nil
	}
	return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
}

func (store *Store) InsertOccurrence(ctx context.Context, occurrence booking.Occurrence) (booking.Occurrence, error) {
	model := Occurrence{
		OccurrenceID: occurrence.ID.String(),
		Status:       occurrence.Status.String(),
		Capacity:     occurrence.Capacity,
		CreditCost:   occurrence.CreditCost,
		StartsAt:     time.Unix(occurrence.StartsAtUnixUTC, 0).UTC(),
		EndsAt:       time.Unix(occurrence.EndsAtUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return booking.Occurrence{}, wrapStoreError(errorSubjectOccur, errorCodeInsert, err)
	}
	stored, err := mapOccurrence(model)
	if err != nil {
		return booking.Occurrence{}, wrapStoreError(errorSubjectOccur, errorCodeInvalid, err)
	}
	return stored, nil
}

func (store *Store) GetOccurrence(ctx context.Context, occurrenceID booking.OccurrenceID) (booking.Occurrence, error) {
	return store.getOccurrence(ctx, occurrenceID, nil)
}

func (store *Store) GetOccurrenceForUpdate(ctx context.Context, occurrenceID booking.OccurrenceID) (booking.Occurrence, error) {
	return store.getOccurrence(ctx, occurrenceID, store.lockingClauses())
}

func (store *Store) getOccurrence(ctx context.Context, occurrenceID booking.OccurrenceID, locking []clause.Expression) (booking.Occurrence, error) {
	var model Occurrence
	err := store.db.WithContext(ctx).
		Clauses(locking...).
		Where("occurrence_id = ?", occurrenceID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Occurrence{}, wrapStoreError(errorSubjectOccur, errorCodeGet, booking.ErrOccurrenceNotFound)
		}
		return booking.Occurrence{}, wrapStoreError(errorSubjectOccur, errorCodeGet, err)
	}
	occurrence, err := mapOccurrence(model)
	if err != nil {
		return booking.Occurrence{}, wrapStoreError(errorSubjectOccur, errorCodeInvalid, err)
	}
	return occurrence, nil
}

func (store *Store) CountConfirmed(ctx context.Context, occurrenceID booking.OccurrenceID) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Registration{}).
		Where("occurrence_id = ? AND status IN ?", occurrenceID.String(), []string{
			booking.RegistrationBooked.String(),
			booking.RegistrationAttended.String(),
		}).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectReg, errorCodeCount, err)
	}
	return int(count), nil
}

func (store *Store) HasActiveRegistration(ctx context.Context, occurrenceID booking.OccurrenceID, clientID booking.ClientID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Registration{}).
		Where("occurrence_id = ? AND client_id = ? AND status IN ?", occurrenceID.String(), clientID.String(), []string{
			booking.RegistrationBooked.String(),
			booking.RegistrationWaitlist.String(),
		}).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectReg, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) InsertRegistration(ctx context.Context, registration booking.Registration) (booking.Registration, error) {
	model := Registration{
		RegistrationID: registration.ID.String(),
		OccurrenceID:   registration.OccurrenceID.String(),
		ClientID:       registration.ClientID.String(),
		Status:         registration.Status.String(),
		PaymentStatus:  registration.PaymentStatus.String(),
		CreditsUsed:    registration.CreditsUsed,
		BookedAt:       time.Unix(registration.BookedAtUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return booking.Registration{}, wrapStoreError(errorSubjectReg, errorCodeDuplicate, booking.ErrAlreadyRegistered)
	}
	if err != nil {
		return booking.Registration{}, wrapStoreError(errorSubjectReg, errorCodeInsert, err)
	}
	stored, err := mapRegistration(model)
	if err != nil {
		return booking.Registration{}, wrapStoreError(errorSubjectReg, errorCodeInvalid, err)
	}
	return stored, nil
}

func (store *Store) GetRegistration(ctx context.Context, registrationID booking.RegistrationID) (booking.Registration, error) {
	return store.getRegistration(ctx, registrationID, nil)
}

func (store *Store) GetRegistrationForUpdate(ctx context.Context, registrationID booking.RegistrationID) (booking.Registration, error) {
	return store.getRegistration(ctx, registrationID, store.lockingClauses())
}

func (store *Store) getRegistration(ctx context.Context, registrationID booking.RegistrationID, locking []clause.Expression) (booking.Registration, error) {
	var model Registration
	err := store.db.WithContext(ctx).
		Clauses(locking...).
		Where("registration_id = ?", registrationID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Registration{}, wrapStoreError(errorSubjectReg, errorCodeGet, booking.ErrRegistrationNotFound)
		}
		return booking.Registration{}, wrapStoreError(errorSubjectReg, errorCodeGet, err)
	}
	registration, err := mapRegistration(model)
	if err != nil {
		return booking.Registration{}, wrapStoreError(errorSubjectReg, errorCodeInvalid, err)
	}
	return registration, nil
}

// UpdateRegistration persists the registration's mutable columns guarded by
// the status the caller observed. Zero rows affected means another
// transaction won the row.
func (store *Store) UpdateRegistration(ctx context.Context, registration booking.Registration, expectedStatus booking.RegistrationStatus) error {
	updates := map[string]interface{}{
		"status":         registration.Status.String(),
		"payment_status": registration.PaymentStatus.String(),
		"credits_used":   registration.CreditsUsed,
	}
	if registration.CancelledAtUnixUTC != 0 {
		updates["cancelled_at"] = time.Unix(registration.CancelledAtUnixUTC, 0).UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&Registration{}).
		Where("registration_id = ? AND status = ?", registration.ID.String(), expectedStatus.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectReg, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReg, errorCodeUpdate, booking.ErrConflict)
	}
	return nil
}

func (store *Store) NextWaitlisted(ctx context.Context, occurrenceID booking.OccurrenceID) (booking.Registration, bool, error) {
	var model Registration
	err := store.db.WithContext(ctx).
		Clauses(store.lockingClauses()...).
		Where("occurrence_id = ? AND status = ?", occurrenceID.String(), booking.RegistrationWaitlist.String()).
		Order("booked_at ASC, registration_id ASC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Registration{}, false, nil
		}
		return booking.Registration{}, false, wrapStoreError(errorSubjectReg, errorCodeLookup, err)
	}
	registration, err := mapRegistration(model)
	if err != nil {
		return booking.Registration{}, false, wrapStoreError(errorSubjectReg, errorCodeInvalid, err)
	}
	return registration, true, nil
}

func (store *Store) InsertBatch(ctx context.Context, batch booking.CreditBatch) (booking.CreditBatch, error) {
	var expiresAt *time.Time
	if batch.ExpiresAtUnixUTC != 0 {
		value := time.Unix(batch.ExpiresAtUnixUTC, 0).UTC()
		expiresAt = &value
	}
	model := CreditBatch{
		BatchID:      batch.ID.String(),
		ClientID:     batch.ClientID.String(),
		TotalCredits: batch.TotalCredits,
		CreditsLeft:  batch.CreditsLeft,
		ExpiresAt:    expiresAt,
		PurchasedAt:  time.Unix(batch.PurchasedAtUnixUTC, 0).UTC(),
		Status:       batch.Status.String(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return booking.CreditBatch{}, wrapStoreError(errorSubjectBatch, errorCodeInsert, err)
	}
	stored, err := mapBatch(model)
	if err != nil {
		return booking.CreditBatch{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	return stored, nil
}

func (store *Store) ListBatches(ctx context.Context, clientID booking.ClientID) ([]booking.CreditBatch, error) {
	var rows []CreditBatch
	err := store.db.WithContext(ctx).
		Where("client_id = ?", clientID.String()).
		Order("purchased_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	batches := make([]booking.CreditBatch, 0, len(rows))
	for _, row := range rows {
		batch, err := mapBatch(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// FindPayableBatch picks the batch a debit should drain: soonest expiry first,
// never-expiring batches last, oldest purchase breaking ties.
func (store *Store) FindPayableBatch(ctx context.Context, clientID booking.ClientID, requiredCredits int64, nowUnixUTC int64) (booking.CreditBatch, bool, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	var model CreditBatch
	err := store.db.WithContext(ctx).
		Clauses(store.lockingClauses()...).
		Where("client_id = ? AND credits_left >= ? AND status <> ?", clientID.String(), requiredCredits, booking.BatchExpired.String()).
		Where("(expires_at IS NULL OR expires_at > ?)", now).
		Order("expires_at IS NULL, expires_at ASC, purchased_at ASC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.CreditBatch{}, false, nil
		}
		return booking.CreditBatch{}, false, wrapStoreError(errorSubjectBatch, errorCodeLookup, err)
	}
	batch, err := mapBatch(model)
	if err != nil {
		return booking.CreditBatch{}, false, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	return batch, true, nil
}

// DebitBatch subtracts credits guarded by the remaining balance. A zero row
// count means a concurrent debit drained the batch first.
func (store *Store) DebitBatch(ctx context.Context, batchID booking.BatchID, credits int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Where("batch_id = ? AND credits_left >= ?", batchID.String(), credits).
		Updates(map[string]interface{}{
			"credits_left": gorm.Expr("credits_left - ?", credits),
			"status": gorm.Expr(
				"CASE WHEN credits_left - ? <= 0 THEN ? ELSE status END",
				credits, booking.BatchDepleted.String(),
			),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeDebit, booking.ErrConflict)
	}
	return nil
}

// CreditBatchBalance restores refunded credits. A depleted batch becomes
// active again; an expired batch keeps its status and stays unusable.
func (store *Store) CreditBatchBalance(ctx context.Context, batchID booking.BatchID, credits int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Where("batch_id = ?", batchID.String()).
		Updates(map[string]interface{}{
			"credits_left": gorm.Expr("credits_left + ?", credits),
			"status": gorm.Expr(
				"CASE WHEN status = ? THEN ? ELSE status END",
				booking.BatchDepleted.String(), booking.BatchActive.String(),
			),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeCredit, booking.ErrConflict)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, clientID booking.ClientID) (booking.ClientAccount, error) {
	var model ClientAccount
	err := store.db.WithContext(ctx).
		Where("client_id = ?", clientID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return booking.ClientAccount{ClientID: clientID, UnpaidBalance: decimal.Zero}, nil
	}
	if err != nil {
		return booking.ClientAccount{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return booking.ClientAccount{ClientID: clientID, UnpaidBalance: model.UnpaidBalance}, nil
}

func (store *Store) AddUnpaidBalance(ctx context.Context, clientID booking.ClientID, amount decimal.Decimal) error {
	model := ClientAccount{ClientID: clientID.String(), UnpaidBalance: amount}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "client_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"unpaid_balance": gorm.Expr("client_accounts.unpaid_balance + excluded.unpaid_balance"),
			}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return nil
}

// ReduceUnpaidBalance subtracts a reversed charge, clamping at zero so a
// replayed reversal can never push the balance negative.
func (store *Store) ReduceUnpaidBalance(ctx context.Context, clientID booking.ClientID, amount decimal.Decimal) error {
	result := store.db.WithContext(ctx).
		Model(&ClientAccount{}).
		Where("client_id = ?", clientID.String()).
		Update("unpaid_balance", gorm.Expr(
			"CASE WHEN unpaid_balance >= ? THEN unpaid_balance - ? ELSE 0 END",
			amount, amount,
		))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, booking.ErrConflict)
	}
	return nil
}

func (store *Store) InsertCreditEntry(ctx context.Context, entry booking.CreditEntry) (booking.CreditEntry, error) {
	var batchID *string
	if entry.BatchID != nil {
		value := entry.BatchID.String()
		batchID = &value
	}
	model := CreditEntry{
		EntryID:        entry.ID.String(),
		ClientID:       entry.ClientID.String(),
		RegistrationID: entry.RegistrationID.String(),
		BatchID:        batchID,
		Kind:           entry.Kind.String(),
		Credits:        entry.Credits,
		Amount:         entry.Amount,
		Metadata:       datatypesJSON(entry.MetadataJSON),
		CreatedAt:      time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return booking.CreditEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	stored, err := mapCreditEntry(model)
	if err != nil {
		return booking.CreditEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return stored, nil
}

// FindSettlementEntry locates the debit or charge that settled a
// registration. The latest one wins when a promotion re-settles a row.
func (store *Store) FindSettlementEntry(ctx context.Context, registrationID booking.RegistrationID) (booking.CreditEntry, bool, error) {
	var model CreditEntry
	err := store.db.WithContext(ctx).
		Where("registration_id = ? AND kind IN ?", registrationID.String(), []string{
			booking.EntryDebit.String(),
			booking.EntryCharge.String(),
		}).
		Order("created_at DESC, entry_id DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.CreditEntry{}, false, nil
		}
		return booking.CreditEntry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapCreditEntry(model)
	if err != nil {
		return booking.CreditEntry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

func (store *Store) ListCreditEntries(ctx context.Context, clientID booking.ClientID, beforeUnixUTC int64, limit int) ([]booking.CreditEntry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []CreditEntry
	err := store.db.WithContext(ctx).
		Where("client_id = ? AND created_at < ?", clientID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]booking.CreditEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapCreditEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapError(errorOperationStore, subject, code, err)
}

func mapOccurrence(model Occurrence) (booking.Occurrence, error) {
	occurrenceID, err := booking.NewOccurrenceID(model.OccurrenceID)
	if err != nil {
		return booking.Occurrence{}, err
	}
	status, err := booking.ParseOccurrenceStatus(model.Status)
	if err != nil {
		return booking.Occurrence{}, err
	}
	return booking.Occurrence{
		ID:              occurrenceID,
		Status:          status,
		Capacity:        model.Capacity,
		CreditCost:      model.CreditCost,
		StartsAtUnixUTC: model.StartsAt.Unix(),
		EndsAtUnixUTC:   model.EndsAt.Unix(),
	}, nil
}

func mapRegistration(model Registration) (booking.Registration, error) {
	registrationID, err := booking.NewRegistrationID(model.RegistrationID)
	if err != nil {
		return booking.Registration{}, err
	}
	occurrenceID, err := booking.NewOccurrenceID(model.OccurrenceID)
	if err != nil {
		return booking.Registration{}, err
	}
	clientID, err := booking.NewClientID(model.ClientID)
	if err != nil {
		return booking.Registration{}, err
	}
	status, err := booking.ParseRegistrationStatus(model.Status)
	if err != nil {
		return booking.Registration{}, err
	}
	paymentStatus, err := booking.ParsePaymentStatus(model.PaymentStatus)
	if err != nil {
		return booking.Registration{}, err
	}
	return booking.Registration{
		ID:                 registrationID,
		OccurrenceID:       occurrenceID,
		ClientID:           clientID,
		Status:             status,
		PaymentStatus:      paymentStatus,
		CreditsUsed:        model.CreditsUsed,
		BookedAtUnixUTC:    model.BookedAt.Unix(),
		CancelledAtUnixUTC: timeOrZero(model.CancelledAt),
	}, nil
}

func mapBatch(model CreditBatch) (booking.CreditBatch, error) {
	batchID, err := booking.NewBatchID(model.BatchID)
	if err != nil {
		return booking.CreditBatch{}, err
	}
	clientID, err := booking.NewClientID(model.ClientID)
	if err != nil {
		return booking.CreditBatch{}, err
	}
	status, err := booking.ParseBatchStatus(model.Status)
	if err != nil {
		return booking.CreditBatch{}, err
	}
	return booking.CreditBatch{
		ID:                 batchID,
		ClientID:           clientID,
		TotalCredits:       model.TotalCredits,
		CreditsLeft:        model.CreditsLeft,
		ExpiresAtUnixUTC:   timeOrZero(model.ExpiresAt),
		PurchasedAtUnixUTC: model.PurchasedAt.Unix(),
		Status:             status,
	}, nil
}

func mapCreditEntry(model CreditEntry) (booking.CreditEntry, error) {
	entryID, err := booking.NewEntryID(model.EntryID)
	if err != nil {
		return booking.CreditEntry{}, err
	}
	clientID, err := booking.NewClientID(model.ClientID)
	if err != nil {
		return booking.CreditEntry{}, err
	}
	registrationID, err := booking.NewRegistrationID(model.RegistrationID)
	if err != nil {
		return booking.CreditEntry{}, err
	}
	var batchID *booking.BatchID
	if model.BatchID != nil {
		parsedBatchID, err := booking.NewBatchID(*model.BatchID)
		if err != nil {
			return booking.CreditEntry{}, err
		}
		batchID = &parsedBatchID
	}
	kind, err := booking.ParseEntryKind(model.Kind)
	if err != nil {
		return booking.CreditEntry{}, err
	}
	metadata, err := booking.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return booking.CreditEntry{}, err
	}
	return booking.CreditEntry{
		ID:             entryID,
		ClientID:       clientID,
		RegistrationID: registrationID,
		BatchID:        batchID,
		Kind:           kind,
		Credits:        model.Credits,
		Amount:         model.Amount,
		MetadataJSON:   metadata.String(),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
