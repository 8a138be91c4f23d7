package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Occurrence mirrors the class_occurrences table.
type Occurrence struct {
	OccurrenceID string    `gorm:"type:uuid;primaryKey"`
	Status       string    `gorm:"not null"`
	Capacity     int       `gorm:"not null"`
	CreditCost   int64     `gorm:"not null"`
	StartsAt     time.Time `gorm:"not null;index:idx_occurrences_starts_at"`
	EndsAt       time.Time `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (Occurrence) TableName() string { return "class_occurrences" }

func (occurrence *Occurrence) BeforeCreate(tx *gorm.DB) error {
	if occurrence.OccurrenceID == "" {
		occurrence.OccurrenceID = uuid.NewString()
	}
	return nil
}

// Registration mirrors the registrations table. The partial unique index keeps
// at most one active row per client and occurrence while letting cancelled
// rows accumulate.
type Registration struct {
	RegistrationID string     `gorm:"type:uuid;primaryKey"`
	OccurrenceID   string     `gorm:"type:uuid;not null;index:idx_registrations_active,unique,where:status = 'booked' OR status = 'waitlist',priority:1;index:idx_registrations_queue,priority:1"`
	ClientID       string     `gorm:"not null;index:idx_registrations_active,unique,priority:2"`
	Status         string     `gorm:"not null;index:idx_registrations_queue,priority:2"`
	PaymentStatus  string     `gorm:"not null"`
	CreditsUsed    int64      `gorm:"not null"`
	BookedAt       time.Time  `gorm:"not null;index:idx_registrations_queue,priority:3"`
	CancelledAt    *time.Time `gorm:""`
}

func (Registration) TableName() string { return "registrations" }

func (registration *Registration) BeforeCreate(tx *gorm.DB) error {
	if registration.RegistrationID == "" {
		registration.RegistrationID = uuid.NewString()
	}
	return nil
}

// CreditBatch mirrors the credit_batches table.
type CreditBatch struct {
	BatchID      string     `gorm:"type:uuid;primaryKey"`
	ClientID     string     `gorm:"not null;index:idx_batches_client,priority:1"`
	TotalCredits int64      `gorm:"not null"`
	CreditsLeft  int64      `gorm:"not null"`
	ExpiresAt    *time.Time `gorm:""`
	PurchasedAt  time.Time  `gorm:"not null;index:idx_batches_client,priority:2"`
	Status       string     `gorm:"not null"`
}

func (CreditBatch) TableName() string { return "credit_batches" }

func (batch *CreditBatch) BeforeCreate(tx *gorm.DB) error {
	if batch.BatchID == "" {
		batch.BatchID = uuid.NewString()
	}
	return nil
}

// ClientAccount mirrors the client_accounts table.
type ClientAccount struct {
	ClientID      string          `gorm:"primaryKey"`
	UnpaidBalance decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	UpdatedAt     time.Time       `gorm:"not null"`
}

func (ClientAccount) TableName() string { return "client_accounts" }

// CreditEntry mirrors the credit_entries table. Rows are append-only.
type CreditEntry struct {
	EntryID        string          `gorm:"type:uuid;primaryKey"`
	ClientID       string          `gorm:"not null;index:idx_entries_client_created,priority:1"`
	RegistrationID string          `gorm:"type:uuid;not null;index:idx_entries_registration"`
	BatchID        *string         `gorm:"type:uuid"`
	Kind           string          `gorm:"not null"`
	Credits        int64           `gorm:"not null"`
	Amount         decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Metadata       datatypes.JSON  `gorm:"not null"`
	CreatedAt      time.Time       `gorm:"not null;index:idx_entries_client_created,priority:2"`
}

func (CreditEntry) TableName() string { return "credit_entries" }

func (entry *CreditEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}
