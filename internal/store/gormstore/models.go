package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/RoboFinSystems/robosystems-sub003/pkg/credits"
)

// CreditPool mirrors the credit_pools table. One row per billable resource,
// enforced by the unique (kind, resource_id) index.
type CreditPool struct {
	ID                      string              `gorm:"primaryKey"`
	Kind                    string              `gorm:"not null;index:idx_credit_pools_kind_resource,unique,priority:1"`
	ResourceID              string              `gorm:"not null;index:idx_credit_pools_kind_resource,unique,priority:2"`
	OwnerUserID             string              `gorm:""`
	BillingAdminID          string              `gorm:""`
	CurrentBalance          decimal.Decimal     `gorm:"type:numeric(14,2);not null"`
	MonthlyAllocation       decimal.Decimal     `gorm:"type:numeric(14,2);not null"`
	CreditMultiplier        decimal.Decimal     `gorm:"type:numeric(6,2);not null"`
	ConsumedThisPeriod      decimal.Decimal     `gorm:"type:numeric(14,2);not null"`
	RolloverCredits         decimal.Decimal     `gorm:"type:numeric(14,2);not null"`
	AllowsRollover          bool                `gorm:"not null"`
	StorageLimitGB          decimal.Decimal     `gorm:"type:numeric(12,2);not null"`
	StorageOverrideGB       decimal.NullDecimal `gorm:"type:numeric(12,2)"`
	StorageWarningThreshold decimal.Decimal     `gorm:"type:numeric(4,2);not null"`
	LastAllocationDate      *time.Time          `gorm:""`
	NextAllocationDate      *time.Time          `gorm:"index:idx_credit_pools_next_allocation"`
	LastStorageWarningAt    *time.Time          `gorm:""`
	LastConsumptionAt       *time.Time          `gorm:""`
	IsActive                bool                `gorm:"not null"`
	CreatedAt               time.Time           `gorm:"not null"`
	UpdatedAt               time.Time           `gorm:"not null"`
}

func (CreditPool) TableName() string { return "credit_pools" }

func (pool *CreditPool) BeforeCreate(tx *gorm.DB) error {
	if pool.ID == "" {
		pool.ID = credits.NewPoolID()
	}
	return nil
}

// CreditTransaction mirrors the credit_transactions table. Append-only;
// nothing in this package updates or deletes rows.
type CreditTransaction struct {
	ID             string          `gorm:"primaryKey"`
	CreditPoolID   string          `gorm:"not null;index:idx_credit_transactions_pool_created,priority:1"`
	Kind           string          `gorm:"not null"`
	ResourceID     string          `gorm:"not null;index"`
	Type           string          `gorm:"not null"`
	Amount         decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	BalanceAfter   decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Description    string          `gorm:""`
	IdempotencyKey *string         `gorm:"index:uniq_credit_transactions_idem,unique"`
	RequestID      string          `gorm:""`
	OperationID    string          `gorm:""`
	UserID         string          `gorm:""`
	Metadata       datatypes.JSON  `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time       `gorm:"not null;index:idx_credit_transactions_pool_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = credits.NewTransactionID()
	}
	return nil
}
