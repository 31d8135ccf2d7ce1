package credits

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Tier selects the subscription plan a pool was provisioned under.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierEnterprise Tier = "enterprise"
	TierPremium    Tier = "premium"
)

// ParseTier validates a raw tier value.
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.TrimSpace(raw)) {
	case TierStandard:
		return TierStandard, nil
	case TierEnterprise:
		return TierEnterprise, nil
	case TierPremium:
		return TierPremium, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
}

// String returns the tier value.
func (tier Tier) String() string {
	return string(tier)
}

// TierPolicy carries the plan parameters the ledger derives limits from.
type TierPolicy struct {
	MonthlyAllocation   decimal.Decimal
	IncludedStorageGB   decimal.Decimal
	OverageRatePerGBDay decimal.Decimal
}

// PolicyForTier returns the plan parameters for a tier.
func PolicyForTier(tier Tier) (TierPolicy, error) {
	switch tier {
	case TierStandard:
		return TierPolicy{
			MonthlyAllocation:   decimal.NewFromInt(10000),
			IncludedStorageGB:   decimal.NewFromInt(100),
			OverageRatePerGBDay: DefaultStorageOverageRatePerGBDay,
		}, nil
	case TierEnterprise:
		return TierPolicy{
			MonthlyAllocation:   decimal.NewFromInt(50000),
			IncludedStorageGB:   decimal.NewFromInt(500),
			OverageRatePerGBDay: DefaultStorageOverageRatePerGBDay,
		}, nil
	case TierPremium:
		return TierPolicy{
			MonthlyAllocation:   decimal.NewFromInt(200000),
			IncludedStorageGB:   decimal.NewFromInt(2000),
			OverageRatePerGBDay: DefaultStorageOverageRatePerGBDay,
		}, nil
	default:
		return TierPolicy{}, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
}

// CreditPool is the spendable balance record for exactly one billable
// resource. At most one pool exists per (kind, resource) pair; the stores
// enforce that with a unique index.
type CreditPool struct {
	ID                      string
	Kind                    PoolKind
	ResourceID              string
	OwnerUserID             string
	BillingAdminID          string
	CurrentBalance          decimal.Decimal
	MonthlyAllocation       decimal.Decimal
	CreditMultiplier        decimal.Decimal
	ConsumedThisPeriod      decimal.Decimal
	RolloverCredits         decimal.Decimal
	AllowsRollover          bool
	StorageLimitGB          decimal.Decimal
	StorageOverrideGB       decimal.NullDecimal
	StorageWarningThreshold decimal.Decimal
	LastAllocationDate      *time.Time
	NextAllocationDate      *time.Time
	LastStorageWarningAt    *time.Time
	LastConsumptionAt       *time.Time
	IsActive                bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// EffectiveStorageLimitGB returns the admin override when set, otherwise the
// plan limit.
func (pool CreditPool) EffectiveStorageLimitGB() decimal.Decimal {
	if pool.StorageOverrideGB.Valid {
		return pool.StorageOverrideGB.Decimal
	}
	return pool.StorageLimitGB
}

// NewPoolID generates a prefixed, lexically sortable pool identifier.
func NewPoolID() string {
	return poolIDPrefix + ulid.Make().String()
}

// NewTransactionID generates a prefixed, lexically sortable transaction
// identifier.
func NewTransactionID() string {
	return transactionIDPrefix + ulid.Make().String()
}

// clampBalance caps a balance at MaxBalance. Returns the capped value and
// whether clamping occurred.
func clampBalance(balance decimal.Decimal) (decimal.Decimal, bool) {
	if balance.GreaterThan(MaxBalance) {
		return MaxBalance, true
	}
	return balance, false
}
