package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// storageWarningInterval rate-limits repeated approaching-limit warnings for
// one pool.
const storageWarningInterval = 24 * time.Hour

var oneHundred = decimal.NewFromInt(100)

// CheckStorageLimit evaluates a measured storage footprint against the
// pool's effective limit. When currentStorageGB is nil the latest recorded
// figure is fetched from the wired StorageUsageSource. A zero effective
// limit is reported as 0% usage rather than a division error. When the
// check decides a warning is warranted, the pool's last-warning timestamp is
// advanced so the next check inside the interval stays quiet.
func (service *Service) CheckStorageLimit(
	ctx context.Context,
	kind PoolKind,
	resourceID ResourceID,
	currentStorageGB *decimal.Decimal,
) (StorageCheck, error) {
	pool, err := service.store.GetPool(ctx, kind, resourceID.String())
	if err != nil {
		return StorageCheck{}, err
	}
	var current decimal.Decimal
	if currentStorageGB != nil {
		current = *currentStorageGB
	} else {
		if service.storageUsage == nil {
			return StorageCheck{}, fmt.Errorf("%w: no storage usage source wired", ErrInvalidServiceConfig)
		}
		current, err = service.storageUsage.LatestStorageGB(ctx, kind, resourceID.String())
		if err != nil {
			return StorageCheck{}, WrapError(operationStorageCheck, "usage", "fetch", err)
		}
	}
	now := service.nowFn()
	check := evaluateStorage(pool, current, now)
	if check.NeedsWarning {
		if err := service.recordStorageWarning(ctx, kind, resourceID, now); err != nil {
			return StorageCheck{}, err
		}
	}
	return check, nil
}

func evaluateStorage(pool CreditPool, current decimal.Decimal, now time.Time) StorageCheck {
	effectiveLimit := pool.EffectiveStorageLimitGB()
	check := StorageCheck{
		CurrentGB:        current,
		EffectiveLimitGB: effectiveLimit,
		WithinLimit:      !current.GreaterThan(effectiveLimit),
		UsagePercentage:  decimal.Zero,
	}
	if effectiveLimit.IsPositive() {
		check.UsagePercentage = current.Div(effectiveLimit).Mul(oneHundred).Round(2)
	}
	warningPercentage := pool.StorageWarningThreshold.Mul(oneHundred)
	check.ApproachingLimit = !check.UsagePercentage.LessThan(warningPercentage)
	if check.ApproachingLimit {
		stale := pool.LastStorageWarningAt == nil || now.Sub(*pool.LastStorageWarningAt) >= storageWarningInterval
		check.NeedsWarning = stale
	}
	if !check.WithinLimit {
		check.Recommendations = []string{
			"upgrade to a higher tier for more included storage",
			"delete unused graphs or stale data to reduce usage",
			"request a storage limit override from your billing admin",
		}
	}
	return check
}

func (service *Service) recordStorageWarning(ctx context.Context, kind PoolKind, resourceID ResourceID, now time.Time) error {
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		pool, err := txStore.GetPoolForUpdate(ctx, kind, resourceID.String())
		if err != nil {
			return err
		}
		pool.LastStorageWarningAt = &now
		pool.UpdatedAt = now
		return txStore.UpdatePool(ctx, pool)
	})
}

// ConsumeStorageOverage bills storage beyond the pool's effective limit at
// the per-GB-day rate. The debit always proceeds, even into a negative
// balance: storage already consumed must be billed accurately whether or
// not the tenant can pre-pay. Zero overage is a reported no-op.
func (service *Service) ConsumeStorageOverage(
	ctx context.Context,
	kind PoolKind,
	resourceID ResourceID,
	totalStorageGB decimal.Decimal,
) (StorageOverageResult, error) {
	if totalStorageGB.IsNegative() {
		return StorageOverageResult{}, fmt.Errorf("%w: storage footprint must not be negative", ErrInvalidAmount)
	}
	pool, err := service.store.GetPool(ctx, kind, resourceID.String())
	if err != nil {
		return StorageOverageResult{}, err
	}
	includedGB := pool.EffectiveStorageLimitGB()
	overageGB := totalStorageGB.Sub(includedGB)
	if !overageGB.IsPositive() {
		return StorageOverageResult{OverageGB: decimal.Zero, CreditsConsumed: decimal.Zero}, nil
	}
	rate := DefaultStorageOverageRatePerGBDay
	cost := overageGB.Mul(rate).Round(2)
	metadata, err := MetadataFromMap(map[string]any{
		"total_storage_gb":    totalStorageGB.StringFixed(2),
		"included_storage_gb": includedGB.StringFixed(2),
		"overage_gb":          overageGB.StringFixed(2),
		"rate_per_gb_day":     rate.StringFixed(2),
	})
	if err != nil {
		return StorageOverageResult{}, err
	}
	operationType, err := NewOperationType("storage_overage")
	if err != nil {
		return StorageOverageResult{}, err
	}
	consumeResult, err := service.consume(ctx, operationStorageOverage, kind, resourceID, cost, operationType,
		fmt.Sprintf("storage overage of %s GB", overageGB.StringFixed(2)),
		ConsumeOptions{
			AllowNegative: true,
			Metadata:      metadata,
		})
	if err != nil {
		return StorageOverageResult{}, err
	}
	return StorageOverageResult{
		OverageGB:       overageGB,
		CreditsConsumed: consumeResult.AmountConsumed,
		WentNegative:    consumeResult.WentNegative,
		TransactionID:   consumeResult.TransactionID,
	}, nil
}

// SetStorageOverride sets an administrative storage ceiling that supersedes
// the plan limit. The change itself moves no credits; it is recorded as a
// zero-amount transaction whose metadata captures who changed what and why.
func (service *Service) SetStorageOverride(
	ctx context.Context,
	kind PoolKind,
	resourceID ResourceID,
	newLimitGB decimal.Decimal,
	adminUserID string,
	reason string,
) (StorageOverrideResult, error) {
	if !newLimitGB.IsPositive() {
		return StorageOverrideResult{}, fmt.Errorf("%w: override must be positive", ErrInvalidStorageLimit)
	}
	var result StorageOverrideResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		pool, err := txStore.GetPoolForUpdate(ctx, kind, resourceID.String())
		if err != nil {
			return err
		}
		now := service.nowFn()
		oldLimit := pool.EffectiveStorageLimitGB()
		pool.StorageOverrideGB = decimal.NullDecimal{Decimal: newLimitGB, Valid: true}
		pool.UpdatedAt = now
		if err := txStore.UpdatePool(ctx, pool); err != nil {
			return err
		}
		metadata, err := MetadataFromMap(map[string]any{
			"admin_user_id": adminUserID,
			"reason":        reason,
			"old_limit_gb":  oldLimit.StringFixed(2),
			"new_limit_gb":  newLimitGB.StringFixed(2),
			"action_type":   "storage_override",
		})
		if err != nil {
			return err
		}
		// Zero amount: a pure audit marker for the limit change.
		audit := CreditTransaction{
			ID:           NewTransactionID(),
			PoolID:       pool.ID,
			Kind:         kind,
			ResourceID:   pool.ResourceID,
			Type:         TransactionBonus,
			Amount:       decimal.Zero,
			BalanceAfter: pool.CurrentBalance,
			Description:  "storage limit override",
			UserID:       adminUserID,
			MetadataJSON: metadata.String(),
			CreatedAt:    now,
		}
		if err := txStore.InsertTransaction(ctx, audit); err != nil {
			return err
		}
		result = StorageOverrideResult{OldLimitGB: oldLimit, NewLimitGB: newLimitGB}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationStorageOverride,
		Kind:       kind,
		ResourceID: resourceID.String(),
		Error:      operationError,
	})
	if operationError != nil {
		return StorageOverrideResult{}, operationError
	}
	return result, nil
}
