package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// GetUsageSummary returns a read-only snapshot of a pool for dashboards and
// invoicing. No locks beyond normal read consistency.
func (service *Service) GetUsageSummary(ctx context.Context, kind PoolKind, resourceID ResourceID) (UsageSummary, error) {
	pool, err := service.store.GetPool(ctx, kind, resourceID.String())
	if err != nil {
		return UsageSummary{}, err
	}
	transactionCount, err := service.store.CountTransactions(ctx, pool.ID)
	if err != nil {
		return UsageSummary{}, err
	}
	return UsageSummary{
		PoolID:             pool.ID,
		Kind:               pool.Kind,
		ResourceID:         pool.ResourceID,
		CurrentBalance:     pool.CurrentBalance,
		MonthlyAllocation:  pool.MonthlyAllocation,
		ConsumedThisPeriod: pool.ConsumedThisPeriod,
		RolloverCredits:    pool.RolloverCredits,
		TransactionCount:   transactionCount,
		EffectiveLimitGB:   pool.EffectiveStorageLimitGB(),
		IsActive:           pool.IsActive,
		LastAllocationDate: pool.LastAllocationDate,
		NextAllocationDate: pool.NextAllocationDate,
	}, nil
}

// ListTransactions lists audit ledger entries for a pool before a cutoff
// time, newest first. A zero cutoff means "now".
func (service *Service) ListTransactions(ctx context.Context, kind PoolKind, resourceID ResourceID, beforeUnixUTC int64, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = defaultListTransactionsLimit
	}
	if limit > maxListTransactionsLimit {
		limit = maxListTransactionsLimit
	}
	pool, err := service.store.GetPool(ctx, kind, resourceID.String())
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, pool.ID, beforeUnixUTC, limit)
}

// GrantBonus credits a pool outside the allocation cycle (support
// gestures, migration adjustments). The grant clamps at MaxBalance.
func (service *Service) GrantBonus(
	ctx context.Context,
	kind PoolKind,
	resourceID ResourceID,
	amount decimal.Decimal,
	description string,
	options ConsumeOptions,
) (ConsumeResult, error) {
	if !amount.IsPositive() {
		return ConsumeResult{}, fmt.Errorf("%w: bonus amount must be positive", ErrInvalidAmount)
	}
	var (
		result  ConsumeResult
		clamped bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		pool, err := txStore.GetPoolForUpdate(ctx, kind, resourceID.String())
		if err != nil {
			return err
		}
		if !options.IdempotencyKey.IsZero() {
			prior, lookupErr := txStore.GetTransactionByIdempotencyKey(ctx, pool.ID, options.IdempotencyKey.String())
			if lookupErr == nil {
				result = replayGrantResult(prior)
				return nil
			}
			if !errors.Is(lookupErr, ErrTransactionNotFound) {
				return lookupErr
			}
		}
		now := service.nowFn()
		oldBalance := pool.CurrentBalance
		newBalance, wasClamped := clampBalance(oldBalance.Add(amount))
		clamped = wasClamped
		pool.CurrentBalance = newBalance
		pool.UpdatedAt = now
		if err := txStore.UpdatePool(ctx, pool); err != nil {
			return err
		}
		transaction := CreditTransaction{
			ID:             NewTransactionID(),
			PoolID:         pool.ID,
			Kind:           kind,
			ResourceID:     pool.ResourceID,
			Type:           TransactionBonus,
			Amount:         newBalance.Sub(oldBalance),
			BalanceAfter:   newBalance,
			Description:    description,
			IdempotencyKey: options.IdempotencyKey.String(),
			RequestID:      options.RequestID,
			OperationID:    options.OperationID,
			UserID:         options.UserID,
			MetadataJSON:   options.Metadata.String(),
			CreatedAt:      now,
		}
		if err := txStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		result = ConsumeResult{
			PoolID:        pool.ID,
			TransactionID: transaction.ID,
			OldBalance:    oldBalance,
			NewBalance:    newBalance,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrantBonus,
		Kind:           kind,
		ResourceID:     resourceID.String(),
		PoolID:         result.PoolID,
		TransactionID:  result.TransactionID,
		Amount:         amount,
		Balance:        result.NewBalance,
		IdempotencyKey: options.IdempotencyKey.String(),
		Clamped:        clamped,
		Error:          operationError,
	})
	if operationError != nil {
		return ConsumeResult{}, operationError
	}
	return result, nil
}

func replayGrantResult(prior CreditTransaction) ConsumeResult {
	return ConsumeResult{
		PoolID:         prior.PoolID,
		TransactionID:  prior.ID,
		OldBalance:     prior.BalanceAfter.Sub(prior.Amount),
		NewBalance:     prior.BalanceAfter,
		AlreadyApplied: true,
	}
}

// SetPoolActive enables or disables a pool. Inactive pools reject
// consumption until re-enabled; the flag change moves no credits.
func (service *Service) SetPoolActive(ctx context.Context, kind PoolKind, resourceID ResourceID, active bool) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		pool, err := txStore.GetPoolForUpdate(ctx, kind, resourceID.String())
		if err != nil {
			return err
		}
		if pool.IsActive == active {
			return nil
		}
		pool.IsActive = active
		pool.UpdatedAt = service.nowFn()
		return txStore.UpdatePool(ctx, pool)
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationSetActive,
		Kind:       kind,
		ResourceID: resourceID.String(),
		Error:      operationError,
	})
	return operationError
}
