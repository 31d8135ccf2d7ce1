package credits

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// AllocateIfDue grants the periodic allocation to a pool when its cycle has
// elapsed. A pool that is not yet due is a no-op returning false, so a
// scheduler may call this as often as it likes. The pool row stays locked
// from the due check through the transaction append, which makes two racing
// sweeps perform the grant exactly once.
func (service *Service) AllocateIfDue(ctx context.Context, kind PoolKind, resourceID ResourceID) (bool, error) {
	strategy := service.strategies[kind]
	if strategy == nil {
		return false, fmt.Errorf("%w: no allocation strategy for kind %q", ErrInvalidServiceConfig, kind)
	}
	var (
		allocated bool
		outcome   AllocationOutcome
		poolID    string
		balance   decimal.Decimal
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		pool, err := txStore.GetPoolForUpdate(ctx, kind, resourceID.String())
		if err != nil {
			return err
		}
		now := service.nowFn()
		if !strategy.Due(pool, now) {
			return nil
		}
		outcome = strategy.Apply(&pool, now)
		pool.UpdatedAt = now
		if err := txStore.UpdatePool(ctx, pool); err != nil {
			return err
		}
		if outcome.Expired.IsPositive() {
			expiration := CreditTransaction{
				ID:           NewTransactionID(),
				PoolID:       pool.ID,
				Kind:         kind,
				ResourceID:   pool.ResourceID,
				Type:         TransactionExpiration,
				Amount:       outcome.Expired.Neg(),
				BalanceAfter: decimal.Zero,
				Description:  "unused credits expired at period reset",
				MetadataJSON: "{}",
				CreatedAt:    now,
			}
			if err := txStore.InsertTransaction(ctx, expiration); err != nil {
				return err
			}
		}
		if outcome.RolledOver.IsPositive() {
			metadata, err := MetadataFromMap(map[string]any{
				"rollover_credits": outcome.RolledOver.StringFixed(2),
			})
			if err != nil {
				return err
			}
			// Zero amount: the carried credits stay in the balance, the
			// marker only records the period boundary they crossed.
			rollover := CreditTransaction{
				ID:           NewTransactionID(),
				PoolID:       pool.ID,
				Kind:         kind,
				ResourceID:   pool.ResourceID,
				Type:         TransactionRollover,
				Amount:       decimal.Zero,
				BalanceAfter: outcome.RolledOver,
				Description:  "credits rolled over at period reset",
				MetadataJSON: metadata.String(),
				CreatedAt:    now,
			}
			if err := txStore.InsertTransaction(ctx, rollover); err != nil {
				return err
			}
		}
		allocation := CreditTransaction{
			ID:           NewTransactionID(),
			PoolID:       pool.ID,
			Kind:         kind,
			ResourceID:   pool.ResourceID,
			Type:         TransactionAllocation,
			Amount:       outcome.Granted,
			BalanceAfter: pool.CurrentBalance,
			Description:  "periodic allocation",
			MetadataJSON: "{}",
			CreatedAt:    now,
		}
		if err := txStore.InsertTransaction(ctx, allocation); err != nil {
			return err
		}
		allocated = true
		poolID = pool.ID
		balance = pool.CurrentBalance
		return nil
	})
	if allocated || operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation:  operationAllocate,
			Kind:       kind,
			ResourceID: resourceID.String(),
			PoolID:     poolID,
			Amount:     outcome.Granted,
			Balance:    balance,
			Clamped:    outcome.Clamped,
			Error:      operationError,
		})
	}
	if operationError != nil {
		return false, operationError
	}
	return allocated, nil
}

// AllocateAllDue sweeps every pool whose cycle has elapsed and grants each
// its allocation. Returns how many pools were granted. Pools that fail
// individually do not abort the sweep; the first failure is reported after
// the rest have been attempted.
func (service *Service) AllocateAllDue(ctx context.Context, batchLimit int) (int, error) {
	if batchLimit <= 0 {
		batchLimit = defaultAllocationBatchLimit
	}
	due, err := service.store.ListDuePools(ctx, service.nowFn().Unix(), batchLimit)
	if err != nil {
		return 0, err
	}
	granted := 0
	var firstErr error
	for _, pool := range due {
		resourceID, idErr := NewResourceID(pool.ResourceID)
		if idErr != nil {
			if firstErr == nil {
				firstErr = idErr
			}
			continue
		}
		allocated, allocErr := service.AllocateIfDue(ctx, pool.Kind, resourceID)
		if allocErr != nil {
			if firstErr == nil {
				firstErr = allocErr
			}
			continue
		}
		if allocated {
			granted++
		}
	}
	return granted, firstErr
}

// UpdateMonthlyAllocation changes a pool's per-cycle grant. With
// immediateCredit, a positive difference is credited right away (clamped to
// MaxBalance) and recorded as a BONUS transaction; a decrease never claws
// back credits. Without it, only the policy field changes.
func (service *Service) UpdateMonthlyAllocation(
	ctx context.Context,
	kind PoolKind,
	resourceID ResourceID,
	newAllocation decimal.Decimal,
	immediateCredit bool,
) error {
	if newAllocation.IsNegative() {
		return fmt.Errorf("%w: monthly allocation must not be negative", ErrInvalidAllocation)
	}
	var (
		creditedDelta decimal.Decimal
		clamped       bool
		poolID        string
		balance       decimal.Decimal
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		pool, err := txStore.GetPoolForUpdate(ctx, kind, resourceID.String())
		if err != nil {
			return err
		}
		now := service.nowFn()
		oldAllocation := pool.MonthlyAllocation
		pool.MonthlyAllocation = newAllocation
		pool.UpdatedAt = now

		difference := newAllocation.Sub(oldAllocation)
		if immediateCredit && difference.IsPositive() {
			oldBalance := pool.CurrentBalance
			newBalance, wasClamped := clampBalance(oldBalance.Add(difference))
			pool.CurrentBalance = newBalance
			creditedDelta = newBalance.Sub(oldBalance)
			clamped = wasClamped
		}
		if err := txStore.UpdatePool(ctx, pool); err != nil {
			return err
		}
		if creditedDelta.IsPositive() {
			metadata, err := MetadataFromMap(map[string]any{
				"old_allocation": oldAllocation.StringFixed(2),
				"new_allocation": newAllocation.StringFixed(2),
				"action_type":    "allocation_update",
			})
			if err != nil {
				return err
			}
			bonus := CreditTransaction{
				ID:           NewTransactionID(),
				PoolID:       pool.ID,
				Kind:         kind,
				ResourceID:   pool.ResourceID,
				Type:         TransactionBonus,
				Amount:       creditedDelta,
				BalanceAfter: pool.CurrentBalance,
				Description:  "monthly allocation increase credited",
				MetadataJSON: metadata.String(),
				CreatedAt:    now,
			}
			if err := txStore.InsertTransaction(ctx, bonus); err != nil {
				return err
			}
		}
		poolID = pool.ID
		balance = pool.CurrentBalance
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationUpdateAllocation,
		Kind:       kind,
		ResourceID: resourceID.String(),
		PoolID:     poolID,
		Amount:     creditedDelta,
		Balance:    balance,
		Clamped:    clamped,
		Error:      operationError,
	})
	return operationError
}
