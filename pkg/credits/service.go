package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Service contains the credit ledger domain logic over a Store. All balance
// mutations run inside a single store transaction with the pool row locked,
// so concurrent debits against one pool serialize.
type Service struct {
	store        Store
	directory    ResourceDirectory
	nowFn        func() time.Time
	logger       OperationLogger
	storageUsage StorageUsageSource
	strategies   map[PoolKind]AllocationStrategy
}

// NewService wires a Service.
func NewService(store Store, directory ResourceDirectory, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if directory == nil {
		return nil, fmt.Errorf("%w: resource directory dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:     store,
		directory: directory,
		nowFn:     now,
		strategies: map[PoolKind]AllocationStrategy{
			PoolKindGraph:      strategyFor(PoolKindGraph),
			PoolKindRepository: strategyFor(PoolKindRepository),
		},
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreatePoolForResource provisions the pool for a newly created graph or
// repository-access grant. The initial monthly allocation is credited
// immediately and recorded as an ALLOCATION transaction in the same commit.
// A zero monthlyAllocation falls back to the tier default.
func (service *Service) CreatePoolForResource(
	ctx context.Context,
	kind PoolKind,
	resourceID ResourceID,
	ownerUserID string,
	billingAdminID string,
	monthlyAllocation decimal.Decimal,
	tier Tier,
) (CreditPool, error) {
	policy, err := PolicyForTier(tier)
	if err != nil {
		return CreditPool{}, err
	}
	if monthlyAllocation.IsNegative() {
		return CreditPool{}, fmt.Errorf("%w: monthly allocation must not be negative", ErrInvalidAllocation)
	}
	if monthlyAllocation.IsZero() {
		monthlyAllocation = policy.MonthlyAllocation
	}
	exists, err := service.directory.ResourceExists(ctx, kind, resourceID.String())
	if err != nil {
		return CreditPool{}, WrapError(operationCreatePool, errorSubjectResource, "lookup", err)
	}
	if !exists {
		return CreditPool{}, fmt.Errorf("%w: %s %s", ErrResourceNotFound, kind, resourceID)
	}

	now := service.nowFn()
	nextAllocation := nextAllocationAfter(kind, now)
	pool := CreditPool{
		ID:                      NewPoolID(),
		Kind:                    kind,
		ResourceID:              resourceID.String(),
		OwnerUserID:             ownerUserID,
		BillingAdminID:          billingAdminID,
		CurrentBalance:          monthlyAllocation,
		MonthlyAllocation:       monthlyAllocation,
		CreditMultiplier:        decimal.NewFromInt(1),
		ConsumedThisPeriod:      decimal.Zero,
		RolloverCredits:         decimal.Zero,
		AllowsRollover:          false,
		StorageLimitGB:          policy.IncludedStorageGB,
		StorageWarningThreshold: DefaultStorageWarningThreshold,
		LastAllocationDate:      &now,
		NextAllocationDate:      &nextAllocation,
		IsActive:                true,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.CreatePool(ctx, pool); err != nil {
			return err
		}
		transaction := CreditTransaction{
			ID:           NewTransactionID(),
			PoolID:       pool.ID,
			Kind:         kind,
			ResourceID:   pool.ResourceID,
			Type:         TransactionAllocation,
			Amount:       monthlyAllocation,
			BalanceAfter: monthlyAllocation,
			Description:  "initial allocation",
			MetadataJSON: "{}",
			CreatedAt:    now,
		}
		return txStore.InsertTransaction(ctx, transaction)
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationCreatePool,
		Kind:       kind,
		ResourceID: resourceID.String(),
		PoolID:     pool.ID,
		Amount:     monthlyAllocation,
		Balance:    pool.CurrentBalance,
		Error:      operationError,
	})
	if operationError != nil {
		return CreditPool{}, operationError
	}
	return pool, nil
}

// ConsumeOptions carries the optional arguments of Consume.
type ConsumeOptions struct {
	// AllowNegative permits the debit to drive the balance below zero.
	// Reserved for storage-overage billing; AI and API consumption always
	// leaves it false.
	AllowNegative  bool
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	RequestID      string
	OperationID    string
	UserID         string
}

// Consume atomically debits a pool for a billed operation. The balance
// check, balance write, and transaction append happen in one store
// transaction with the pool row locked; either all of it commits or none.
// A repeated idempotency key returns the original result without a second
// debit.
func (service *Service) Consume(
	ctx context.Context,
	kind PoolKind,
	resourceID ResourceID,
	amount decimal.Decimal,
	operationType OperationType,
	description string,
	options ConsumeOptions,
) (ConsumeResult, error) {
	return service.consume(ctx, operationConsume, kind, resourceID, amount, operationType, description, options)
}

// consume is the shared debit path. Callers pick the operation name the log
// entry carries, so overage billing stays distinguishable from ordinary
// consumption.
func (service *Service) consume(
	ctx context.Context,
	operation string,
	kind PoolKind,
	resourceID ResourceID,
	amount decimal.Decimal,
	operationType OperationType,
	description string,
	options ConsumeOptions,
) (ConsumeResult, error) {
	if !amount.IsPositive() {
		return ConsumeResult{}, fmt.Errorf("%w: consumption amount must be positive", ErrInvalidAmount)
	}
	var result ConsumeResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		pool, err := txStore.GetPoolForUpdate(ctx, kind, resourceID.String())
		if err != nil {
			return err
		}
		if !options.IdempotencyKey.IsZero() {
			prior, lookupErr := txStore.GetTransactionByIdempotencyKey(ctx, pool.ID, options.IdempotencyKey.String())
			if lookupErr == nil {
				result = replayConsumeResult(prior)
				return nil
			}
			if !errors.Is(lookupErr, ErrTransactionNotFound) {
				return lookupErr
			}
		}
		if !pool.IsActive {
			return fmt.Errorf("%w: %s %s", ErrPoolInactive, kind, resourceID)
		}
		if !options.AllowNegative && pool.CurrentBalance.LessThan(amount) {
			return InsufficientCreditsError{
				Required:  amount,
				Available: pool.CurrentBalance,
			}
		}
		now := service.nowFn()
		oldBalance := pool.CurrentBalance
		newBalance := oldBalance.Sub(amount)
		pool.CurrentBalance = newBalance
		pool.ConsumedThisPeriod = pool.ConsumedThisPeriod.Add(amount)
		pool.LastConsumptionAt = &now
		pool.UpdatedAt = now
		if err := txStore.UpdatePool(ctx, pool); err != nil {
			return err
		}
		transaction := CreditTransaction{
			ID:             NewTransactionID(),
			PoolID:         pool.ID,
			Kind:           kind,
			ResourceID:     pool.ResourceID,
			Type:           TransactionConsumption,
			Amount:         amount.Neg(),
			BalanceAfter:   newBalance,
			Description:    consumeDescription(operationType, description),
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
			PoolID:         pool.ID,
			TransactionID:  transaction.ID,
			OldBalance:     oldBalance,
			NewBalance:     newBalance,
			AmountConsumed: amount,
			WentNegative:   newBalance.IsNegative(),
		}
		return nil
	})
	// Two first attempts racing on the same key both pass the pre-check; the
	// unique index lets exactly one commit. The loser replays the winner's
	// result.
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) && !options.IdempotencyKey.IsZero() {
		replayed, replayErr := service.replayByIdempotencyKey(ctx, kind, resourceID, options.IdempotencyKey)
		if replayErr == nil {
			result = replayed
			operationError = nil
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operation,
		Kind:           kind,
		ResourceID:     resourceID.String(),
		PoolID:         result.PoolID,
		TransactionID:  result.TransactionID,
		Amount:         amount,
		Balance:        result.NewBalance,
		IdempotencyKey: options.IdempotencyKey.String(),
		Error:          operationError,
	})
	if operationError != nil {
		return ConsumeResult{}, operationError
	}
	return result, nil
}

func (service *Service) replayByIdempotencyKey(ctx context.Context, kind PoolKind, resourceID ResourceID, key IdempotencyKey) (ConsumeResult, error) {
	pool, err := service.store.GetPool(ctx, kind, resourceID.String())
	if err != nil {
		return ConsumeResult{}, err
	}
	prior, err := service.store.GetTransactionByIdempotencyKey(ctx, pool.ID, key.String())
	if err != nil {
		return ConsumeResult{}, err
	}
	return replayConsumeResult(prior), nil
}

func replayConsumeResult(prior CreditTransaction) ConsumeResult {
	consumed := prior.Amount.Neg()
	return ConsumeResult{
		PoolID:         prior.PoolID,
		TransactionID:  prior.ID,
		OldBalance:     prior.BalanceAfter.Sub(prior.Amount),
		NewBalance:     prior.BalanceAfter,
		AmountConsumed: consumed,
		WentNegative:   prior.BalanceAfter.IsNegative(),
		AlreadyApplied: true,
	}
}

func consumeDescription(operationType OperationType, description string) string {
	if description == "" {
		return operationType.String()
	}
	return fmt.Sprintf("%s: %s", operationType, description)
}

func nextAllocationAfter(kind PoolKind, now time.Time) time.Time {
	if kind == PoolKindRepository {
		return now.AddDate(0, 1, 0)
	}
	return now.Add(graphAllocationCycleDays * 24 * time.Hour)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
