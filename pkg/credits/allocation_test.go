package credits

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestGraphAllocationAccumulates(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	pool := seedPool(test, store, PoolKindGraph, "kg-accum", "400.00")
	lastAllocation := testNow.AddDate(0, 0, -31)
	pool.LastAllocationDate = &lastAllocation
	pool.ConsumedThisPeriod = mustDecimal(test, "600.00")
	store.putPool(pool)
	service := mustNewService(test, store)

	allocated, err := service.AllocateIfDue(context.Background(), PoolKindGraph, mustResourceID(test, "kg-accum"))
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if !allocated {
		test.Fatal("expected allocation")
	}
	updated := store.mustPool(test, PoolKindGraph, "kg-accum")
	if !updated.CurrentBalance.Equal(mustDecimal(test, "1400.00")) {
		test.Fatalf("expected 1400.00 after additive grant, got %s", updated.CurrentBalance)
	}
	if !updated.ConsumedThisPeriod.Equal(mustDecimal(test, "600.00")) {
		test.Fatalf("graph allocation must not reset consumed counter, got %s", updated.ConsumedThisPeriod)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(store.transactions))
	}
	transaction := store.transactions[0]
	if transaction.Type != TransactionAllocation {
		test.Fatalf("expected allocation transaction, got %s", transaction.Type)
	}
	if !transaction.Amount.Equal(decimal.NewFromInt(1000)) {
		test.Fatalf("expected grant of 1000, got %s", transaction.Amount)
	}
	if updated.LastAllocationDate == nil || !updated.LastAllocationDate.Equal(testNow) {
		test.Fatalf("expected last allocation at %s, got %v", testNow, updated.LastAllocationDate)
	}
}

func TestGraphAllocationNotDue(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedPool(test, store, PoolKindGraph, "kg-early", "400.00")
	service := mustNewService(test, store)

	allocated, err := service.AllocateIfDue(context.Background(), PoolKindGraph, mustResourceID(test, "kg-early"))
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if allocated {
		test.Fatal("pool allocated 10 days ago must not be due")
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no transactions, got %d", len(store.transactions))
	}
}

func TestGraphAllocationDueWhenNeverAllocated(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	pool := seedPool(test, store, PoolKindGraph, "kg-fresh", "0.00")
	pool.LastAllocationDate = nil
	pool.NextAllocationDate = nil
	store.putPool(pool)
	service := mustNewService(test, store)

	allocated, err := service.AllocateIfDue(context.Background(), PoolKindGraph, mustResourceID(test, "kg-fresh"))
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if !allocated {
		test.Fatal("never-allocated pool must be due")
	}
}

func TestRepositoryAllocationResetsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	pool := seedPool(test, store, PoolKindRepository, "sec-reset", "200.00")
	nextAllocation := testNow.AddDate(0, 0, -1)
	pool.NextAllocationDate = &nextAllocation
	pool.ConsumedThisPeriod = mustDecimal(test, "800.00")
	store.putPool(pool)
	service := mustNewService(test, store)

	allocated, err := service.AllocateIfDue(context.Background(), PoolKindRepository, mustResourceID(test, "sec-reset"))
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if !allocated {
		test.Fatal("expected allocation")
	}
	updated := store.mustPool(test, PoolKindRepository, "sec-reset")
	if !updated.CurrentBalance.Equal(decimal.NewFromInt(1000)) {
		test.Fatalf("expected balance reset to 1000, got %s", updated.CurrentBalance)
	}
	if !updated.ConsumedThisPeriod.IsZero() {
		test.Fatalf("expected consumed counter zeroed, got %s", updated.ConsumedThisPeriod)
	}
	if len(store.transactions) != 2 {
		test.Fatalf("expected expiration + allocation, got %d transactions", len(store.transactions))
	}
	expiration := store.transactions[0]
	if expiration.Type != TransactionExpiration {
		test.Fatalf("expected expiration first, got %s", expiration.Type)
	}
	if !expiration.Amount.Equal(mustDecimal(test, "-200.00")) {
		test.Fatalf("expected expiration of -200.00, got %s", expiration.Amount)
	}
	allocation := store.transactions[1]
	if allocation.Type != TransactionAllocation {
		test.Fatalf("expected allocation second, got %s", allocation.Type)
	}
	if !allocation.Amount.Equal(decimal.NewFromInt(1000)) {
		test.Fatalf("expected allocation of 1000, got %s", allocation.Amount)
	}
	if updated.NextAllocationDate == nil || !updated.NextAllocationDate.Equal(testNow.AddDate(0, 1, 0)) {
		test.Fatalf("expected next allocation one month out, got %v", updated.NextAllocationDate)
	}
}

func TestRepositoryAllocationRollsOver(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	pool := seedPool(test, store, PoolKindRepository, "sec-roll", "200.00")
	nextAllocation := testNow.AddDate(0, 0, -1)
	pool.NextAllocationDate = &nextAllocation
	pool.AllowsRollover = true
	store.putPool(pool)
	service := mustNewService(test, store)

	allocated, err := service.AllocateIfDue(context.Background(), PoolKindRepository, mustResourceID(test, "sec-roll"))
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if !allocated {
		test.Fatal("expected allocation")
	}
	updated := store.mustPool(test, PoolKindRepository, "sec-roll")
	if !updated.CurrentBalance.Equal(decimal.NewFromInt(1200)) {
		test.Fatalf("expected rollover balance 1200, got %s", updated.CurrentBalance)
	}
	if !updated.RolloverCredits.Equal(mustDecimal(test, "200.00")) {
		test.Fatalf("expected rollover credits 200.00, got %s", updated.RolloverCredits)
	}
	if len(store.transactions) != 2 {
		test.Fatalf("expected rollover marker + allocation, got %d transactions", len(store.transactions))
	}
	rollover := store.transactions[0]
	if rollover.Type != TransactionRollover {
		test.Fatalf("expected rollover marker first, got %s", rollover.Type)
	}
	if !rollover.Amount.IsZero() {
		test.Fatalf("rollover marker must not move credits, got %s", rollover.Amount)
	}
	if !rollover.BalanceAfter.Equal(mustDecimal(test, "200.00")) {
		test.Fatalf("expected carried balance 200.00 on the marker, got %s", rollover.BalanceAfter)
	}
	if store.transactions[1].Type != TransactionAllocation {
		test.Fatalf("expected allocation second, got %s", store.transactions[1].Type)
	}
}

func TestRepositoryAllocationNetsNegativeBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	pool := seedPool(test, store, PoolKindRepository, "sec-debt", "-100.00")
	nextAllocation := testNow.AddDate(0, 0, -1)
	pool.NextAllocationDate = &nextAllocation
	store.putPool(pool)
	service := mustNewService(test, store)

	allocated, err := service.AllocateIfDue(context.Background(), PoolKindRepository, mustResourceID(test, "sec-debt"))
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if !allocated {
		test.Fatal("expected allocation")
	}
	updated := store.mustPool(test, PoolKindRepository, "sec-debt")
	if !updated.CurrentBalance.Equal(decimal.NewFromInt(900)) {
		test.Fatalf("expected debt netted to 900, got %s", updated.CurrentBalance)
	}
	for _, transaction := range store.transactions {
		if transaction.Type == TransactionExpiration {
			test.Fatal("negative balance is debt, not expirable credit")
		}
	}
}

func TestAllocationClampsAtMaxBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	pool := seedPool(test, store, PoolKindGraph, "kg-cap", "99999999.00")
	lastAllocation := testNow.AddDate(0, 0, -31)
	pool.LastAllocationDate = &lastAllocation
	store.putPool(pool)
	service := mustNewService(test, store)

	allocated, err := service.AllocateIfDue(context.Background(), PoolKindGraph, mustResourceID(test, "kg-cap"))
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if !allocated {
		test.Fatal("expected allocation")
	}
	updated := store.mustPool(test, PoolKindGraph, "kg-cap")
	if !updated.CurrentBalance.Equal(MaxBalance) {
		test.Fatalf("expected balance clamped to %s, got %s", MaxBalance, updated.CurrentBalance)
	}
	transaction := store.transactions[0]
	if !transaction.Amount.Equal(mustDecimal(test, "0.99")) {
		test.Fatalf("expected clamped grant of 0.99, got %s", transaction.Amount)
	}
}

func TestAllocateAllDueSweepsDuePools(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	duePastNext := testNow.AddDate(0, 0, -1)
	first := seedPool(test, store, PoolKindRepository, "sec-due-1", "0.00")
	first.NextAllocationDate = &duePastNext
	store.putPool(first)
	second := seedPool(test, store, PoolKindRepository, "sec-due-2", "50.00")
	second.NextAllocationDate = &duePastNext
	store.putPool(second)
	seedPool(test, store, PoolKindGraph, "kg-not-due", "0.00")
	service := mustNewService(test, store)

	granted, err := service.AllocateAllDue(context.Background(), 0)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if granted != 2 {
		test.Fatalf("expected 2 pools granted, got %d", granted)
	}
}

func TestUpdateMonthlyAllocationImmediateCredit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedPool(test, store, PoolKindGraph, "kg-up", "400.00")
	service := mustNewService(test, store)

	err := service.UpdateMonthlyAllocation(context.Background(), PoolKindGraph,
		mustResourceID(test, "kg-up"), decimal.NewFromInt(1500), true)
	if err != nil {
		test.Fatalf("update allocation: %v", err)
	}
	updated := store.mustPool(test, PoolKindGraph, "kg-up")
	if !updated.MonthlyAllocation.Equal(decimal.NewFromInt(1500)) {
		test.Fatalf("expected allocation 1500, got %s", updated.MonthlyAllocation)
	}
	if !updated.CurrentBalance.Equal(mustDecimal(test, "900.00")) {
		test.Fatalf("expected balance credited with the 500 difference, got %s", updated.CurrentBalance)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected bonus transaction, got %d", len(store.transactions))
	}
	if store.transactions[0].Type != TransactionBonus {
		test.Fatalf("expected bonus transaction, got %s", store.transactions[0].Type)
	}
}

func TestUpdateMonthlyAllocationDecreaseKeepsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedPool(test, store, PoolKindGraph, "kg-down", "400.00")
	service := mustNewService(test, store)

	err := service.UpdateMonthlyAllocation(context.Background(), PoolKindGraph,
		mustResourceID(test, "kg-down"), decimal.NewFromInt(500), true)
	if err != nil {
		test.Fatalf("update allocation: %v", err)
	}
	updated := store.mustPool(test, PoolKindGraph, "kg-down")
	if !updated.MonthlyAllocation.Equal(decimal.NewFromInt(500)) {
		test.Fatalf("expected allocation 500, got %s", updated.MonthlyAllocation)
	}
	if !updated.CurrentBalance.Equal(mustDecimal(test, "400.00")) {
		test.Fatalf("a decrease must not claw back credits, got %s", updated.CurrentBalance)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no transactions, got %d", len(store.transactions))
	}
}
