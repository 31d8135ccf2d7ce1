package credits

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllocationOutcome describes what a strategy did to a pool.
type AllocationOutcome struct {
	// Granted is the balance delta the ALLOCATION transaction records.
	Granted decimal.Decimal
	// Expired is the positive remainder forfeited by a use-it-or-lose-it
	// reset, recorded as an EXPIRATION transaction. Zero when nothing
	// expired.
	Expired decimal.Decimal
	// RolledOver is the positive remainder carried into the new period,
	// recorded as a zero-amount ROLLOVER marker. Zero when nothing carried.
	RolledOver decimal.Decimal
	// Clamped is true when the MaxBalance ceiling cut the grant short.
	Clamped bool
}

// AllocationStrategy decides when a pool is due for its periodic grant and
// how the grant mutates the pool. Graph pools accumulate credits; repository
// pools expire unused credits each cycle. The asymmetry is a product
// decision, not an accident.
type AllocationStrategy interface {
	Due(pool CreditPool, now time.Time) bool
	Apply(pool *CreditPool, now time.Time) AllocationOutcome
}

func strategyFor(kind PoolKind) AllocationStrategy {
	if kind == PoolKindRepository {
		return resetAllocation{}
	}
	return additiveAllocation{}
}

// additiveAllocation adds the monthly allocation on a fixed 30-day cadence
// and leaves consumed_this_period intact for period-spanning queries.
type additiveAllocation struct{}

func (additiveAllocation) Due(pool CreditPool, now time.Time) bool {
	if pool.LastAllocationDate == nil {
		return true
	}
	return now.Sub(*pool.LastAllocationDate) >= graphAllocationCycleDays*24*time.Hour
}

func (additiveAllocation) Apply(pool *CreditPool, now time.Time) AllocationOutcome {
	oldBalance := pool.CurrentBalance
	newBalance, clamped := clampBalance(oldBalance.Add(pool.MonthlyAllocation))
	pool.CurrentBalance = newBalance
	allocatedAt := now
	nextAt := now.Add(graphAllocationCycleDays * 24 * time.Hour)
	pool.LastAllocationDate = &allocatedAt
	pool.NextAllocationDate = &nextAt
	return AllocationOutcome{
		Granted: newBalance.Sub(oldBalance),
		Clamped: clamped,
	}
}

// resetAllocation replaces the balance with the fresh monthly allocation and
// zeroes the period counters. A positive remainder either rolls over (when
// the pool allows it) or expires; a negative remainder is overage debt and
// nets against the fresh grant rather than being forgiven.
type resetAllocation struct{}

func (resetAllocation) Due(pool CreditPool, now time.Time) bool {
	if pool.LastAllocationDate == nil || pool.NextAllocationDate == nil {
		return true
	}
	return !pool.NextAllocationDate.After(now)
}

func (resetAllocation) Apply(pool *CreditPool, now time.Time) AllocationOutcome {
	oldBalance := pool.CurrentBalance
	base := oldBalance
	expired := decimal.Zero
	rolledOver := decimal.Zero
	pool.RolloverCredits = decimal.Zero
	if oldBalance.IsPositive() {
		if pool.AllowsRollover {
			pool.RolloverCredits = oldBalance
			rolledOver = oldBalance
		} else {
			expired = oldBalance
			base = decimal.Zero
		}
	}
	newBalance, clamped := clampBalance(base.Add(pool.MonthlyAllocation))
	pool.CurrentBalance = newBalance
	pool.ConsumedThisPeriod = decimal.Zero
	allocatedAt := now
	nextAt := now.AddDate(0, 1, 0)
	pool.LastAllocationDate = &allocatedAt
	pool.NextAllocationDate = &nextAt
	return AllocationOutcome{
		Granted:    newBalance.Sub(base),
		Expired:    expired,
		RolledOver: rolledOver,
		Clamped:    clamped,
	}
}
