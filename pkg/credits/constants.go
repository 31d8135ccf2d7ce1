package credits

import "github.com/shopspring/decimal"

const (
	operationCreatePool        = "create_pool"
	operationConsume           = "consume"
	operationAllocate          = "allocate"
	operationUpdateAllocation  = "update_allocation"
	operationStorageCheck      = "storage_check"
	operationStorageOverage    = "storage_overage"
	operationStorageOverride   = "storage_override"
	operationGrantBonus        = "grant_bonus"
	operationSetActive         = "set_active"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorSubjectResource = "resource"

	poolIDPrefix        = "cpool_"
	transactionIDPrefix = "ctx_"

	// Graph pools re-allocate on a fixed 30-day cadence; repository pools
	// carry an explicit next_allocation_date instead.
	graphAllocationCycleDays = 30

	defaultListTransactionsLimit = 50
	maxListTransactionsLimit     = 200

	defaultAllocationBatchLimit = 500
)

// MaxBalance is the absolute balance ceiling. Allocations and bonus grants
// that would exceed it are clamped, never rejected.
var MaxBalance = decimal.RequireFromString("99999999.99")

// DefaultStorageWarningThreshold is the fraction of the storage limit at
// which a pool is considered to be approaching it.
var DefaultStorageWarningThreshold = decimal.RequireFromString("0.8")

// DefaultStorageOverageRatePerGBDay prices storage beyond the included
// allowance, in credits per GB per day.
var DefaultStorageOverageRatePerGBDay = decimal.NewFromInt(10)
