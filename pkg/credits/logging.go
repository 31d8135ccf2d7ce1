package credits

import (
	"context"

	"github.com/shopspring/decimal"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	Kind           PoolKind
	ResourceID     string
	PoolID         string
	TransactionID  string
	Amount         decimal.Decimal
	Balance        decimal.Decimal
	IdempotencyKey string
	Clamped        bool
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithStorageUsageSource wires the collaborator consulted when a storage
// check is called without a measured figure.
func WithStorageUsageSource(source StorageUsageSource) ServiceOption {
	return func(service *Service) {
		service.storageUsage = source
	}
}

// WithAllocationStrategy overrides the strategy for one pool kind. Intended
// for tests; production wiring keeps the defaults.
func WithAllocationStrategy(kind PoolKind, strategy AllocationStrategy) ServiceOption {
	return func(service *Service) {
		service.strategies[kind] = strategy
	}
}
