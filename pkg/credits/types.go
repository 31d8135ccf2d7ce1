package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PoolKind selects the billable resource family a pool belongs to.
type PoolKind string

const (
	PoolKindGraph      PoolKind = "graph"
	PoolKindRepository PoolKind = "repository"
)

// ParsePoolKind validates a raw pool kind.
func ParsePoolKind(raw string) (PoolKind, error) {
	switch PoolKind(strings.TrimSpace(raw)) {
	case PoolKindGraph:
		return PoolKindGraph, nil
	case PoolKindRepository:
		return PoolKindRepository, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPoolKind, raw)
	}
}

// String returns the kind value.
func (kind PoolKind) String() string {
	return string(kind)
}

// ResourceID identifies the graph or repository-access grant a pool bills.
type ResourceID struct {
	value string
}

// NewResourceID validates and normalizes a resource id.
func NewResourceID(raw string) (ResourceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ResourceID{}, fmt.Errorf("%w: empty value", ErrInvalidResourceID)
	}
	return ResourceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ResourceID) String() string {
	return id.value
}

// OperationType names the billed operation class (agent_call, query, ...).
type OperationType struct {
	value string
}

// NewOperationType validates and normalizes an operation type.
func NewOperationType(raw string) (OperationType, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OperationType{}, fmt.Errorf("%w: empty value", ErrInvalidOperationType)
	}
	return OperationType{value: trimmed}, nil
}

// String returns the normalized operation type.
func (operationType OperationType) String() string {
	return operationType.value
}

// IdempotencyKey scopes duplicate detection. The zero value means "none".
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// MetadataJSON stores arbitrary audit metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a key/value payload into MetadataJSON.
func MetadataFromMap(values map[string]any) (MetadataJSON, error) {
	if len(values) == 0 {
		return MetadataJSON{value: "{}"}, nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(encoded)}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// TransactionType enumerates ledger entry kinds.
type TransactionType string

const (
	TransactionAllocation  TransactionType = "allocation"
	TransactionConsumption TransactionType = "consumption"
	TransactionBonus       TransactionType = "bonus"
	TransactionRefund      TransactionType = "refund"
	TransactionRollover    TransactionType = "rollover"
	TransactionExpiration  TransactionType = "expiration"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionAllocation, TransactionConsumption, TransactionBonus,
		TransactionRefund, TransactionRollover, TransactionExpiration:
		return TransactionType(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the transaction type value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// CreditTransaction is a single immutable line in the audit ledger. Amount
// is signed: positive for credits added, negative for debits. BalanceAfter
// snapshots the pool balance the mutation produced, which lets an
// idempotent replay return the original result.
type CreditTransaction struct {
	ID             string
	PoolID         string
	Kind           PoolKind
	ResourceID     string
	Type           TransactionType
	Amount         decimal.Decimal
	BalanceAfter   decimal.Decimal
	Description    string
	IdempotencyKey string
	RequestID      string
	OperationID    string
	UserID         string
	MetadataJSON   string
	CreatedAt      time.Time
}

// ConsumeResult reports the outcome of a debit.
type ConsumeResult struct {
	PoolID         string
	TransactionID  string
	OldBalance     decimal.Decimal
	NewBalance     decimal.Decimal
	AmountConsumed decimal.Decimal
	WentNegative   bool
	AlreadyApplied bool
}

// StorageCheck reports a storage-limit evaluation.
type StorageCheck struct {
	WithinLimit      bool
	ApproachingLimit bool
	NeedsWarning     bool
	UsagePercentage  decimal.Decimal
	CurrentGB        decimal.Decimal
	EffectiveLimitGB decimal.Decimal
	Recommendations  []string
}

// StorageOverageResult reports an overage billing run.
type StorageOverageResult struct {
	OverageGB       decimal.Decimal
	CreditsConsumed decimal.Decimal
	WentNegative    bool
	TransactionID   string
}

// StorageOverrideResult reports an administrative limit change.
type StorageOverrideResult struct {
	OldLimitGB decimal.Decimal
	NewLimitGB decimal.Decimal
}

// UsageSummary is a read-only snapshot of a pool.
type UsageSummary struct {
	PoolID             string
	Kind               PoolKind
	ResourceID         string
	CurrentBalance     decimal.Decimal
	MonthlyAllocation  decimal.Decimal
	ConsumedThisPeriod decimal.Decimal
	RolloverCredits    decimal.Decimal
	TransactionCount   int64
	EffectiveLimitGB   decimal.Decimal
	IsActive           bool
	LastAllocationDate *time.Time
	NextAllocationDate *time.Time
}

// Store is the persistence contract used by Service. Implementations must
// serialize GetPoolForUpdate against concurrent writers of the same pool row
// and enforce idempotency-key uniqueness at the schema level.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreatePool(ctx context.Context, pool CreditPool) error
	GetPool(ctx context.Context, kind PoolKind, resourceID string) (CreditPool, error)
	GetPoolForUpdate(ctx context.Context, kind PoolKind, resourceID string) (CreditPool, error)
	UpdatePool(ctx context.Context, pool CreditPool) error
	InsertTransaction(ctx context.Context, transaction CreditTransaction) error
	GetTransactionByIdempotencyKey(ctx context.Context, poolID string, key string) (CreditTransaction, error)
	CountTransactions(ctx context.Context, poolID string) (int64, error)
	ListTransactions(ctx context.Context, poolID string, beforeUnixUTC int64, limit int) ([]CreditTransaction, error)
	ListDuePools(ctx context.Context, nowUnixUTC int64, limit int) ([]CreditPool, error)
}

// ResourceDirectory answers whether the billed resource exists. The graph
// and repository registries live outside the ledger.
type ResourceDirectory interface {
	ResourceExists(ctx context.Context, kind PoolKind, resourceID string) (bool, error)
}

// StorageUsageSource supplies the latest measured storage footprint when the
// caller does not pass one. Storage measurement lives outside the ledger.
type StorageUsageSource interface {
	LatestStorageGB(ctx context.Context, kind PoolKind, resourceID string) (decimal.Decimal, error)
}
