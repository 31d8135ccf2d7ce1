package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/RoboFinSystems/robosystems-sub003/pkg/credits"
)

const (
	constraintPoolKindResource  = "idx_credit_pools_kind_resource"
	constraintPoolPrimary       = "credit_pools_pkey"
	constraintTransactionIdem   = "uniq_credit_transactions_idem"
	defaultMetadataJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19
	dialectSQLite               = "sqlite"
	tableGraphs                 = "graphs"
	tableUserRepositories       = "user_repositories"
	errorOperationStore         = "store"
	errorSubjectPool            = "pool"
	errorSubjectTransaction     = "transaction"
	errorSubjectResource        = "resource"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLookup             = "lookup"
	errorCodeCount              = "count"
	errorCodeUpdate             = "update"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the ledger tables. Production deployments migrate out of
// band; sqlite runs and tests use this.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&CreditPool{}, &CreditTransaction{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreatePool(ctx context.Context, pool credits.CreditPool) error {
	model := poolModel(pool)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isPoolConflict(err) {
		return wrapStoreError(errorSubjectPool, errorCodeDuplicate, credits.ErrPoolExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPool(ctx context.Context, kind credits.PoolKind, resourceID string) (credits.CreditPool, error) {
	return store.getPool(ctx, kind, resourceID, false)
}

// GetPoolForUpdate locks the pool row for the remainder of the enclosing
// transaction. sqlite has no row locks; deployments cap the pool at one
// connection, which serializes the read-check-write sequence instead.
func (store *Store) GetPoolForUpdate(ctx context.Context, kind credits.PoolKind, resourceID string) (credits.CreditPool, error) {
	return store.getPool(ctx, kind, resourceID, true)
}

func (store *Store) getPool(ctx context.Context, kind credits.PoolKind, resourceID string, forUpdate bool) (credits.CreditPool, error) {
	query := store.db.WithContext(ctx)
	if forUpdate && store.db.Dialector.Name() != dialectSQLite {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model CreditPool
	err := query.
		Where("kind = ? AND resource_id = ?", kind.String(), resourceID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.CreditPool{}, wrapStoreError(errorSubjectPool, errorCodeGet, credits.ErrPoolNotFound)
		}
		return credits.CreditPool{}, wrapStoreError(errorSubjectPool, errorCodeGet, err)
	}
	pool, err := mapPool(model)
	if err != nil {
		return credits.CreditPool{}, wrapStoreError(errorSubjectPool, errorCodeInvalid, err)
	}
	return pool, nil
}

func (store *Store) UpdatePool(ctx context.Context, pool credits.CreditPool) error {
	model := poolModel(pool)
	result := store.db.WithContext(ctx).
		Model(&CreditPool{}).
		Where("id = ?", model.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(&model)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, credits.ErrPoolNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.CreditTransaction) error {
	model := transactionModel(transaction)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransactionByIdempotencyKey(ctx context.Context, poolID string, key string) (credits.CreditTransaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("credit_pool_id = ? AND idempotency_key = ?", poolID, key).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrTransactionNotFound)
		}
		return credits.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return credits.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) CountTransactions(ctx context.Context, poolID string) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("credit_pool_id = ?", poolID).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) ListTransactions(ctx context.Context, poolID string, beforeUnixUTC int64, limit int) ([]credits.CreditTransaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("credit_pool_id = ? AND created_at < ?", poolID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]credits.CreditTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) ListDuePools(ctx context.Context, nowUnixUTC int64, limit int) ([]credits.CreditPool, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	var rows []CreditPool
	err := store.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("last_allocation_date IS NULL OR next_allocation_date IS NULL OR next_allocation_date <= ?", at).
		Order("next_allocation_date ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	pools := make([]credits.CreditPool, 0, len(rows))
	for _, row := range rows {
		pool, err := mapPool(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPool, errorCodeInvalid, err)
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// Directory answers resource existence against the platform's graph and
// repository-grant registries. Those tables belong to the platform schema;
// the ledger only reads them.
type Directory struct {
	db *gorm.DB
}

// NewDirectory returns a Directory backed by gorm.DB.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

func (directory *Directory) ResourceExists(ctx context.Context, kind credits.PoolKind, resourceID string) (bool, error) {
	table := tableGraphs
	if kind == credits.PoolKindRepository {
		table = tableUserRepositories
	}
	var count int64
	err := directory.db.WithContext(ctx).
		Table(table).
		Where("id = ?", resourceID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectResource, errorCodeLookup, err)
	}
	return count > 0, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func poolModel(pool credits.CreditPool) CreditPool {
	return CreditPool{
		ID:                      pool.ID,
		Kind:                    pool.Kind.String(),
		ResourceID:              pool.ResourceID,
		OwnerUserID:             pool.OwnerUserID,
		BillingAdminID:          pool.BillingAdminID,
		CurrentBalance:          pool.CurrentBalance,
		MonthlyAllocation:       pool.MonthlyAllocation,
		CreditMultiplier:        pool.CreditMultiplier,
		ConsumedThisPeriod:      pool.ConsumedThisPeriod,
		RolloverCredits:         pool.RolloverCredits,
		AllowsRollover:          pool.AllowsRollover,
		StorageLimitGB:          pool.StorageLimitGB,
		StorageOverrideGB:       pool.StorageOverrideGB,
		StorageWarningThreshold: pool.StorageWarningThreshold,
		LastAllocationDate:      pool.LastAllocationDate,
		NextAllocationDate:      pool.NextAllocationDate,
		LastStorageWarningAt:    pool.LastStorageWarningAt,
		LastConsumptionAt:       pool.LastConsumptionAt,
		IsActive:                pool.IsActive,
		CreatedAt:               pool.CreatedAt,
		UpdatedAt:               pool.UpdatedAt,
	}
}

func mapPool(model CreditPool) (credits.CreditPool, error) {
	kind, err := credits.ParsePoolKind(model.Kind)
	if err != nil {
		return credits.CreditPool{}, err
	}
	return credits.CreditPool{
		ID:                      model.ID,
		Kind:                    kind,
		ResourceID:              model.ResourceID,
		OwnerUserID:             model.OwnerUserID,
		BillingAdminID:          model.BillingAdminID,
		CurrentBalance:          model.CurrentBalance,
		MonthlyAllocation:       model.MonthlyAllocation,
		CreditMultiplier:        model.CreditMultiplier,
		ConsumedThisPeriod:      model.ConsumedThisPeriod,
		RolloverCredits:         model.RolloverCredits,
		AllowsRollover:          model.AllowsRollover,
		StorageLimitGB:          model.StorageLimitGB,
		StorageOverrideGB:       model.StorageOverrideGB,
		StorageWarningThreshold: model.StorageWarningThreshold,
		LastAllocationDate:      model.LastAllocationDate,
		NextAllocationDate:      model.NextAllocationDate,
		LastStorageWarningAt:    model.LastStorageWarningAt,
		LastConsumptionAt:       model.LastConsumptionAt,
		IsActive:                model.IsActive,
		CreatedAt:               model.CreatedAt,
		UpdatedAt:               model.UpdatedAt,
	}, nil
}

func transactionModel(transaction credits.CreditTransaction) CreditTransaction {
	var idempotencyKey *string
	if transaction.IdempotencyKey != "" {
		value := transaction.IdempotencyKey
		idempotencyKey = &value
	}
	return CreditTransaction{
		ID:             transaction.ID,
		CreditPoolID:   transaction.PoolID,
		Kind:           transaction.Kind.String(),
		ResourceID:     transaction.ResourceID,
		Type:           transaction.Type.String(),
		Amount:         transaction.Amount,
		BalanceAfter:   transaction.BalanceAfter,
		Description:    transaction.Description,
		IdempotencyKey: idempotencyKey,
		RequestID:      transaction.RequestID,
		OperationID:    transaction.OperationID,
		UserID:         transaction.UserID,
		Metadata:       datatypesJSON(transaction.MetadataJSON),
		CreatedAt:      transaction.CreatedAt,
	}
}

func mapTransaction(model CreditTransaction) (credits.CreditTransaction, error) {
	kind, err := credits.ParsePoolKind(model.Kind)
	if err != nil {
		return credits.CreditTransaction{}, err
	}
	transactionType, err := credits.ParseTransactionType(model.Type)
	if err != nil {
		return credits.CreditTransaction{}, err
	}
	idempotencyKey := ""
	if model.IdempotencyKey != nil {
		idempotencyKey = *model.IdempotencyKey
	}
	return credits.CreditTransaction{
		ID:             model.ID,
		PoolID:         model.CreditPoolID,
		Kind:           kind,
		ResourceID:     model.ResourceID,
		Type:           transactionType,
		Amount:         model.Amount,
		BalanceAfter:   model.BalanceAfter,
		Description:    model.Description,
		IdempotencyKey: idempotencyKey,
		RequestID:      model.RequestID,
		OperationID:    model.OperationID,
		UserID:         model.UserID,
		MetadataJSON:   string(model.Metadata),
		CreatedAt:      model.CreatedAt,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isPoolConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode &&
			(pgErr.ConstraintName == constraintPoolKindResource || pgErr.ConstraintName == constraintPoolPrimary)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdem
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
