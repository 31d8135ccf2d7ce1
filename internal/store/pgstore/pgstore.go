package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/RoboFinSystems/robosystems-sub003/pkg/credits"
)

const (
	constraintPoolKindResource = "idx_credit_pools_kind_resource"
	constraintPoolPrimary      = "credit_pools_pkey"
	constraintTransactionIdem  = "uniq_credit_transactions_idem"
	pgUniqueViolationCode      = "23505"
	errorOperationStore        = "store"
	errorSubjectPool           = "pool"
	errorSubjectTransaction    = "transaction"
	errorSubjectResource       = "resource"
	errorCodeBegin             = "begin"
	errorCodeCommit            = "commit"
	errorCodeCreate            = "create"
	errorCodeCount             = "count"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLookup            = "lookup"
	errorCodeUpdate            = "update"

	poolColumns = `
		id, kind, resource_id, owner_user_id, billing_admin_id,
		current_balance::text, monthly_allocation::text, credit_multiplier::text,
		consumed_this_period::text, rollover_credits::text, allows_rollover,
		storage_limit_gb::text, storage_override_gb::text, storage_warning_threshold::text,
		last_allocation_date, next_allocation_date, last_storage_warning_at,
		last_consumption_at, is_active, created_at, updated_at
	`

	sqlInsertPool = `
		insert into credit_pools(
			id, kind, resource_id, owner_user_id, billing_admin_id,
			current_balance, monthly_allocation, credit_multiplier,
			consumed_this_period, rollover_credits, allows_rollover,
			storage_limit_gb, storage_override_gb, storage_warning_threshold,
			last_allocation_date, next_allocation_date, last_storage_warning_at,
			last_consumption_at, is_active, created_at, updated_at
		)
		values(
			$1, $2, $3, $4, $5,
			$6::numeric, $7::numeric, $8::numeric,
			$9::numeric, $10::numeric, $11,
			$12::numeric, nullif($13,'')::numeric, $14::numeric,
			$15, $16, $17,
			$18, $19, $20, $21
		)
	`

	sqlSelectPool = `
		select ` + poolColumns + `
		from credit_pools
		where kind = $1 and resource_id = $2
	`

	sqlSelectPoolForUpdate = sqlSelectPool + ` for update`

	sqlUpdatePool = `
		update credit_pools set
			owner_user_id = $2, billing_admin_id = $3,
			current_balance = $4::numeric, monthly_allocation = $5::numeric,
			credit_multiplier = $6::numeric, consumed_this_period = $7::numeric,
			rollover_credits = $8::numeric, allows_rollover = $9,
			storage_limit_gb = $10::numeric, storage_override_gb = nullif($11,'')::numeric,
			storage_warning_threshold = $12::numeric,
			last_allocation_date = $13, next_allocation_date = $14,
			last_storage_warning_at = $15, last_consumption_at = $16,
			is_active = $17, updated_at = $18
		where id = $1
	`

	transactionColumns = `
		id, credit_pool_id, kind, resource_id, type,
		amount::text, balance_after::text, description,
		coalesce(idempotency_key,''), request_id, operation_id, user_id,
		coalesce(metadata::text,'{}'), created_at
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			id, credit_pool_id, kind, resource_id, type,
			amount, balance_after, description,
			idempotency_key, request_id, operation_id, user_id,
			metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5,
			$6::numeric, $7::numeric, $8,
			nullif($9,''), $10, $11, $12,
			coalesce(nullif($13,''),'{}')::jsonb, $14
		)
	`

	sqlSelectTransactionByIdem = `
		select ` + transactionColumns + `
		from credit_transactions
		where credit_pool_id = $1 and idempotency_key = $2
	`

	sqlCountTransactions = `
		select count(*) from credit_transactions where credit_pool_id = $1
	`

	sqlListTransactionsBefore = `
		select ` + transactionColumns + `
		from credit_transactions
		where credit_pool_id = $1 and created_at < $2
		order by created_at desc
		limit $3
	`

	sqlListDuePools = `
		select ` + poolColumns + `
		from credit_pools
		where is_active
		and (last_allocation_date is null or next_allocation_date is null or next_allocation_date <= $1)
		order by next_allocation_date asc nulls first
		limit $2
	`

	sqlGraphExists      = `select exists(select 1 from graphs where id = $1)`
	sqlRepositoryExists = `select exists(select 1 from user_repositories where id = $1)`
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreatePool(ctx context.Context, pool credits.CreditPool) error {
	return createPool(ctx, store.pool, pool)
}

func (store *Store) GetPool(ctx context.Context, kind credits.PoolKind, resourceID string) (credits.CreditPool, error) {
	return getPool(ctx, store.pool, sqlSelectPool, kind, resourceID)
}

// GetPoolForUpdate outside a transaction degrades to a plain read; the lock
// would be released at statement end anyway.
func (store *Store) GetPoolForUpdate(ctx context.Context, kind credits.PoolKind, resourceID string) (credits.CreditPool, error) {
	return getPool(ctx, store.pool, sqlSelectPool, kind, resourceID)
}

func (store *Store) UpdatePool(ctx context.Context, pool credits.CreditPool) error {
	return updatePool(ctx, store.pool, pool)
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.CreditTransaction) error {
	return insertTransaction(ctx, store.pool, transaction)
}

func (store *Store) GetTransactionByIdempotencyKey(ctx context.Context, poolID string, key string) (credits.CreditTransaction, error) {
	return getTransactionByIdempotencyKey(ctx, store.pool, poolID, key)
}

func (store *Store) CountTransactions(ctx context.Context, poolID string) (int64, error) {
	return countTransactions(ctx, store.pool, poolID)
}

func (store *Store) ListTransactions(ctx context.Context, poolID string, beforeUnixUTC int64, limit int) ([]credits.CreditTransaction, error) {
	return listTransactions(ctx, store.pool, poolID, beforeUnixUTC, limit)
}

func (store *Store) ListDuePools(ctx context.Context, nowUnixUTC int64, limit int) ([]credits.CreditPool, error) {
	return listDuePools(ctx, store.pool, nowUnixUTC, limit)
}

// WithTx on an active transaction runs fn in the same transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) CreatePool(ctx context.Context, pool credits.CreditPool) error {
	return createPool(ctx, store.tx, pool)
}

func (store *TxStore) GetPool(ctx context.Context, kind credits.PoolKind, resourceID string) (credits.CreditPool, error) {
	return getPool(ctx, store.tx, sqlSelectPool, kind, resourceID)
}

func (store *TxStore) GetPoolForUpdate(ctx context.Context, kind credits.PoolKind, resourceID string) (credits.CreditPool, error) {
	return getPool(ctx, store.tx, sqlSelectPoolForUpdate, kind, resourceID)
}

func (store *TxStore) UpdatePool(ctx context.Context, pool credits.CreditPool) error {
	return updatePool(ctx, store.tx, pool)
}

func (store *TxStore) InsertTransaction(ctx context.Context, transaction credits.CreditTransaction) error {
	return insertTransaction(ctx, store.tx, transaction)
}

func (store *TxStore) GetTransactionByIdempotencyKey(ctx context.Context, poolID string, key string) (credits.CreditTransaction, error) {
	return getTransactionByIdempotencyKey(ctx, store.tx, poolID, key)
}

func (store *TxStore) CountTransactions(ctx context.Context, poolID string) (int64, error) {
	return countTransactions(ctx, store.tx, poolID)
}

func (store *TxStore) ListTransactions(ctx context.Context, poolID string, beforeUnixUTC int64, limit int) ([]credits.CreditTransaction, error) {
	return listTransactions(ctx, store.tx, poolID, beforeUnixUTC, limit)
}

func (store *TxStore) ListDuePools(ctx context.Context, nowUnixUTC int64, limit int) ([]credits.CreditPool, error) {
	return listDuePools(ctx, store.tx, nowUnixUTC, limit)
}

// Directory answers resource existence against the platform registries.
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory returns a Directory backed by a pgx pool.
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

func (directory *Directory) ResourceExists(ctx context.Context, kind credits.PoolKind, resourceID string) (bool, error) {
	query := sqlGraphExists
	if kind == credits.PoolKindRepository {
		query = sqlRepositoryExists
	}
	var exists bool
	if err := directory.pool.QueryRow(ctx, query, resourceID).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectResource, errorCodeLookup, err)
	}
	return exists, nil
}

func createPool(ctx context.Context, runner querier, pool credits.CreditPool) error {
	overrideGB := ""
	if pool.StorageOverrideGB.Valid {
		overrideGB = pool.StorageOverrideGB.Decimal.String()
	}
	_, err := runner.Exec(ctx, sqlInsertPool,
		pool.ID, pool.Kind.String(), pool.ResourceID, pool.OwnerUserID, pool.BillingAdminID,
		pool.CurrentBalance.String(), pool.MonthlyAllocation.String(), pool.CreditMultiplier.String(),
		pool.ConsumedThisPeriod.String(), pool.RolloverCredits.String(), pool.AllowsRollover,
		pool.StorageLimitGB.String(), overrideGB, pool.StorageWarningThreshold.String(),
		pool.LastAllocationDate, pool.NextAllocationDate, pool.LastStorageWarningAt,
		pool.LastConsumptionAt, pool.IsActive, pool.CreatedAt, pool.UpdatedAt,
	)
	if isPoolConflict(err) {
		return wrapStoreError(errorSubjectPool, errorCodeDuplicate, credits.ErrPoolExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeCreate, err)
	}
	return nil
}

func getPool(ctx context.Context, runner querier, query string, kind credits.PoolKind, resourceID string) (credits.CreditPool, error) {
	row := runner.QueryRow(ctx, query, kind.String(), resourceID)
	pool, err := scanPool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.CreditPool{}, wrapStoreError(errorSubjectPool, errorCodeGet, credits.ErrPoolNotFound)
		}
		return credits.CreditPool{}, wrapStoreError(errorSubjectPool, errorCodeGet, err)
	}
	return pool, nil
}

func updatePool(ctx context.Context, runner querier, pool credits.CreditPool) error {
	overrideGB := ""
	if pool.StorageOverrideGB.Valid {
		overrideGB = pool.StorageOverrideGB.Decimal.String()
	}
	tag, err := runner.Exec(ctx, sqlUpdatePool,
		pool.ID,
		pool.OwnerUserID, pool.BillingAdminID,
		pool.CurrentBalance.String(), pool.MonthlyAllocation.String(),
		pool.CreditMultiplier.String(), pool.ConsumedThisPeriod.String(),
		pool.RolloverCredits.String(), pool.AllowsRollover,
		pool.StorageLimitGB.String(), overrideGB,
		pool.StorageWarningThreshold.String(),
		pool.LastAllocationDate, pool.NextAllocationDate,
		pool.LastStorageWarningAt, pool.LastConsumptionAt,
		pool.IsActive, pool.UpdatedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, credits.ErrPoolNotFound)
	}
	return nil
}

func insertTransaction(ctx context.Context, runner querier, transaction credits.CreditTransaction) error {
	_, err := runner.Exec(ctx, sqlInsertTransaction,
		transaction.ID, transaction.PoolID, transaction.Kind.String(), transaction.ResourceID,
		transaction.Type.String(),
		transaction.Amount.String(), transaction.BalanceAfter.String(), transaction.Description,
		transaction.IdempotencyKey, transaction.RequestID, transaction.OperationID, transaction.UserID,
		transaction.MetadataJSON, transaction.CreatedAt,
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func getTransactionByIdempotencyKey(ctx context.Context, runner querier, poolID string, key string) (credits.CreditTransaction, error) {
	row := runner.QueryRow(ctx, sqlSelectTransactionByIdem, poolID, key)
	transaction, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrTransactionNotFound)
		}
		return credits.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func countTransactions(ctx context.Context, runner querier, poolID string) (int64, error) {
	var count int64
	if err := runner.QueryRow(ctx, sqlCountTransactions, poolID).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	return count, nil
}

func listTransactions(ctx context.Context, runner querier, poolID string, beforeUnixUTC int64, limit int) ([]credits.CreditTransaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	rows, err := runner.Query(ctx, sqlListTransactionsBefore, poolID, before, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	var transactions []credits.CreditTransaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func listDuePools(ctx context.Context, runner querier, nowUnixUTC int64, limit int) ([]credits.CreditPool, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	rows, err := runner.Query(ctx, sqlListDuePools, at, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	defer rows.Close()

	var pools []credits.CreditPool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPool, errorCodeInvalid, err)
		}
		pools = append(pools, pool)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	return pools, nil
}

func scanPool(row pgx.Row) (credits.CreditPool, error) {
	var (
		kindValue          string
		balanceText        string
		allocationText     string
		multiplierText     string
		consumedText       string
		rolloverText       string
		storageLimitText   string
		storageOverride    *string
		warningThreshold   string
		pool               credits.CreditPool
	)
	err := row.Scan(
		&pool.ID, &kindValue, &pool.ResourceID, &pool.OwnerUserID, &pool.BillingAdminID,
		&balanceText, &allocationText, &multiplierText,
		&consumedText, &rolloverText, &pool.AllowsRollover,
		&storageLimitText, &storageOverride, &warningThreshold,
		&pool.LastAllocationDate, &pool.NextAllocationDate, &pool.LastStorageWarningAt,
		&pool.LastConsumptionAt, &pool.IsActive, &pool.CreatedAt, &pool.UpdatedAt,
	)
	if err != nil {
		return credits.CreditPool{}, err
	}
	kind, err := credits.ParsePoolKind(kindValue)
	if err != nil {
		return credits.CreditPool{}, err
	}
	pool.Kind = kind
	if pool.CurrentBalance, err = decimal.NewFromString(balanceText); err != nil {
		return credits.CreditPool{}, err
	}
	if pool.MonthlyAllocation, err = decimal.NewFromString(allocationText); err != nil {
		return credits.CreditPool{}, err
	}
	if pool.CreditMultiplier, err = decimal.NewFromString(multiplierText); err != nil {
		return credits.CreditPool{}, err
	}
	if pool.ConsumedThisPeriod, err = decimal.NewFromString(consumedText); err != nil {
		return credits.CreditPool{}, err
	}
	if pool.RolloverCredits, err = decimal.NewFromString(rolloverText); err != nil {
		return credits.CreditPool{}, err
	}
	if pool.StorageLimitGB, err = decimal.NewFromString(storageLimitText); err != nil {
		return credits.CreditPool{}, err
	}
	if storageOverride != nil {
		override, err := decimal.NewFromString(*storageOverride)
		if err != nil {
			return credits.CreditPool{}, err
		}
		pool.StorageOverrideGB = decimal.NullDecimal{Decimal: override, Valid: true}
	}
	if pool.StorageWarningThreshold, err = decimal.NewFromString(warningThreshold); err != nil {
		return credits.CreditPool{}, err
	}
	return pool, nil
}

func scanTransaction(row pgx.Row) (credits.CreditTransaction, error) {
	var (
		kindValue    string
		typeValue    string
		amountText   string
		balanceText  string
		transaction  credits.CreditTransaction
	)
	err := row.Scan(
		&transaction.ID, &transaction.PoolID, &kindValue, &transaction.ResourceID, &typeValue,
		&amountText, &balanceText, &transaction.Description,
		&transaction.IdempotencyKey, &transaction.RequestID, &transaction.OperationID, &transaction.UserID,
		&transaction.MetadataJSON, &transaction.CreatedAt,
	)
	if err != nil {
		return credits.CreditTransaction{}, err
	}
	kind, err := credits.ParsePoolKind(kindValue)
	if err != nil {
		return credits.CreditTransaction{}, err
	}
	transaction.Kind = kind
	transactionType, err := credits.ParseTransactionType(typeValue)
	if err != nil {
		return credits.CreditTransaction{}, err
	}
	transaction.Type = transactionType
	if transaction.Amount, err = decimal.NewFromString(amountText); err != nil {
		return credits.CreditTransaction{}, err
	}
	if transaction.BalanceAfter, err = decimal.NewFromString(balanceText); err != nil {
		return credits.CreditTransaction{}, err
	}
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isPoolConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode &&
			(pgErr.ConstraintName == constraintPoolKindResource || pgErr.ConstraintName == constraintPoolPrimary)
	}
	return false
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdem
	}
	return false
}
