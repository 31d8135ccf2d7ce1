package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/RoboFinSystems/robosystems-sub003/pkg/credits"
)

type createPoolRequest struct {
	Kind              string      `json:"kind" binding:"required"`
	ResourceID        string      `json:"resource_id" binding:"required"`
	OwnerUserID       string      `json:"owner_user_id"`
	BillingAdminID    string      `json:"billing_admin_id"`
	MonthlyAllocation json.Number `json:"monthly_allocation"`
	Tier              string      `json:"tier" binding:"required"`
}

func (server *Server) handleCreatePool(ctx *gin.Context) {
	var request createPoolRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	kind, err := credits.ParsePoolKind(request.Kind)
	if err != nil {
		respondError(ctx, err)
		return
	}
	resourceID, err := credits.NewResourceID(request.ResourceID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	tier, err := credits.ParseTier(request.Tier)
	if err != nil {
		respondError(ctx, err)
		return
	}
	allocation, err := credits.DecimalFromAny(numberOrNil(request.MonthlyAllocation))
	if err != nil {
		respondError(ctx, err)
		return
	}
	pool, err := server.service.CreatePoolForResource(ctx.Request.Context(), kind, resourceID,
		request.OwnerUserID, request.BillingAdminID, allocation, tier)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"pool_id":            pool.ID,
		"kind":               pool.Kind.String(),
		"resource_id":        pool.ResourceID,
		"current_balance":    pool.CurrentBalance.StringFixed(2),
		"monthly_allocation": pool.MonthlyAllocation.StringFixed(2),
		"storage_limit_gb":   pool.StorageLimitGB.StringFixed(2),
	})
}

type consumeRequest struct {
	Amount         json.Number `json:"amount" binding:"required"`
	OperationType  string      `json:"operation_type" binding:"required"`
	Description    string      `json:"description"`
	IdempotencyKey string      `json:"idempotency_key"`
	Metadata       gin.H       `json:"metadata"`
}

func (server *Server) handleConsume(ctx *gin.Context) {
	kind, resourceID, ok := server.poolParams(ctx)
	if !ok {
		return
	}
	var request consumeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	amount, err := credits.DecimalFromAny(json.Number(request.Amount))
	if err != nil {
		respondError(ctx, err)
		return
	}
	operationType, err := credits.NewOperationType(request.OperationType)
	if err != nil {
		respondError(ctx, err)
		return
	}
	options := credits.ConsumeOptions{
		RequestID: ctx.GetString(contextKeyRequestID),
		UserID:    ctx.GetString(contextKeyUserID),
	}
	if request.IdempotencyKey != "" {
		key, err := credits.NewIdempotencyKey(request.IdempotencyKey)
		if err != nil {
			respondError(ctx, err)
			return
		}
		options.IdempotencyKey = key
	}
	if len(request.Metadata) > 0 {
		metadata, err := credits.MetadataFromMap(request.Metadata)
		if err != nil {
			respondError(ctx, err)
			return
		}
		options.Metadata = metadata
	}
	result, err := server.service.Consume(ctx.Request.Context(), kind, resourceID, amount,
		operationType, request.Description, options)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, consumeResultJSON(result))
}

func (server *Server) handleAllocate(ctx *gin.Context) {
	kind, resourceID, ok := server.poolParams(ctx)
	if !ok {
		return
	}
	allocated, err := server.service.AllocateIfDue(ctx.Request.Context(), kind, resourceID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"allocated": allocated})
}

type updateAllocationRequest struct {
	MonthlyAllocation json.Number `json:"monthly_allocation" binding:"required"`
	ImmediateCredit   bool        `json:"immediate_credit"`
}

func (server *Server) handleUpdateAllocation(ctx *gin.Context) {
	kind, resourceID, ok := server.poolParams(ctx)
	if !ok {
		return
	}
	var request updateAllocationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	allocation, err := credits.DecimalFromAny(json.Number(request.MonthlyAllocation))
	if err != nil {
		respondError(ctx, err)
		return
	}
	if err := server.service.UpdateMonthlyAllocation(ctx.Request.Context(), kind, resourceID,
		allocation, request.ImmediateCredit); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"monthly_allocation": allocation.StringFixed(2)})
}

type grantBonusRequest struct {
	Amount         json.Number `json:"amount" binding:"required"`
	Description    string      `json:"description"`
	IdempotencyKey string      `json:"idempotency_key"`
}

func (server *Server) handleGrantBonus(ctx *gin.Context) {
	kind, resourceID, ok := server.poolParams(ctx)
	if !ok {
		return
	}
	var request grantBonusRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	amount, err := credits.DecimalFromAny(json.Number(request.Amount))
	if err != nil {
		respondError(ctx, err)
		return
	}
	options := credits.ConsumeOptions{
		RequestID: ctx.GetString(contextKeyRequestID),
		UserID:    ctx.GetString(contextKeyUserID),
	}
	if request.IdempotencyKey != "" {
		key, err := credits.NewIdempotencyKey(request.IdempotencyKey)
		if err != nil {
			respondError(ctx, err)
			return
		}
		options.IdempotencyKey = key
	}
	result, err := server.service.GrantBonus(ctx.Request.Context(), kind, resourceID, amount,
		request.Description, options)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, consumeResultJSON(result))
}

func (server *Server) handleStorageCheck(ctx *gin.Context) {
	kind, resourceID, ok := server.poolParams(ctx)
	if !ok {
		return
	}
	var current *decimal.Decimal
	if raw := ctx.Query("current_gb"); raw != "" {
		parsed, err := credits.DecimalFromAny(raw)
		if err != nil {
			respondError(ctx, err)
			return
		}
		current = &parsed
	}
	check, err := server.service.CheckStorageLimit(ctx.Request.Context(), kind, resourceID, current)
	if err != nil {
		respondError(ctx, err)
		return
	}
	response := gin.H{
		"within_limit":       check.WithinLimit,
		"approaching_limit":  check.ApproachingLimit,
		"needs_warning":      check.NeedsWarning,
		"usage_percentage":   check.UsagePercentage.InexactFloat64(),
		"current_gb":         check.CurrentGB.StringFixed(2),
		"effective_limit_gb": check.EffectiveLimitGB.StringFixed(2),
	}
	if len(check.Recommendations) > 0 {
		response["recommendations"] = check.Recommendations
	}
	ctx.JSON(http.StatusOK, response)
}

type storageOverageRequest struct {
	TotalStorageGB json.Number `json:"total_storage_gb" binding:"required"`
}

func (server *Server) handleStorageOverage(ctx *gin.Context) {
	kind, resourceID, ok := server.poolParams(ctx)
	if !ok {
		return
	}
	var request storageOverageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	total, err := credits.DecimalFromAny(json.Number(request.TotalStorageGB))
	if err != nil {
		respondError(ctx, err)
		return
	}
	result, err := server.service.ConsumeStorageOverage(ctx.Request.Context(), kind, resourceID, total)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"overage_gb":       result.OverageGB.StringFixed(2),
		"credits_consumed": result.CreditsConsumed.StringFixed(2),
		"went_negative":    result.WentNegative,
		"transaction_id":   result.TransactionID,
	})
}

type storageOverrideRequest struct {
	NewLimitGB json.Number `json:"new_limit_gb" binding:"required"`
	Reason     string      `json:"reason" binding:"required"`
}

func (server *Server) handleStorageOverride(ctx *gin.Context) {
	kind, resourceID, ok := server.poolParams(ctx)
	if !ok {
		return
	}
	var request storageOverrideRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	newLimit, err := credits.DecimalFromAny(json.Number(request.NewLimitGB))
	if err != nil {
		respondError(ctx, err)
		return
	}
	result, err := server.service.SetStorageOverride(ctx.Request.Context(), kind, resourceID,
		newLimit, ctx.GetString(contextKeyUserID), request.Reason)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"old_limit_gb": result.OldLimitGB.StringFixed(2),
		"new_limit_gb": result.NewLimitGB.StringFixed(2),
	})
}

type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (server *Server) handleSetActive(ctx *gin.Context) {
	kind, resourceID, ok := server.poolParams(ctx)
	if !ok {
		return
	}
	var request setActiveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	if err := server.service.SetPoolActive(ctx.Request.Context(), kind, resourceID, *request.Active); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"active": *request.Active})
}

func (server *Server) handleSummary(ctx *gin.Context) {
	kind, resourceID, ok := server.poolParams(ctx)
	if !ok {
		return
	}
	summary, err := server.service.GetUsageSummary(ctx.Request.Context(), kind, resourceID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	response := gin.H{
		"pool_id":              summary.PoolID,
		"kind":                 summary.Kind.String(),
		"resource_id":          summary.ResourceID,
		"current_balance":      summary.CurrentBalance.StringFixed(2),
		"monthly_allocation":   summary.MonthlyAllocation.StringFixed(2),
		"consumed_this_period": summary.ConsumedThisPeriod.StringFixed(2),
		"rollover_credits":     summary.RolloverCredits.StringFixed(2),
		"transaction_count":    summary.TransactionCount,
		"effective_limit_gb":   summary.EffectiveLimitGB.StringFixed(2),
		"is_active":            summary.IsActive,
	}
	if summary.LastAllocationDate != nil {
		response["last_allocation_date"] = summary.LastAllocationDate.UTC().Format(time.RFC3339)
	}
	if summary.NextAllocationDate != nil {
		response["next_allocation_date"] = summary.NextAllocationDate.UTC().Format(time.RFC3339)
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleListTransactions(ctx *gin.Context) {
	kind, resourceID, ok := server.poolParams(ctx)
	if !ok {
		return
	}
	var before int64
	if raw := ctx.Query("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "before must be a unix timestamp"))
			return
		}
		before = parsed
	}
	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "limit must be an integer"))
			return
		}
		limit = parsed
	}
	transactions, err := server.service.ListTransactions(ctx.Request.Context(), kind, resourceID, before, limit)
	if err != nil {
		respondError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, gin.H{
			"transaction_id": transaction.ID,
			"type":           transaction.Type.String(),
			"amount":         transaction.Amount.StringFixed(2),
			"balance_after":  transaction.BalanceAfter.StringFixed(2),
			"description":    transaction.Description,
			"created_at":     transaction.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (server *Server) poolParams(ctx *gin.Context) (credits.PoolKind, credits.ResourceID, bool) {
	kind, err := credits.ParsePoolKind(ctx.Param("kind"))
	if err != nil {
		respondError(ctx, err)
		return "", credits.ResourceID{}, false
	}
	resourceID, err := credits.NewResourceID(ctx.Param("resource"))
	if err != nil {
		respondError(ctx, err)
		return "", credits.ResourceID{}, false
	}
	return kind, resourceID, true
}

func consumeResultJSON(result credits.ConsumeResult) gin.H {
	return gin.H{
		"pool_id":         result.PoolID,
		"transaction_id":  result.TransactionID,
		"old_balance":     result.OldBalance.StringFixed(2),
		"new_balance":     result.NewBalance.StringFixed(2),
		"amount":          result.AmountConsumed.StringFixed(2),
		"went_negative":   result.WentNegative,
		"already_applied": result.AlreadyApplied,
	}
}

func numberOrNil(value json.Number) any {
	if value == "" {
		return nil
	}
	return value
}

// respondError maps domain errors onto HTTP statuses. Insufficient credits
// carries the required/available figures so the caller can render them.
func respondError(ctx *gin.Context, err error) {
	var insufficient credits.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":              "insufficient_credits",
				"message":           insufficient.Error(),
				"required_credits":  insufficient.Required.InexactFloat64(),
				"available_credits": insufficient.Available.InexactFloat64(),
			},
		})
		return
	}
	switch {
	case errors.Is(err, credits.ErrPoolNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("pool_not_found", err.Error()))
	case errors.Is(err, credits.ErrResourceNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("resource_not_found", err.Error()))
	case errors.Is(err, credits.ErrTransactionNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("transaction_not_found", err.Error()))
	case errors.Is(err, credits.ErrPoolInactive):
		ctx.JSON(http.StatusForbidden, errorResponse("pool_inactive", err.Error()))
	case errors.Is(err, credits.ErrPoolExists):
		ctx.JSON(http.StatusConflict, errorResponse("pool_exists", err.Error()))
	case errors.Is(err, credits.ErrInvalidPoolKind),
		errors.Is(err, credits.ErrInvalidResourceID),
		errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrInvalidOperationType),
		errors.Is(err, credits.ErrInvalidIdempotencyKey),
		errors.Is(err, credits.ErrInvalidMetadataJSON),
		errors.Is(err, credits.ErrInvalidTier),
		errors.Is(err, credits.ErrInvalidStorageLimit),
		errors.Is(err, credits.ErrInvalidAllocation):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "operation failed"))
	}
}
