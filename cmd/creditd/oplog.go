package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/RoboFinSystems/robosystems-sub003/pkg/credits"
)

// zapOperationLogger emits one structured log line per ledger operation.
type zapOperationLogger struct {
	logger *zap.Logger
}

func newZapOperationLogger(logger *zap.Logger) *zapOperationLogger {
	return &zapOperationLogger{logger: logger}
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("kind", entry.Kind.String()),
		zap.String("resource_id", entry.ResourceID),
		zap.String("pool_id", entry.PoolID),
		zap.String("status", entry.Status),
	}
	if entry.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID))
	}
	if !entry.Amount.IsZero() {
		fields = append(fields, zap.String("amount", entry.Amount.StringFixed(2)))
	}
	if entry.IdempotencyKey != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey))
	}
	if entry.Clamped {
		fields = append(fields, zap.Bool("clamped", true))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	fields = append(fields, zap.String("balance", entry.Balance.StringFixed(2)))
	operationLogger.logger.Info("ledger operation", fields...)
}
