// Package oplog writes ledger operation records as structured zap lines.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"go.uber.org/zap"
)

const logMessage = "ledger operation"

// Logger implements ledger.OperationLogger on top of zap.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger; a nil zap logger disables output.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("ledger")}
}

// LogOperation emits one line per operation. Failures are logged at warn level.
func (logger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
	}
	if entry.Points != 0 {
		fields = append(fields, zap.Int64("points", entry.Points))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.String("amount", entry.Amount.String()))
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Error != nil {
		logger.logger.Warn(logMessage, append(fields, zap.Error(entry.Error))...)
		return
	}
	logger.logger.Info(logMessage, fields...)
}
