package history

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes records to a zap logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Write(_ context.Context, records []Record) error {
	for _, r := range records {
		s.Logger.Info("call completed",
			zap.String("correlation_id", r.CorrelationID),
			zap.String("target", r.TargetUID),
			zap.String("action", r.ActionID),
			zap.String("outcome", r.Outcome),
			zap.String("status", r.Status),
			zap.String("error_code", r.ErrorCode),
			zap.Duration("duration", r.Duration))
	}
	return nil
}

func (s LogSink) Close() error {
	_ = s.Logger.Sync()
	return nil
}
