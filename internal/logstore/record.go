package logstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/db"
	"github.com/lalithlochan/formsync/internal/metrics"
)

// Record appends entry without failing the caller. A failed write is
// reported to logger and counted; the entry itself is logged so it is
// not lost.
func Record(ctx context.Context, s Store, logger *zap.Logger, entry *db.LogEntry) {
	if s == nil {
		return
	}
	if _, err := s.Append(ctx, entry); err != nil {
		metrics.RecordLogWriteFailure("log")
		logger.Error("integration log write failed",
			zap.Error(err),
			zap.String("integration_id", entry.IntegrationID),
			zap.Int64("form_id", entry.FormID),
			zap.String("status", entry.Status),
			zap.String("message", entry.Message),
			zap.ByteString("data", entry.Data),
		)
	}
}

// RecordEvent is Record for analytics events.
func RecordEvent(ctx context.Context, s Store, logger *zap.Logger, event *db.AnalyticsEvent) {
	if s == nil {
		return
	}
	if _, err := s.RecordEvent(ctx, event); err != nil {
		metrics.RecordLogWriteFailure("analytics")
		logger.Error("analytics event write failed",
			zap.Error(err),
			zap.Int64("form_id", event.FormID),
			zap.String("event_type", event.EventType),
		)
	}
}
