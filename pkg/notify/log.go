package notify

import (
	"context"
	"log/slog"
)

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "notify")}
}

func (s *LogSink) Publish(ctx context.Context, e Event) error {
	s.logger.InfoContext(ctx, "approval event",
		"id", e.ID,
		"subject", e.Subject,
		"approval_id", e.ApprovalID,
		"urgency", e.Urgency,
		"actor", e.Actor,
	)
	return nil
}
