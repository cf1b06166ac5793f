// Package sinks contains the bundled progress.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/leadforge/leadcrawler/internal/progress"
)

// LogSink writes structured logs for the progress stream. Useful during
// development and anywhere a durable sink is not wired.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("progress event",
			zap.String("job_id", evt.JobID),
			zap.String("target_id", evt.TargetID),
			zap.String("stage", string(evt.Stage)),
			zap.String("job_status", string(evt.JobStatus)),
			zap.String("target_status", string(evt.TargetStatus)),
			zap.String("outcome", string(evt.Outcome)),
			zap.String("domain", evt.Domain),
			zap.Int("leads_emitted", evt.LeadsEmitted),
			zap.Int("attempt", evt.Attempt),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
