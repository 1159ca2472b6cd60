package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/progress"
)

// LogSink writes each lifecycle event as one structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Usage limit hits log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("owner", evt.Owner),
			zap.Time("ts", evt.TS),
		}
		switch evt.Kind() {
		case "job", "crawl":
			fields = append(fields,
				zap.String("subject_id", evt.SubjectID),
				zap.String("from", evt.From),
				zap.String("to", evt.To),
				zap.Int("processed", evt.Counters.Processed),
				zap.Int("total", evt.Counters.Total),
				zap.Int("success", evt.Counters.Success),
				zap.Int("failure", evt.Counters.Failure),
			)
			if evt.Dur > 0 {
				fields = append(fields, zap.Duration("dur", evt.Dur))
			}
		case "usage":
			fields = append(fields,
				zap.String("feature", evt.Feature),
				zap.Int("current", evt.Current),
				zap.Int("limit", evt.Limit),
				zap.Float64("percent", evt.Percent),
			)
		case "payment":
			fields = append(fields,
				zap.String("payment_id", evt.SubjectID),
				zap.Int64("amount", evt.Amount),
			)
		case "price":
			fields = append(fields,
				zap.String("alert_id", evt.SubjectID),
				zap.Int64("price", evt.Amount),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageUsageLimit || evt.Stage == progress.StagePaymentFailed {
			s.logger.Warn("lifecycle event", fields...)
			continue
		}
		s.logger.Info("lifecycle event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
