package events

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes every event to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs at debug level.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(_ context.Context, ev *Event) error {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("engine", ev.Engine),
	}
	if ev.Branch != "" {
		fields = append(fields, zap.String("branch", ev.Branch))
	}
	if ev.CycleID != "" {
		fields = append(fields, zap.String("cycle_id", ev.CycleID))
	}
	if ev.Phase != "" {
		fields = append(fields, zap.String("phase", ev.Phase))
	}
	if ev.Message != "" {
		fields = append(fields, zap.String("message", ev.Message))
	}
	for k, v := range ev.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	s.logger.Debug("event", fields...)
	return nil
}
