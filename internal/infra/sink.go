package infra

import (
	"errors"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// LogSink writes lifecycle events to the log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.With(zap.String("component", "lifecycle"))}
}

// Publish logs ev.
func (s *LogSink) Publish(ev domain.LifecycleEvent) error {
	s.logger.Info("lifecycle event",
		zap.String("kind", string(ev.Kind)),
		zap.String("package", ev.PackageID),
		zap.Int64("timestamp_ms", ev.TimestampMillis))
	return nil
}

// FanoutSink publishes to every sink, even when an earlier one fails.
type FanoutSink struct {
	sinks []domain.LifecycleSink
}

// NewFanoutSink creates a sink over sinks. Nil entries are skipped.
func NewFanoutSink(sinks ...domain.LifecycleSink) *FanoutSink {
	out := make([]domain.LifecycleSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &FanoutSink{sinks: out}
}

// Publish sends ev to every sink and joins their errors.
func (f *FanoutSink) Publish(ev domain.LifecycleEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ensure implementations satisfy interfaces
var _ domain.LifecycleSink = (*LogSink)(nil)
var _ domain.LifecycleSink = (*FanoutSink)(nil)
