package pulse

import (
	"context"

	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ Notifier = (*LogNotifier)(nil)

// LogNotifier writes notifications to the log. It is the fallback channel
// when nothing else is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs n and never fails.
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.Time("at", n.Timestamp),
	}
	if n.TargetID != "" {
		fields = append(fields, zap.String("target_id", n.TargetID))
	}
	if n.Target != nil {
		fields = append(fields, zap.String("target_name", n.Target.Name), zap.String("url", n.Target.URL))
	}
	if n.Health != nil {
		fields = append(fields, zap.Int("fails", n.Health.Fails))
	}
	if n.Report != nil {
		fields = append(fields,
			zap.Int("targets", n.Report.Summary.TotalTargets),
			zap.Int("failed", n.Report.Summary.Failed),
			zap.Float64("success_rate", n.Report.Summary.SuccessRate),
		)
	}

	switch n.Kind {
	case KindAlert:
		l.logger.Warn("target alert", fields...)
	default:
		l.logger.Info("target notification", fields...)
	}
	return nil
}

// Type returns the notifier type identifier.
func (l *LogNotifier) Type() string {
	return "log"
}
