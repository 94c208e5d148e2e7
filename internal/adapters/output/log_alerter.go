package output

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/sshwarden/internal/domain"
)

// LogAlerter writes each alert as a structured log line.
type LogAlerter struct {
	logger zerolog.Logger
}

// NewLogAlerter logs through the global logger when logger is nil.
func NewLogAlerter(logger *zerolog.Logger) *LogAlerter {
	if logger == nil {
		l := log.Logger.With().Str("component", "alert").Logger()
		logger = &l
	}
	return &LogAlerter{logger: *logger}
}

func (a *LogAlerter) Send(_ context.Context, alert *domain.Alert) error {
	var evt *zerolog.Event
	switch alert.Level {
	case domain.AlertLevelCritical:
		evt = a.logger.Error()
	case domain.AlertLevelWarning:
		evt = a.logger.Warn()
	default:
		evt = a.logger.Info()
	}

	evt = evt.
		Str("alert_id", alert.ID).
		Str("kind", string(alert.Kind)).
		Str("identity", alert.Identity).
		Str("reason", alert.Reason).
		Int("attempts", alert.AttemptCount)
	if alert.Target != "" {
		evt = evt.Str("target", alert.Target)
	}
	if !alert.ExpiresAt.IsZero() {
		evt = evt.Time("expires_at", alert.ExpiresAt)
	}
	evt.Msg(alert.Message)
	return nil
}

func (a *LogAlerter) Flush() error { return nil }
func (a *LogAlerter) Close() error { return nil }
