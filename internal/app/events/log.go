package events

import (
	"context"

	"github.com/R3E-Network/token_locker/internal/app/domain/locker"
	"github.com/R3E-Network/token_locker/pkg/logger"
)

// LogEmitter writes each event as an EVENT_JSON line at info level.
type LogEmitter struct {
	log *logger.Logger
}

var _ Emitter = (*LogEmitter)(nil)

// NewLogEmitter returns an emitter writing to log.
func NewLogEmitter(log *logger.Logger) *LogEmitter {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &LogEmitter{log: log}
}

// Emit logs the event line.
func (l *LogEmitter) Emit(ctx context.Context, event locker.Event) {
	line, err := event.LogLine()
	if err != nil {
		l.log.WithContext(ctx).WithError(err).Warn("encode event")
		return
	}
	l.log.WithContext(ctx).WithField("event", event.Kind).Info(line)
}
