package eventbus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// zerologAdapter implements watermill.LoggerAdapter on top of zerolog.
type zerologAdapter struct {
	log zerolog.Logger
}

// NewWatermillLogger wraps l for watermill publishers and subscribers.
func NewWatermillLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return zerologAdapter{log: l}
}

func (a zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	withFields(a.log.Error().Err(err), fields).Msg(msg)
}

func (a zerologAdapter) Info(msg string, fields watermill.LogFields) {
	withFields(a.log.Info(), fields).Msg(msg)
}

func (a zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	withFields(a.log.Debug(), fields).Msg(msg)
}

func (a zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	withFields(a.log.Trace(), fields).Msg(msg)
}

func (a zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{log: a.log.With().Fields(map[string]interface{}(fields)).Logger()}
}

func withFields(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	if len(fields) == 0 {
		return e
	}
	return e.Fields(map[string]interface{}(fields))
}
