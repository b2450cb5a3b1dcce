package whatsapp

import (
	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

type zeroLogger struct {
	base   zerolog.Logger
	log    zerolog.Logger
	module string
}

// NewLogger routes whatsmeow logs through zerolog with the module as a field.
func NewLogger(base zerolog.Logger, module string) waLog.Logger {
	return zeroLogger{
		base:   base,
		log:    base.With().Str("module", module).Logger(),
		module: module,
	}
}

func (z zeroLogger) Errorf(msg string, args ...interface{}) { z.log.Error().Msgf(msg, args...) }
func (z zeroLogger) Warnf(msg string, args ...interface{})  { z.log.Warn().Msgf(msg, args...) }
func (z zeroLogger) Infof(msg string, args ...interface{})  { z.log.Info().Msgf(msg, args...) }
func (z zeroLogger) Debugf(msg string, args ...interface{}) { z.log.Debug().Msgf(msg, args...) }

func (z zeroLogger) Sub(module string) waLog.Logger {
	return NewLogger(z.base, z.module+"/"+module)
}
