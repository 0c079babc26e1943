package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// Init sets the global log level. Unknown or empty levels fall back to info.
func Init(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	log = log.Level(lvl)
}

func DebugC(component, msg string) {
	log.Debug().Str("component", component).Msg(msg)
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	log.Debug().Str("component", component).Fields(fields).Msg(msg)
}

func InfoC(component, msg string) {
	log.Info().Str("component", component).Msg(msg)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	log.Info().Str("component", component).Fields(fields).Msg(msg)
}

func WarnC(component, msg string) {
	log.Warn().Str("component", component).Msg(msg)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	log.Warn().Str("component", component).Fields(fields).Msg(msg)
}

func ErrorC(component, msg string) {
	log.Error().Str("component", component).Msg(msg)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	log.Error().Str("component", component).Fields(fields).Msg(msg)
}
