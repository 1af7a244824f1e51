package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// zerologLogger adapts rs/zerolog to the project logging contract. Two
// environment variables control the output:
//
//	SB_LOG_LEVEL   minimum level (trace, debug, info, warn, error); info when
//	               unset or unparseable
//	SB_LOG_FORMAT  "console" for human-readable output, JSON otherwise
//
// Every line carries a component field so a combined relay and agent
// deployment can be filtered per subsystem.
type zerologLogger struct {
	z zerolog.Logger
}

func newZerolog(component string) Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("SB_LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if strings.EqualFold(os.Getenv("SB_LOG_FORMAT"), "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	z := zerolog.New(out).Level(level).With().Timestamp().Str("component", component).Logger()
	return &zerologLogger{z: z}
}

func (l *zerologLogger) Debugf(format string, args ...any) { l.z.Debug().Msgf(format, args...) }

func (l *zerologLogger) Debugw(msg string, fields map[string]any) {
	l.z.Debug().Fields(fields).Msg(msg)
}

func (l *zerologLogger) Infof(format string, args ...any) { l.z.Info().Msgf(format, args...) }

func (l *zerologLogger) Warnf(format string, args ...any) { l.z.Warn().Msgf(format, args...) }

func (l *zerologLogger) Errorf(format string, args ...any) { l.z.Error().Msgf(format, args...) }
