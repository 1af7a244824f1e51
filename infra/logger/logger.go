package logger

import corelogger "github.com/reliefwings/skybridge/core/logger"

// Logger mirrors the core logging contract so infra packages and commands
// need a single import.
type Logger = corelogger.Logger

// NopLogger implements Logger with no-op methods.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any)         {}
func (NopLogger) Debugw(string, map[string]any) {}
func (NopLogger) Infof(string, ...any)          {}
func (NopLogger) Warnf(string, ...any)          {}
func (NopLogger) Errorf(string, ...any)         {}

// New returns the zerolog-backed Logger for the given component. Output
// format and minimum level are read from SB_LOG_FORMAT and SB_LOG_LEVEL.
func New(component string) Logger { return newZerolog(component) }
