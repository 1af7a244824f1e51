// Package logger declares the logging contract shared by the relay and the
// vehicle agent. Core packages log only through this interface; the zerolog
// backend lives in infra so domain code stays free of output concerns.
package logger

// Logger exposes leveled, component-scoped logging.
type Logger interface {
	Debugf(format string, args ...any)
	// Debugw logs at debug level with structured fields. Frame handling and
	// fan-out paths use it so per-message output stays machine-filterable.
	Debugw(msg string, fields map[string]any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}
