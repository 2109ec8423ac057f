package observability

import "go.uber.org/zap"

// Logger is the logging surface core components depend on. Both the gofulmen
// *logging.Logger and *zap.Logger satisfy it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return zap.NewNop()
}

// LoggerOrNop returns l unless it is nil.
func LoggerOrNop(l Logger) Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}

// ActiveLogger returns the server logger when initialized, then the CLI
// logger, and finally a no-op logger.
func ActiveLogger() Logger {
	if ServerLogger != nil {
		return ServerLogger
	}
	if CLILogger != nil {
		return CLILogger
	}
	return NopLogger()
}
