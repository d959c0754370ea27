package godetour

import "go.uber.org/zap"

// logger is nil by default so the library stays silent unless a caller
// opts in, matching how zap is used elsewhere in the pack as an injected
// dependency rather than a package-level global.
var logger *zap.SugaredLogger

// WithLogger installs a logger used for trace logging of enable/disable
// and patch-plan decisions. Passing nil silences the package again.
func WithLogger(l *zap.SugaredLogger) {
	logger = l
}

func logDebugw(msg string, keysAndValues ...any) {
	if logger != nil {
		logger.Debugw(msg, keysAndValues...)
	}
}

func logErrorw(msg string, keysAndValues ...any) {
	if logger != nil {
		logger.Errorw(msg, keysAndValues...)
	}
}
