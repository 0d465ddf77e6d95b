package identity

import "go.uber.org/zap"

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger adapts a zap logger to Logger. A nil logger yields the
// default stdout logger.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return zapLogger{sugar: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z zapLogger) Debug(format string, args ...any) {
	z.sugar.Debugf(format, args...)
}

func (z zapLogger) Info(format string, args ...any) {
	z.sugar.Infof(format, args...)
}

func (z zapLogger) Warn(format string, args ...any) {
	z.sugar.Warnf(format, args...)
}

func (z zapLogger) Error(format string, args ...any) {
	z.sugar.Errorf(format, args...)
}
