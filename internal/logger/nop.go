package logger

// nopLogger discards all log output. Used in tests and as a safe default
// when a component is constructed without a logger.
type nopLogger struct{}

// NewNop creates a logger that discards everything.
func NewNop() Logger {
	return nopLogger{}
}

func (nopLogger) Debug(msg string, fields ...Field) {}
func (nopLogger) Info(msg string, fields ...Field)  {}
func (nopLogger) Warn(msg string, fields ...Field)  {}
func (nopLogger) Error(msg string, fields ...Field) {}

func (n nopLogger) With(fields ...Field) Logger { return n }

func (nopLogger) Sync() error { return nil }
