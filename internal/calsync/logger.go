package calsync

// Logger is the minimal logging surface injected into sync components. A nil
// Logger disables logging.
type Logger interface {
	Printf(format string, args ...any)
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
