package logger

import (
	"log/slog"
	"os"
)

// FatalWithLogger logs msg at error level through logger and exits the
// process with status 1. Reserved for unrecoverable startup failures, such
// as the proxy failing to bind or listen on its configured port.
func FatalWithLogger(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}
