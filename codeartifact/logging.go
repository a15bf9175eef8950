package codeartifact

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/smithy-go/logging"
)

// sdkLogger forwards AWS SDK client logs to slog. The SDK only logs when
// client log modes are enabled, so its records are written at info level and do
// not depend on the configured application level.
type sdkLogger struct {
	logger *slog.Logger
}

func (l sdkLogger) Logf(classification logging.Classification, format string, v ...any) {
	level := slog.LevelInfo
	if classification == logging.Warn {
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func sdkLogOutput(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "aws-sdk")
}
