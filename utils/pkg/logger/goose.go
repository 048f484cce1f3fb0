package logger

import (
	"fmt"
	"log/slog"
	"strings"
)

// GooseLogger adapts a slog.Logger to the goose.Logger interface.
type GooseLogger struct {
	Log *slog.Logger
}

func (l *GooseLogger) Fatalf(format string, v ...any) {
	l.Log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *GooseLogger) Printf(format string, v ...any) {
	l.Log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
