package logger

import (
	"io"
	"os"

	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is replaced by Init. The stdout default keeps packages usable before Init runs.
var Log = slog.New(slog.NewJSONHandler(os.Stdout, nil))

func Init(logFilePath string, level string) {
	rotator := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     0, // ignore age
		Compress:   false,
	}
	writer := io.MultiWriter(os.Stdout, rotator)
	Log = slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: ParseLevel(level)}))
	slog.SetDefault(Log)
}

// ParseLevel maps debug|info|warn|error to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
