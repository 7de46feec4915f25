package logger

import (
	"io"
	"log/slog"
	"os"
)

// Init configures the process-wide slog default. Output goes to stdout and,
// when logFile is non-empty, to the file as well. EPIPE on stdout is possible
// when the front-end closes its pipe; slog handlers swallow write errors, so
// that case never propagates.
func Init(level string, logFile string) (*slog.Logger, error) {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}

	out := io.Writer(os.Stdout)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	log := slog.New(handler)
	slog.SetDefault(log)
	return log, nil
}
