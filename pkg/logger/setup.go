package logger

import (
	"fmt"
	"io"
	"os"
)

// Setup initializes the default logger from CLI-level settings. When logFile
// is non-empty, output is duplicated to the file and stderr.
func Setup(level string, json bool, logFile string) (func(), error) {
	var lvl LogLevel
	switch level {
	case "debug":
		lvl = DebugLevel
	case "info", "":
		lvl = InfoLevel
	case "warn":
		lvl = WarnLevel
	case "error":
		lvl = ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	var out io.Writer = os.Stderr
	cleanup := func() {}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		out = io.MultiWriter(os.Stderr, f)
		cleanup = func() { f.Close() }
	}

	Init(&Config{
		Level:      lvl,
		Output:     out,
		JSON:       json,
		TimeFormat: "15:04:05",
	})
	return cleanup, nil
}
