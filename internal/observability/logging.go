package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the process-wide logger for the assistant service.
// Structured JSON goes to stderr so stdout stays free for tooling; when path
// is set, events are duplicated into an append-only file so the ingestion
// worker and the query path end up in one reviewable stream. The stderr
// logger is usable even when the file cannot be opened; the open error is
// returned for the caller to report.
func Init(path, level string) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	writers := []io.Writer{os.Stderr}
	var fileErr error
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fileErr = err
		} else {
			writers = append(writers, f)
		}
	}
	out := writers[0]
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Str("service", "scribes").Logger()
	zerolog.SetGlobalLevel(parseLevel(level))
	return fileErr
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
