package postgresql

import (
	"context"

	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"
)

// newQueryTracer bridges pgx tracelog output into zerolog so slow and failing
// statements land in the same stream as the rest of the application logs.
func newQueryTracer(logger zerolog.Logger) tracelog.LoggerFunc {
	levels := map[tracelog.LogLevel]zerolog.Level{
		tracelog.LogLevelTrace: zerolog.TraceLevel,
		tracelog.LogLevelDebug: zerolog.DebugLevel,
		tracelog.LogLevelInfo:  zerolog.InfoLevel,
		tracelog.LogLevelWarn:  zerolog.WarnLevel,
		tracelog.LogLevelError: zerolog.ErrorLevel,
	}

	return func(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
		zerologLevel, ok := levels[level]
		if !ok {
			zerologLevel = zerolog.WarnLevel
		}

		event := logger.WithLevel(zerologLevel)
		for key, value := range data {
			event = event.Interface(key, value)
		}
		event.Msg(msg)
	}
}
