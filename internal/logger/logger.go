package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process-wide zerolog.Logger. In dev mode it writes a
// human-readable console stream with stack traces on error; otherwise it
// writes structured JSON to stderr for log aggregation.
func Setup(dev bool) zerolog.Logger {
	var log zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	log = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return log
}
