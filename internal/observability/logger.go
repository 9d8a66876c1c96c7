package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs the process-wide zerolog logger used by the admin
// surface and returns it.
func InitLogger(node string, debug bool) zerolog.Logger {
	return initLogger(os.Stdout, node, debug)
}

func initLogger(out io.Writer, node string, debug bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(output).Level(level).With().Timestamp().Str("app", "serialsync").Str("node", node).Logger()
	log.Logger = logger
	return logger
}
