package netward

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger from the logging section. Console
// output is meant for terminals, json for log shippers.
func NewLogger(cfg Config, out io.Writer) (zerolog.Logger, error) {
	if out == nil {
		out = os.Stdout
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logging.level: %w", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("logging.format: unsupported %q", cfg.Logging.Format)
	}

	log := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Server.Site != "" {
		log = log.Str("site", strings.ToUpper(cfg.Server.Site))
	}
	return log.Logger(), nil
}
