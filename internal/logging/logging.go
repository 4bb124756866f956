package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/term"
)

// New builds the process logger. An empty format picks the console writer
// when stderr is a terminal and JSON lines otherwise.
func New(level, format string) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	var w io.Writer
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "":
		if term.IsTerminal(int(os.Stderr.Fd())) {
			w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
		} else {
			w = os.Stderr
		}
	case "console", "text":
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly, NoColor: !term.IsTerminal(int(os.Stderr.Fd()))}
	case "json":
		w = os.Stderr
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format: %s", format)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// ParseLevel maps a config level onto zerolog, defaulting to info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level: %s", s)
	}
}

// Component returns a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// WhatsApp bridges whatsmeow's logger interface onto zerolog. level caps
// the verbosity of the library independently of the bot's own level.
func WhatsApp(log zerolog.Logger, module, level string) waLog.Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = zerolog.ErrorLevel
	}
	return waLog.Zerolog(log.With().Str("component", "whatsmeow").Str("module", module).Logger().Level(lvl))
}
