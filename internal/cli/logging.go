package cli

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"modelmgr/internal/manager"
)

// newLogger builds the process logger. Console output is human oriented and
// goes to w; json emits one object per line.
func newLogger(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	switch strings.ToLower(level) {
	case "", "info":
	case "off":
		lvl = zerolog.Disabled
	default:
		l, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), usagef("invalid log level %q", level)
		}
		lvl = l
	}
	switch strings.ToLower(format) {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), usagef("invalid log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// logPublisher forwards manager events to the logger at debug level.
type logPublisher struct{ logger zerolog.Logger }

func (p logPublisher) Publish(e manager.Event) {
	ev := p.logger.Debug().Str("event", e.Name).Str("target", e.Target)
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("manager event")
}
