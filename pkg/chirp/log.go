package chirp

import (
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// defaultLogger builds a zerolog.Logger writing pretty console output to
// stderr when it's a terminal, and plain JSON otherwise, at the given
// level. Chirp instances with no explicit Config.LogLevel consumer still
// get sensible output out of the box, matching this codebase's pattern of
// a console writer fed through go-colorable/go-isatty.
func defaultLogger(level zerolog.Level) zerolog.Logger {
	var w = os.Stderr
	out := colorable.NewColorable(w)
	if isatty.IsTerminal(w.Fd()) {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).
			Level(level).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
}
