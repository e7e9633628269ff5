// Package logging provides the single zerolog.Logger type threaded through
// node/swarm/pool/traversal as an injected dependency. Nothing in this
// module reaches for a package-global logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a console-friendly logger at the given level, writing to w.
// If w is nil, os.Stderr is used.
func New(level zerolog.Level, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}).
		Level(level).
		With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, for tests and embedders
// that don't want output.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
