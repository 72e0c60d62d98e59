// Package debug provides protocol-level tracing that is only enabled
// when KMS_DEBUG is set to a positive number.
package debug

import (
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

var log = zerolog.Nop()

func init() {
	debugLevel, err := strconv.ParseInt(os.Getenv("KMS_DEBUG"), 10, 0)
	if err != nil {
		return
	}
	if debugLevel > 0 {
		Enable(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger())
	}
}

// Enable routes tracing output to l.
func Enable(l zerolog.Logger) {
	log = l.With().Str("component", "trace").Logger()
}

// Enabled reports whether tracing output is being written anywhere.
func Enabled() bool {
	return log.GetLevel() != zerolog.Disabled
}

func Printf(str string, args ...any) {
	log.Debug().Msgf(str, args...)
}
