// Package sysutil holds process-level helpers shared by the server
// entrypoint and the HTTP layer.
package sysutil

import (
	"strings"

	"github.com/rs/zerolog"
)

// SetLogLevel configures the global zerolog level from a config string.
// "warning" is accepted as an alias for "warn"; anything unparseable falls
// back to info so a typo never silences the logs entirely.
func SetLogLevel(lvl string) {
	s := strings.ToLower(strings.TrimSpace(lvl))
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// FirstNonEmpty returns the first value whose trimmed form is non-empty,
// or "" when every candidate is blank. Used for identity fallback chains
// (context value, header, default).
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
